package persist

import "testing"

func TestMemoryCollaboratorReadByVersion(t *testing.T) {
	m := NewMemoryCollaborator()
	defer m.Close()

	if err := m.Append(Record{Subgroup: "foo", Version: 1, Time: HLC{Physical: 100}, Bytes: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := m.Append(Record{Subgroup: "foo", Version: 2, Time: HLC{Physical: 200}, Bytes: []byte("b")}); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Read("foo", 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Bytes) != "a" {
		t.Fatalf("got %q, want %q", rec.Bytes, "a")
	}

	if _, err := m.Read("foo", 99); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	if got := m.LatestVersion("foo"); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestMemoryCollaboratorReadByTime(t *testing.T) {
	m := NewMemoryCollaborator()
	defer m.Close()

	_ = m.Append(Record{Subgroup: "foo", Version: 1, Time: HLC{Physical: 100}, Bytes: []byte("a")})
	_ = m.Append(Record{Subgroup: "foo", Version: 2, Time: HLC{Physical: 300}, Bytes: []byte("b")})

	rec, err := m.ReadByTime("foo", HLC{Physical: 200})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 {
		t.Fatalf("got version %d, want 1", rec.Version)
	}

	if _, err := m.ReadByTime("foo", HLC{Physical: 50}); err != ErrBeyondFrontier {
		t.Fatalf("got %v, want ErrBeyondFrontier", err)
	}
}

func TestHLCCompare(t *testing.T) {
	a := HLC{Physical: 10, Logical: 0}
	b := HLC{Physical: 10, Logical: 1}
	if !a.Before(b) {
		t.Fatal("a should be before b")
	}
	if a.Compare(a) != 0 {
		t.Fatal("a should equal itself")
	}
}
