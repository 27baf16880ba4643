package gms

import (
	"testing"

	"vsync/pkg/vsync/persist"
	"vsync/pkg/vsync/sst"
	"vsync/pkg/vsync/view"
)

func TestShouldHandoverLeaderFalseForLeaderAndNonMember(t *testing.T) {
	v := suspicionView(10, 20)
	if err := v.Validate(); err != nil {
		t.Fatal(err)
	}
	sizes := sst.Sizes{N: 2, S: 0, R: 0, W: 0, C: 2}
	tables := sst.NewLocalGroup(2, sizes, testLogger(), nil)

	leader, err := NewManager(10, v.Clone(), tables[0], nil, persist.NewMemoryCollaborator(), DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	outsider, err := NewManager(999, v.Clone(), tables[1], nil, persist.NewMemoryCollaborator(), DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		leader.Close()
		outsider.Close()
		for _, tb := range tables {
			tb.Close()
		}
	})

	if leader.ShouldHandoverLeader(tables[0]) {
		t.Fatal("the current leader (rank 0) should never hand over to itself")
	}
	if outsider.ShouldHandoverLeader(tables[1]) {
		t.Fatal("a non-member (rank -1) should never claim a handover")
	}
}

func TestShouldHandoverLeaderOnceLowerRanksAgree(t *testing.T) {
	v := suspicionView(10, 20)
	if err := v.Validate(); err != nil {
		t.Fatal(err)
	}
	sizes := sst.Sizes{N: 2, S: 0, R: 0, W: 0, C: 2}
	tables := sst.NewLocalGroup(2, sizes, testLogger(), nil)

	m1, err := NewManager(10, v.Clone(), tables[0], nil, persist.NewMemoryCollaborator(), DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m2, err := NewManager(20, v.Clone(), tables[1], nil, persist.NewMemoryCollaborator(), DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m1.Close()
		m2.Close()
		for _, tb := range tables {
			tb.Close()
		}
	})

	if m2.ShouldHandoverLeader(tables[1]) {
		t.Fatal("handover should not trigger before any row suspects the leader")
	}

	// With only two members, rank 1's only "row below its own rank" is
	// rank 0's own row, so the leader's row itself must carry the
	// suspicion for the quorum check to pass.
	if err := m1.RecordSuspicion(10); err != nil {
		t.Fatal(err)
	}

	if !m2.ShouldHandoverLeader(tables[1]) {
		t.Fatal("rank 1 should be allowed to hand over once rank 0's row suspects rank 0")
	}

	m2.handoverLeader(tables[1])

	m2.mu.Lock()
	pending := append([]changeProposal(nil), m2.pending...)
	m2.mu.Unlock()
	if len(pending) != 1 || pending[0].node != view.NodeID(10) || pending[0].isJoin {
		t.Fatalf("got pending %+v, want a single departure proposal for the old leader (10)", pending)
	}
}

func TestHandoverLeaderIsIdempotentWhileDeparturePending(t *testing.T) {
	v := suspicionView(10, 20)
	if err := v.Validate(); err != nil {
		t.Fatal(err)
	}
	sizes := sst.Sizes{N: 2, S: 0, R: 0, W: 0, C: 2}
	tables := sst.NewLocalGroup(2, sizes, testLogger(), nil)

	m2, err := NewManager(20, v.Clone(), tables[1], nil, persist.NewMemoryCollaborator(), DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m2.Close()
		for _, tb := range tables {
			tb.Close()
		}
	})

	m2.mu.Lock()
	m2.pending = append(m2.pending, changeProposal{node: 10, isJoin: false})
	m2.mu.Unlock()

	m2.handoverLeader(tables[1])

	m2.mu.Lock()
	count := len(m2.pending)
	m2.mu.Unlock()
	if count != 1 {
		t.Fatalf("got %d pending proposals, want 1 (handoverLeader must not double-propose)", count)
	}
}
