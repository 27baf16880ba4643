package ordered

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRecvQueueDeliversInSeqOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	var mu sync.Mutex
	var delivered []Seq
	done := make(chan struct{})

	q := NewRecvQueue(func(p Pending) {
		mu.Lock()
		delivered = append(delivered, p.Seq)
		if len(delivered) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	defer q.Close()

	// Enqueue out of order, mark stable out of order too.
	q.Enqueue(Pending{Seq: 2})
	q.Enqueue(Pending{Seq: 0})
	q.Enqueue(Pending{Seq: 1})
	q.MarkStable(1)
	q.MarkStable(0)
	q.MarkStable(2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Seq{0, 1, 2}
	if len(delivered) != len(want) {
		t.Fatalf("got %v, want %v", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("got %v, want %v", delivered, want)
		}
	}
}

func TestRecvQueueHoldsUnstableHead(t *testing.T) {
	defer goleak.VerifyNone(t)
	delivered := make(chan Seq, 2)
	q := NewRecvQueue(func(p Pending) { delivered <- p.Seq })
	defer q.Close()

	q.Enqueue(Pending{Seq: 0, Stable: false})
	q.Enqueue(Pending{Seq: 1, Stable: true})

	select {
	case s := <-delivered:
		t.Fatalf("delivered %d before seq 0 went stable", s)
	case <-time.After(100 * time.Millisecond):
	}

	q.MarkStable(0)
	select {
	case s := <-delivered:
		if s != 0 {
			t.Fatalf("got %d, want 0", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for seq 0")
	}
	select {
	case s := <-delivered:
		if s != 1 {
			t.Fatalf("got %d, want 1", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for seq 1")
	}
}
