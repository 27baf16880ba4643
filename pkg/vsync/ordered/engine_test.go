package ordered

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/goleak"

	"vsync/pkg/vsync/sst"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

// nullTransport discards every send; these tests only exercise a
// single-member shard, where delivery happens entirely through Engine's
// own self-receive path rather than a remote copy arriving over Deliver.
type nullTransport struct{}

func (nullTransport) Send(subgroupIndex int, payload []byte) error { return nil }

func newSingleMemberEngine(t *testing.T, windowSize int, deliver func(Pending)) (*Engine, *sst.Table) {
	t.Helper()
	sizes := sst.Sizes{N: 1, S: 1, R: 1, W: 1, C: 1}
	table := sst.NewLocalGroup(1, sizes, testLogger(), nil)[0]
	e := NewEngine(table, 0, 1, 0, []int{0}, windowSize, nullTransport{}, deliver, testLogger())
	return e, table
}

func TestSendBlocksUntilWindowDrains(t *testing.T) {
	defer goleak.VerifyNone(t)
	delivered := make(chan Seq, 4)
	e, table := newSingleMemberEngine(t, 1, func(p Pending) { delivered <- p.Seq })
	defer table.Close()
	defer e.Close()

	if _, err := e.Send([]byte("one")); err != nil {
		t.Fatalf("first send: %v", err)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := e.Send([]byte("two"))
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second send returned before the window drained")
	case <-time.After(150 * time.Millisecond):
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first send to be delivered")
	}

	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second send never unblocked after the window drained")
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the second send to be delivered")
	}
}

func TestSendIgnoresWindowWhenUnbounded(t *testing.T) {
	defer goleak.VerifyNone(t)
	delivered := make(chan Seq, 4)
	e, table := newSingleMemberEngine(t, 0, func(p Pending) { delivered <- p.Seq })
	defer table.Close()
	defer e.Close()

	for i := 0; i < 3; i++ {
		if _, err := e.Send([]byte("x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
}

func TestWedgeUnblocksPendingSend(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, table := newSingleMemberEngine(t, 1, func(p Pending) {})
	defer table.Close()
	defer e.Close()

	if _, err := e.Send([]byte("one")); err != nil {
		t.Fatalf("first send: %v", err)
	}

	blockedDone := make(chan error, 1)
	go func() {
		_, err := e.Send([]byte("two"))
		blockedDone <- err
	}()

	select {
	case <-blockedDone:
		t.Fatal("second send returned before the wedge")
	case <-time.After(100 * time.Millisecond):
	}

	e.Wedge()

	select {
	case err := <-blockedDone:
		if err != ErrWedged {
			t.Fatalf("got %v, want ErrWedged", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wedge never unblocked the pending send")
	}
}
