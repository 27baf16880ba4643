package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func TestDispatcherRoutesToRegisteredHandler(t *testing.T) {
	pending := NewPendingTable(time.Minute)
	defer pending.Close()
	d := NewDispatcher(1, pending, hclog.NewNullLogger())
	defer d.Stop()

	called := make(chan Header, 1)
	d.RegisterHandler(7, 3, func(ctx context.Context, hdr Header, payload []byte) ([]byte, error) {
		called <- hdr
		return nil, nil
	})

	hdr, err := NewRequestHeader(OrderedSend, 7, 0, 3, 2, d.NextInvocationID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Deliver(hdr, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-called:
		if got.ClassID != 7 || got.FunctionID != 3 {
			t.Fatalf("got %+v, want class 7 function 3", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestCascadeIsRejected(t *testing.T) {
	_, err := NewRequestHeader(OrderedSend, 1, 0, 1, 1, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error for non-cascade header: %v", err)
	}

	hdr := Header{Flags: FlagCascade}
	pending := NewPendingTable(time.Minute)
	defer pending.Close()
	d := NewDispatcher(1, pending, hclog.NewNullLogger())
	defer d.Stop()

	if err := d.Deliver(hdr, nil); err != ErrCascadeRejected {
		t.Fatalf("got %v, want ErrCascadeRejected", err)
	}
}

func TestPendingResultCompletesOnReply(t *testing.T) {
	pending := NewPendingTable(time.Minute)
	defer pending.Close()
	d := NewDispatcher(1, pending, hclog.NewNullLogger())
	defer d.Stop()

	p := NewPendingResult([]uint32{9})
	invID := d.NextInvocationID()
	pending.Register(invID, p)

	reply := Header{IsReply: true, SenderID: 9, InvocationID: invID}
	if err := d.Deliver(reply, []byte("ok")); err != nil {
		t.Fatal(err)
	}

	replies, err := p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if string(replies[9].Payload) != "ok" {
		t.Fatalf("got %v, want reply from sender 9", replies)
	}
}
