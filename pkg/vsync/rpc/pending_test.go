package rpc

import (
	"testing"
	"time"
)

func TestFailMemberRecordsOutcomeForDepartedMember(t *testing.T) {
	p := NewPendingResult([]uint32{1, 2, 3})
	p.Fulfill(1, []byte("ok"))
	p.FailMember(2, &ReplyError{Code: CodeNodeRemovedFromShard, Node: 2})

	if p.Done() {
		t.Fatal("future should not be done until every promised member has an entry")
	}

	p.Fulfill(3, []byte("also ok"))
	if !p.Done() {
		t.Fatal("future should be done once every promised member has an entry")
	}

	replies, err := p.Wait()
	if err != nil {
		t.Fatalf("unexpected whole-future error: %v", err)
	}
	if len(replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(replies))
	}
	if replies[2].Err == nil {
		t.Fatal("member 2's outcome should carry the FailMember error")
	}
	if replies[1].Payload == nil || replies[3].Payload == nil {
		t.Fatal("members 1 and 3's outcomes should carry their fulfilled payloads")
	}
}

func TestFailMemberDoesNotOverwriteExistingReply(t *testing.T) {
	p := NewPendingResult([]uint32{1})
	p.Fulfill(1, []byte("first"))
	p.FailMember(1, &ReplyError{Code: CodeNodeRemovedFromShard, Node: 1})

	replies, err := p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if string(replies[1].Payload) != "first" {
		t.Fatalf("got %+v, want the original reply preserved", replies[1])
	}
}

func TestFailMemberOnAlreadyDoneFutureIsNoop(t *testing.T) {
	p := NewPendingResult([]uint32{1})
	p.Fail(ErrCascadeRejected)
	p.FailMember(1, &ReplyError{Code: CodeNodeRemovedFromShard, Node: 1})

	done := make(chan struct{})
	go func() {
		_, err := p.Wait()
		if err != ErrCascadeRejected {
			t.Errorf("got %v, want ErrCascadeRejected preserved", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned")
	}
}
