package gms

import (
	"testing"

	"vsync/pkg/vsync/view"
)

func TestBallotBoxCountsDistinctVoters(t *testing.T) {
	b := NewBallotBox()
	b.Insert("k", view.NodeID(1), 10)
	b.Insert("k", view.NodeID(2), 10)
	b.Insert("k", view.NodeID(1), 10) // re-vote, should not double count

	if got := b.ElectionSize("k"); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := b.Read("k"); len(got) != 3 {
		t.Fatalf("Read should return every cast ballot including re-votes, got %v", got)
	}

	b.Remove("k")
	if got := b.ElectionSize("k"); got != 0 {
		t.Fatalf("got %d after Remove, want 0", got)
	}
}
