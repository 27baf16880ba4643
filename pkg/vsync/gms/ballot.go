package gms

import (
	"sync"

	"vsync/pkg/vsync/view"
)

// vote is one member's cast value for an election key: which member cast
// it, and the value it cast (a proposed change index, a suspicion report,
// etc, depending on what BallotBox is being used for).
type vote struct {
	from  view.NodeID
	value uint64
}

// BallotBox tallies votes keyed by an arbitrary election id, generalized
// from the teacher's pkg/mcast/protocol/ballot_box.go (which keyed votes
// by message UID and counted distinct partitions) to keyed-by-string
// elections counted by distinct voting member, used here for proposal
// acks, commit acks and suspicion corroboration per spec §4.2.
type BallotBox struct {
	mu    sync.Mutex
	votes map[string][]vote
}

// NewBallotBox creates an empty ballot box.
func NewBallotBox() *BallotBox {
	return &BallotBox{votes: make(map[string][]vote)}
}

// Insert records voter's ballot for key. A voter casting a second ballot
// for the same key does not lose its first; ElectionSize counts distinct
// voters so re-voting is harmless rather than incorrectly inflating the
// tally.
func (b *BallotBox) Insert(key string, voter view.NodeID, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.votes[key] = append(b.votes[key], vote{from: voter, value: value})
}

// Remove discards every ballot cast for key, once the election it backs
// has concluded.
func (b *BallotBox) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.votes, key)
}

// Read returns every value cast for key, in cast order.
func (b *BallotBox) Read(key string) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var values []uint64
	for _, v := range b.votes[key] {
		values = append(values, v.value)
	}
	return values
}

// ElectionSize returns the number of distinct members who have voted for
// key, used to compare against a majority quorum.
func (b *BallotBox) ElectionSize(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[view.NodeID]bool)
	for _, v := range b.votes[key] {
		seen[v.from] = true
	}
	return len(seen)
}
