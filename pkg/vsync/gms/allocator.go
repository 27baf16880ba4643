package gms

import (
	"fmt"

	"vsync/pkg/vsync/view"
)

// AllocationStatus tags the outcome of a SubgroupAllocator call, per the
// REDESIGN FLAG in spec §4.2 turning the original's thrown
// subgroup_provisioning_exception into an ordinary returned value: a
// proposed view can be inadequate (too few members for some subgroup's
// minimum shard size) without that being a programming error, so Go code
// should not model it as a panic/exception.
type AllocationStatus int

const (
	// Adequate means every subgroup could be fully provisioned in the
	// candidate view.
	Adequate AllocationStatus = iota
	// Inadequate means the candidate view does not have enough members to
	// provision every subgroup's shards at their configured minimum size;
	// the GMS must not install this view and must instead keep waiting
	// for more joins or retry with a different candidate.
	Inadequate
)

// ShardSpec is one subgroup's requested shard layout: how many shards,
// the minimum and maximum membership of each, and whether shard members
// may send.
type ShardSpec struct {
	SubgroupType string
	NumShards    int
	MinPerShard  int
	MaxPerShard  int
	AllSenders   bool
}

// SubgroupAllocator assigns members of a candidate view to subgroup
// shards, per spec §4.2. It replaces the original's
// subgroup_provisioning_exception with a tagged AllocationResult, per the
// REDESIGN FLAG above.
type SubgroupAllocator struct {
	specs []ShardSpec
}

// NewSubgroupAllocator creates an allocator for the given subgroup specs,
// applied in the order given — this order becomes View.SubgroupTypeOrder.
func NewSubgroupAllocator(specs []ShardSpec) *SubgroupAllocator {
	return &SubgroupAllocator{specs: append([]ShardSpec(nil), specs...)}
}

// AllocationResult is the tagged return value of Allocate: callers must
// check Status before trusting ShardViews.
type AllocationResult struct {
	Status      AllocationStatus
	ShardViews  map[string][]view.SubView
	Reason      string
}

// Allocate assigns candidate.Members (in view order, skipping failed
// members) to each spec's shards in turn, filling each shard up to
// MaxPerShard before moving on to the next, until members run out. It returns Inadequate rather than
// erroring if any shard cannot reach MinPerShard.
func (a *SubgroupAllocator) Allocate(candidate *view.View) AllocationResult {
	var pool []view.NodeID
	for _, id := range candidate.Members {
		if !candidate.IsFailed(id) {
			pool = append(pool, id)
		}
	}

	result := make(map[string][]view.SubView)
	cursor := 0
	for _, spec := range a.specs {
		shards := make([]view.SubView, spec.NumShards)
		for s := 0; s < spec.NumShards; s++ {
			var members []view.NodeID
			for len(members) < spec.MaxPerShard && cursor < len(pool) {
				members = append(members, pool[cursor])
				cursor++
			}
			if len(members) < spec.MinPerShard {
				return AllocationResult{
					Status: Inadequate,
					Reason: fmt.Sprintf("subgroup %s shard %d has %d members, needs at least %d",
						spec.SubgroupType, s, len(members), spec.MinPerShard),
				}
			}
			isSender := make(map[view.NodeID]bool, len(members))
			for _, m := range members {
				if spec.AllSenders {
					isSender[m] = true
				}
			}
			shards[s] = view.SubView{Members: members, IsSender: isSender, Mode: view.ORDERED}
		}
		result[spec.SubgroupType] = shards
	}

	return AllocationResult{Status: Adequate, ShardViews: result}
}
