package gms

import (
	"testing"

	"vsync/pkg/vsync/view"
)

func candidateView(members ...view.NodeID) *view.View {
	return &view.View{
		Vid:       1,
		Members:   members,
		Endpoints: map[view.NodeID]view.Endpoint{},
		Failed:    map[view.NodeID]bool{},
	}
}

func TestAllocateAdequateView(t *testing.T) {
	a := NewSubgroupAllocator([]ShardSpec{
		{SubgroupType: "kv", NumShards: 1, MinPerShard: 2, MaxPerShard: 3, AllSenders: true},
	})
	result := a.Allocate(candidateView(1, 2, 3))
	if result.Status != Adequate {
		t.Fatalf("got %v, want Adequate: %s", result.Status, result.Reason)
	}
	shards := result.ShardViews["kv"]
	if len(shards) != 1 || len(shards[0].Members) != 3 {
		t.Fatalf("unexpected shards: %+v", shards)
	}
}

func TestAllocateInadequateView(t *testing.T) {
	a := NewSubgroupAllocator([]ShardSpec{
		{SubgroupType: "kv", NumShards: 1, MinPerShard: 3, MaxPerShard: 3, AllSenders: true},
	})
	result := a.Allocate(candidateView(1, 2))
	if result.Status != Inadequate {
		t.Fatalf("got %v, want Inadequate", result.Status)
	}
	if result.Reason == "" {
		t.Fatal("expected a non-empty reason for the inadequate view")
	}
}

func TestAllocateSkipsFailedMembers(t *testing.T) {
	v := candidateView(1, 2, 3)
	v.Failed[2] = true
	a := NewSubgroupAllocator([]ShardSpec{
		{SubgroupType: "kv", NumShards: 1, MinPerShard: 2, MaxPerShard: 2, AllSenders: false},
	})
	result := a.Allocate(v)
	if result.Status != Adequate {
		t.Fatalf("got %v, want Adequate: %s", result.Status, result.Reason)
	}
	shard := result.ShardViews["kv"][0]
	for _, m := range shard.Members {
		if m == 2 {
			t.Fatal("failed member 2 should not be allocated to a shard")
		}
	}
}
