package gms

import (
	"testing"

	"github.com/hashicorp/go-hclog"

	"vsync/pkg/vsync/persist"
	"vsync/pkg/vsync/sst"
	"vsync/pkg/vsync/view"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

// twoMemberShardManagers builds two Managers, both members of a single
// two-member "kv" shard, wired to a shared two-row sst.Table pair, for
// tests that drive the ragged-edge flush directly.
func twoMemberShardManagers(t *testing.T) (m1, m2 *Manager, tables []*sst.Table, sv view.SubView) {
	t.Helper()

	specs := []ShardSpec{{SubgroupType: "kv", NumShards: 1, MinPerShard: 2, MaxPerShard: 2, AllSenders: true}}
	v := &view.View{
		Vid:       0,
		Members:   []view.NodeID{1, 2},
		Endpoints: map[view.NodeID]view.Endpoint{},
		Failed:    map[view.NodeID]bool{},
	}
	result := NewSubgroupAllocator(specs).Allocate(v)
	if result.Status != Adequate {
		t.Fatalf("allocation failed: %s", result.Reason)
	}
	v.SubgroupShardViews = result.ShardViews
	if err := v.Validate(); err != nil {
		t.Fatalf("invalid view: %v", err)
	}

	sizes := sst.Sizes{N: 2, S: 1, R: 2, W: 1, C: 2}
	tables = sst.NewLocalGroup(2, sizes, testLogger(), nil)

	cfg := DefaultConfig()
	var err error
	m1, err = NewManager(1, v.Clone(), tables[0], specs, persist.NewMemoryCollaborator(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewManager(1): %v", err)
	}
	m2, err = NewManager(2, v.Clone(), tables[1], specs, persist.NewMemoryCollaborator(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewManager(2): %v", err)
	}
	t.Cleanup(func() {
		m1.Close()
		m2.Close()
		for _, tb := range tables {
			tb.Close()
		}
	})

	return m1, m2, tables, result.ShardViews["kv"][0]
}

func TestComputeGlobalMinForShardTakesMinAcrossMembers(t *testing.T) {
	m1, _, tables, sv := twoMemberShardManagers(t)

	tables[0].MutateLocal(func(row *sst.Row) {
		row.NumReceived[0] = 5 // member 1's own view of sender rank 0 (itself)
		row.NumReceived[1] = 3 // member 1's view of sender rank 1 (member 2)
	})

	tables[1].MutateLocal(func(row *sst.Row) {
		row.NumReceived[0] = 4 // member 2's view of sender rank 0 (member 1)
		row.NumReceived[1] = 6 // member 2's view of sender rank 1 (itself)
	})
	tables[1].Put(sst.ColumnRange{Column: "num_received"})

	if m1.allShardsRaggedEdgeReady(tables[0]) {
		t.Fatal("ragged edge should not be ready before the leader computes it")
	}

	// member 1 is the lower-ranked, non-failed member and so the shard
	// leader responsible for this computation.
	m1.computeGlobalMinForShard(tables[0], 0, sv)

	row := tables[0].LocalRow()
	if !row.GlobalMinReady[0] {
		t.Fatal("global_min_ready was not set for subgroup index 0")
	}
	if row.GlobalMin[0] != 4 {
		t.Fatalf("global_min[sender 0] = %d, want 4 (min(5,4))", row.GlobalMin[0])
	}
	if row.GlobalMin[1] != 3 {
		t.Fatalf("global_min[sender 1] = %d, want 3 (min(3,6))", row.GlobalMin[1])
	}

	if !m1.allShardsRaggedEdgeReady(tables[0]) {
		t.Fatal("ragged edge should be ready once the only led shard has published")
	}
}

func TestFlushRaggedEdgeSkipsAlreadyReadyShards(t *testing.T) {
	m1, _, tables, sv := twoMemberShardManagers(t)

	m1.computeGlobalMinForShard(tables[0], 0, sv)
	tables[0].MutateLocal(func(row *sst.Row) {
		row.GlobalMin[0] = 99 // a sentinel a second flush would overwrite
	})

	m1.flushRaggedEdge(tables[0])

	if tables[0].LocalRow().GlobalMin[0] != 99 {
		t.Fatal("flushRaggedEdge recomputed an already-ready shard's global_min")
	}
}

func suspicionView(members ...view.NodeID) *view.View {
	return &view.View{
		Vid:       0,
		Members:   members,
		Endpoints: map[view.NodeID]view.Endpoint{},
		Failed:    map[view.NodeID]bool{},
	}
}

func TestSuspicionQuorumProposesDeparture(t *testing.T) {
	v := suspicionView(10, 20, 30)
	if err := v.Validate(); err != nil {
		t.Fatalf("invalid view: %v", err)
	}

	sizes := sst.Sizes{N: 3, S: 0, R: 0, W: 0, C: 2}
	tables := sst.NewLocalGroup(3, sizes, testLogger(), nil)
	cfg := DefaultConfig()

	m1, err := NewManager(10, v.Clone(), tables[0], nil, persist.NewMemoryCollaborator(), cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m2, err := NewManager(20, v.Clone(), tables[1], nil, persist.NewMemoryCollaborator(), cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m3, err := NewManager(30, v.Clone(), tables[2], nil, persist.NewMemoryCollaborator(), cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m1.Close()
		m2.Close()
		m3.Close()
		for _, tb := range tables {
			tb.Close()
		}
	})

	// Member 10 (the leader, rank 0) and member 30 (rank 2) both suspect
	// member 20 (rank 1); that is a majority of the view's 3 rows.
	if err := m1.RecordSuspicion(20); err != nil {
		t.Fatal(err)
	}
	if err := m3.RecordSuspicion(20); err != nil {
		t.Fatal(err)
	}

	majority := m1.suspectedMajority(tables[0])
	if len(majority) != 1 || majority[0] != 20 {
		t.Fatalf("got %v, want [20]", majority)
	}

	if !m1.suspicionQuorumReached(tables[0]) {
		t.Fatal("leader should see the suspicion quorum as reached")
	}
	if m2.suspicionQuorumReached(tables[1]) {
		t.Fatal("a non-leader must never act on the suspicion quorum")
	}

	m1.proposeSuspectedDepartures(tables[0])

	m1.mu.Lock()
	pending := append([]changeProposal(nil), m1.pending...)
	m1.mu.Unlock()
	if len(pending) != 1 || pending[0].node != 20 || pending[0].isJoin {
		t.Fatalf("got pending %+v, want a single departure proposal for node 20", pending)
	}
}

func TestRecordSuspicionRejectsNonMember(t *testing.T) {
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
	t.Cleanup(func() {
		m1.Close()
		for _, tb := range tables {
			tb.Close()
		}
	})

	if err := m1.RecordSuspicion(999); err == nil {
		t.Fatal("expected an error recording suspicion of a non-member")
	}
}
