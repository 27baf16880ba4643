package vsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"vsync/pkg/vsync"
	"vsync/pkg/vsync/examples"
	"vsync/pkg/vsync/view"
)

func quietLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Level: hclog.Warn})
}

func baseConfig(id int) *vsync.Config {
	cfg := vsync.DefaultConfig()
	cfg.LocalID = view.NodeID(id)
	cfg.LocalIP = "127.0.0.1"
	cfg.GMSPort = 20000 + id
	cfg.RPCPort = 21000 + id
	cfg.SSTPort = 22000 + id
	cfg.Logger = quietLogger()
	return cfg
}

// S1: two-node persistent counter. Two members share one subgroup shard
// of PersistentCons; one appends, and eventually both members' ordered
// delivery (and, transitively, persistence) observe the update.
func TestSeedScenarioS1TwoNodePersistentLog(t *testing.T) {
	cons0, cons1 := examples.NewPersistentCons(), examples.NewPersistentCons()

	cfg0, cfg1 := baseConfig(1), baseConfig(2)
	subgroup := vsync.SubgroupSpec{
		Name: "cons", NumShards: 1, MinPerShard: 2, MaxPerShard: 2, AllSenders: true,
	}
	instances := []*examples.PersistentCons{cons0, cons1}
	subgroup.NewInstance = func(shardIndex int) interface{} {
		inst := instances[0]
		instances = instances[1:]
		return inst
	}
	cfg0.Subgroups = []vsync.SubgroupSpec{subgroup}
	cfg1.Subgroups = []vsync.SubgroupSpec{subgroup}
	cfg0.PersistenceEnabled = true
	cfg1.PersistenceEnabled = true

	groups, err := vsync.NewLocalGroup([]*vsync.Config{cfg0, cfg1})
	require.NoError(t, err)
	defer groups[0].Close()
	defer groups[1].Close()

	sg0, err := groups[0].GetSubgroup("cons", 0)
	require.NoError(t, err)

	require.NoError(t, examples.CallAppend(sg0, "Write from 0..."))

	require.Eventually(t, func() bool {
		return cons1.Print() == "Write from 0..."
	}, 2*time.Second, 10*time.Millisecond, "node 1 never observed node 0's append")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	replies, err := examples.CallPrint(ctx, sg0)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	for _, log := range replies {
		require.Equal(t, "Write from 0...", log)
	}
}

// S3: point-to-point read. A non-member issues a P2P query into a Foo
// subgroup it does not belong to.
func TestSeedScenarioS3PointToPointRead(t *testing.T) {
	foo0, foo1, foo2 := examples.NewFoo(), examples.NewFoo(), examples.NewFoo()
	instances := []*examples.Foo{foo0, foo1, foo2}

	cfgs := make([]*vsync.Config, 4)
	for i := range cfgs {
		cfgs[i] = baseConfig(i + 1)
	}
	fooSpec := vsync.SubgroupSpec{Name: "foo", NumShards: 1, MinPerShard: 3, MaxPerShard: 3, AllSenders: true}
	fooSpec.NewInstance = func(shardIndex int) interface{} {
		inst := instances[0]
		instances = instances[1:]
		return inst
	}
	for i := 0; i < 3; i++ {
		cfgs[i].Subgroups = []vsync.SubgroupSpec{fooSpec}
	}
	// member 4 belongs to no subgroup; it only issues P2P calls.

	groups, err := vsync.NewLocalGroup(cfgs)
	require.NoError(t, err)
	for _, g := range groups {
		defer g.Close()
	}

	sg0, err := groups[0].GetSubgroup("foo", 0)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = examples.CallChangeState(ctx, sg0, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return foo2.ReadState() == 3
	}, 2*time.Second, 10*time.Millisecond, "node 2 never observed the change")

	nonmember, err := groups[3].GetNonmemberSubgroup("foo", 0)
	require.NoError(t, err)
	// A non-member handle cannot originate ordered traffic.
	_, err = nonmember.OrderedQuery(ctx, examples.FooReadState, nil)
	require.Error(t, err)
	require.True(t, vsync.IsInvalidSubgroup(err))

	target := groups[2].MyID()
	reply, err := nonmember.P2PQuery(ctx, target, examples.FooReadState, nil)
	require.NoError(t, err)
	got, err := examples.DecodeReadStateReply(reply)
	require.NoError(t, err)
	require.Equal(t, 3, got)
}
