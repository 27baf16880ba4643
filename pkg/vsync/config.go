package vsync

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"vsync/pkg/vsync/gms"
	"vsync/pkg/vsync/view"
)

// Config bundles every key spec §6 names for standing up a group member:
// local identity and addressing, the contact member used to join an
// already-running group, transport tuning, and the persistence toggle.
// Generalized from the teacher's flat Config into the fuller key set
// this spec's External Interfaces section requires.
type Config struct {
	LocalID view.NodeID
	LocalIP string

	GMSPort  int
	RPCPort  int
	SSTPort  int
	RDMAPort int

	// ContactIP/ContactPort address an already-active member; leave both
	// zero-valued to bootstrap a brand new group with LocalID as its sole
	// founding member.
	ContactIP   string
	ContactPort int

	MaxPayloadSize int
	WindowSize     int

	// RDMAProvider names the RDMA-capable fabric a real deployment would
	// open through libfabric; this runtime only ever runs its in-process
	// or TCP RowTransport, so the field is carried for parity with spec
	// §6's key list and to size log messages, not acted on.
	RDMAProvider string

	PersistenceEnabled bool
	// StatePath is the bbolt database file persisted state is written to
	// when PersistenceEnabled is set; left empty, persistence falls back
	// to an in-memory log (useful for tests, not durable across restart).
	StatePath          string
	StateTransferBatch int

	SuspicionTimeout  time.Duration
	HeartbeatInterval time.Duration

	Subgroups []SubgroupSpec

	Logger hclog.Logger
}

// SubgroupSpec is one application-declared subgroup: its name, shard
// layout and the factory used to build a fresh replicated-object instance
// for each shard this member ends up owning.
type SubgroupSpec struct {
	Name         string
	NumShards    int
	MinPerShard  int
	MaxPerShard  int
	AllSenders   bool
	NewInstance  func(shardIndex int) interface{}
}

// DefaultConfig fills in the non-identity fields with the teacher's usual
// small-deployment defaults; LocalID/LocalIP/ports are always caller
// supplied since they have no sane default.
func DefaultConfig() *Config {
	return &Config{
		MaxPayloadSize:     1 << 20,
		WindowSize:         16,
		StateTransferBatch: 256,
		SuspicionTimeout:   3 * time.Second,
		HeartbeatInterval:  500 * time.Millisecond,
		Logger:             hclog.Default(),
	}
}

// Validate checks the config is complete enough to build a Group from.
func (c *Config) Validate() error {
	if c.LocalIP == "" {
		return fmt.Errorf("vsync: config: LocalIP is required")
	}
	if c.GMSPort == 0 || c.RPCPort == 0 || c.SSTPort == 0 {
		return fmt.Errorf("vsync: config: GMSPort, RPCPort and SSTPort are required")
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("vsync: config: MaxPayloadSize must be positive")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("vsync: config: WindowSize must be positive")
	}
	for _, s := range c.Subgroups {
		if s.Name == "" {
			return fmt.Errorf("vsync: config: subgroup with empty Name")
		}
		if s.NumShards <= 0 {
			return fmt.Errorf("vsync: config: subgroup %q: NumShards must be positive", s.Name)
		}
	}
	return nil
}

func (c *Config) endpoint() view.Endpoint {
	return view.Endpoint{
		IP:       c.LocalIP,
		GMSPort:  c.GMSPort,
		RDMAPort: c.RDMAPort,
		RPCPort:  c.RPCPort,
		SSTPort:  c.SSTPort,
	}
}

func (c *Config) shardSpecs() []gms.ShardSpec {
	specs := make([]gms.ShardSpec, 0, len(c.Subgroups))
	for _, s := range c.Subgroups {
		minPerShard, maxPerShard := s.MinPerShard, s.MaxPerShard
		if minPerShard <= 0 {
			minPerShard = 1
		}
		if maxPerShard <= 0 {
			maxPerShard = minPerShard
		}
		specs = append(specs, gms.ShardSpec{
			SubgroupType: s.Name,
			NumShards:    s.NumShards,
			MinPerShard:  minPerShard,
			MaxPerShard:  maxPerShard,
			AllSenders:   s.AllSenders,
		})
	}
	return specs
}

func (c *Config) isBootstrap() bool { return c.ContactIP == "" && c.ContactPort == 0 }
