package gms

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config bundles the GMS's tunables, per spec §6, generalized from the
// teacher's Config{Version, Logger, LogLevel} into the fuller set of
// knobs a membership service needs.
type Config struct {
	// Logger receives every state transition the manager makes. Defaults
	// to hclog.Default() if nil.
	Logger hclog.Logger

	// SuspicionTimeout is how long a member may go without a fresh SST
	// row or heartbeat before it is suspected, per the adapted Detector.
	SuspicionTimeout time.Duration

	// HeartbeatInterval is how often a member refreshes its own SST row
	// purely to prove liveness, independent of any ordered traffic.
	HeartbeatInterval time.Duration

	// Specs lists the subgroup shapes the SubgroupAllocator provisions on
	// every view change.
	Specs []ShardSpec
}

// DefaultConfig returns sane defaults for a small local deployment.
func DefaultConfig() *Config {
	return &Config{
		Logger:            hclog.Default(),
		SuspicionTimeout:  3 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
	}
}

// Validate checks Config for obviously broken values before a Manager is
// built from it.
func (c *Config) Validate() error {
	if c.SuspicionTimeout <= 0 {
		return errSuspicionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		return errHeartbeatInterval
	}
	if c.HeartbeatInterval*2 > c.SuspicionTimeout {
		return errHeartbeatTooSlow
	}
	return nil
}
