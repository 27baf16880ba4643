package gms

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"vsync/pkg/vsync/persist"
)

// StateTransfer hands a joining member the state it needs to catch up to
// a shard it is newly assigned to, per spec §4.2's view-install step.
// Generalized from the teacher's InMemoryStorage/InMemoryStateMachine
// key/value snapshot model to the per-subgroup version log already kept
// by package persist, since that is the same data a joiner needs to
// catch up on.
type StateTransfer struct {
	source persist.Collaborator
}

// NewStateTransfer creates a StateTransfer reading snapshots out of
// source.
func NewStateTransfer(source persist.Collaborator) *StateTransfer {
	return &StateTransfer{source: source}
}

// Snapshot is the state shipped to a joiner for one subgroup: every
// record up to and including the latest delivered version.
type Snapshot struct {
	Subgroup string
	Records  []persist.Record
}

// SnapshotFor builds the transfer payload for subgroup, reading every
// record the source collaborator has durably recorded for it. Every
// member's Manager reaches it through SnapshotForAll while installing the
// next view, after that view's allocation and validation pass and before
// it is installed, and keeps the result for TakeSnapshot.
func (s *StateTransfer) SnapshotFor(subgroup string) (Snapshot, error) {
	latest := s.source.LatestVersion(subgroup)
	snap := Snapshot{Subgroup: subgroup}
	for v := int64(0); v <= latest; v++ {
		rec, err := s.source.Read(subgroup, v)
		if err != nil {
			if err == persist.ErrNotFound {
				continue // versions may be sparse if some were never durably appended
			}
			return Snapshot{}, err
		}
		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

// SnapshotForAll builds the transfer payload for every subgroup a joiner
// was assigned to at once, fetching each subgroup's snapshot concurrently
// since they read disjoint persist.Collaborator logs. Grounded on the
// fan-out-then-join shape influxdb's replications/service.go uses
// errgroup for.
func (s *StateTransfer) SnapshotForAll(subgroups []string) (map[string]Snapshot, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]Snapshot, len(subgroups))
		g   errgroup.Group
	)
	for _, subgroup := range subgroups {
		subgroup := subgroup
		g.Go(func() error {
			snap, err := s.SnapshotFor(subgroup)
			if err != nil {
				return err
			}
			mu.Lock()
			out[subgroup] = snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Apply replays snap into dest, used by the joining member to catch up
// before it starts accepting ordered traffic for the subgroup.
func Apply(dest persist.Collaborator, snap Snapshot) error {
	for _, rec := range snap.Records {
		if err := dest.Append(rec); err != nil {
			return err
		}
	}
	return nil
}
