package gms

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"vsync/pkg/vsync/persist"
	"vsync/pkg/vsync/sst"
	"vsync/pkg/vsync/view"
)

// NodeLifecycle is the per-member state machine of spec §4.2:
// JOINING -> ACTIVE -> WEDGED -> LEAVING/FAILED.
type NodeLifecycle int

const (
	Joining NodeLifecycle = iota
	Active
	Wedged
	Leaving
	Failed
)

// TransitionState is the view-install state machine of spec §4.2:
// STEADY -> PROPOSED -> COMMITTED -> WEDGED -> INSTALLED.
type TransitionState int

const (
	Steady TransitionState = iota
	Proposed
	Committed
	TransitionWedged
	Installed
)

// changeProposal pairs a proposed membership change with whether it is a
// join (carrying the joiner's endpoint) or a departure.
type changeProposal struct {
	node     view.NodeID
	endpoint view.Endpoint
	isJoin   bool
}

// Manager drives group membership for one member: proposing and
// committing membership changes, wedging and flushing the ragged edge,
// and installing the resulting next view, all coordinated through an
// sst.Table the way the teacher's Unity coordinates through its
// GroupState, generalized to the derecho-style SST protocol of spec §4.2.
type Manager struct {
	log hclog.Logger
	cfg *Config

	table     *sst.Table
	specs     []ShardSpec
	allocator *SubgroupAllocator
	ballots   *BallotBox
	detector  *Detector
	transfer  *StateTransfer

	mu         sync.Mutex
	current    *view.View
	transition TransitionState
	pending    []changeProposal
	myID       view.NodeID
	lifecycle  map[view.NodeID]NodeLifecycle

	// lastSeen records, per peer, the highest local_stability_frontier
	// value this member has ever observed that peer publish; heartbeatTick
	// compares against it to tell a fresh heartbeat from a stale one.
	lastSeen map[view.NodeID]uint64

	onInstall []func(*view.View)

	wedgeFns []func()

	// pendingSnapshots holds the state-transfer payload computed for each
	// newly joined member of the most recently installed view, until the
	// embedder retrieves it with TakeSnapshot and ships it over to the
	// joiner.
	pendingSnapshots map[view.NodeID]map[string]Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup

	closed bool
}

// NewManager constructs a Manager for myID, starting from initial (the
// bootstrap view installed before any change has ever been proposed).
func NewManager(myID view.NodeID, initial *view.View, table *sst.Table, specs []ShardSpec, persistence persist.Collaborator, cfg *Config, log hclog.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("gms: invalid initial view: %w", err)
	}

	m := &Manager{
		log:       log,
		cfg:       cfg,
		table:     table,
		specs:     append([]ShardSpec(nil), specs...),
		allocator: NewSubgroupAllocator(specs),
		ballots:   NewBallotBox(),
		detector:  NewDetector(cfg.SuspicionTimeout),
		transfer:  NewStateTransfer(persistence),
		current:   initial,
		myID:      myID,
		lifecycle: make(map[view.NodeID]NodeLifecycle),
		lastSeen:  make(map[view.NodeID]uint64),
		stopCh:    make(chan struct{}),
	}
	for _, id := range initial.Members {
		m.lifecycle[id] = Active
	}

	table.RegisterPredicate(sst.Recurrent, m.changesProposedLocally, m.mergeChanges)
	table.RegisterPredicate(sst.Recurrent, m.enoughAcksToCommit, m.commitChanges)
	table.RegisterPredicate(sst.Recurrent, m.committedNotYetWedged, m.wedgeForInstall)
	table.RegisterPredicate(sst.Recurrent, m.readyForRaggedEdge, m.flushRaggedEdge)
	table.RegisterPredicate(sst.Recurrent, m.everyoneWedged, m.installNextView)
	table.RegisterPredicate(sst.Recurrent, m.suspicionQuorumReached, m.proposeSuspectedDepartures)
	table.RegisterPredicate(sst.Recurrent, m.ShouldHandoverLeader, m.handoverLeader)

	m.wg.Add(1)
	go m.heartbeatLoop()

	return m, nil
}

// CurrentView returns the view presently installed.
func (m *Manager) CurrentView() *view.View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnInstall registers f to be invoked with every newly installed view;
// vsync.Group registers its onViewInstalled here to rebuild its Subgroup
// handles and their ordered Engines.
func (m *Manager) OnInstall(f func(*view.View)) {
	m.mu.Lock()
	m.onInstall = append(m.onInstall, f)
	m.mu.Unlock()
}

// OnWedge registers f to be invoked when this member wedges for a
// pending view transition; vsync.Group registers its wedgeSubgroups here
// to wedge every ordered Engine before the ragged-edge flush runs.
func (m *Manager) OnWedge(f func()) {
	m.mu.Lock()
	m.wedgeFns = append(m.wedgeFns, f)
	m.mu.Unlock()
}

// ProposeJoin is called by the current leader when a new member asks to
// join, per spec §4.2. Non-leaders return an error; the caller should
// instead forward the join request to the leader.
func (m *Manager) ProposeJoin(node view.NodeID, endpoint view.Endpoint) error {
	return m.propose(changeProposal{node: node, endpoint: endpoint, isJoin: true})
}

// ProposeDeparture is called by the leader once it has confirmed
// (suspicion timeout expired, transport disconnect observed) that node
// should leave the view.
func (m *Manager) ProposeDeparture(node view.NodeID) error {
	return m.propose(changeProposal{node: node, isJoin: false})
}

func (m *Manager) propose(p changeProposal) error {
	m.mu.Lock()
	if !m.current.IsLeader(m.myID) {
		m.mu.Unlock()
		return fmt.Errorf("gms: only the leader may propose changes, leader is not %d", m.myID)
	}
	m.mu.Unlock()
	m.forcePropose(p)
	return nil
}

// forcePropose appends p to the pending change list and publishes it to
// the change-proposal ring, without requiring this member to currently be
// the view's leader. propose always gates on leadership before calling
// this; the one caller that bypasses the gate is handoverLeader, which
// proposes a suspected former leader's departure as part of this member
// electing itself, before any view naming it leader has installed.
func (m *Manager) forcePropose(p changeProposal) {
	m.mu.Lock()
	m.pending = append(m.pending, p)
	m.mu.Unlock()

	m.table.MutateLocal(func(row *sst.Row) {
		idx := int(row.NumChanges) % len(row.Changes)
		row.Changes[idx] = uint32(p.node)
		if p.isJoin {
			row.JoinerIPs[idx] = 1
		} else {
			row.JoinerIPs[idx] = 0
		}
		row.NumChanges++
	})
	m.table.Put(sst.ColumnRange{Column: "changes"}, sst.ColumnRange{Column: "joiner_ips"}, sst.ColumnRange{Column: "num_changes"})
	m.mu.Lock()
	m.transition = Proposed
	m.mu.Unlock()
}

// --- predicate: merge proposed changes across rows, per view.cpp's merge_changes ---

func (m *Manager) changesProposedLocally(t *sst.Table) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition == Proposed
}

func (m *Manager) mergeChanges(t *sst.Table) {
	myRow := t.LocalRow()
	n := t.NumRows()
	for r := 0; r < n; r++ {
		row := t.Row(sst.RowID(r))
		if row == nil {
			continue
		}
		if row.NumChanges > myRow.NumChanges {
			t.MutateLocal(func(local *sst.Row) {
				copy(local.Changes, row.Changes)
				local.NumChanges = row.NumChanges
			})
		}
	}

	m.table.MutateLocal(func(row *sst.Row) {
		row.NumAcked++
	})
	t.Put(sst.ColumnRange{Column: "num_acked"})

	m.ballots.Insert(ballotKey(myRow.NumChanges), m.myID, uint64(myRow.NumChanges))
}

func ballotKey(numChanges int32) string { return fmt.Sprintf("changes:%d", numChanges) }

// --- predicate: once a majority of the view has acked, commit ---

func (m *Manager) enoughAcksToCommit(t *sst.Table) bool {
	m.mu.Lock()
	leader := m.current.IsLeader(m.myID)
	quorum := len(m.current.Members)/2 + 1
	m.mu.Unlock()
	if !leader {
		return false
	}
	myRow := t.LocalRow()
	if myRow.NumChanges <= myRow.NumCommitted {
		return false
	}
	return m.ballots.ElectionSize(ballotKey(myRow.NumChanges)) >= quorum
}

func (m *Manager) commitChanges(t *sst.Table) {
	t.MutateLocal(func(row *sst.Row) {
		row.NumCommitted = row.NumChanges
	})
	t.Put(sst.ColumnRange{Column: "num_committed"})
	m.mu.Lock()
	m.transition = Committed
	m.mu.Unlock()
}

// --- predicate: once a commit is visible, wedge before installing ---

func (m *Manager) committedNotYetWedged(t *sst.Table) bool {
	myRow := t.LocalRow()
	return myRow.NumCommitted > 0 && !myRow.Wedged
}

func (m *Manager) wedgeForInstall(t *sst.Table) {
	t.MutateLocal(func(row *sst.Row) { row.Wedged = true })
	t.Put(sst.ColumnRange{Column: "wedged"})

	m.mu.Lock()
	m.transition = TransitionWedged
	fns := append([]func(){}, m.wedgeFns...)
	m.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// --- predicate: once every non-failed member has wedged, flush the
// ragged edge for every shard this member leads ---

// allNonFailedWedged reports whether every non-failed member's row has
// set wedged, the first half of spec §4.2's view-install gate.
func (m *Manager) allNonFailedWedged(t *sst.Table) bool {
	m.mu.Lock()
	members := append([]view.NodeID(nil), m.current.Members...)
	m.mu.Unlock()

	for r, id := range members {
		if m.current.IsFailed(id) {
			continue
		}
		row := t.Row(sst.RowID(r))
		if row == nil || !row.Wedged {
			return false
		}
	}
	return true
}

// shardRef names one shard of one subgroup by the SST subgroupIndex
// column it uses (the same column vsync.Group assigns when it builds that
// shard's ordered.Engine) and its current SubView.
type shardRef struct {
	subgroupIndex int
	sv            view.SubView
}

// shardLeaderOf returns the lowest-ranked non-failed member of sv, the
// shard leader responsible for computing its ragged-edge global_min, per
// spec §4.2.
func shardLeaderOf(v *view.View, sv view.SubView) (view.NodeID, bool) {
	for _, id := range sv.Members {
		if !v.IsFailed(id) {
			return id, true
		}
	}
	return 0, false
}

// everyShardRef walks every (subgroup, shard) pair of the current view in
// the same order vsync.Group assigns SST subgroupIndex columns: specs in
// order, shards of each spec in order, one column per shard starting at
// that spec's position in specs.
func (m *Manager) everyShardRef() []shardRef {
	m.mu.Lock()
	cur := m.current
	specs := m.specs
	m.mu.Unlock()

	var refs []shardRef
	for i, spec := range specs {
		shards := cur.SubgroupShardViews[spec.SubgroupType]
		for shardOffset, sv := range shards {
			refs = append(refs, shardRef{subgroupIndex: i + shardOffset, sv: sv})
		}
	}
	return refs
}

// ledShards returns every shard this member currently leads.
func (m *Manager) ledShards() []shardRef {
	m.mu.Lock()
	cur := m.current
	myID := m.myID
	m.mu.Unlock()

	var mine []shardRef
	for _, ref := range m.everyShardRef() {
		if leader, ok := shardLeaderOf(cur, ref.sv); ok && leader == myID {
			mine = append(mine, ref)
		}
	}
	return mine
}

// hasUnreadyLedShard reports whether any shard this member leads has not
// yet published a ready global_min for the view now wedging.
func (m *Manager) hasUnreadyLedShard(t *sst.Table) bool {
	myRow := t.LocalRow()
	for _, ref := range m.ledShards() {
		if ref.subgroupIndex >= len(myRow.GlobalMinReady) || !myRow.GlobalMinReady[ref.subgroupIndex] {
			return true
		}
	}
	return false
}

// allShardsRaggedEdgeReady reports whether every shard's leader has
// published global_min_ready, the second half of spec §4.2's view-install
// gate. A shard with no non-failed member (so no defined leader) is
// skipped rather than blocking install forever.
func (m *Manager) allShardsRaggedEdgeReady(t *sst.Table) bool {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	for _, ref := range m.everyShardRef() {
		leader, ok := shardLeaderOf(cur, ref.sv)
		if !ok {
			continue
		}
		rank := cur.Rank(leader)
		if rank < 0 {
			continue
		}
		row := t.Row(sst.RowID(rank))
		if row == nil {
			return false
		}
		if ref.subgroupIndex >= len(row.GlobalMinReady) || !row.GlobalMinReady[ref.subgroupIndex] {
			return false
		}
	}
	return true
}

func (m *Manager) readyForRaggedEdge(t *sst.Table) bool {
	m.mu.Lock()
	wedging := m.transition == TransitionWedged
	m.mu.Unlock()
	if !wedging {
		return false
	}
	if !m.allNonFailedWedged(t) {
		return false
	}
	return m.hasUnreadyLedShard(t)
}

// flushRaggedEdge computes and publishes global_min for every shard this
// member leads that has not already done so for the view now wedging, per
// spec §4.2: "the current shard leader computes a global_min[sender] =
// the largest index such that every non-failed member of the shard has
// num_received[sender] >= global_min[sender]".
func (m *Manager) flushRaggedEdge(t *sst.Table) {
	myRow := t.LocalRow()
	for _, ref := range m.ledShards() {
		if ref.subgroupIndex < len(myRow.GlobalMinReady) && myRow.GlobalMinReady[ref.subgroupIndex] {
			continue
		}
		m.computeGlobalMinForShard(t, ref.subgroupIndex, ref.sv)
	}
}

func (m *Manager) computeGlobalMinForShard(t *sst.Table, subgroupIndex int, sv view.SubView) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	n := t.Sizes().N
	mins := make(map[int]int32)
	for _, sender := range sv.SenderList() {
		rank := cur.Rank(sender)
		if rank < 0 {
			continue
		}
		idx := subgroupIndex*n + rank
		var min int32 = -1
		for _, member := range sv.Members {
			if cur.IsFailed(member) {
				continue
			}
			mrank := cur.Rank(member)
			if mrank < 0 {
				continue
			}
			row := t.Row(sst.RowID(mrank))
			if row == nil || idx >= len(row.NumReceived) {
				continue
			}
			v := row.NumReceived[idx]
			if min == -1 || v < min {
				min = v
			}
		}
		if min < 0 {
			min = 0
		}
		mins[idx] = min
	}

	t.MutateLocal(func(row *sst.Row) {
		for idx, v := range mins {
			if idx < len(row.GlobalMin) {
				row.GlobalMin[idx] = v
			}
		}
		if subgroupIndex < len(row.GlobalMinReady) {
			row.GlobalMinReady[subgroupIndex] = true
		}
	})
	t.Put(sst.ColumnRange{Column: "global_min"}, sst.ColumnRange{Column: "global_min_ready", Range: [2]int{subgroupIndex, subgroupIndex + 1}})
}

// everyoneWedged is the view-install gate of spec §4.2: "Once all
// non-failed members are wedged and all subgroups they lead are
// global_min_ready, the leader computes the next view..."
func (m *Manager) everyoneWedged(t *sst.Table) bool {
	m.mu.Lock()
	wedging := m.transition == TransitionWedged
	m.mu.Unlock()
	if !wedging {
		return false
	}
	return m.allNonFailedWedged(t) && m.allShardsRaggedEdgeReady(t)
}

// installNextView builds and installs the next view from the pending
// change proposals, once every non-failed member has wedged and every led
// shard's ragged edge has been flushed.
func (m *Manager) installNextView(t *sst.Table) {
	m.mu.Lock()
	next := m.current.Clone()
	next.Vid++
	pending := append([]changeProposal(nil), m.pending...)
	m.mu.Unlock()

	next.Joined = nil
	next.Departed = nil
	for _, p := range pending {
		if p.isJoin {
			next.Members = append(next.Members, p.node)
			next.Endpoints[p.node] = p.endpoint
			next.Joined = append(next.Joined, p.node)
		} else {
			next.Failed[p.node] = true
			next.Departed = append(next.Departed, p.node)
		}
	}

	result := m.allocator.Allocate(next)
	if result.Status == Inadequate {
		m.log.Warn("candidate view is inadequate, not installing", "reason", result.Reason)
		m.mu.Lock()
		m.transition = Steady
		m.mu.Unlock()
		return
	}
	next.SubgroupShardViews = result.ShardViews

	if err := next.Validate(); err != nil {
		m.log.Error("candidate view failed validation, not installing", "error", err)
		m.mu.Lock()
		m.transition = Steady
		m.mu.Unlock()
		return
	}

	if len(next.Joined) > 0 {
		names := make([]string, 0, len(next.SubgroupShardViews))
		for name := range next.SubgroupShardViews {
			names = append(names, name)
		}
		snapshots, err := m.transfer.SnapshotForAll(names)
		if err != nil {
			m.log.Error("failed building state-transfer snapshot for joiners", "error", err)
		} else {
			m.mu.Lock()
			if m.pendingSnapshots == nil {
				m.pendingSnapshots = make(map[view.NodeID]map[string]Snapshot)
			}
			for _, joiner := range next.Joined {
				m.pendingSnapshots[joiner] = snapshots
			}
			m.mu.Unlock()
		}
	}

	// Every field this install carries forward or resets is committed only
	// now that the candidate view is confirmed installable: a proposal that
	// loses the allocator or Validate check above leaves m.pending and the
	// table's change-proposal state untouched, so it survives into a later
	// retry instead of being silently dropped.
	t.AdoptChangeProposals(int32(len(pending)))

	m.mu.Lock()
	for _, p := range pending {
		if p.isJoin {
			m.lifecycle[p.node] = Active
		} else {
			m.lifecycle[p.node] = Leaving
			m.detector.Forget(p.node)
			delete(m.lastSeen, p.node)
		}
	}
	m.pending = m.pending[len(pending):]
	m.current = next
	m.transition = Installed
	var callbacks []func(*view.View)
	callbacks = append(callbacks, m.onInstall...)
	m.mu.Unlock()

	m.log.Info("installed new view", "vid", next.Vid, "members", next.Members)
	for _, cb := range callbacks {
		cb(next)
	}

	m.mu.Lock()
	m.transition = Steady
	m.mu.Unlock()
}

// --- suspicion: a periodic heartbeat refreshes this member's own
// liveness signal and checks peers against it, per spec §4.2's
// "Suspicion" ---

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.heartbeatTick()
		}
	}
}

// heartbeatTick refreshes this member's own local_stability_frontier (the
// liveness signal peers watch for staleness) and, for every other
// non-failed member, checks whether its row shows fresher evidence since
// the last tick; if not, it is handed to the Detector's staleness sweep,
// which reports suspicion once SuspicionTimeout has elapsed with no fresh
// evidence at all.
func (m *Manager) heartbeatTick() {
	now := uint64(time.Now().UnixNano())
	m.table.MutateLocal(func(row *sst.Row) {
		for i := range row.LocalStabilityFrontier {
			row.LocalStabilityFrontier[i] = now
		}
	})
	m.table.Put(sst.ColumnRange{Column: "local_stability_frontier"})

	m.mu.Lock()
	cur := m.current
	myID := m.myID
	members := append([]view.NodeID(nil), cur.Members...)
	m.mu.Unlock()

	for _, id := range members {
		if id == myID || cur.IsFailed(id) {
			continue
		}
		rank := cur.Rank(id)
		if rank < 0 {
			continue
		}
		row := m.table.Row(sst.RowID(rank))
		if row == nil {
			continue
		}
		var max uint64
		for _, v := range row.LocalStabilityFrontier {
			if v > max {
				max = v
			}
		}

		m.mu.Lock()
		fresh := max > m.lastSeen[id]
		if fresh {
			m.lastSeen[id] = max
		}
		m.mu.Unlock()

		if fresh {
			m.detector.CheckIn(id)
			continue
		}
		if m.detector.Suspect(id) {
			if err := m.RecordSuspicion(id); err != nil {
				m.log.Warn("failed recording suspicion", "node", id, "error", err)
			}
		}
	}
}

// RecordSuspicion marks node suspected by this member's row, per spec
// §4.2: "On suspicion, set suspected[my_rank][peer] = true and publish."
// Any member may call this, not just the leader; only proposing the
// resulting departure is leader-gated, via suspicionQuorumReached.
func (m *Manager) RecordSuspicion(node view.NodeID) error {
	m.mu.Lock()
	rank := m.current.Rank(node)
	m.mu.Unlock()
	if rank < 0 {
		return fmt.Errorf("gms: node %d is not a member of the current view", node)
	}
	m.table.MutateLocal(func(row *sst.Row) {
		if rank < len(row.Suspected) {
			row.Suspected[rank] = true
		}
	})
	m.table.Put(sst.ColumnRange{Column: "suspected", Range: [2]int{rank, rank + 1}})
	return nil
}

// suspectedMajority returns every current, non-pending member suspected
// by a majority of rows, per spec §4.2's change-proposal rule: "for each
// unique peer p with ¬failed[p] ∧ majority-of-rows suspect p".
func (m *Manager) suspectedMajority(t *sst.Table) []view.NodeID {
	m.mu.Lock()
	cur := m.current
	myID := m.myID
	pendingDeparture := make(map[view.NodeID]bool, len(m.pending))
	for _, p := range m.pending {
		if !p.isJoin {
			pendingDeparture[p.node] = true
		}
	}
	m.mu.Unlock()

	quorum := len(cur.Members)/2 + 1
	n := t.NumRows()
	var result []view.NodeID
	for _, member := range cur.Members {
		if member == myID || cur.IsFailed(member) || pendingDeparture[member] {
			continue
		}
		rank := cur.Rank(member)
		if rank < 0 {
			continue
		}
		count := 0
		for r := 0; r < n; r++ {
			row := t.Row(sst.RowID(r))
			if row == nil {
				continue
			}
			if rank < len(row.Suspected) && row.Suspected[rank] {
				count++
			}
		}
		if count >= quorum {
			result = append(result, member)
		}
	}
	return result
}

func (m *Manager) suspicionQuorumReached(t *sst.Table) bool {
	m.mu.Lock()
	leader := m.current.IsLeader(m.myID)
	m.mu.Unlock()
	if !leader {
		return false
	}
	return len(m.suspectedMajority(t)) > 0
}

func (m *Manager) proposeSuspectedDepartures(t *sst.Table) {
	for _, node := range m.suspectedMajority(t) {
		if err := m.ProposeDeparture(node); err != nil {
			m.log.Warn("failed proposing departure of suspected member", "node", node, "error", err)
		}
	}
}

// handoverLeader proposes the old leader's departure directly, bypassing
// the leadership gate, once ShouldHandoverLeader confirms every
// lower-ranked row agrees it should be replaced. Once that departure
// installs, view.View.Leader naturally resolves to this member.
func (m *Manager) handoverLeader(t *sst.Table) {
	m.mu.Lock()
	oldLeader, ok := m.current.Leader()
	alreadyPending := false
	for _, p := range m.pending {
		if !p.isJoin && p.node == oldLeader {
			alreadyPending = true
			break
		}
	}
	m.mu.Unlock()
	if !ok || alreadyPending {
		return
	}
	m.log.Warn("quorum of lower ranks suspects the leader, proposing its departure", "leader", oldLeader)
	m.forcePropose(changeProposal{node: oldLeader, isJoin: false})
}

// TakeSnapshot returns and clears the state-transfer payload computed for
// joiner when it was added to the most recently installed view, if any.
// The embedder calls this once to retrieve what to ship the joiner
// before it starts accepting ordered traffic.
func (m *Manager) TakeSnapshot(joiner view.NodeID) (map[string]Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.pendingSnapshots[joiner]
	if ok {
		delete(m.pendingSnapshots, joiner)
	}
	return snap, ok
}

// Close releases the Manager's underlying SST table and stops its
// heartbeat goroutine.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
}
