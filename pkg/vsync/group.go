package vsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"vsync/pkg/vsync/gms"
	"vsync/pkg/vsync/ordered"
	"vsync/pkg/vsync/persist"
	"vsync/pkg/vsync/rpc"
	"vsync/pkg/vsync/sst"
	"vsync/pkg/vsync/view"
)

// Group is the application-facing handle on one member's participation in
// a running group: it owns that member's SST table, GMS manager, RPC
// dispatcher and per-subgroup ordered-multicast engines, and exposes the
// query/send surface of spec §6.
type Group struct {
	cfg *Config
	log hclog.Logger

	myID view.NodeID

	table      *sst.Table
	manager    *gms.Manager
	dispatcher *rpc.Dispatcher
	pending    *rpc.PendingTable
	persist    persist.Collaborator

	mu        sync.Mutex
	subgroups map[subgroupKey]*Subgroup
	peers     map[view.NodeID]*Group // in-process peer registry; nil entries are remote
	classIDs  map[string]uint32

	// inFlight tracks every pending ordered/P2P call this member originated
	// that is still outstanding, per subgroup shard, so a view install can
	// resolve the entries belonging to departed members (spec §4.5 step 5)
	// or fail the whole future if the shard itself was torn down on this
	// node (spec §4.5's "Receiver destruction").
	inFlightMu sync.Mutex
	inFlight   map[subgroupKey]map[uint64]*rpc.PendingResult

	// replyRoutes remembers, per in-flight invocation this member is
	// currently handling, which caller to ship the eventual reply back
	// to — the in-process substitute for the real NetworkTransport's
	// by-connection reply routing in rpc/transport.go, since a Header's
	// SenderID is overwritten with the replier's own id once
	// rpc.ReplyHeader builds the response.
	replyMu     sync.Mutex
	replyRoutes map[uint64]view.NodeID

	closed bool
}

type subgroupKey struct {
	name  string
	shard int
}

// classIDFor hands out a stable classID per subgroup name, the way a real
// deployment would hash or register a replicated type's class once.
// ClassIDs are assigned 1, 2, 3... in first-registration order, which
// happens once up front in specs order in NewLocalGroup — so classID-1 is
// also usable as the subgroup's SST column index, since sizes.S counts
// one column per subgroup type a member belongs to.
func classIDFor(classIDs map[string]uint32, name string) uint32 {
	if id, ok := classIDs[name]; ok {
		return id
	}
	id := uint32(len(classIDs) + 1)
	classIDs[name] = id
	return id
}

func subgroupColumnIndex(classIDs map[string]uint32, name string) int {
	return int(classIDFor(classIDs, name)) - 1
}

// NewLocalGroup builds len(cfgs) Groups that all run in one process and
// address each other directly, the facade-level equivalent of
// sst.NewLocalGroup: used by tests and by embedders that want an
// in-process multi-member deployment with no real sockets. cfgs[i].LocalID
// must be distinct; cfgs[0] is treated as the founding member and every
// other config's ContactIP/ContactPort are ignored since membership here
// is fixed at construction time rather than grown by runtime joins.
func NewLocalGroup(cfgs []*Config) ([]*Group, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("vsync: NewLocalGroup requires at least one config")
	}
	for _, cfg := range cfgs {
		if cfg.Logger == nil {
			cfg.Logger = hclog.Default()
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	members := make([]view.NodeID, len(cfgs))
	endpoints := make(map[view.NodeID]view.Endpoint, len(cfgs))
	for i, cfg := range cfgs {
		members[i] = cfg.LocalID
		endpoints[cfg.LocalID] = cfg.endpoint()
	}

	specs := cfgs[0].shardSpecs()
	allocator := gms.NewSubgroupAllocator(specs)
	initial := &view.View{
		Vid:       0,
		Members:   append([]view.NodeID(nil), members...),
		Endpoints: endpoints,
		Failed:    make(map[view.NodeID]bool),
	}
	result := allocator.Allocate(initial)
	if result.Status == gms.Inadequate {
		return nil, &Error{Kind: KindInadequateView, Message: result.Reason}
	}
	initial.SubgroupShardViews = result.ShardViews
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("vsync: initial view invalid: %w", err)
	}

	sizes := sst.Sizes{
		N: len(cfgs),
		S: len(specs),
		R: len(cfgs) * len(specs),
		W: 4,
		C: 8,
	}
	tables := sst.NewLocalGroup(len(cfgs), sizes, cfgs[0].Logger, nil)

	groups := make([]*Group, len(cfgs))
	classIDs := make(map[string]uint32, len(specs))
	for _, spec := range specs {
		classIDFor(classIDs, spec.SubgroupType)
	}

	for i, cfg := range cfgs {
		var collaborator persist.Collaborator
		if cfg.PersistenceEnabled && cfg.StatePath != "" {
			bolt, err := persist.NewBoltCollaborator(cfg.StatePath, 20*time.Millisecond, cfg.StateTransferBatch)
			if err != nil {
				return nil, fmt.Errorf("vsync: member %d: %w", cfg.LocalID, err)
			}
			collaborator = bolt
		} else {
			collaborator = persist.NewMemoryCollaborator()
		}

		gcfg := &gms.Config{
			Logger:            cfg.Logger.Named("gms"),
			SuspicionTimeout:  cfg.SuspicionTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Specs:             specs,
		}
		if gcfg.SuspicionTimeout <= 0 || gcfg.HeartbeatInterval <= 0 {
			d := gms.DefaultConfig()
			gcfg.SuspicionTimeout = d.SuspicionTimeout
			gcfg.HeartbeatInterval = d.HeartbeatInterval
		}

		manager, err := gms.NewManager(cfg.LocalID, initial.Clone(), tables[i], specs, collaborator, gcfg, gcfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("vsync: member %d: %w", cfg.LocalID, err)
		}

		pending := rpc.NewPendingTable(cfg.SuspicionTimeout * 4)
		dispatcher := rpc.NewDispatcher(uint32(cfg.LocalID), pending, cfg.Logger.Named("rpc"))

		g := &Group{
			cfg:        cfg,
			log:        cfg.Logger,
			myID:       cfg.LocalID,
			table:      tables[i],
			manager:    manager,
			dispatcher: dispatcher,
			pending:    pending,
			persist:    collaborator,
			subgroups:   make(map[subgroupKey]*Subgroup),
			peers:       make(map[view.NodeID]*Group),
			classIDs:    classIDs,
			replyRoutes: make(map[uint64]view.NodeID),
			inFlight:    make(map[subgroupKey]map[uint64]*rpc.PendingResult),
		}
		groups[i] = g
	}

	for _, g := range groups {
		for _, peer := range groups {
			g.peers[peer.myID] = peer
		}
	}

	for i, cfg := range cfgs {
		g := groups[i]
		g.dispatcher.ReplySender = g.sendReplyToCaller
		for _, spec := range cfg.Subgroups {
			g.materializeSubgroup(spec, initial, nil)
		}
		g.manager.OnWedge(g.wedgeSubgroups)
		g.manager.OnInstall(g.onViewInstalled)
	}

	return groups, nil
}

// routeIncoming remembers who to ship the eventual reply to, if any, and
// hands hdr/payload to this member's own Dispatcher — the in-process
// stand-in for a real Transport's receive loop plus its by-connection
// reply bookkeeping.
func (g *Group) routeIncoming(caller view.NodeID, hdr rpc.Header, payload []byte) error {
	if hdr.Flags.Has(rpc.FlagIsQuery) && !hdr.IsReply {
		g.replyMu.Lock()
		g.replyRoutes[hdr.InvocationID] = caller
		g.replyMu.Unlock()
	}
	return g.dispatcher.Deliver(hdr, payload)
}

// sendReplyToCaller is wired as this member's Dispatcher.ReplySender: it
// looks up which caller routeIncoming recorded for hdr's invocation and
// ships the reply there directly, in-process.
func (g *Group) sendReplyToCaller(hdr rpc.Header, payload []byte) {
	g.replyMu.Lock()
	caller, ok := g.replyRoutes[hdr.InvocationID]
	if ok {
		delete(g.replyRoutes, hdr.InvocationID)
	}
	g.replyMu.Unlock()
	if !ok {
		g.log.Warn("no caller recorded for reply", "invocation", hdr.InvocationID)
		return
	}
	peer, ok := g.peers[caller]
	if !ok || peer == nil {
		return
	}
	_ = peer.dispatcher.Deliver(hdr, payload)
}

// materializeSubgroup builds the Subgroup handles and, for shards this
// member belongs to, the backing ordered.Engine and replicated-object
// instance, for one application-declared SubgroupSpec. reuse, if non-nil,
// supplies the replicated-object instance surviving members already had
// for a given (name, shard) before a view install rebuilt the Subgroup —
// without it a continuing member would silently lose its instance's state
// on every membership change.
func (g *Group) materializeSubgroup(spec SubgroupSpec, v *view.View, reuse map[subgroupKey]interface{}) {
	shards := v.SubgroupShardViews[spec.Name]
	classID := classIDFor(g.classIDs, spec.Name)
	subgroupIndex := subgroupColumnIndex(g.classIDs, spec.Name)

	for shardIdx, sv := range shards {
		key := subgroupKey{name: spec.Name, shard: shardIdx}
		sg := &Subgroup{
			group:         g,
			name:          spec.Name,
			shardIndex:    shardIdx,
			classID:       classID,
			subgroupIndex: subgroupIndex,
			view:          sv,
		}
		g.mu.Lock()
		g.subgroups[key] = sg
		g.mu.Unlock()

		if !sv.Contains(g.myID) {
			continue
		}

		senders := sv.SenderList()
		senderIndex := -1
		senderRanks := make([]int, len(senders))
		for i, id := range senders {
			senderRanks[i] = v.Rank(id)
			if id == g.myID {
				senderIndex = i
			}
		}

		transport := &localOrderedTransport{
			group:       g,
			shard:       sv,
			name:        spec.Name,
			shardIndex:  shardIdx,
			numSenders:  len(senders),
			senderIndex: senderIndex,
		}

		instance, reused := reuse[key]
		if !reused && spec.NewInstance != nil {
			instance = spec.NewInstance(shardIdx)
		}
		sg.instance = instance

		sg.engine = ordered.NewEngine(g.table, subgroupIndex, maxInt(len(senders), 1), senderIndex, senderRanks, g.cfg.WindowSize, transport,
			func(p ordered.Pending) { sg.onDeliver(p) }, g.log.Named(fmt.Sprintf("ordered.%s.%d", spec.Name, shardIdx)))

		if binder, ok := instance.(Binder); ok {
			binder.Bind(sg)
		}
		subgroupIndex++
	}
}

// trackPending records an originated, still-outstanding pending result
// for key under invocationID, so a later view install can resolve its
// entries for departed shard members or fail it outright if this member's
// own instance for key is torn down.
func (g *Group) trackPending(key subgroupKey, invocationID uint64, p *rpc.PendingResult) {
	g.inFlightMu.Lock()
	defer g.inFlightMu.Unlock()
	m := g.inFlight[key]
	if m == nil {
		m = make(map[uint64]*rpc.PendingResult)
		g.inFlight[key] = m
	}
	m[invocationID] = p
}

// wedgeSubgroups is wired as this member's GMS OnWedge hook: it stops
// every subgroup's ordered.Engine from accepting further sends ahead of
// the ragged-edge flush, per spec §4.2.
func (g *Group) wedgeSubgroups() {
	g.mu.Lock()
	subgroups := make([]*Subgroup, 0, len(g.subgroups))
	for _, sg := range g.subgroups {
		subgroups = append(subgroups, sg)
	}
	g.mu.Unlock()
	for _, sg := range subgroups {
		if sg.engine != nil {
			sg.engine.Wedge()
		}
	}
}

// onViewInstalled is wired as this member's GMS OnInstall hook: it rebuilds
// every Subgroup handle and ordered.Engine against the newly installed
// view, carrying forward each continuing subgroup's replicated-object
// instance, and resolves pending results that the install invalidated —
// the §2 data-flow contract that membership events "notify C to wedge, E
// to fail pending calls of departed nodes".
func (g *Group) onViewInstalled(v *view.View) {
	g.mu.Lock()
	old := g.subgroups
	g.subgroups = make(map[subgroupKey]*Subgroup)
	g.mu.Unlock()

	departed := make(map[view.NodeID]bool, len(v.Departed))
	for _, id := range v.Departed {
		departed[id] = true
	}

	reuse := make(map[subgroupKey]interface{}, len(old))
	for key, sg := range old {
		shards := v.SubgroupShardViews[key.name]
		stillMine := key.shard < len(shards) && shards[key.shard].Contains(g.myID)
		g.failPendingForSubgroup(key, sg, stillMine, departed)
		if stillMine && sg.instance != nil {
			reuse[key] = sg.instance
		}
		if sg.engine != nil {
			sg.engine.Close()
		}
	}

	for _, spec := range g.cfg.Subgroups {
		g.materializeSubgroup(spec, v, reuse)
	}
}

// failPendingForSubgroup resolves every still-outstanding pending result
// this member originated against key. If this member had an ordered
// engine for the subgroup and lost membership in the new view, the whole
// future fails with CallerRemoved, per spec §4.5's "Receiver destruction"
// rule: an ordered_query can never be completed once its own engine is
// torn down. Otherwise (ordered queries from a continuing member, and
// every p2p query regardless of this member's own standing) each departed
// shard member's entry resolves to NodeRemovedFromShard, per spec §4.5
// step 5 and testable property 7.
func (g *Group) failPendingForSubgroup(key subgroupKey, sg *Subgroup, stillMine bool, departed map[view.NodeID]bool) {
	g.inFlightMu.Lock()
	pending := g.inFlight[key]
	delete(g.inFlight, key)
	g.inFlightMu.Unlock()

	wasMember := sg.engine != nil
	for _, p := range pending {
		if p.Done() {
			continue
		}
		if wasMember && !stillMine {
			p.Fail(newError(KindCallerRemoved, "subgroup %q shard %d was torn down on this node", key.name, key.shard))
			continue
		}
		for _, id := range sg.view.Members {
			if departed[id] {
				p.FailMember(uint32(id), &rpc.ReplyError{Code: rpc.CodeNodeRemovedFromShard, Node: uint32(id)})
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// CurrentView returns the view currently installed for this member.
func (g *Group) CurrentView() *view.View { return g.manager.CurrentView() }

// MyID returns this member's NodeID.
func (g *Group) MyID() view.NodeID { return g.myID }

// MyRank returns this member's rank in the current view.
func (g *Group) MyRank() int { return g.manager.CurrentView().Rank(g.myID) }

// Members returns the current view's member list.
func (g *Group) Members() []view.NodeID {
	return append([]view.NodeID(nil), g.manager.CurrentView().Members...)
}

// GetSubgroup returns the handle for a shard this member belongs to,
// equivalent to the original's get_subgroup<T>(idx). It fails with
// InvalidSubgroup if the name/shard pair does not exist in the current
// view, or if this member is not one of the shard's members — a
// non-member must call GetNonmemberSubgroup instead.
func (g *Group) GetSubgroup(name string, shardIndex int) (*Subgroup, error) {
	sg, ok := g.lookupSubgroup(name, shardIndex)
	if !ok {
		return nil, newError(KindInvalidSubgroup, "no such subgroup %q shard %d in the current view", name, shardIndex)
	}
	if sg.engine == nil {
		return nil, newError(KindInvalidSubgroup, "this member is not part of subgroup %q shard %d", name, shardIndex)
	}
	return sg, nil
}

// GetNonmemberSubgroup returns a handle usable to issue P2P calls into a
// shard this member does not belong to, equivalent to the original's
// get_nonmember_subgroup<T>(idx). OrderedSend/OrderedQuery on the
// returned handle always fail with InvalidSubgroup, since only members
// may originate ordered traffic.
func (g *Group) GetNonmemberSubgroup(name string, shardIndex int) (*Subgroup, error) {
	sg, ok := g.lookupSubgroup(name, shardIndex)
	if !ok {
		return nil, newError(KindInvalidSubgroup, "no such subgroup %q shard %d in the current view", name, shardIndex)
	}
	return sg, nil
}

func (g *Group) lookupSubgroup(name string, shardIndex int) (*Subgroup, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sg, ok := g.subgroups[subgroupKey{name: name, shard: shardIndex}]
	return sg, ok
}

// AnnounceSuspicion reports that this member suspects node may have
// failed, per spec §4.2's "On suspicion, set suspected[my_rank][peer] =
// true and publish" — recorded unconditionally, not just by the leader.
// The leader proposes node's departure on its own, once a majority of
// rows suspect it, via the GMS's quorum-gated predicate.
func (g *Group) AnnounceSuspicion(node view.NodeID) error {
	return g.manager.RecordSuspicion(node)
}

// AnnounceDeparture voluntarily proposes this member's own departure from
// the group; the leader must action it since only the leader may propose
// membership changes, per spec §4.2.
func (g *Group) AnnounceDeparture() error {
	v := g.manager.CurrentView()
	if v.IsLeader(g.myID) {
		return g.manager.ProposeDeparture(g.myID)
	}
	leader, ok := v.Leader()
	if !ok {
		return newError(KindGroupWedged, "no leader to route departure request to")
	}
	peer, ok := g.peers[leader]
	if !ok || peer == nil {
		return fmt.Errorf("vsync: cannot reach leader %d to propose departure", leader)
	}
	return peer.manager.ProposeDeparture(g.myID)
}

// Close releases every resource this member's Group holds.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subgroups := make([]*Subgroup, 0, len(g.subgroups))
	for _, sg := range g.subgroups {
		subgroups = append(subgroups, sg)
	}
	g.mu.Unlock()

	for _, sg := range subgroups {
		if sg.engine != nil {
			sg.engine.Close()
		}
	}
	g.dispatcher.Stop()
	g.pending.Close()
	g.manager.Close()
	g.table.Close()
	_ = g.persist.Close()
}
