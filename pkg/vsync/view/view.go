// Package view holds the data model for group membership: node identity,
// addressing, views and subviews, as described by the group's shared state.
package view

import "fmt"

// NodeID uniquely identifies a member within the lifetime of a group
// instance. NodeIDs are never reused across views of the same group.
type NodeID uint32

// RPCMode controls how members of a shard exchange ordered traffic.
type RPCMode int

const (
	// ORDERED delivers messages in the same globally agreed order at every
	// shard member.
	ORDERED RPCMode = iota
	// UNORDERED delivers messages with no cross-sender ordering guarantee.
	UNORDERED
	// RAW exposes only the bulk transport, with no header or dispatch.
	RAW
)

func (m RPCMode) String() string {
	switch m {
	case ORDERED:
		return "ORDERED"
	case UNORDERED:
		return "UNORDERED"
	case RAW:
		return "RAW"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is the addressing record for a node: the four ports the runtime
// opens plus the bind address.
type Endpoint struct {
	IP       string
	GMSPort  int
	RDMAPort int
	RPCPort  int
	SSTPort  int
}

// SubView is a shard's own view of itself: its ordered member list, which
// members are senders, and the mode traffic is exchanged with.
type SubView struct {
	Members  []NodeID
	IsSender map[NodeID]bool
	Mode     RPCMode
}

// SenderList returns the members of the subview that may send, in the
// shard's member order. The order defines the sender index used by the
// sequence-number encoding in package ordered.
func (s SubView) SenderList() []NodeID {
	var senders []NodeID
	for _, m := range s.Members {
		if s.IsSender[m] {
			senders = append(senders, m)
		}
	}
	return senders
}

// Contains reports whether id is a member of the shard.
func (s SubView) Contains(id NodeID) bool {
	for _, m := range s.Members {
		if m == id {
			return true
		}
	}
	return false
}

// View is the frozen snapshot of group membership installed by the GMS.
// vid changes on every install; ranks are stable for the lifetime of one
// View value.
type View struct {
	Vid       int32
	Members   []NodeID
	Endpoints map[NodeID]Endpoint
	Failed    map[NodeID]bool
	Joined    []NodeID
	Departed  []NodeID

	// SubgroupShardViews[subgroup][shard] is this view's allocation of
	// shards to a named subgroup.
	SubgroupShardViews map[string][]SubView

	MyRank             int
	NextUnassignedRank int
	SubgroupTypeOrder  []string
}

// Rank returns the rank of id in the view's member order, or -1 if id is
// not (or no longer) a member.
func (v *View) Rank(id NodeID) int {
	for r, m := range v.Members {
		if m == id {
			return r
		}
	}
	return -1
}

// IsFailed reports whether member id is marked failed in this view. An id
// with no entry in Failed, including one that is not a member, reads as
// not failed.
func (v *View) IsFailed(id NodeID) bool {
	return v.Failed[id]
}

// Leader returns the lowest-ranked non-failed member, which is unique by
// the View invariant in spec §3.
func (v *View) Leader() (NodeID, bool) {
	for _, id := range v.Members {
		if !v.Failed[id] {
			return id, true
		}
	}
	return 0, false
}

// IsLeader reports whether id is this view's leader.
func (v *View) IsLeader(id NodeID) bool {
	leader, ok := v.Leader()
	return ok && leader == id
}

// Validate checks the View invariants named in spec §3: no duplicate
// members, every declared shard of every declared subgroup non-empty, and
// a uniquely defined leader.
func (v *View) Validate() error {
	seen := make(map[NodeID]bool, len(v.Members))
	for _, id := range v.Members {
		if seen[id] {
			return fmt.Errorf("view %d: duplicate member id %d", v.Vid, id)
		}
		seen[id] = true
	}
	for subgroup, shards := range v.SubgroupShardViews {
		for k, shard := range shards {
			if len(shard.Members) == 0 {
				return fmt.Errorf("view %d: subgroup %q shard %d is empty", v.Vid, subgroup, k)
			}
		}
	}
	if _, ok := v.Leader(); !ok {
		return fmt.Errorf("view %d: no non-failed member, leader undefined", v.Vid)
	}
	return nil
}

// Clone returns a deep-enough copy of v suitable for mutating into the next
// proposed view without aliasing the original's slices and maps.
func (v *View) Clone() *View {
	nv := &View{
		Vid:                v.Vid,
		Members:            append([]NodeID(nil), v.Members...),
		Endpoints:          make(map[NodeID]Endpoint, len(v.Endpoints)),
		Failed:             make(map[NodeID]bool, len(v.Failed)),
		Joined:             append([]NodeID(nil), v.Joined...),
		Departed:           append([]NodeID(nil), v.Departed...),
		SubgroupShardViews: make(map[string][]SubView, len(v.SubgroupShardViews)),
		MyRank:             v.MyRank,
		NextUnassignedRank: v.NextUnassignedRank,
		SubgroupTypeOrder:  append([]string(nil), v.SubgroupTypeOrder...),
	}
	for id, ep := range v.Endpoints {
		nv.Endpoints[id] = ep
	}
	for id, f := range v.Failed {
		nv.Failed[id] = f
	}
	for name, shards := range v.SubgroupShardViews {
		cp := make([]SubView, len(shards))
		for i, sv := range shards {
			isSender := make(map[NodeID]bool, len(sv.IsSender))
			for id, b := range sv.IsSender {
				isSender[id] = b
			}
			cp[i] = SubView{
				Members:  append([]NodeID(nil), sv.Members...),
				IsSender: isSender,
				Mode:     sv.Mode,
			}
		}
		nv.SubgroupShardViews[name] = cp
	}
	return nv
}
