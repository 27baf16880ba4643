package vsync

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"vsync/pkg/vsync/ordered"
	"vsync/pkg/vsync/persist"
	"vsync/pkg/vsync/rpc"
	"vsync/pkg/vsync/view"
)

// Subgroup is the handle an application holds on one shard of one
// subgroup: get_subgroup<T> and get_nonmember_subgroup<T> of spec §6 both
// return this type, differing only in whether engine is non-nil.
type Subgroup struct {
	group         *Group
	name          string
	shardIndex    int
	subgroupIndex int
	classID       uint32
	view          view.SubView

	engine   *ordered.Engine // nil for a non-member handle
	instance interface{}     // the application's replicated-object instance, nil for a non-member handle
}

// Members returns the shard's member list.
func (s *Subgroup) Members() []view.NodeID { return append([]view.NodeID(nil), s.view.Members...) }

// MyShardRank returns this member's rank within the shard, or -1 if this
// is a non-member handle.
func (s *Subgroup) MyShardRank() int {
	for i, id := range s.view.Members {
		if id == s.group.myID {
			return i
		}
	}
	return -1
}

// Instance returns the application's replicated-object instance backing
// this shard, or nil for a non-member handle.
func (s *Subgroup) Instance() interface{} { return s.instance }

// RegisterHandler installs h for functionID on this subgroup's class,
// invoked for every ordered and P2P invocation addressed to it.
func (s *Subgroup) RegisterHandler(functionID uint32, h rpc.Handler) {
	s.group.dispatcher.RegisterHandler(s.classID, functionID, h)
}

// Binder is implemented by a replicated-object type that wants its RPC
// handlers wired up automatically when a Group materializes the shard it
// backs, instead of the application calling RegisterHandler itself after
// GetSubgroup.
type Binder interface {
	Bind(sg *Subgroup)
}

// rpcEnvelope pairs a Header with its payload for the one hop where both
// have to travel together as a single []byte: across an ordered.Engine,
// whose transport only knows how to carry opaque message bytes.
type rpcEnvelope struct {
	Header  rpc.Header
	Payload []byte
}

func encodeEnvelope(env rpcEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(env); err != nil {
		return nil, newError(KindSerializationFailure, "%v", err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(raw []byte) (rpcEnvelope, error) {
	var env rpcEnvelope
	dec := codec.NewDecoder(bytes.NewReader(raw), &codec.MsgpackHandle{})
	if err := dec.Decode(&env); err != nil {
		return rpcEnvelope{}, newError(KindInvalidRpcMessage, "%v", err)
	}
	return env, nil
}

// OrderedSend multicasts payload to the whole shard with no reply
// expected, per spec §4.5's ordered_send. InvalidSubgroup if this is a
// non-member handle or this member is not one of the shard's senders.
func (s *Subgroup) OrderedSend(functionID uint32, payload []byte) error {
	return s.orderedInvoke(rpc.OrderedSend, functionID, payload, nil)
}

// OrderedQuery multicasts payload to the whole shard and waits for a
// reply from every shard member, per spec §4.5's ordered_query.
func (s *Subgroup) OrderedQuery(ctx context.Context, functionID uint32, payload []byte) (map[uint32]rpc.Outcome, error) {
	promised := make([]uint32, len(s.view.Members))
	for i, id := range s.view.Members {
		promised[i] = uint32(id)
	}
	pending := rpc.NewPendingResult(promised)
	if err := s.orderedInvoke(rpc.OrderedQuery, functionID, payload, pending); err != nil {
		return nil, err
	}
	return waitWithContext(ctx, pending)
}

func (s *Subgroup) orderedInvoke(mode rpc.Mode, functionID uint32, payload []byte, pending *rpc.PendingResult) error {
	if s.engine == nil {
		return newError(KindInvalidSubgroup, "subgroup %q shard %d: not a member, cannot originate ordered traffic", s.name, s.shardIndex)
	}
	if !s.view.IsSender[s.group.myID] {
		return newError(KindInvalidSubgroup, "subgroup %q shard %d: not a sender, cannot originate ordered traffic", s.name, s.shardIndex)
	}
	invocationID := s.group.dispatcher.NextInvocationID()
	hdr, err := rpc.NewRequestHeader(mode, s.classID, uint32(s.shardIndex), functionID, uint32(s.group.myID), invocationID, uint32(len(payload)))
	if err != nil {
		return err
	}
	if pending != nil {
		s.group.pending.Register(invocationID, pending)
		s.group.trackPending(subgroupKey{name: s.name, shard: s.shardIndex}, invocationID, pending)
	}
	env, err := encodeEnvelope(rpcEnvelope{Header: hdr, Payload: payload})
	if err != nil {
		return err
	}
	_, err = s.engine.Send(env)
	return err
}

// onDeliver is the ordered.Engine's delivery callback: it decodes the
// envelope and hands it to this member's Dispatcher exactly like an
// inbound network frame would be.
func (s *Subgroup) onDeliver(p ordered.Pending) {
	env, err := decodeEnvelope(p.Payload)
	if err != nil {
		s.group.log.Error("dropping undecodable ordered message", "subgroup", s.name, "shard", s.shardIndex, "error", err)
		return
	}
	if err := s.group.routeIncoming(view.NodeID(env.Header.SenderID), env.Header, env.Payload); err != nil {
		s.group.log.Warn("dispatcher rejected ordered delivery", "error", err)
	}
}

// P2PSend issues a point-to-point send to target with no reply expected,
// per spec §4.5's p2p_send. Works on both member and non-member handles.
func (s *Subgroup) P2PSend(target view.NodeID, functionID uint32, payload []byte) error {
	_, err := s.p2pInvoke(context.Background(), target, rpc.P2PSend, functionID, payload, false)
	return err
}

// P2PQuery issues a point-to-point query to target and waits for its
// single reply, per spec §4.5's p2p_query.
func (s *Subgroup) P2PQuery(ctx context.Context, target view.NodeID, functionID uint32, payload []byte) ([]byte, error) {
	return s.p2pInvoke(ctx, target, rpc.P2PQuery, functionID, payload, true)
}

func (s *Subgroup) p2pInvoke(ctx context.Context, target view.NodeID, mode rpc.Mode, functionID uint32, payload []byte, wantsReply bool) ([]byte, error) {
	if !s.view.Contains(target) {
		return nil, newError(KindInvalidSubgroup, "node %d is not a member of subgroup %q shard %d", target, s.name, s.shardIndex)
	}
	peer, ok := s.group.peers[target]
	if !ok || peer == nil {
		return nil, fmt.Errorf("vsync: no route to node %d", target)
	}

	invocationID := s.group.dispatcher.NextInvocationID()
	hdr, err := rpc.NewRequestHeader(mode, s.classID, uint32(s.shardIndex), functionID, uint32(s.group.myID), invocationID, uint32(len(payload)))
	if err != nil {
		return nil, err
	}

	var pending *rpc.PendingResult
	if wantsReply {
		pending = rpc.NewPendingResult([]uint32{uint32(target)})
		s.group.pending.Register(invocationID, pending)
		s.group.trackPending(subgroupKey{name: s.name, shard: s.shardIndex}, invocationID, pending)
	}

	if err := peer.routeIncoming(s.group.myID, hdr, payload); err != nil {
		return nil, err
	}
	if !wantsReply {
		return nil, nil
	}
	outcomes, err := waitWithContext(ctx, pending)
	if err != nil {
		return nil, err
	}
	outcome := outcomes[uint32(target)]
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Payload, nil
}

func waitWithContext(ctx context.Context, pending *rpc.PendingResult) (map[uint32]rpc.Outcome, error) {
	type result struct {
		replies map[uint32]rpc.Outcome
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		replies, err := pending.Wait()
		ch <- result{replies, err}
	}()
	select {
	case r := <-ch:
		return r.replies, r.err
	case <-ctx.Done():
		pending.Fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// localOrderedTransport ships an already-sequenced ordered message to
// every other member of shard in-process, the facade's substitute for a
// real bulk-multicast carrier under ordered.Engine, per that package's
// Transport seam.
type localOrderedTransport struct {
	group       *Group
	shard       view.SubView
	name        string
	shardIndex  int
	numSenders  int
	senderIndex int

	next int64
}

func (lt *localOrderedTransport) Send(subgroupIndex int, payload []byte) error {
	idx := lt.next
	lt.next++
	seq := ordered.Encode(lt.numSenders, lt.senderIndex, idx)

	key := subgroupKey{name: lt.name, shard: lt.shardIndex}
	for _, id := range lt.shard.Members {
		if id == lt.group.myID {
			continue
		}
		peer, ok := lt.group.peers[id]
		if !ok || peer == nil {
			continue
		}
		peer.mu.Lock()
		sg, ok := peer.subgroups[key]
		peer.mu.Unlock()
		if !ok || sg == nil || sg.engine == nil {
			continue
		}
		sg.engine.Deliver(seq, payload)
	}
	return nil
}

// persistQualifiedName scopes a persisted record by both subgroup name
// and shard, since persist.Collaborator indexes its log per subgroup
// string key and two shards of the same type would otherwise collide.
func (s *Subgroup) persistQualifiedName() string {
	return fmt.Sprintf("%s/%d", s.name, s.shardIndex)
}

// PersistVersion durably records version as the shard's state after
// applying a delivered update, per spec §4.4's persistence hook. A
// handler calls this once it has applied the update its ordered delivery
// carried; group construction does not call it automatically, since only
// the application's replicated object knows when its state actually
// changed.
func (s *Subgroup) PersistVersion(version int64, bytes []byte) error {
	if !s.group.cfg.PersistenceEnabled {
		return nil
	}
	return s.group.persist.Append(persist.Record{
		Subgroup: s.persistQualifiedName(),
		Version:  version,
		Time:     persist.HLC{Physical: nowMicros(), Logical: uint64(version)},
		Bytes:    bytes,
	})
}

// ReadVersion returns the exact persisted version previously recorded
// with PersistVersion, or persist.ErrNotFound.
func (s *Subgroup) ReadVersion(version int64) (persist.Record, error) {
	return s.group.persist.Read(s.persistQualifiedName(), version)
}

// ReadByTime returns the latest version persisted at or before t, per
// spec §4.4's temporal read, failing with TimestampBeyondFrontier if t
// predates everything still retained.
func (s *Subgroup) ReadByTime(t persist.HLC) (persist.Record, error) {
	rec, err := s.group.persist.ReadByTime(s.persistQualifiedName(), t)
	if err == persist.ErrBeyondFrontier {
		return persist.Record{}, newError(KindTimestampBeyondFrontier, "subgroup %q shard %d: %v", s.name, s.shardIndex, err)
	}
	return rec, err
}

// nowMicros stamps the physical component of an HLC. Declared as its own
// function so it is the one place a later real clock source would replace
// time.Now with whatever the group's heartbeat clock is using.
func nowMicros() int64 { return time.Now().UnixMicro() }
