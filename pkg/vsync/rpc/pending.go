package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
)

// ReplyError corresponds to spec §7's NodeRemovedFromShard/CallerRemoved:
// a PendingResult can fail without ever receiving a reply if the member
// it was waiting on, or the caller itself, leaves the view mid-call.
type ReplyError struct {
	Code string
	Node uint32
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("rpc: %s (node %d)", e.Code, e.Node)
}

// NodeRemovedFromShard and CallerRemoved are the two ReplyError codes
// spec §7 names.
const (
	CodeNodeRemovedFromShard = "node removed from shard"
	CodeCallerRemoved        = "caller removed"
)

// Outcome is one promised member's entry in a completed PendingResult's
// reply map: either a handler return (Payload) or the reason that member
// will never reply (Err), per testable property 7's "reply-map
// completeness" — every promised member ends up with exactly one of the
// two.
type Outcome struct {
	Payload []byte
	Err     error
}

// PendingResult is the future returned by an ordered_query or p2p_query
// invocation. Per spec §4.5's lifecycle, it is constructed with the full
// set of members it promises a reply from; Fulfill records a handler's
// reply, FailMember resolves one promised member to an error without a
// reply (a departed shard member, per spec §8 property 7), and Fail
// resolves the whole future at once (caller removed, context
// cancellation). Wait blocks until every promised member has an entry.
type PendingResult struct {
	mu       sync.Mutex
	cond     *sync.Cond
	promised []uint32
	replies  map[uint32]Outcome
	err      error
	done     bool
}

// NewPendingResult creates a future that is not done until every id in
// promised has an entry in its reply map.
func NewPendingResult(promised []uint32) *PendingResult {
	p := &PendingResult{
		promised: append([]uint32(nil), promised...),
		replies:  make(map[uint32]Outcome, len(promised)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Fulfill records sender's reply. Once every promised member has an entry
// the future is marked done and Wait unblocks.
func (p *PendingResult) Fulfill(sender uint32, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	if _, ok := p.replies[sender]; !ok {
		p.replies[sender] = Outcome{Payload: payload}
	}
	p.checkDoneLocked()
}

// FailMember resolves node's entry to err without a reply, for when a
// shard member this future was waiting on leaves the view mid-call. A
// member already resolved (by an earlier reply or an earlier FailMember)
// keeps its existing entry.
func (p *PendingResult) FailMember(node uint32, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	if _, ok := p.replies[node]; !ok {
		p.replies[node] = Outcome{Err: err}
	}
	p.checkDoneLocked()
}

// Fail fails the whole future with err, for CallerRemoved or a caller
// context cancellation per spec §7, short-circuiting whatever entries are
// still outstanding.
func (p *PendingResult) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.err = err
	p.done = true
	p.cond.Broadcast()
}

func (p *PendingResult) checkDoneLocked() {
	if len(p.replies) >= len(p.promised) {
		p.done = true
		p.cond.Broadcast()
	}
}

// Done reports whether the future has already completed, without
// blocking.
func (p *PendingResult) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Wait blocks until the future is fulfilled or failed, then returns the
// per-member outcomes received or the whole-future error.
func (p *PendingResult) Wait() (map[uint32]Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.done {
		p.cond.Wait()
	}
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[uint32]Outcome, len(p.replies))
	for k, v := range p.replies {
		out[k] = v
	}
	return out, nil
}

// PendingTable tracks every in-flight PendingResult by invocation id and
// garbage collects ones that never complete, generalized from the
// teacher's internal/queue.go use of ttlcache for exactly-once delivery
// bookkeeping.
type PendingTable struct {
	cache *ttlcache.Cache
}

// NewPendingTable creates a table whose entries expire after ttl if never
// explicitly removed, bounding memory used by calls that never get a
// reply.
func NewPendingTable(ttl time.Duration) *PendingTable {
	c := ttlcache.NewCache()
	c.SetTTL(ttl)
	c.SetExpirationCallback(func(key string, value interface{}) {
		if p, ok := value.(*PendingResult); ok {
			p.Fail(fmt.Errorf("rpc: invocation %s timed out waiting for a reply", key))
		}
	})
	return &PendingTable{cache: c}
}

func invocationKey(id uint64) string {
	return fmt.Sprintf("%d", id)
}

// Register adds p under invocationID so a later reply can find it.
func (t *PendingTable) Register(invocationID uint64, p *PendingResult) {
	t.cache.Set(invocationKey(invocationID), p)
}

// Lookup returns the PendingResult registered under invocationID, if any.
func (t *PendingTable) Lookup(invocationID uint64) (*PendingResult, bool) {
	v, ok := t.cache.Get(invocationKey(invocationID))
	if !ok {
		return nil, false
	}
	p, ok := v.(*PendingResult)
	return p, ok
}

// Remove drops the entry for invocationID once it has completed.
func (t *PendingTable) Remove(invocationID uint64) {
	t.cache.Remove(invocationKey(invocationID))
}

// Close releases the table's background expiration goroutine.
func (t *PendingTable) Close() {
	t.cache.Close()
}
