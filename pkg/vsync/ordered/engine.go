package ordered

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"vsync/pkg/vsync/sst"
)

// Sender describes a handle that puts a freshly encoded message into the
// local SST row's slot ring and bumps the local seq_num column,
// generalized from the teacher's Unity.run/Peer.Poll send path to the
// spec §4.3 "global sequence number" model. Engine does not use it: Send
// writes seq_num through the sst.Table itself and ships the payload
// through a Transport.
type Sender interface {
	PublishSlot(subgroupIndex int, senderIndex int, slot int, payload []byte)
	AdvanceSeqNum(subgroupIndex int, seq Seq)
}

// Transport abstracts shipping an already-encoded message to the rest of
// the shard; package vsync wires an in-process transport that hands each
// payload to the other shard members' Engines, and another carrier can be
// substituted without the Engine's knowledge, mirroring sst.RowTransport's
// seam one layer up.
type Transport interface {
	Send(subgroupIndex int, payload []byte) error
}

// Engine drives ordered multicast for one subgroup: assigning a sequence
// number to locally submitted sends, tracking stability across the
// shard's senders via the SST, and delivering received messages strictly
// in sequence order through a RecvQueue.
type Engine struct {
	log hclog.Logger

	table         *sst.Table
	subgroupIndex int
	numSenders    int
	senderIndex   int   // this member's index in the shard's sender list, -1 if not a sender
	senderRanks   []int // view rank of each entry in the shard's sender list, for NumReceived indexing
	windowSize    int

	transport Transport

	mu       sync.Mutex
	cond     *sync.Cond
	nextSend int64
	received []int32 // per-sender count of messages this member has received, mirrors row.NumReceived
	delivered int64  // count of messages this engine has handed to deliver, across all senders

	recv     *RecvQueue
	onStable []func(Seq)

	wedged bool
}

// NewEngine constructs an Engine for one (subgroup, shard) pair. senderIndex
// is -1 when the local member is a receiver-only participant of the shard.
// senderRanks[i] is the view rank of the sender at index i of the shard's
// sender list, used to locate that sender's NumReceived column; windowSize
// bounds how far ahead of delivery this member's own sends may run, per
// spec §4.3.
func NewEngine(table *sst.Table, subgroupIndex, numSenders, senderIndex int, senderRanks []int, windowSize int, transport Transport, deliver func(Pending), log hclog.Logger) *Engine {
	e := &Engine{
		log:           log,
		table:         table,
		subgroupIndex: subgroupIndex,
		numSenders:    numSenders,
		senderIndex:   senderIndex,
		senderRanks:   append([]int(nil), senderRanks...),
		windowSize:    windowSize,
		transport:     transport,
		received:      make([]int32, numSenders),
	}
	e.cond = sync.NewCond(&e.mu)
	e.recv = NewRecvQueue(func(p Pending) {
		e.markDelivered()
		deliver(p)
	})
	table.RegisterPredicate(sst.Recurrent, e.stabilityChanged, e.advanceStability)
	return e
}

// Send assigns the next sequence number for this member's sender slot,
// publishes it to the shard's local row and ships it over the transport.
// It blocks while the sliding window of in-flight sends is full — this
// member's next local index would run more than windowSize ahead of the
// subgroup's overall delivery progress — and returns ErrWedged if the
// engine wedges while waiting or is already wedged, per spec §4.2's
// wedging rule and §4.3's window/backpressure rule.
func (e *Engine) Send(payload []byte) (Seq, error) {
	e.mu.Lock()
	if e.senderIndex < 0 {
		e.mu.Unlock()
		return 0, fmt.Errorf("ordered: this member is not a sender in subgroup %d", e.subgroupIndex)
	}
	for {
		if e.wedged {
			e.mu.Unlock()
			return 0, ErrWedged
		}
		if e.windowSize <= 0 || e.nextSend < e.delivered/int64(maxInt(e.numSenders, 1))+int64(e.windowSize) {
			break
		}
		e.cond.Wait()
	}
	idx := e.nextSend
	e.nextSend++
	e.mu.Unlock()

	seq := Encode(e.numSenders, e.senderIndex, idx)

	e.table.MutateLocal(func(row *sst.Row) {
		if e.subgroupIndex < len(row.SeqNum) {
			row.SeqNum[e.subgroupIndex] = int64(seq)
		}
	})
	e.table.Put(sst.ColumnRange{Column: "seq_num", Range: [2]int{e.subgroupIndex, e.subgroupIndex + 1}})

	if err := e.transport.Send(e.subgroupIndex, payload); err != nil {
		return seq, err
	}

	// A sender observes its own sends immediately; the self-receive race
	// named in spec §9 is resolved by enqueuing before the remote copy can
	// possibly arrive, since RecvQueue dedupes by Seq.
	e.enqueueAndCount(seq, payload)
	return seq, nil
}

// Deliver feeds a remotely received message into the shard's receive
// buffer; it becomes eligible for delivery once MarkStable or the
// stability predicate confirms every lower sequence number has been seen.
func (e *Engine) Deliver(seq Seq, payload []byte) {
	e.enqueueAndCount(seq, payload)
}

// enqueueAndCount records the arrival against this engine's per-sender
// received counters, for the GMS ragged-edge flush's global_min
// computation (spec §4.2), before handing the message to the receive
// queue for in-order delivery.
func (e *Engine) enqueueAndCount(seq Seq, payload []byte) {
	senderIdx, _ := Decode(e.numSenders, seq)
	e.recordReceived(senderIdx)
	e.recv.Enqueue(Pending{Seq: seq, Payload: payload})
}

// recordReceived bumps the count of messages received from the sender at
// senderIdx and publishes it to this member's row.NumReceived, indexed the
// same way the GMS's ragged-edge computation reads it back:
// subgroupIndex*N + rank.
func (e *Engine) recordReceived(senderIdx int) {
	if senderIdx < 0 || senderIdx >= len(e.senderRanks) {
		return
	}
	rank := e.senderRanks[senderIdx]

	e.mu.Lock()
	e.received[senderIdx]++
	count := e.received[senderIdx]
	e.mu.Unlock()

	n := e.table.Sizes().N
	idx := e.subgroupIndex*n + rank
	if idx < 0 {
		return
	}
	e.table.MutateLocal(func(row *sst.Row) {
		if idx < len(row.NumReceived) {
			row.NumReceived[idx] = count
		}
	})
	e.table.Put(sst.ColumnRange{Column: "num_received", Range: [2]int{idx, idx + 1}})
}

// markDelivered advances the delivery counter that gates Send's window
// and publishes it to row.DeliveredNum, then wakes any sender blocked
// waiting for the window to drain.
func (e *Engine) markDelivered() {
	e.mu.Lock()
	e.delivered++
	count := e.delivered
	e.cond.Broadcast()
	e.mu.Unlock()

	e.table.MutateLocal(func(row *sst.Row) {
		if e.subgroupIndex < len(row.DeliveredNum) {
			row.DeliveredNum[e.subgroupIndex] = count
		}
	})
	e.table.Put(sst.ColumnRange{Column: "delivered_num", Range: [2]int{e.subgroupIndex, e.subgroupIndex + 1}})
}

// OnStable registers a callback invoked with every sequence number this
// engine computes as newly stable, for callers (persistence, the GMS
// ragged-edge computation) that need to observe stability directly rather
// than delivery.
func (e *Engine) OnStable(f func(Seq)) {
	e.mu.Lock()
	e.onStable = append(e.onStable, f)
	e.mu.Unlock()
}

// stabilityChanged is the Recurrent predicate's condition. It always
// returns true, so advanceStability runs on every predicate evaluation and
// decides for itself whether the stable frontier moved.
func (e *Engine) stabilityChanged(t *sst.Table) bool {
	return true
}

// advanceStability computes the minimum of this subgroup's seq_num column
// across every non-frozen row of the table, senders or not, and, if it
// advanced,
// updates the local stable_num column and marks the newly stable range in
// the receive queue, per spec §4.3's stability rule.
func (e *Engine) advanceStability(t *sst.Table) {
	n := t.NumRows()
	var min int64 = -1
	for r := 0; r < n; r++ {
		row := t.Row(sst.RowID(r))
		if row == nil {
			continue
		}
		if e.subgroupIndex >= len(row.SeqNum) {
			continue
		}
		v := row.SeqNum[e.subgroupIndex]
		if min == -1 || v < min {
			min = v
		}
	}
	if min < 0 {
		return
	}

	var prev int64
	t.MutateLocal(func(row *sst.Row) {
		if e.subgroupIndex < len(row.StableNum) {
			prev = row.StableNum[e.subgroupIndex]
			if min > prev {
				row.StableNum[e.subgroupIndex] = min
			}
		}
	})
	if min <= prev {
		return
	}
	t.Put(sst.ColumnRange{Column: "stable_num", Range: [2]int{e.subgroupIndex, e.subgroupIndex + 1}})

	for s := prev + 1; s <= min; s++ {
		seq := Seq(s)
		e.recv.MarkStable(seq)
		e.mu.Lock()
		var callbacks []func(Seq)
		callbacks = append(callbacks, e.onStable...)
		e.mu.Unlock()
		for _, cb := range callbacks {
			cb(seq)
		}
	}
}

// Wedge bars further local sends, per spec §4.2: once a view change
// commits, the GMS wedges every engine before the ragged-edge flush runs. Any
// Send currently blocked on the send window is woken so it can observe
// the wedge and return ErrWedged instead of hanging until the process
// that would have drained the window is itself torn down.
func (e *Engine) Wedge() {
	e.mu.Lock()
	e.wedged = true
	e.cond.Broadcast()
	e.mu.Unlock()
	e.table.MutateLocal(func(row *sst.Row) {
		row.Wedged = true
	})
	e.table.Put(sst.ColumnRange{Column: "wedged"})
}

// Close stops the receive queue's delivery loop.
func (e *Engine) Close() {
	e.recv.Close()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ErrWedged is returned by Send once the engine has been wedged for a
// view transition.
var ErrWedged = fmt.Errorf("ordered: engine is wedged")
