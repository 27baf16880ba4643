package ordered

import (
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/wangjia184/sortedset"
)

// Pending is a message waiting for its turn to be delivered: it is placed
// in the receive queue keyed by its global Seq and only leaves the head of
// the queue once Stable reports it may be delivered.
type Pending struct {
	Seq     Seq
	Payload []byte
	// Stable is re-checked every time the head of the queue might have
	// changed; it is set true once every lower sequence number has been
	// received, mirroring the RQueue's wait for State S3 before delivering
	// the head.
	Stable bool
}

// RecvQueue buffers out-of-order arrivals for one shard and delivers them
// strictly in Seq order once they are marked stable. It is the Go
// analogue of the teacher's internal/queue.go RQueue, generalized from
// per-message timestamp+conflict ordering to plain global-sequence-number
// ordering since ordered multicast has no conflict relation to consult.
type RecvQueue struct {
	mu  sync.Mutex
	set *sortedset.SortedSet

	// delivered remembers sequence numbers already handed to deliver so a
	// duplicate arrival (retransmit) is dropped instead of redelivered.
	delivered *ttlcache.Cache

	deliver func(Pending)

	closed  bool
	closeCh chan struct{}
	wakeCh  chan struct{}
}

// NewRecvQueue creates a queue that calls deliver, in Seq order, for every
// stable message inserted with Enqueue. deliver must not block.
func NewRecvQueue(deliver func(Pending)) *RecvQueue {
	c := ttlcache.NewCache()
	c.SetTTL(10 * time.Minute)
	q := &RecvQueue{
		set:       sortedset.New(),
		delivered: c,
		deliver:   deliver,
		closeCh:   make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
	}
	go q.loop()
	return q
}

func key(seq Seq) string {
	// sortedset keys are strings; a fixed-width decimal string sorts the
	// same as the numeric Seq as long as all keys share a sign and width,
	// which holds here since Seq values are non-negative within one shard.
	return seqKeyFormat(seq)
}

// Enqueue adds p to the buffer, or updates it in place if a message with
// the same Seq is already present and the new arrival is at least as far
// along (stable implies not-stable is never a regression).
func (q *RecvQueue) Enqueue(p Pending) {
	k := key(p.Seq)
	if _, seen := q.delivered.Get(k); seen {
		return
	}
	q.mu.Lock()
	existing := q.set.GetByKey(k)
	if existing == nil || p.Stable {
		q.set.AddOrUpdate(k, sortedset.SCORE(int64(p.Seq)), p)
	}
	q.mu.Unlock()
	q.wake()
}

// MarkStable flags the message at seq (if present and not yet delivered)
// as ready to deliver once it reaches the head of the queue.
func (q *RecvQueue) MarkStable(seq Seq) {
	k := key(seq)
	q.mu.Lock()
	node := q.set.GetByKey(k)
	if node != nil {
		p := node.Value.(Pending)
		p.Stable = true
		q.set.AddOrUpdate(k, node.Score(), p)
	}
	q.mu.Unlock()
	q.wake()
}

func (q *RecvQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// loop drains the head of the queue whenever it is stable, mirroring
// RQueue.verifyAndDeliver/poll but event-driven instead of polled, since
// there is no conflict check left to re-run on a fixed tick.
func (q *RecvQueue) loop() {
	for {
		select {
		case <-q.closeCh:
			return
		case <-q.wakeCh:
			q.drainStableHead()
		}
	}
}

func (q *RecvQueue) drainStableHead() {
	for {
		q.mu.Lock()
		head := q.set.PeekMin()
		if head == nil {
			q.mu.Unlock()
			return
		}
		p := head.Value.(Pending)
		if !p.Stable {
			q.mu.Unlock()
			return
		}
		q.set.Remove(head.Key())
		q.mu.Unlock()
		q.delivered.Set(key(p.Seq), true)
		q.deliver(p)
	}
}

// Close stops the delivery loop. Safe to call more than once.
func (q *RecvQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closeCh)
	q.delivered.Close()
}

func seqKeyFormat(seq Seq) string {
	const width = 20 // enough decimal digits for any int64
	s := int64(seq)
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte('0' + s%10)
		s /= 10
	}
	return string(buf)
}
