package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Handler processes one decoded invocation and returns the bytes to send
// back as a reply (ignored for send modes).
type Handler func(ctx context.Context, hdr Header, payload []byte) ([]byte, error)

// job is one decoded invocation or reply queued for the dispatch worker.
type job struct {
	hdr     Header
	payload []byte
}

// Dispatcher routes incoming headers to the handler registered for their
// (classID, functionID) and completes PendingResults for incoming
// replies. Per spec §4.5's concurrency rules it runs handlers on a single
// FIFO worker goroutine — generalized from the teacher's
// concurrent/scheduler.go fifo scheduler — guarded by two locks: handlerMu
// protects the handler table (read far more often than written), and
// queueMu+cond protects the pending job queue the worker drains.
type Dispatcher struct {
	log hclog.Logger

	handlerMu sync.RWMutex
	handlers  map[dispatchKey]Handler

	pending *PendingTable

	queueMu sync.Mutex
	cond    *sync.Cond
	queue   []job
	stopped bool

	nextInvocation uint64
	invMu          sync.Mutex

	localSenderID uint32

	// ReplySender ships a computed reply back over the wire to its caller.
	// A Transport wires this to its own connection-send path; left nil,
	// replies silently go nowhere (the loopback test case).
	ReplySender func(hdr Header, payload []byte)
}

type dispatchKey struct {
	classID    uint32
	functionID uint32
}

// NewDispatcher creates a Dispatcher for the local member localSenderID
// and starts its worker goroutine.
func NewDispatcher(localSenderID uint32, pending *PendingTable, log hclog.Logger) *Dispatcher {
	d := &Dispatcher{
		log:           log,
		handlers:      make(map[dispatchKey]Handler),
		pending:       pending,
		localSenderID: localSenderID,
	}
	d.cond = sync.NewCond(&d.queueMu)
	go d.worker()
	return d
}

// RegisterHandler installs the handler invoked for every non-reply header
// whose (classID, functionID) match.
func (d *Dispatcher) RegisterHandler(classID, functionID uint32, h Handler) {
	d.handlerMu.Lock()
	d.handlers[dispatchKey{classID, functionID}] = h
	d.handlerMu.Unlock()
}

// NextInvocationID returns a fresh invocation id for this dispatcher's
// local member, used to correlate a query with its eventual reply.
func (d *Dispatcher) NextInvocationID() uint64 {
	d.invMu.Lock()
	defer d.invMu.Unlock()
	d.nextInvocation++
	return d.nextInvocation
}

// Deliver enqueues a decoded header+payload pair for the worker to
// process. It is what a Transport's receive loop calls for every frame it
// decodes. FlagCascade headers are rejected immediately, per spec §4.5
// and original_source's rpc_manager.cpp, rather than being queued.
func (d *Dispatcher) Deliver(hdr Header, payload []byte) error {
	if hdr.Flags.Has(FlagCascade) {
		return ErrCascadeRejected
	}
	d.queueMu.Lock()
	if d.stopped {
		d.queueMu.Unlock()
		return fmt.Errorf("rpc: dispatcher is stopped")
	}
	d.queue = append(d.queue, job{hdr: hdr, payload: payload})
	d.cond.Signal()
	d.queueMu.Unlock()
	return nil
}

// worker drains the queue strictly in arrival order, exactly like the
// teacher's fifo.forever, so two handlers for the same class never run
// concurrently with each other's side effects interleaved unpredictably.
func (d *Dispatcher) worker() {
	for {
		d.queueMu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped && len(d.queue) == 0 {
			d.queueMu.Unlock()
			return
		}
		j := d.queue[0]
		d.queue = d.queue[1:]
		d.queueMu.Unlock()

		d.process(j)
	}
}

func (d *Dispatcher) process(j job) {
	if j.hdr.IsReply {
		d.completeReply(j.hdr, j.payload)
		return
	}

	d.handlerMu.RLock()
	h, ok := d.handlers[dispatchKey{j.hdr.ClassID, j.hdr.FunctionID}]
	d.handlerMu.RUnlock()
	if !ok {
		d.log.Warn("no handler registered", "class", j.hdr.ClassID, "function", j.hdr.FunctionID)
		return
	}

	reply, err := h(context.Background(), j.hdr, j.payload)
	if err != nil {
		d.log.Error("handler failed", "class", j.hdr.ClassID, "function", j.hdr.FunctionID, "error", err)
		return
	}
	if !j.hdr.Flags.Has(FlagIsQuery) {
		return
	}
	d.sendReply(j.hdr, reply)
}

func (d *Dispatcher) sendReply(req Header, payload []byte) {
	if d.ReplySender == nil {
		return
	}
	hdr := ReplyHeader(req, d.localSenderID, uint32(len(payload)))
	d.ReplySender(hdr, payload)
}

func (d *Dispatcher) completeReply(hdr Header, payload []byte) {
	p, ok := d.pending.Lookup(hdr.InvocationID)
	if !ok {
		d.log.Debug("reply for unknown or already-completed invocation", "invocation", hdr.InvocationID)
		return
	}
	p.Fulfill(hdr.SenderID, payload)
}

// Stop makes further Deliver calls fail; the worker goroutine finishes the
// jobs already queued and then exits.
func (d *Dispatcher) Stop() {
	d.queueMu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.queueMu.Unlock()
}
