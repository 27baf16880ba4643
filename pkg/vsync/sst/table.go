// Package sst implements the shared state table: a fixed-schema
// row-per-member structure, each member owning exactly one row and
// publishing byte ranges of it to its peers' mirrors. It is the
// coordination substrate the GMS and the ordered multicast engine are
// built on top of.
//
// Field layout and the init-from-previous contract are grounded on
// derecho_sst.h: the same counters (num_changes/num_committed/num_acked/
// num_installed, seq_num/stable_num/delivered_num/persisted_num,
// suspected/changes/joiner_ips, global_min/global_min_ready,
// local_stability_frontier) live here as plain Go slices instead of
// RDMA-registered memory.
package sst

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Sizes fixes the schema for the lifetime of one Table instance, matching
// the (N, S, R, W, C) parameters derecho_sst.h's constructor takes.
type Sizes struct {
	N int // number of members in the view this table speaks for
	S int // number of subgroups, one entry each in the per-subgroup fields
	R int // number of (subgroup, sender) pairs this member tracks
	W int // slot-ring window size per sender
	C int // change-ring capacity
}

// Row is one member's published state. Only the owning member writes to
// its own Row; every other member only ever reads a mirror of it.
type Row struct {
	Vid int32

	Suspected []bool

	Changes    []uint32 // NodeID values, 0 = empty slot
	JoinerIPs  []uint32
	NumChanges int32
	NumAcked   int32
	// NumCommitted and NumInstalled are only meaningful on the leader's own
	// row but are replicated like every other column.
	NumCommitted int32
	NumInstalled int32

	Wedged bool

	SeqNum       []int64
	StableNum    []int64
	DeliveredNum []int64
	PersistedNum []int64

	NumReceived []int32

	Slots [][]byte

	GlobalMin      []int32
	GlobalMinReady []bool

	LocalStabilityFrontier []uint64 // ns since epoch, per subgroup
}

// negativeOnes returns a slice of n -1s, used to seed stable_num: -1 means
// "nothing stable yet", distinct from a legitimately stable Seq 0.
func negativeOnes(n int) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = -1
	}
	return s
}

func newRow(sizes Sizes, now uint64) *Row {
	r := &Row{
		Suspected:              make([]bool, sizes.N),
		Changes:                make([]uint32, sizes.C),
		JoinerIPs:              make([]uint32, sizes.C),
		SeqNum:                 make([]int64, sizes.S),
		StableNum:              negativeOnes(sizes.S),
		DeliveredNum:           make([]int64, sizes.S),
		PersistedNum:           make([]int64, sizes.S),
		NumReceived:            make([]int32, sizes.R),
		Slots:                  make([][]byte, sizes.W*sizes.S),
		GlobalMin:              make([]int32, sizes.R),
		GlobalMinReady:         make([]bool, sizes.S),
		LocalStabilityFrontier: make([]uint64, sizes.S),
	}
	for i := range r.LocalStabilityFrontier {
		r.LocalStabilityFrontier[i] = now
	}
	return r
}

// clone makes a value copy of r so readers never observe a row mid-write.
func (r *Row) clone() *Row {
	c := *r
	c.Suspected = append([]bool(nil), r.Suspected...)
	c.Changes = append([]uint32(nil), r.Changes...)
	c.JoinerIPs = append([]uint32(nil), r.JoinerIPs...)
	c.SeqNum = append([]int64(nil), r.SeqNum...)
	c.StableNum = append([]int64(nil), r.StableNum...)
	c.DeliveredNum = append([]int64(nil), r.DeliveredNum...)
	c.PersistedNum = append([]int64(nil), r.PersistedNum...)
	c.NumReceived = append([]int32(nil), r.NumReceived...)
	c.GlobalMin = append([]int32(nil), r.GlobalMin...)
	c.GlobalMinReady = append([]bool(nil), r.GlobalMinReady...)
	c.LocalStabilityFrontier = append([]uint64(nil), r.LocalStabilityFrontier...)
	c.Slots = make([][]byte, len(r.Slots))
	copy(c.Slots, r.Slots)
	return &c
}

// ColumnRange names a contiguous byte range of a row for Put, mirroring the
// typed SSTField/SSTFieldVector accessors of derecho_sst.h. Column is a
// schema field name ("seq_num", "wedged", ...); a zero Range ({0, 0}) is
// used to mean "the whole field" for vector columns.
type ColumnRange struct {
	Column string
	Range  [2]int // [start, end) index into the field's slice; ignored for scalar fields
}

// RowTransport is the seam for a real one-sided-write provider (RDMA,
// etc.). The default Table fans writes out in-process; wiring a different
// RowTransport is how an embedder would plug in real remote memory.
type RowTransport interface {
	// Publish ships owner's row (or the named column range of it) to every
	// peer's mirror.
	Publish(owner RowID, row *Row, ranges []ColumnRange)
}

// RowID identifies a row by the rank it belongs to in the current view.
type RowID int

// Table is one member's view of the shared state: its own row (writable)
// and mirrors of every other member's row (read-only from this member's
// perspective).
type Table struct {
	log hclog.Logger

	sizes  Sizes
	myRank RowID

	mu     sync.RWMutex
	rows   []*Row // rows[r] is the mirror of rank r's row
	frozen []bool

	transport RowTransport

	predMu     sync.Mutex
	predicates map[uint64]*predicate
	nextPredID uint64
	predCh     chan struct{}
	closeCh    chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	now func() uint64
}

// localTransport fans a Put out to every other Table sharing the same
// process, used by tests and by the in-process facade. It is the default
// RowTransport when none is supplied.
type localTransport struct {
	mu      sync.Mutex
	members []*Table
}

func (l *localTransport) Publish(owner RowID, row *Row, _ []ColumnRange) {
	l.mu.Lock()
	members := append([]*Table(nil), l.members...)
	l.mu.Unlock()
	for _, t := range members {
		if RowID(t.myRank) == owner {
			continue
		}
		t.mu.Lock()
		if int(owner) < len(t.rows) {
			t.rows[owner] = row.clone()
		}
		t.mu.Unlock()
		t.notifyChange()
	}
}

// NewLocalGroup builds n Tables that publish to each other in-process,
// used where no real transport has been wired yet.
func NewLocalGroup(n int, sizes Sizes, log hclog.Logger, nowFn func() uint64) []*Table {
	if nowFn == nil {
		nowFn = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	lt := &localTransport{}
	tables := make([]*Table, n)
	for i := 0; i < n; i++ {
		tables[i] = NewTable(RowID(i), sizes, lt, log.Named(fmt.Sprintf("sst.%d", i)), nowFn)
	}
	lt.members = tables
	return tables
}

// NewTable constructs a Table sized per sizes, with a fresh row for every
// member: counters zero, flags false, stable_num -1, and
// local_stability_frontier set to now in every row.
func NewTable(myRank RowID, sizes Sizes, transport RowTransport, log hclog.Logger, nowFn func() uint64) *Table {
	if nowFn == nil {
		nowFn = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	now := nowFn()
	rows := make([]*Row, sizes.N)
	for i := range rows {
		rows[i] = newRow(sizes, now)
	}
	t := &Table{
		log:        log,
		sizes:      sizes,
		myRank:     myRank,
		rows:       rows,
		frozen:     make([]bool, sizes.N),
		transport:  transport,
		predicates: make(map[uint64]*predicate),
		predCh:     make(chan struct{}, predQueueLen),
		closeCh:    make(chan struct{}),
		now:        nowFn,
	}
	t.wg.Add(1)
	go t.predicateLoop()
	return t
}

// MyRank returns the rank of the row this Table owns.
func (t *Table) MyRank() RowID { return t.myRank }

// Sizes returns the schema this table was constructed with.
func (t *Table) Sizes() Sizes { return t.sizes }

// MutateLocal runs f with exclusive access to the local row so the caller
// can update several fields atomically before publishing. f must not call
// back into the Table.
func (t *Table) MutateLocal(f func(row *Row)) {
	t.mu.Lock()
	f(t.rows[t.myRank])
	t.mu.Unlock()
}

// Put hands a copy of the whole local row, together with ranges, to the
// RowTransport, which updates every peer's mirror of it, then wakes the
// predicate thread to re-evaluate. The in-process transport copies the
// whole row and ignores ranges.
func (t *Table) Put(ranges ...ColumnRange) {
	t.mu.RLock()
	row := t.rows[t.myRank].clone()
	t.mu.RUnlock()
	t.transport.Publish(t.myRank, row, ranges)
	t.notifyChange()
}

// Row returns the row at rank r, or nil if r is out of range or frozen.
// Callers must treat it as read-only. The local row is returned live, so
// later MutateLocal calls change it in place; reads of rows this member
// does not own are eventually consistent per the SST contract.
func (t *Table) Row(r RowID) *Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(r) < 0 || int(r) >= len(t.rows) {
		return nil
	}
	if t.frozen[r] {
		return nil
	}
	return t.rows[r]
}

// LocalRow returns this member's own row, live rather than a copy; see Row.
func (t *Table) LocalRow() *Row {
	return t.Row(t.myRank)
}

// NumRows reports how many rows the table is sized for.
func (t *Table) NumRows() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Freeze marks a row unreadable after a confirmed failure, per §4.1; from
// then on predicates and readers see a nil row for it.
func (t *Table) Freeze(r RowID) {
	t.mu.Lock()
	if int(r) >= 0 && int(r) < len(t.frozen) {
		t.frozen[r] = true
	}
	t.mu.Unlock()
	t.notifyChange()
}

// Close stops the predicate thread. Safe to call more than once.
func (t *Table) Close() {
	t.closeOnce.Do(func() { close(t.closeCh) })
	t.wg.Wait()
}

// predQueueLen bounds how many changes may wait for the predicate thread.
// Each waiting change gets its own evaluation pass; changes made while
// this many are already waiting share the passes already queued.
const predQueueLen = 64

func (t *Table) notifyChange() {
	select {
	case t.predCh <- struct{}{}:
	default:
	}
}
