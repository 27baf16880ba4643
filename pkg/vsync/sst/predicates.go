package sst

// Kind distinguishes a predicate that fires at most once from one that is
// re-evaluated on every row change for the lifetime of the table.
type Kind int

const (
	// OneTime fires at most once: the first time Cond returns true, Action
	// runs and the predicate is deregistered.
	OneTime Kind = iota
	// Recurrent re-runs Action every time Cond is true, for as long as the
	// predicate stays registered.
	Recurrent
)

type predicate struct {
	id     uint64
	kind   Kind
	cond   func(*Table) bool
	action func(*Table)
	fired  bool
}

// RegisterPredicate adds cond/action to the single predicate thread and
// returns a handle that DeregisterPredicate accepts. Predicates run on one
// goroutine per Table, in registration order, so action bodies never race
// with each other; they must not block.
func (t *Table) RegisterPredicate(kind Kind, cond func(*Table) bool, action func(*Table)) uint64 {
	t.predMu.Lock()
	id := t.nextPredID
	t.nextPredID++
	t.predicates[id] = &predicate{id: id, kind: kind, cond: cond, action: action}
	t.predMu.Unlock()
	t.notifyChange()
	return id
}

// DeregisterPredicate removes a predicate before it fires again. Removing
// an already-fired OneTime predicate, or an id that never existed, is a
// no-op.
func (t *Table) DeregisterPredicate(id uint64) {
	t.predMu.Lock()
	delete(t.predicates, id)
	t.predMu.Unlock()
}

// predicateLoop is the single predicate-evaluation goroutine for this
// table: every time notifyChange wakes it (a local Put, a remote Publish,
// or a Freeze), it evaluates every registered predicate once, in id order,
// and runs the actions of the ones that are true.
func (t *Table) predicateLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.closeCh:
			return
		case <-t.predCh:
			t.evaluateOnce()
		}
	}
}

func (t *Table) evaluateOnce() {
	t.predMu.Lock()
	ids := make([]uint64, 0, len(t.predicates))
	for id := range t.predicates {
		ids = append(ids, id)
	}
	t.predMu.Unlock()

	// Deterministic evaluation order matches registration order, which is
	// monotonic in id.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}

	for _, id := range ids {
		t.predMu.Lock()
		p, ok := t.predicates[id]
		t.predMu.Unlock()
		if !ok {
			continue
		}
		if p.kind == OneTime && p.fired {
			continue
		}
		if !p.cond(t) {
			continue
		}
		p.action(t)
		if p.kind == OneTime {
			t.predMu.Lock()
			p.fired = true
			delete(t.predicates, id)
			t.predMu.Unlock()
		}
	}
}
