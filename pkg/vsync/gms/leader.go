package gms

import "vsync/pkg/vsync/sst"

// ShouldHandoverLeader implements the leader-change vote of
// original_source/derecho/view.cpp's i_am_new_leader: this member may
// only declare itself the new leader once every member ranked below it
// is either already marked failed in the current view, or suspected by
// every row of rank below myRank too. This is a stricter quorum than "a
// majority of the whole view suspects the leader" — it specifically
// requires every lower-ranked row to agree, since a lower rank that has
// not yet propagated its suspicion could itself become the leader
// first and contradict this member's handover.
//
// i_am_new_leader returns false forever once a member has already
// declared itself leader once (i_know_i_am_leader in the original); this
// Go port instead leaves idempotence to the caller, since gms.Manager
// already tracks the current leader via view.View.Leader.
func (m *Manager) ShouldHandoverLeader(t *sst.Table) bool {
	m.mu.Lock()
	myRank := m.current.Rank(m.myID)
	m.mu.Unlock()
	if myRank <= 0 {
		return false // not a member (-1), or rank 0 already the leader: nothing to hand over
	}

	for n := 0; n < myRank; n++ {
		m.mu.Lock()
		failed := n < len(m.current.Members) && m.current.IsFailed(m.current.Members[n])
		m.mu.Unlock()
		if failed {
			continue
		}
		for row := 0; row < myRank; row++ {
			r := t.Row(sst.RowID(row))
			if r == nil {
				continue
			}
			if n >= len(r.Suspected) || !r.Suspected[n] {
				return false
			}
		}
	}
	return true
}
