package sst

// InitFromPrevious seeds the rows a joining member shares with the
// previous view from that view's table, per derecho_sst.h's
// init_local_row_from_previous: sequence numbers, stability/delivery/
// persistence frontiers and received-counts carry forward unchanged so a
// newly installed view does not redeliver or re-stabilize what the
// previous view already settled. prevRank and newRank identify the same
// physical member in the old and new view respectively; prev is the old
// table, used only for its rows.
func InitFromPrevious(prev *Table, prevRank RowID, t *Table, newRank RowID) {
	old := prev.Row(prevRank)
	if old == nil {
		return
	}
	t.MutateLocal(func(row *Row) {
		copy(row.SeqNum, old.SeqNum)
		copy(row.StableNum, old.StableNum)
		copy(row.DeliveredNum, old.DeliveredNum)
		copy(row.PersistedNum, old.PersistedNum)
		copy(row.NumReceived, old.NumReceived)
		copy(row.LocalStabilityFrontier, old.LocalStabilityFrontier)
	})
	_ = newRank
}

// AdoptChangeProposals carries a freshly installed view's local row
// forward from the view it replaces, per derecho_sst.h's
// init_local_change_proposals / init_local_row_from_previous doc comments:
// num_changes, num_committed and num_acked are monotone counters (§4.1
// invariant (i)) and survive the install unchanged, since the ring
// position they index (changes[num_changes % len(changes)]) already
// self-compacts as it wraps — there is no separate residual-copy step to
// perform. numInstalled is the count of changes this install actually
// applied (len(pending) in the caller); it is added to num_installed,
// never reset, so a peer that mirrors this row never observes it
// decrease. Every other field listed is per-transition scratch state that
// resets to its identity value for the new view: wedged, suspected (a
// departed member should no longer be suspected by a vacated rank), and
// the ragged-edge global_min/global_min_ready columns, which describe the
// view just retired and would otherwise look stale-but-ready to the next
// one's predicates.
func (t *Table) AdoptChangeProposals(numInstalled int32) {
	t.MutateLocal(func(row *Row) {
		row.NumInstalled += numInstalled
		row.Wedged = false
		for i := range row.Suspected {
			row.Suspected[i] = false
		}
		for i := range row.GlobalMin {
			row.GlobalMin[i] = 0
		}
		for i := range row.GlobalMinReady {
			row.GlobalMinReady[i] = false
		}
	})
	t.Put(
		ColumnRange{Column: "num_installed"},
		ColumnRange{Column: "wedged"},
		ColumnRange{Column: "suspected"},
		ColumnRange{Column: "global_min"},
		ColumnRange{Column: "global_min_ready"},
	)
}
