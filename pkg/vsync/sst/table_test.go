package sst

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func TestPutPropagatesToMirrors(t *testing.T) {
	sizes := Sizes{N: 3, S: 1, R: 3, W: 4, C: 4}
	tables := NewLocalGroup(3, sizes, testLogger(), nil)
	defer func() {
		for _, tb := range tables {
			tb.Close()
		}
	}()

	tables[0].MutateLocal(func(row *Row) {
		row.SeqNum[0] = 42
	})
	tables[0].Put(ColumnRange{Column: "seq_num", Range: [2]int{0, 1}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		row := tables[1].Row(RowID(0))
		if row != nil && row.SeqNum[0] == 42 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("seq_num did not propagate to mirror within deadline")
}

func TestFreezeHidesRow(t *testing.T) {
	sizes := Sizes{N: 2, S: 1, R: 2, W: 2, C: 2}
	tables := NewLocalGroup(2, sizes, testLogger(), nil)
	defer func() {
		for _, tb := range tables {
			tb.Close()
		}
	}()

	if tables[0].Row(RowID(1)) == nil {
		t.Fatal("row 1 should be readable before freeze")
	}
	tables[0].Freeze(RowID(1))
	if tables[0].Row(RowID(1)) != nil {
		t.Fatal("row 1 should be nil after freeze")
	}
}

func TestPredicateFiresOnceForOneTime(t *testing.T) {
	sizes := Sizes{N: 1, S: 1, R: 1, W: 1, C: 1}
	tables := NewLocalGroup(1, sizes, testLogger(), nil)
	defer tables[0].Close()

	fired := make(chan struct{}, 10)
	tables[0].RegisterPredicate(OneTime, func(tb *Table) bool {
		return tb.LocalRow().SeqNum[0] > 0
	}, func(tb *Table) {
		fired <- struct{}{}
	})

	tables[0].MutateLocal(func(row *Row) { row.SeqNum[0] = 1 })
	tables[0].Put()
	tables[0].MutateLocal(func(row *Row) { row.SeqNum[0] = 2 })
	tables[0].Put()

	deadline := time.After(1 * time.Second)
	count := 0
loop:
	for {
		select {
		case <-fired:
			count++
		case <-deadline:
			break loop
		}
	}
	if count != 1 {
		t.Fatalf("OneTime predicate fired %d times, want 1", count)
	}
}

func TestRecurrentPredicateFiresRepeatedly(t *testing.T) {
	sizes := Sizes{N: 1, S: 1, R: 1, W: 1, C: 1}
	tables := NewLocalGroup(1, sizes, testLogger(), nil)
	defer tables[0].Close()

	fired := make(chan struct{}, 10)
	tables[0].RegisterPredicate(Recurrent, func(tb *Table) bool {
		return true
	}, func(tb *Table) {
		fired <- struct{}{}
	})

	tables[0].Put()
	tables[0].Put()

	got := 0
	deadline := time.After(1 * time.Second)
loop:
	for got < 2 {
		select {
		case <-fired:
			got++
		case <-deadline:
			break loop
		}
	}
	if got < 2 {
		t.Fatalf("Recurrent predicate fired %d times, want at least 2", got)
	}
}
