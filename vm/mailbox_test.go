package vm

import (
	"errors"
	"testing"

	"github.com/chazu/mvm/gc"
	"github.com/chazu/mvm/immix"
)

func TestMailboxDeliversInOrder(t *testing.T) {
	pool := immix.NewBlockPool()
	sender := immix.NewHeap(5, pool, immix.HeapOptions{})
	receiver := immix.NewHeap(6, pool, immix.HeapOptions{})
	defer gc.Finish(sender)
	defer gc.Finish(receiver)
	mb := newMailbox(immix.NewHeap(7, pool, immix.HeapOptions{}), 1, nil)
	defer mb.close()

	for i := range 3 {
		if err := mb.push(sender, immix.FromInt(int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if n := mb.Len(); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
	for i := range 3 {
		v, ok, _, err := mb.take(receiver)
		if err != nil || !ok {
			t.Fatalf("take %d = %v, %v", i, ok, err)
		}
		if v != immix.FromInt(int64(i)) {
			t.Errorf("message %d = %s", i, v)
		}
	}
	if _, ok, _, _ := mb.take(receiver); ok {
		t.Error("take from an empty mailbox succeeded")
	}
	if n := mb.Delivered(); n != 3 {
		t.Errorf("Delivered = %d, want 3", n)
	}
}

func TestMailboxCollectsItsHeap(t *testing.T) {
	pool := immix.NewBlockPool()
	sender := immix.NewHeap(5, pool, immix.HeapOptions{})
	receiver := immix.NewHeap(6, pool, immix.HeapOptions{})
	defer gc.Finish(sender)
	defer gc.Finish(receiver)
	j := newTestJournal()
	mb := newMailbox(immix.NewHeap(7, pool, immix.HeapOptions{}), 2, j)
	defer mb.close()

	blob := newClass(20, "Blob", []string{"n"}, nil)
	const messages = 40
	for i := range messages {
		o, _, err := sender.Allocate(blob.Layout(), blob.NumFields(), 8<<10)
		if err != nil {
			t.Fatal(err)
		}
		if err := sender.Store(o, 0, immix.FromInt(int64(i))); err != nil {
			t.Fatal(err)
		}
		if err := mb.push(sender, o.Value()); err != nil {
			t.Fatal(err)
		}
	}

	for i := range messages {
		v, ok, _, err := mb.take(receiver)
		if err != nil || !ok {
			t.Fatalf("take %d = %v, %v", i, ok, err)
		}
		o, err := receiver.Resolve(v)
		if err != nil {
			t.Fatal(err)
		}
		if n, _ := o.Field(0); n != immix.FromInt(int64(i)) {
			t.Fatalf("message %d carries %s", i, n)
		}
	}

	if n := mb.Collections(); n == 0 {
		t.Error("mailbox heap never collected")
	}
	if int(mb.Collections()) != j.Collections() {
		t.Errorf("recorded %d collections, mailbox ran %d", j.Collections(), mb.Collections())
	}
}

func TestClosedMailboxRejectsPush(t *testing.T) {
	pool := immix.NewBlockPool()
	mb := newMailbox(immix.NewHeap(7, pool, immix.HeapOptions{}), 1, nil)
	mb.close()

	if err := mb.push(nil, immix.FromInt(1)); !errors.Is(err, errMailboxClosed) {
		t.Errorf("push after close: err = %v", err)
	}
	if stats := mb.close(); stats != (gc.FinishStats{}) {
		t.Errorf("second close = %+v", stats)
	}
}

func TestProcessTable(t *testing.T) {
	rt := newIdleRuntime(t, newFakePoller())
	tbl := NewProcessTable()
	a := addIdleProcess(t, rt)
	b := addIdleProcess(t, rt)
	tbl.Add(b)
	tbl.Add(a)

	if got := tbl.Get(a.pid); got != a {
		t.Errorf("Get(%d) = %v", a.pid, got)
	}
	if pids := tbl.PIDs(); len(pids) != 2 || pids[0] > pids[1] {
		t.Errorf("PIDs = %v", pids)
	}
	tbl.Remove(a.pid)
	if tbl.Get(a.pid) != nil || tbl.Len() != 1 || tbl.Peak() != 2 {
		t.Errorf("after Remove: len %d, peak %d", tbl.Len(), tbl.Peak())
	}
	seen := 0
	tbl.Each(func(p *Process) {
		seen++
		tbl.Remove(p.pid)
	})
	if seen != 1 || tbl.Len() != 0 {
		t.Errorf("Each saw %d, table left with %d", seen, tbl.Len())
	}
}
