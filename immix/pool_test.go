package immix

import (
	"errors"
	"testing"
)

func TestPoolRoundTrip(t *testing.T) {
	p := NewBlockPool()
	defer p.Close()

	b, fresh := p.Request()
	if !fresh {
		t.Fatal("first request from an empty pool must map a block")
	}
	p.Add(b)
	got, fresh := p.Request()
	if got != b {
		t.Errorf("Request returned block %d, want %d", got.ID(), b.ID())
	}
	if fresh {
		t.Error("reused block reported as fresh")
	}
	if p.Mapped() != 1 || p.Reused() != 1 {
		t.Errorf("Mapped = %d, Reused = %d", p.Mapped(), p.Reused())
	}
}

func TestPoolAddResetsBlock(t *testing.T) {
	p := NewBlockPool()
	h := NewHeap(3, p, HeapOptions{})
	o, _, _ := h.Allocate(testClass, 1, 0)
	b := o.block
	if owner, ok := b.Owner(); !ok || owner != 3 {
		t.Fatalf("Owner = %d, %v", owner, ok)
	}
	if err := h.Drop(nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Owner(); ok {
		t.Error("pooled block still has an owner")
	}
	if !b.IsEmpty() || b.Len() != 0 {
		t.Errorf("pooled block not reset: %s", b)
	}
	if _, err := p.Resolve(o.Address()); !errors.Is(err, ErrDanglingRef) {
		t.Errorf("Resolve after drop: %v", err)
	}
}

func TestPoolShrinksFreeList(t *testing.T) {
	p := NewBlockPool()
	p.Preallocate(64)
	if p.Len() != 64 {
		t.Fatalf("Len = %d, want 64", p.Len())
	}
	var taken []*Block
	for i := 0; i < 63; i++ {
		b, fresh := p.Request()
		if fresh {
			t.Fatal("preallocated pool mapped a block")
		}
		taken = append(taken, b)
	}
	p.Add(taken[0])
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2", p.Len())
	}
	if c := p.Capacity(); c != 4 {
		t.Errorf("Capacity = %d after shrinking, want 4", c)
	}
}

func TestPoolLookup(t *testing.T) {
	p := NewBlockPool()
	b, _ := p.Request()
	if p.Lookup(b.ID()) != b {
		t.Error("Lookup did not find the mapped block")
	}
	if p.Lookup(0) != nil || p.Lookup(b.ID()+1) != nil {
		t.Error("Lookup found a block that was never mapped")
	}
}

func TestFatalPanicsWhenHandlerReturns(t *testing.T) {
	var got error
	old := FatalHandler
	FatalHandler = func(err error) { got = err }
	defer func() { FatalHandler = old }()

	h := NewHeap(1, NewBlockPool(), HeapOptions{})
	o, _, _ := h.Allocate(testClass, 0, 0)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Fatal returned")
			}
		}()
		h.Unpin(o)
	}()
	if got == nil {
		t.Error("FatalHandler not called")
	}
}

func TestIDAllocator(t *testing.T) {
	a := NewIDAllocator(1, 3)
	for want := uint32(1); want <= 3; want++ {
		id, err := a.Next()
		if err != nil || id != want {
			t.Fatalf("Next = %d, %v; want %d", id, err, want)
		}
	}
	if _, err := a.Next(); !errors.Is(err, ErrIDsExhausted) {
		t.Fatalf("expected ErrIDsExhausted, got %v", err)
	}
	a.Release(2)
	if id, err := a.Next(); err != nil || id != 2 {
		t.Errorf("Next after Release = %d, %v; want 2", id, err)
	}
}
