package vm

import (
	"errors"
	"testing"

	"github.com/chazu/mvm/gc"
	"github.com/chazu/mvm/immix"
	"golang.org/x/sys/unix"
)

func isOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return !errors.Is(err, unix.EBADF)
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newDescriptor(t *testing.T, h *immix.Heap, fd int) *immix.Object {
	t.Helper()
	c := newBuiltins().FileDescriptor
	o, _, err := h.Allocate(c.Layout(), c.NumFields(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Store(o, 0, immix.FromInt(int64(fd))); err != nil {
		t.Fatal(err)
	}
	return o
}

// ---------------------------------------------------------------------------
// Built-in classes
// ---------------------------------------------------------------------------

func TestBuiltinLookup(t *testing.T) {
	b := newBuiltins()
	for _, name := range []string{StringClassName, IOErrorClassName, FileDescriptorClassName} {
		c := b.lookup(name)
		if c == nil || c.Name != name {
			t.Errorf("lookup(%q) = %v", name, c)
			continue
		}
		if c.Layout().ID >= firstImageClassID {
			t.Errorf("%s layout id %d collides with image classes", name, c.Layout().ID)
		}
	}
	if c := b.lookup("Socket"); c != nil {
		t.Errorf("lookup(Socket) = %v, want nil", c)
	}
}

func TestMethodFullName(t *testing.T) {
	c := newClass(20, "Point", []string{"x", "y"}, nil)
	m := &Method{Name: "norm", Class: c}
	if got := m.FullName(); got != "Point.norm" {
		t.Errorf("FullName = %q", got)
	}
	if got := (&Method{Name: "bare"}).FullName(); got != "bare" {
		t.Errorf("FullName = %q", got)
	}
}

func TestStringOf(t *testing.T) {
	pool := immix.NewBlockPool()
	h := immix.NewHeap(5, pool, immix.HeapOptions{})
	defer gc.Finish(h)

	s := newBuiltins().String
	o, _, err := h.Allocate(s.Layout(), 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	copy(o.Payload(), "abc")

	if got := stringOf(h, o.Value()); got != "abc" {
		t.Errorf("stringOf(String) = %q", got)
	}
	if got := stringOf(h, immix.FromInt(7)); got != immix.FromInt(7).String() {
		t.Errorf("stringOf(7) = %q", got)
	}
}

// ---------------------------------------------------------------------------
// FileDescriptor
// ---------------------------------------------------------------------------

func TestFileDescriptorClosedWhenHeapFinishes(t *testing.T) {
	pool := immix.NewBlockPool()
	h := immix.NewHeap(5, pool, immix.HeapOptions{})
	r, _ := newPipe(t)
	newDescriptor(t, h, r)

	if !isOpen(r) {
		t.Fatal("pipe closed early")
	}
	stats := gc.Finish(h)
	if stats.Finalized != 1 {
		t.Errorf("finalized = %d, want 1", stats.Finalized)
	}
	if isOpen(r) {
		t.Error("descriptor still open after its heap finished")
	}
}

func TestClosedDescriptorIsNotClosedAgain(t *testing.T) {
	pool := immix.NewBlockPool()
	h := immix.NewHeap(5, pool, immix.HeapOptions{})
	o := newDescriptor(t, h, -1)

	if err := finalizeFileDescriptor(o); err != nil {
		t.Errorf("finalize closed descriptor: %v", err)
	}
	gc.Finish(h)
}

func TestSentDescriptorMovesToReceiver(t *testing.T) {
	pool := immix.NewBlockPool()
	sender := immix.NewHeap(5, pool, immix.HeapOptions{})
	receiver := immix.NewHeap(6, pool, immix.HeapOptions{})
	mb := newMailbox(immix.NewHeap(7, pool, immix.HeapOptions{}), 1, nil)
	r, _ := newPipe(t)

	o := newDescriptor(t, sender, r)
	if err := mb.push(sender, o.Value()); err != nil {
		t.Fatal(err)
	}
	if f, _ := o.Field(0); f != immix.FromInt(-1) {
		t.Errorf("sender still owns the descriptor: field = %s", f)
	}

	v, ok, _, err := mb.take(receiver)
	if err != nil || !ok {
		t.Fatalf("take = %v, %v", ok, err)
	}
	got, err := receiver.Resolve(v)
	if err != nil {
		t.Fatal(err)
	}
	if f, _ := got.Field(0); f != immix.FromInt(int64(r)) {
		t.Fatalf("receiver field = %s, want %d", f, r)
	}

	gc.Finish(sender)
	mb.close()
	if !isOpen(r) {
		t.Fatal("descriptor closed by a heap that gave it away")
	}
	gc.Finish(receiver)
	if isOpen(r) {
		t.Error("descriptor still open after the receiver finished")
	}
}
