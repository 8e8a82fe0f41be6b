package gc

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/chazu/mvm/immix"
	"golang.org/x/sync/errgroup"
)

// ErrCorruptRoot reports a root or field that does not resolve in the heap
// being collected.
var ErrCorruptRoot = errors.New("unresolvable reference during trace")

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

// Generation selects how much of a heap a collection covers.
type Generation uint8

const (
	// Young collections sweep the eden and young generations.
	Young Generation = iota
	// Full collections also sweep and compact the mature generation.
	Full
)

func (g Generation) String() string {
	if g == Full {
		return "full"
	}
	return "young"
}

// ---------------------------------------------------------------------------
// TraceResult
// ---------------------------------------------------------------------------

// TraceResult counts what a trace did.
type TraceResult struct {
	Marked    int // objects reached
	Evacuated int // objects copied into another block
	Promoted  int // evacuated objects that moved to an older generation
}

func (r *TraceResult) add(o TraceResult) {
	r.Marked += o.Marked
	r.Evacuated += o.Evacuated
	r.Promoted += o.Promoted
}

// ---------------------------------------------------------------------------
// Trace
// ---------------------------------------------------------------------------

// Trace marks every object of h reachable from roots and evacuates the ones
// that must move, rewriting the slots that referred to them. Pinned objects
// of h are added to the roots. The roots are split into at most tracers
// disjoint subsets traced concurrently.
//
// h.BeginCollection must have been called; the owner of h must not run
// until the trace and the following sweep are done.
func Trace(h *immix.Heap, gen Generation, roots []*immix.Value, tracers int) (TraceResult, error) {
	slots := make([]*immix.Value, 0, len(roots))
	slots = append(slots, roots...)
	h.Pinned(func(o *immix.Object) {
		v := o.Value()
		slots = append(slots, &v)
	})

	if tracers < 1 {
		tracers = 1
	}
	if tracers > len(slots) {
		tracers = max(len(slots), 1)
	}

	epoch := h.Epoch()
	workers := make([]*tracer, tracers)
	chunk := (len(slots) + tracers - 1) / tracers

	var g errgroup.Group
	for i := range workers {
		t := &tracer{
			heap:       h,
			epoch:      epoch,
			full:       gen == Full,
			promoteAge: h.Options().PromoteAge,
			evac:       h.NewEvacuator(epoch),
		}
		workers[i] = t

		lo := min(i*chunk, len(slots))
		hi := min(lo+chunk, len(slots))
		t.stack = append(t.stack, slots[lo:hi]...)
		g.Go(t.drain)
	}
	err := g.Wait()

	var result TraceResult
	for _, t := range workers {
		h.Merge(t.evac)
		result.add(t.result)
	}
	return result, err
}

// tracer walks one subset of the roots. Each object is scanned by the
// tracer that won its mark, so a field slot is only ever written by one
// tracer.
type tracer struct {
	heap       *immix.Heap
	epoch      uint32
	full       bool
	promoteAge uint8
	evac       *immix.Evacuator
	stack      []*immix.Value
	result     TraceResult
}

func (t *tracer) drain() error {
	for len(t.stack) > 0 {
		n := len(t.stack) - 1
		slot := t.stack[n]
		t.stack = t.stack[:n]

		v := *slot
		if !v.IsRef() || v.Address().Heap == immix.PermanentHeapID {
			continue
		}
		o, err := t.heap.Resolve(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRoot, err)
		}
		if to := t.visit(o); to != o {
			*slot = to.Value()
		}
	}
	return nil
}

// visit marks o and returns where it lives after this collection.
func (t *tracer) visit(o *immix.Object) *immix.Object {
	if !o.TryMark(t.epoch) {
		for o.Busy(t.epoch) {
			runtime.Gosched()
		}
		if to := o.Forwarded(); to != nil {
			return to
		}
		return o
	}

	t.result.Marked++
	gen, move := t.destination(o)
	if !move {
		t.evac.MarkInPlace(o)
		t.scan(o)
		return o
	}

	to := t.evac.Copy(o, gen)
	o.Forward(to, t.epoch)
	t.result.Evacuated++
	if gen > o.Generation() {
		t.result.Promoted++
	}
	t.scan(to)
	return to
}

// destination decides whether o moves and into which generation.
func (t *tracer) destination(o *immix.Object) (immix.Generation, bool) {
	if o.IsPermanent() || o.Pins() > 0 {
		return o.Generation(), false
	}
	fragmented := o.Block().Fragmented()
	switch o.Generation() {
	case immix.Eden:
		return immix.Young, true
	case immix.Young:
		if o.Age()+1 >= t.promoteAge {
			return immix.Mature, true
		}
		return immix.Young, fragmented
	case immix.Mature:
		return immix.Mature, t.full && fragmented
	}
	return o.Generation(), false
}

func (t *tracer) scan(o *immix.Object) {
	fields := o.Fields()
	for i := range fields {
		if fields[i].IsRef() {
			t.stack = append(t.stack, &fields[i])
		}
	}
}
