package immix

import (
	"fmt"
	"sync"
)

// PermanentHeapID is the id of the heap holding interned constants. It is
// the only heap other heaps may reference.
const PermanentHeapID = 0

// Default heap policy values.
const (
	DefaultPromoteAge      = 2
	DefaultMatureThreshold = 32
)

// HeapOptions configures the generational policy of a heap.
type HeapOptions struct {
	// PromoteAge is the number of survived collections after which a young
	// object is copied into the mature generation.
	PromoteAge uint8

	// MatureThreshold is the number of mature blocks that turns the next
	// collection into a full one.
	MatureThreshold int
}

func (o HeapOptions) withDefaults() HeapOptions {
	if o.PromoteAge == 0 {
		o.PromoteAge = DefaultPromoteAge
	}
	if o.MatureThreshold <= 0 {
		o.MatureThreshold = DefaultMatureThreshold
	}
	return o
}

// ---------------------------------------------------------------------------
// Heap: generational block heap of one owner
// ---------------------------------------------------------------------------

// Heap is the set of blocks owned by one process (or one mailbox). It is
// mutated only by its owner, or by the collector while the owner is
// suspended.
type Heap struct {
	id        uint32
	pool      *BlockPool
	permanent bool
	sealed    bool
	opts      HeapOptions

	buckets [NumGenerations]Bucket

	epoch           uint32
	matureThreshold int

	pinMu  sync.Mutex
	pinned map[*Object]struct{}

	// Finalizers holds dead finalizable objects between collections.
	Finalizers FinalizerSet

	allocations uint64
	collections uint64
}

// NewHeap creates an empty heap drawing blocks from pool.
func NewHeap(id uint32, pool *BlockPool, opts HeapOptions) *Heap {
	opts = opts.withDefaults()
	h := &Heap{
		id:              id,
		pool:            pool,
		opts:            opts,
		matureThreshold: opts.MatureThreshold,
		pinned:          make(map[*Object]struct{}),
	}
	for g := range h.buckets {
		h.buckets[g].gen = Generation(g)
	}
	return h
}

// NewPermanentHeap creates the heap holding interned constants. Objects in
// it may be written until Seal is called and are never collected.
func NewPermanentHeap(pool *BlockPool) *Heap {
	h := NewHeap(PermanentHeapID, pool, HeapOptions{})
	h.permanent = true
	return h
}

// ID returns the heap id embedded in every address of the heap.
func (h *Heap) ID() uint32 { return h.id }

// Pool returns the block pool the heap draws from.
func (h *Heap) Pool() *BlockPool { return h.pool }

// IsPermanent reports whether this is the permanent heap.
func (h *Heap) IsPermanent() bool { return h.permanent }

// Seal makes every object of the permanent heap immutable.
func (h *Heap) Seal() { h.sealed = true }

// Options returns the heap's generational policy.
func (h *Heap) Options() HeapOptions { return h.opts }

// Bucket returns the bucket of a generation.
func (h *Heap) Bucket(gen Generation) *Bucket { return &h.buckets[gen] }

// BlockCount returns the number of blocks owned by the heap.
func (h *Heap) BlockCount() int {
	n := 0
	for g := range h.buckets {
		n += len(h.buckets[g].blocks)
	}
	return n
}

// ObjectCount returns the number of objects stored in the heap.
func (h *Heap) ObjectCount() int {
	n := 0
	for g := range h.buckets {
		for _, b := range h.buckets[g].blocks {
			n += b.Len()
		}
	}
	return n
}

// Allocations returns the number of objects allocated by the owner.
func (h *Heap) Allocations() uint64 { return h.allocations }

// Collections returns the number of completed collections.
func (h *Heap) Collections() uint64 { return h.collections }

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate creates an object with the given number of fields (all nil) and
// payload bytes (all zero) in the eden generation. triggeredGC is true only
// when a block had to be mapped from the OS to satisfy the request, which
// tells the caller that collection pressure is rising.
func (h *Heap) Allocate(class *Class, fields, payload int) (o *Object, triggeredGC bool, err error) {
	if fields < 0 || payload < 0 {
		return nil, false, fmt.Errorf("%w: %s with %d fields, %d bytes", ErrNegativeSize, class, fields, payload)
	}
	size := objectSize(fields, payload)
	if size > MaxObjectSize {
		return nil, false, fmt.Errorf("%w: %s needs %d bytes", ErrObjectTooLarge, class, size)
	}

	gen := Eden
	if h.permanent {
		gen = Mature
	}
	bk := &h.buckets[gen]

	b, off, ok := bk.allocate(size)
	if !ok {
		var fresh bool
		b, fresh = h.pool.Request()
		b.setOwner(h.id)
		bk.add(b)
		off, ok = b.allocate(size)
		if !ok {
			Fatal(fmt.Errorf("empty block %d cannot hold %d bytes", b.id, size))
		}
		triggeredGC = fresh
	}

	o = b.place(h.id, off, class, fields, payload, gen)
	if h.permanent {
		o.gen = Permanent
		o.permanent = true
	}
	h.allocations++
	return o, triggeredGC, nil
}

// ---------------------------------------------------------------------------
// Access
// ---------------------------------------------------------------------------

// Resolve returns the object a reference points to. References into heaps
// other than this one and the permanent heap are rejected.
func (h *Heap) Resolve(v Value) (*Object, error) {
	if !v.IsRef() {
		return nil, fmt.Errorf("%w: %s", ErrNotReference, v)
	}
	a := v.Address()
	if a.Heap != h.id && a.Heap != PermanentHeapID {
		return nil, fmt.Errorf("%w: heap %d dereferenced %s", ErrCrossHeap, h.id, a)
	}
	return h.pool.Resolve(a)
}

// Resolve returns the object at address a, checking that the block is still
// owned by the heap named in the address.
func (p *BlockPool) Resolve(a Address) (*Object, error) {
	b := p.Lookup(a.Block)
	if b == nil {
		return nil, fmt.Errorf("%w: no block %d", ErrDanglingRef, a.Block)
	}
	if owner, ok := b.Owner(); !ok || owner != a.Heap {
		return nil, fmt.Errorf("%w: block %d no longer owned by heap %d", ErrDanglingRef, a.Block, a.Heap)
	}
	o := b.lookup(a.Offset)
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrDanglingRef, a)
	}
	return o, nil
}

// Store writes field i of o. Objects may only reference objects of their
// own heap or of the permanent heap.
func (h *Heap) Store(o *Object, i int, v Value) error {
	if o.permanent && h.sealed {
		return fmt.Errorf("%w: %s", ErrPermanentObject, o)
	}
	if o.addr.Heap != h.id {
		return fmt.Errorf("%w: heap %d wrote into %s", ErrCrossHeap, h.id, o)
	}
	if i < 0 || i >= len(o.fields) {
		return fmt.Errorf("%w: %d of %d", ErrFieldIndex, i, len(o.fields))
	}
	if v.IsRef() {
		if a := v.Address(); a.Heap != h.id && a.Heap != PermanentHeapID {
			return fmt.Errorf("%w: storing %s into %s", ErrCrossHeap, a, o)
		}
	}
	o.fields[i] = v
	return nil
}

// Pin records a native reference to o. Pinned objects are roots of every
// collection and never move.
func (h *Heap) Pin(o *Object) {
	h.pinMu.Lock()
	defer h.pinMu.Unlock()
	if o.pins.Add(1) == 1 {
		h.pinned[o] = struct{}{}
	}
}

// Unpin releases a native reference recorded by Pin.
func (h *Heap) Unpin(o *Object) {
	h.pinMu.Lock()
	defer h.pinMu.Unlock()
	switch n := o.pins.Add(-1); {
	case n == 0:
		delete(h.pinned, o)
	case n < 0:
		Fatal(fmt.Errorf("unpin of %s: reference count below zero", o))
	}
}

// Pinned calls fn for every pinned object.
func (h *Heap) Pinned(fn func(*Object)) {
	h.pinMu.Lock()
	pinned := make([]*Object, 0, len(h.pinned))
	for o := range h.pinned {
		pinned = append(pinned, o)
	}
	h.pinMu.Unlock()

	for _, o := range pinned {
		fn(o)
	}
}

// ---------------------------------------------------------------------------
// Collection support
// ---------------------------------------------------------------------------

// BeginCollection starts a new mark epoch and returns it.
func (h *Heap) BeginCollection() uint32 {
	h.epoch++
	return h.epoch
}

// Epoch returns the current mark epoch.
func (h *Heap) Epoch() uint32 { return h.epoch }

// NeedsFullCollection reports whether the mature generation grew past its
// threshold.
func (h *Heap) NeedsFullCollection() bool {
	return h.buckets[Mature].Len() >= h.matureThreshold
}

// SweepStats summarises a sweep.
type SweepStats struct {
	Blocks    int // blocks inspected
	Released  int // blocks returned to the pool
	LiveLines int
	Dead      int // objects dropped
}

// Sweep drops every object not marked in the current epoch from the eden
// and young generations, and from the mature generation when full is set.
// Empty blocks go back to the pool. dead is called for each dropped object.
func (h *Heap) Sweep(full bool, dead func(*Object)) SweepStats {
	var stats SweepStats
	epoch := h.epoch
	count := func(o *Object) {
		stats.Dead++
		if dead != nil {
			dead(o)
		}
	}

	for g := range h.buckets {
		bk := &h.buckets[g]
		if Generation(g) == Mature && !full {
			for _, b := range bk.blocks {
				b.marks.Reset()
				b.rewind()
			}
			bk.rewind()
			continue
		}

		kept := bk.blocks[:0]
		for _, b := range bk.blocks {
			stats.Blocks++
			live := b.sweep(epoch, count)
			if live == 0 {
				h.pool.Add(b)
				stats.Released++
				continue
			}
			stats.LiveLines += live
			kept = append(kept, b)
		}
		clear(bk.blocks[len(kept):])
		bk.blocks = kept
		bk.rewind()
	}

	h.selectFragmented(full)
	if full {
		h.matureThreshold = max(h.opts.MatureThreshold, 2*h.buckets[Mature].Len())
	}
	h.collections++
	return stats
}

// selectFragmented flags the swept blocks worth evacuating next time.
func (h *Heap) selectFragmented(full bool) {
	var available, marked Histogram
	gens := []Generation{Eden, Young}
	if full {
		gens = append(gens, Mature)
	}
	for _, g := range gens {
		for _, b := range h.buckets[g].blocks {
			used := b.used.Count()
			available.Add(b.holes, LinesPerBlock-used)
			marked.Add(b.holes, used)
		}
	}
	threshold := EvacuationThreshold(&available, &marked)
	for _, g := range gens {
		for _, b := range h.buckets[g].blocks {
			b.fragmented = b.holes >= threshold
		}
	}
}

// Drop finalizes the whole heap: visit is called for every remaining object
// and every block goes back to the pool. The heap must not be used
// afterwards. The first error returned by visit is returned after all
// blocks have been released.
func (h *Heap) Drop(visit func(*Object) error) error {
	var firstErr error
	for g := range h.buckets {
		for _, b := range h.buckets[g].take() {
			for _, o := range b.objects {
				if visit == nil {
					continue
				}
				if err := visit(o); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			h.pool.Add(b)
		}
	}
	h.pinMu.Lock()
	clear(h.pinned)
	h.pinMu.Unlock()
	return firstErr
}

// ---------------------------------------------------------------------------
// Evacuator: per-tracer copy target
// ---------------------------------------------------------------------------

// Evacuator copies objects into blocks of their target generation. Each
// tracer owns one, so evacuation needs no locking beyond the pool.
type Evacuator struct {
	heap    *Heap
	epoch   uint32
	buckets [NumGenerations]Bucket
}

// NewEvacuator creates a copy target for the collection running in epoch.
func (h *Heap) NewEvacuator(epoch uint32) *Evacuator {
	e := &Evacuator{heap: h, epoch: epoch}
	for g := range e.buckets {
		e.buckets[g].gen = Generation(g)
	}
	return e
}

// Copy moves o into generation gen and returns the copy, already marked
// for this epoch. The caller publishes the forwarding pointer.
func (e *Evacuator) Copy(o *Object, gen Generation) *Object {
	size := int(o.size)
	bk := &e.buckets[gen]
	b, off, ok := bk.allocate(size)
	if !ok {
		b, _ = e.heap.pool.Request()
		b.setOwner(e.heap.id)
		bk.add(b)
		if off, ok = b.allocate(size); !ok {
			Fatal(fmt.Errorf("evacuation block %d cannot hold %d bytes", b.id, size))
		}
	}

	n := b.place(e.heap.id, off, o.class, len(o.fields), int(o.payload), gen)
	copy(n.fields, o.fields)
	if o.payload > 0 {
		copy(n.Payload(), o.Payload())
	}
	n.age = o.age + 1
	n.mark.Store(e.epoch << 1)
	b.markLines(n)
	return n
}

// MarkInPlace records that o stays where it is for this epoch.
func (e *Evacuator) MarkInPlace(o *Object) {
	o.block.markLines(o)
	o.FinishMark(e.epoch)
}

// Merge hands the evacuator's blocks to the heap.
func (h *Heap) Merge(e *Evacuator) {
	for g := range e.buckets {
		for _, b := range e.buckets[g].take() {
			h.buckets[g].add(b)
		}
	}
}
