package immix

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Block: fixed-size slab of lines
// ---------------------------------------------------------------------------

const (
	BlockSize     = 32 * 1024
	LineSize      = 128
	LinesPerBlock = BlockSize / LineSize
	MaxObjectSize = BlockSize
)

// Block is a contiguous slab of BlockSize bytes mapped from the OS and
// divided into LinesPerBlock lines. A block belongs to at most one heap
// at a time; while it sits in the pool it has no owner.
type Block struct {
	id    uint32
	mem   []byte
	owner atomic.Uint32 // heap id + 1, zero while pooled
	gen   Generation

	used       LineMap // lines holding live data
	marks      LineMap // lines reached by the current trace
	holes      int
	fragmented bool // evacuate live objects on the next collection

	// Bump allocation range inside the current hole.
	cursor int
	limit  int

	objects map[uint16]*Object
}

func newBlock(id uint32, mem []byte) *Block {
	return &Block{
		id:      id,
		mem:     mem,
		holes:   1,
		objects: make(map[uint16]*Object),
	}
}

// ID returns the pool-wide identifier of the block.
func (b *Block) ID() uint32 { return b.id }

// Generation returns the generation the block currently serves.
func (b *Block) Generation() Generation { return b.gen }

// Holes returns the number of free line runs recorded at the last sweep.
func (b *Block) Holes() int { return b.holes }

// Fragmented reports whether the block is an evacuation candidate.
func (b *Block) Fragmented() bool { return b.fragmented }

// UsedLines returns the number of lines holding live data.
func (b *Block) UsedLines() int { return b.used.Count() }

// IsEmpty reports whether the block holds no live data.
func (b *Block) IsEmpty() bool { return b.used.IsEmpty() }

// Len returns the number of objects stored in the block.
func (b *Block) Len() int { return len(b.objects) }

// Owner returns the id of the heap owning the block.
func (b *Block) Owner() (uint32, bool) {
	o := b.owner.Load()
	if o == 0 {
		return 0, false
	}
	return o - 1, true
}

func (b *Block) setOwner(heap uint32) {
	b.owner.Store(heap + 1)
}

// Objects calls fn for every object stored in the block.
func (b *Block) Objects(fn func(*Object)) {
	for _, o := range b.objects {
		fn(o)
	}
}

func (b *Block) lookup(offset uint16) *Object {
	return b.objects[offset]
}

// ---------------------------------------------------------------------------
// Bump allocation
// ---------------------------------------------------------------------------

// allocate reserves size bytes, first-fit: it bumps inside the current hole
// and otherwise moves to the next hole that is large enough. Holes that are
// too small are skipped for good until the next sweep.
func (b *Block) allocate(size int) (int, bool) {
	for {
		if b.cursor+size <= b.limit {
			off := b.cursor
			b.cursor += size
			b.used.SetRange(off, off+size)
			clear(b.mem[off : off+size])
			return off, true
		}
		if !b.nextHole() {
			return 0, false
		}
	}
}

// nextHole moves the bump range to the next run of free lines after the
// current limit.
func (b *Block) nextHole() bool {
	from := (b.limit + LineSize - 1) / LineSize
	if from >= LinesPerBlock {
		b.cursor, b.limit = BlockSize, BlockSize
		return false
	}
	start := b.used.NextFree(from)
	if start < 0 {
		b.cursor, b.limit = BlockSize, BlockSize
		return false
	}
	end := b.used.NextUsed(start)
	b.cursor = start * LineSize
	b.limit = end * LineSize
	return true
}

// hasRoom reports whether an allocation of size bytes could succeed
// without moving past the current hole.
func (b *Block) hasRoom(size int) bool {
	return b.cursor+size <= b.limit
}

// place creates the object header for a freshly reserved range.
func (b *Block) place(heap uint32, off int, class *Class, fields, payload int, gen Generation) *Object {
	o := &Object{
		class:   class,
		addr:    Address{Heap: heap, Block: b.id, Offset: uint16(off)},
		block:   b,
		fields:  make([]Value, fields),
		size:    uint32(objectSize(fields, payload)),
		payload: uint32(payload),
		gen:     gen,
	}
	b.objects[uint16(off)] = o
	return o
}

// markLines records that the object's lines are live in this trace.
func (b *Block) markLines(o *Object) {
	off := int(o.addr.Offset)
	b.marks.SetRange(off, off+int(o.size))
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

// sweep drops every object that was not marked in epoch (calling dead for
// each one), turns the mark bitmap into the new occupancy bitmap and
// rewinds the bump range. It returns the number of live lines.
func (b *Block) sweep(epoch uint32, dead func(*Object)) int {
	for off, o := range b.objects {
		if o.forward.Load() != nil {
			delete(b.objects, off)
			continue
		}
		if o.Marked(epoch) {
			continue
		}
		delete(b.objects, off)
		if dead != nil {
			dead(o)
		}
	}
	b.used.CopyFrom(&b.marks)
	b.marks.Reset()
	b.holes = b.used.Holes()
	b.fragmented = false
	b.rewind()
	return b.used.Count()
}

// rewind resets the bump range so the next allocation searches from the
// first hole.
func (b *Block) rewind() {
	b.cursor, b.limit = 0, 0
}

// reset prepares a block for reuse by another heap.
func (b *Block) reset() {
	b.owner.Store(0)
	b.gen = Eden
	b.used.Reset()
	b.marks.Reset()
	b.holes = 1
	b.fragmented = false
	b.rewind()
	clear(b.objects)
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d (%s, %d/%d lines, %d holes)", b.id, b.gen, b.used.Count(), LinesPerBlock, b.holes)
}
