package immix

import (
	"math/bits"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// LineMap: one bit per line of a block
// ---------------------------------------------------------------------------

const lineWords = LinesPerBlock / 64

// LineMap is a bitmap with one bit per line. Set and Get are atomic so
// that several tracers can mark lines of the same block concurrently; the
// remaining operations require exclusive access.
type LineMap struct {
	words [lineWords]atomic.Uint64
}

// Set marks line i.
func (m *LineMap) Set(i int) {
	m.words[i/64].Or(1 << (i % 64))
}

// SetRange marks every line overlapping the byte range [start, end).
func (m *LineMap) SetRange(start, end int) {
	for l := start / LineSize; l <= (end-1)/LineSize; l++ {
		m.Set(l)
	}
}

// Get reports whether line i is marked.
func (m *LineMap) Get(i int) bool {
	return m.words[i/64].Load()&(1<<(i%64)) != 0
}

// Count returns the number of marked lines.
func (m *LineMap) Count() int {
	n := 0
	for i := range m.words {
		n += bits.OnesCount64(m.words[i].Load())
	}
	return n
}

// IsEmpty reports whether no line is marked.
func (m *LineMap) IsEmpty() bool {
	for i := range m.words {
		if m.words[i].Load() != 0 {
			return false
		}
	}
	return true
}

// Reset clears every line.
func (m *LineMap) Reset() {
	for i := range m.words {
		m.words[i].Store(0)
	}
}

// CopyFrom replaces the contents of m with those of other.
func (m *LineMap) CopyFrom(other *LineMap) {
	for i := range m.words {
		m.words[i].Store(other.words[i].Load())
	}
}

// NextFree returns the first unmarked line at or after from, or -1.
func (m *LineMap) NextFree(from int) int {
	for l := from; l < LinesPerBlock; l++ {
		if !m.Get(l) {
			return l
		}
	}
	return -1
}

// NextUsed returns the first marked line at or after from, or
// LinesPerBlock when the rest of the block is free.
func (m *LineMap) NextUsed(from int) int {
	for l := from; l < LinesPerBlock; l++ {
		if m.Get(l) {
			return l
		}
	}
	return LinesPerBlock
}

// Holes returns the number of runs of unmarked lines.
func (m *LineMap) Holes() int {
	holes := 0
	inHole := false
	for l := 0; l < LinesPerBlock; l++ {
		free := !m.Get(l)
		if free && !inHole {
			holes++
		}
		inHole = free
	}
	return holes
}
