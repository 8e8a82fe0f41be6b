package immix

// ---------------------------------------------------------------------------
// Histogram: line counts indexed by hole count
// ---------------------------------------------------------------------------

// MaxHoles is the largest number of holes a block can have (every other
// line free).
const MaxHoles = LinesPerBlock / 2

// Histogram counts lines per block hole count. After a sweep the heap
// builds one histogram of free lines and one of live lines to decide which
// blocks are worth evacuating.
type Histogram struct {
	bins [MaxHoles + 1]int
}

// Add records lines for a block with the given number of holes.
func (h *Histogram) Add(holes, lines int) {
	if holes > MaxHoles {
		holes = MaxHoles
	}
	h.bins[holes] += lines
}

// Get returns the lines recorded for blocks with the given number of holes.
func (h *Histogram) Get(holes int) int {
	if holes < 0 || holes > MaxHoles {
		return 0
	}
	return h.bins[holes]
}

// Total returns the lines recorded over every bin.
func (h *Histogram) Total() int {
	n := 0
	for _, v := range h.bins {
		n += v
	}
	return n
}

// Reset clears every bin.
func (h *Histogram) Reset() {
	clear(h.bins[:])
}

// EvacuationThreshold returns the smallest hole count for which evacuating
// every block with at least that many holes still fits in the free lines of
// the remaining blocks. Blocks with a single hole are never candidates, so
// the result is at least 2; MaxHoles+1 means nothing should be evacuated.
func EvacuationThreshold(available, marked *Histogram) int {
	threshold := MaxHoles + 1
	free := available.Total()
	required := 0
	for holes := MaxHoles; holes >= 2; holes-- {
		free -= available.Get(holes)
		required += marked.Get(holes)
		if required > free {
			break
		}
		if marked.Get(holes) > 0 {
			threshold = holes
		}
	}
	return threshold
}
