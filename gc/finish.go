package gc

import (
	"errors"
	"fmt"

	"github.com/chazu/mvm/immix"
)

// ErrPinnedAtExit reports a native reference still held into the heap of a
// finished process.
var ErrPinnedAtExit = errors.New("pinned object in a finished heap")

// FinishStats describes the reclamation of a finished heap.
type FinishStats struct {
	Objects   int
	Finalized int
	Blocks    int
}

// Finish reclaims the heap of a process that ran to completion or
// panicked. Nothing is traced: every object is finalized and every block
// goes back to the pool. A pinned object is a fatal invariant violation.
func Finish(h *immix.Heap) FinishStats {
	stats := FinishStats{Blocks: h.BlockCount()}
	stats.Finalized = finalize(h.Finalizers.Drain())

	_ = h.Drop(func(o *immix.Object) error {
		if o.Forwarded() != nil {
			return nil
		}
		if o.Pins() > 0 {
			immix.Fatal(fmt.Errorf("%w: %s pinned %d times", ErrPinnedAtExit, o, o.Pins()))
		}
		stats.Objects++
		if hasFinalizer(o) {
			stats.Finalized += finalize([]*immix.Object{o})
		}
		return nil
	})

	log.Debugf("finished heap %d: %d objects, %d finalized, %d blocks", h.ID(), stats.Objects, stats.Finalized, stats.Blocks)
	return stats
}
