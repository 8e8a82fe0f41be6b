package gc

import (
	"fmt"
	"time"

	"github.com/chazu/mvm/immix"
	"github.com/dustin/go-humanize"
)

// Stats describes one completed collection.
type Stats struct {
	Heap       uint32
	Generation Generation
	Trace      TraceResult
	Sweep      immix.SweepStats
	Finalized  int
	Duration   time.Duration
	Timestamp  time.Time
}

// Collect runs one collection of h. A young collection is upgraded to a
// full one when the mature generation outgrew its threshold. Dead objects
// with finalizers are deferred; the ones deferred by the previous
// collection are finalized before Collect returns.
func Collect(h *immix.Heap, gen Generation, roots []*immix.Value, tracers int) (*Stats, error) {
	start := time.Now()
	if gen == Young && h.NeedsFullCollection() {
		gen = Full
	}
	stats := &Stats{
		Heap:       h.ID(),
		Generation: gen,
		Timestamp:  start,
	}

	h.BeginCollection()
	trace, err := Trace(h, gen, roots, tracers)
	if err != nil {
		return nil, fmt.Errorf("collect heap %d: %w", h.ID(), err)
	}
	stats.Trace = trace

	stats.Sweep = h.Sweep(gen == Full, func(o *immix.Object) {
		if hasFinalizer(o) {
			h.Finalizers.Defer(o)
		}
	})
	stats.Finalized = finalize(h.Finalizers.Rotate())
	stats.Duration = time.Since(start)

	log.Debugf("heap %d %s collection: %d marked, %d evacuated, %d promoted, %d dead, released %s in %s",
		stats.Heap, gen, trace.Marked, trace.Evacuated, trace.Promoted, stats.Sweep.Dead,
		humanize.IBytes(uint64(stats.Sweep.Released)*immix.BlockSize), stats.Duration)
	return stats, nil
}

func hasFinalizer(o *immix.Object) bool {
	c := o.Class()
	return c != nil && c.Finalizer != nil
}

// finalize runs the finalizers of objs and returns how many ran. Finalizer
// errors are logged; they never stop the collection.
func finalize(objs []*immix.Object) int {
	for _, o := range objs {
		if err := o.Class().Finalizer(o); err != nil {
			log.Warningf("finalizer of %s: %v", o, err)
		}
	}
	return len(objs)
}
