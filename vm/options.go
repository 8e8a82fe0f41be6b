package vm

import (
	"github.com/chazu/mvm/config"
)

// OptionsFrom maps a runtime configuration to runtime options. Stderr,
// Journal, Switcher and NewPoller are left for the caller.
func OptionsFrom(cfg *config.Config) (Options, error) {
	blocks, err := cfg.PreallocateBlocks()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Workers:         cfg.Scheduler.Workers,
		Reductions:      cfg.Scheduler.Reductions,
		MaxFrames:       cfg.Process.MaxFrames,
		Preallocate:     blocks,
		PromoteAge:      uint8(cfg.Heap.PromoteAge),
		MatureThreshold: cfg.Heap.MatureThreshold,
		GCWorkers:       cfg.GC.Workers,
		Tracers:         cfg.GC.Tracers,
	}, nil
}
