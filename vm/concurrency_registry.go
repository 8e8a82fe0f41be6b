package vm

import (
	"slices"
	"sync"
)

// ---------------------------------------------------------------------------
// ProcessTable: live processes by pid
// ---------------------------------------------------------------------------

// ProcessTable maps pids to live processes. A process is in the table
// from spawn until its resources are reclaimed.
type ProcessTable struct {
	mu        sync.RWMutex
	processes map[PID]*Process
	peak      int
}

// NewProcessTable creates an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{processes: make(map[PID]*Process)}
}

// Add registers p under its pid.
func (t *ProcessTable) Add(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processes[p.pid] = p
	t.peak = max(t.peak, len(t.processes))
}

// Get returns the process with the given pid, or nil.
func (t *ProcessTable) Get(pid PID) *Process {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.processes[pid]
}

// Remove unregisters pid.
func (t *ProcessTable) Remove(pid PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processes, pid)
}

// Len returns the number of live processes.
func (t *ProcessTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.processes)
}

// Peak returns the largest number of processes alive at once.
func (t *ProcessTable) Peak() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peak
}

// PIDs returns the pids of the live processes in ascending order.
func (t *ProcessTable) PIDs() []PID {
	t.mu.RLock()
	pids := make([]PID, 0, len(t.processes))
	for pid := range t.processes {
		pids = append(pids, pid)
	}
	t.mu.RUnlock()
	slices.Sort(pids)
	return pids
}

// Each calls fn for every live process. fn runs without the table lock.
func (t *ProcessTable) Each(fn func(*Process)) {
	t.mu.RLock()
	procs := make([]*Process, 0, len(t.processes))
	for _, p := range t.processes {
		procs = append(procs, p)
	}
	t.mu.RUnlock()
	for _, p := range procs {
		fn(p)
	}
}
