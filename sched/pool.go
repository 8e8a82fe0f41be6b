package sched

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Pool: work-stealing workers
// ---------------------------------------------------------------------------

// Handler runs one item on the worker with the given index.
type Handler[T any] func(worker int, item T)

// Stats holds scheduler counters.
type Stats struct {
	Workers   int
	Scheduled uint64 // items pushed through Schedule or ScheduleLocal
	Steals    uint64 // successful steal attempts
	Stolen    uint64 // items moved by steals
	Parks     uint64 // times a worker went idle
}

// Pool runs items on a fixed number of workers. Each worker loops: pop from
// its own queue, steal half of a random peer's queue, pop from the global
// queue, and otherwise wait until work arrives or the pool terminates.
// No ordering is guaranteed between items.
type Pool[T any] struct {
	handler Handler[T]
	local   []*queue[T]

	mu       sync.Mutex // guards global and sleeping
	cond     *sync.Cond
	global   []T
	sleeping int

	terminate atomic.Bool
	started   atomic.Bool
	join      errgroup.Group

	scheduled atomic.Uint64
	steals    atomic.Uint64
	stolen    atomic.Uint64
	parks     atomic.Uint64
}

// NewPool creates a pool with the given number of workers; zero or less
// means one per CPU.
func NewPool[T any](workers int, handler Handler[T]) *Pool[T] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool[T]{
		handler: handler,
		local:   make([]*queue[T], workers),
	}
	for i := range p.local {
		p.local[i] = &queue[T]{}
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Workers returns the number of workers.
func (p *Pool[T]) Workers() int { return len(p.local) }

// Start launches the workers. Calling Start more than once has no effect.
func (p *Pool[T]) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := range p.local {
		p.join.Go(func() error {
			p.run(i)
			return nil
		})
	}
	log.Infof("scheduler started with %d workers", len(p.local))
}

// Schedule pushes item to the global queue and wakes an idle worker.
func (p *Pool[T]) Schedule(item T) {
	p.scheduled.Add(1)
	p.mu.Lock()
	p.global = append(p.global, item)
	p.cond.Signal()
	p.mu.Unlock()
}

// ScheduleLocal pushes item to the queue of worker. Workers use it to
// requeue items they just ran.
func (p *Pool[T]) ScheduleLocal(worker int, item T) {
	p.scheduled.Add(1)
	p.local[worker].push(item)

	p.mu.Lock()
	if p.sleeping > 0 {
		p.cond.Signal()
	}
	p.mu.Unlock()
}

// Terminate tells every worker to exit once it finishes its current item.
// Queued items are dropped.
func (p *Pool[T]) Terminate() {
	p.terminate.Store(true)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Terminated reports whether Terminate was called.
func (p *Pool[T]) Terminated() bool { return p.terminate.Load() }

// Wait blocks until every worker exited.
func (p *Pool[T]) Wait() error {
	return p.join.Wait()
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:   len(p.local),
		Scheduled: p.scheduled.Load(),
		Steals:    p.steals.Load(),
		Stolen:    p.stolen.Load(),
		Parks:     p.parks.Load(),
	}
}

// Len returns the number of queued items.
func (p *Pool[T]) Len() int {
	n := 0
	for _, q := range p.local {
		n += q.len()
	}
	p.mu.Lock()
	n += len(p.global)
	p.mu.Unlock()
	return n
}

func (p *Pool[T]) run(id int) {
	own := p.local[id]
	for !p.terminate.Load() {
		if item, ok := own.pop(); ok {
			p.handler(id, item)
			continue
		}
		if p.terminate.Load() {
			return
		}
		if item, ok := p.steal(id); ok {
			p.handler(id, item)
			continue
		}
		if p.terminate.Load() {
			return
		}
		if item, ok := p.popGlobal(); ok {
			p.handler(id, item)
			continue
		}
		p.park()
	}
}

// steal takes half of the first non-empty peer queue, starting at a random
// peer. The first stolen item is returned, the rest go to the thief's queue.
func (p *Pool[T]) steal(id int) (T, bool) {
	var zero T
	n := len(p.local)
	if n < 2 {
		return zero, false
	}
	start := rand.IntN(n)
	for i := 0; i < n; i++ {
		victim := (start + i) % n
		if victim == id {
			continue
		}
		stolen := p.local[victim].stealHalf()
		if len(stolen) == 0 {
			continue
		}
		p.steals.Add(1)
		p.stolen.Add(uint64(len(stolen)))
		if len(stolen) > 1 {
			p.local[id].pushAll(stolen[1:])
		}
		return stolen[0], true
	}
	return zero, false
}

func (p *Pool[T]) popGlobal() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popGlobalLocked()
}

func (p *Pool[T]) popGlobalLocked() (T, bool) {
	var zero T
	if len(p.global) == 0 {
		return zero, false
	}
	item := p.global[0]
	p.global[0] = zero
	p.global = p.global[1:]
	if len(p.global) == 0 {
		p.global = nil
	}
	return item, true
}

// park waits until work may be available. Local queues are checked under
// p.mu, so a ScheduleLocal racing with the check still signals.
func (p *Pool[T]) park() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminate.Load() || len(p.global) > 0 {
		return
	}
	p.sleeping++
	defer func() { p.sleeping-- }()
	for _, q := range p.local {
		if q.len() > 0 {
			return
		}
	}
	p.parks.Add(1)
	p.cond.Wait()
}
