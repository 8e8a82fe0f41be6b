package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/chazu/mvm/coro"
	"github.com/chazu/mvm/gc"
	"github.com/chazu/mvm/immix"
	"github.com/chazu/mvm/netpoll"
	"github.com/chazu/mvm/sched"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoProgram      = errors.New("no program loaded")
	ErrArity          = errors.New("wrong number of arguments")
	ErrRuntimeStopped = errors.New("runtime stopped")
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Default option values.
const (
	DefaultReductions = 2000
	DefaultMaxFrames  = 1024
	MaxPID            = 1<<31 - 1
)

// Journal persists runtime events. The runtime calls it from collector
// and worker goroutines; implementations must be safe for concurrent use.
type Journal interface {
	gc.Recorder
	RecordExit(ExitRecord) error
}

// ExitRecord describes a terminated process.
type ExitRecord struct {
	PID        PID
	Method     string
	Panicked   bool
	Message    string
	Reductions uint64 // instructions executed
	Yields     uint64
	Duration   time.Duration
	Timestamp  time.Time
}

// Poller watches file descriptors for readiness on behalf of processes.
// netpoll.Poller implements it.
type Poller interface {
	Register(token netpoll.Token, fd int, interest netpoll.Interest) error
	Deregister(fd int) error
	Run() error
	Close() error
}

// Options configures a Runtime. Zero values select the defaults.
type Options struct {
	ID uuid.UUID // runtime instance id, random when zero

	Workers    int // scheduler workers, 0 for one per CPU
	Reductions int // instructions a process runs before yielding
	MaxFrames  int // call depth limit per process

	Preallocate     int // blocks mapped up front
	PromoteAge      uint8
	MatureThreshold int

	GCWorkers int
	Tracers   int

	// Stderr receives panic reports. Defaults to os.Stderr.
	Stderr io.Writer

	// Journal, if set, records collections and process exits.
	Journal Journal

	// Switcher transfers control between workers and processes. Defaults
	// to coro.Goroutines.
	Switcher coro.Switcher

	// NewPoller creates the readiness poller. Defaults to netpoll.New; a
	// poller that cannot be created leaves poll unsupported.
	NewPoller func(ready func(netpoll.Token)) (Poller, error)
}

func (o Options) withDefaults() Options {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Reductions <= 0 {
		o.Reductions = DefaultReductions
	}
	if o.MaxFrames <= 0 {
		o.MaxFrames = DefaultMaxFrames
	}
	if o.GCWorkers <= 0 {
		o.GCWorkers = gc.DefaultWorkers
	}
	if o.Tracers <= 0 {
		o.Tracers = gc.DefaultTracers
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Switcher == nil {
		o.Switcher = coro.NewGoroutines()
	}
	if o.NewPoller == nil {
		o.NewPoller = func(ready func(netpoll.Token)) (Poller, error) {
			return netpoll.New(ready)
		}
	}
	return o
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Runtime is one virtual machine instance: the block pool and permanent
// heap shared by its processes, the process table, the scheduler workers,
// the collector, the timeout worker and the network poller.
type Runtime struct {
	id   uuid.UUID
	opts Options

	blocks    *immix.BlockPool
	permanent *immix.Heap
	heapIDs   *immix.IDAllocator
	pids      *immix.IDAllocator
	heapOpts  immix.HeapOptions

	builtins builtins
	program  atomic.Pointer[Program]

	table     *ProcessTable
	switcher  coro.Switcher
	pool      *sched.Pool[*Process]
	workers   []*coro.Context
	collector *gc.Collector
	timeouts  *sched.Timeouts[wakeup]
	poller    Poller
	journal   Journal

	// join holds the timeout worker and the poller goroutine.
	join errgroup.Group

	entryDone chan struct{}
	exitCode  atomic.Int32

	started atomic.Bool
	stopped atomic.Bool

	spawned    atomic.Uint64
	exited     atomic.Uint64
	panicked   atomic.Uint64
	staleWakes atomic.Uint64
}

// NewRuntime creates a runtime. Nothing runs until Start (or Run).
func NewRuntime(opts Options) *Runtime {
	opts = opts.withDefaults()
	rt := &Runtime{
		id:        opts.ID,
		opts:      opts,
		blocks:    immix.NewBlockPool(),
		heapIDs:   immix.NewIDAllocator(immix.PermanentHeapID+1, immix.MaxHeapID),
		pids:      immix.NewIDAllocator(1, MaxPID),
		builtins:  newBuiltins(),
		table:     NewProcessTable(),
		switcher:  opts.Switcher,
		journal:   opts.Journal,
		entryDone: make(chan struct{}),
		heapOpts: immix.HeapOptions{
			PromoteAge:      opts.PromoteAge,
			MatureThreshold: opts.MatureThreshold,
		},
	}
	rt.permanent = immix.NewPermanentHeap(rt.blocks)
	rt.blocks.Preallocate(opts.Preallocate)

	rt.pool = sched.NewPool(opts.Workers, rt.runProcess)
	rt.workers = make([]*coro.Context, rt.pool.Workers())
	for i := range rt.workers {
		rt.workers[i] = coro.NewContext()
	}

	rt.collector = gc.NewCollector(gc.Options{
		Workers:  opts.GCWorkers,
		Tracers:  opts.Tracers,
		Recorder: rt.journal,
	})
	rt.timeouts = sched.NewTimeouts(rt.fireTimeout)

	poller, err := opts.NewPoller(rt.ready)
	if err != nil {
		log.Warningf("network poller unavailable: %v", err)
	} else {
		rt.poller = poller
	}

	log.Debugf("runtime %s: %d workers, %d reductions, %d gc workers", rt.id, len(rt.workers), opts.Reductions, opts.GCWorkers)
	return rt
}

// ID returns the runtime instance id.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Options returns the effective options.
func (rt *Runtime) Options() Options { return rt.opts }

// Program returns the loaded program, or nil.
func (rt *Runtime) Program() *Program { return rt.program.Load() }

// Permanent returns the heap holding the program's constants.
func (rt *Runtime) Permanent() *immix.Heap { return rt.permanent }

// Blocks returns the block pool shared by every heap of the runtime.
func (rt *Runtime) Blocks() *immix.BlockPool { return rt.blocks }

// Processes returns the process table.
func (rt *Runtime) Processes() *ProcessTable { return rt.table }

// install makes prog the runtime's program and seals the permanent heap.
func (rt *Runtime) install(prog *Program) {
	rt.permanent.Seal()
	rt.program.Store(prog)
}

// Start launches the scheduler workers, the collector, the timeout worker
// and the poller. It is a no-op when the runtime already started.
func (rt *Runtime) Start() {
	if !rt.started.CompareAndSwap(false, true) {
		return
	}
	rt.collector.Start()
	rt.join.Go(rt.timeouts.Run)
	if rt.poller != nil {
		rt.join.Go(func() error {
			if err := rt.poller.Run(); err != nil {
				immix.Fatal(fmt.Errorf("network poller: %w", err))
			}
			return nil
		})
	}
	rt.pool.Start()
	log.Infof("runtime %s started with %d workers", rt.id, len(rt.workers))
}

// Run spawns the entry process, waits for it to terminate and shuts the
// runtime down. It returns 0, or ExitPanic when the entry process panicked.
func (rt *Runtime) Run(entry *EntryPoint) int {
	rt.Start()
	if _, err := rt.spawn(entry.Method, rt.permanent, nil, true); err != nil {
		log.Errorf("spawn entry %s: %v", entry.Method.FullName(), err)
		fmt.Fprintf(rt.opts.Stderr, "mvm: %v\n", err)
		if err := rt.Shutdown(); err != nil {
			log.Errorf("shutdown: %v", err)
		}
		return ExitPanic
	}
	<-rt.entryDone
	if err := rt.Shutdown(); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	return int(rt.exitCode.Load())
}

// Wait blocks until the entry process terminated.
func (rt *Runtime) Wait() int {
	<-rt.entryDone
	return int(rt.exitCode.Load())
}

// Shutdown stops the workers, the collector, the timeout worker and the
// poller, then abandons processes that never terminated and unmaps every
// block. It is safe to call more than once.
func (rt *Runtime) Shutdown() error {
	if !rt.stopped.CompareAndSwap(false, true) {
		return nil
	}

	rt.pool.Terminate()
	var firstErr error
	if rt.started.Load() {
		if err := rt.pool.Wait(); err != nil {
			firstErr = err
		}
	}
	rt.collector.Stop()
	rt.timeouts.Stop()
	if rt.poller != nil {
		if err := rt.poller.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close poller: %w", err)
		}
	}
	if err := rt.join.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}

	abandoned := 0
	rt.table.Each(func(p *Process) {
		abandoned++
		if abort, ok := rt.switcher.(interface{ Abort(*coro.Context) }); ok && p.ctx.Started() {
			abort.Abort(p.ctx)
		}
		gc.Finish(p.heap)
		p.mailbox.close()
	})

	log.Infof("runtime %s stopped: %d spawned, %d exited, %d abandoned, %s mapped",
		rt.id, rt.spawned.Load(), rt.exited.Load(), abandoned,
		humanize.IBytes(uint64(rt.blocks.Mapped())*immix.BlockSize))

	if err := rt.blocks.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unmap blocks: %w", err)
	}
	return firstErr
}

// ---------------------------------------------------------------------------
// Host API
// ---------------------------------------------------------------------------

// Spawn starts method of class with the given arguments. Arguments must be
// immediates or permanent values.
func (rt *Runtime) Spawn(class, method string, args ...immix.Value) (PID, error) {
	prog := rt.Program()
	if prog == nil {
		return 0, ErrNoProgram
	}
	c := prog.Class(class)
	if c == nil {
		return 0, fmt.Errorf("spawn %s.%s: %w", class, method, ErrUnresolvedClass)
	}
	m := c.Method(method)
	if m == nil {
		return 0, fmt.Errorf("spawn %s.%s: %w", class, method, ErrUnresolvedMethod)
	}
	p, err := rt.spawn(m, rt.permanent, args, false)
	if err != nil {
		return 0, err
	}
	return p.pid, nil
}

// Send delivers msg to the process pid. Messages to unknown or terminated
// processes are dropped. msg must be an immediate or a permanent value.
func (rt *Runtime) Send(pid PID, msg immix.Value) error {
	return rt.send(rt.permanent, pid, msg)
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	Processes   int
	Spawned     uint64
	Exited      uint64
	Panicked    uint64
	StaleWakes  uint64
	Collections uint64
	Mapped      int
	Pooled      int
	Scheduler   sched.Stats
}

// Stats returns the runtime counters.
func (rt *Runtime) Stats() Stats {
	return Stats{
		Processes:   rt.table.Len(),
		Spawned:     rt.spawned.Load(),
		Exited:      rt.exited.Load(),
		Panicked:    rt.panicked.Load(),
		StaleWakes:  rt.staleWakes.Load(),
		Collections: rt.collector.Collections(),
		Mapped:      rt.blocks.Mapped(),
		Pooled:      rt.blocks.Len(),
		Scheduler:   rt.pool.Stats(),
	}
}

// ---------------------------------------------------------------------------
// Spawning and messaging
// ---------------------------------------------------------------------------

// spawn creates a process running m with args copied out of src and
// schedules it.
func (rt *Runtime) spawn(m *Method, src *immix.Heap, args []immix.Value, entry bool) (*Process, error) {
	if rt.stopped.Load() {
		return nil, ErrRuntimeStopped
	}
	if len(args) != m.Arity {
		return nil, fmt.Errorf("spawn %s: %w: want %d, got %d", m.FullName(), ErrArity, m.Arity, len(args))
	}

	p, err := rt.newProcess(m, entry)
	if err != nil {
		return nil, err
	}
	frame := p.frames[0]
	for i, a := range args {
		v, triggered, err := immix.CopyGraph(src, a, p.heap)
		if err != nil {
			rt.discard(p)
			return nil, fmt.Errorf("spawn %s: argument %d: %w", m.FullName(), i, err)
		}
		frame.registers[i] = v
		p.triggeredGC = p.triggeredGC || triggered
	}

	rt.table.Add(p)
	rt.spawned.Add(1)
	log.Debugf("spawned process %d running %s", p.pid, m.FullName())
	rt.pool.Schedule(p)
	return p, nil
}

// send copies msg out of src into the mailbox of pid and wakes the
// receiver if it waits for a message.
func (rt *Runtime) send(src *immix.Heap, pid PID, msg immix.Value) error {
	target := rt.table.Get(pid)
	if target == nil {
		return nil
	}
	if err := target.mailbox.push(src, msg); err != nil {
		if errors.Is(err, errMailboxClosed) {
			return nil
		}
		return fmt.Errorf("send to %d: %w", pid, err)
	}
	rt.wake(target, wakeMessage, 0)
	return nil
}

// ---------------------------------------------------------------------------
// Callbacks of the timeout worker and the poller
// ---------------------------------------------------------------------------

// fireTimeout wakes a sleeping or polling process and releases the
// reference held by the timeout entry.
func (rt *Runtime) fireTimeout(w wakeup) {
	rt.wake(w.p, wakeTimeout, w.epoch)
	w.p.release()
}

// ready wakes the process a poll registration belongs to.
func (rt *Runtime) ready(tok netpoll.Token) {
	pid, epoch := splitToken(tok)
	p := rt.table.Get(pid)
	if p == nil {
		rt.staleWakes.Add(1)
		return
	}
	rt.wake(p, wakeIO, epoch)
}
