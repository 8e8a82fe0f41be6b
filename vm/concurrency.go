package vm

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/mvm/coro"
	"github.com/chazu/mvm/gc"
	"github.com/chazu/mvm/immix"
	"github.com/chazu/mvm/netpoll"
	"github.com/chazu/mvm/sched"
)

// ---------------------------------------------------------------------------
// Process states
// ---------------------------------------------------------------------------

// PID identifies a process within a runtime. PIDs of terminated processes
// are reused once nothing refers to the old process any more.
type PID uint32

// State is the scheduling state of a process.
type State uint8

const (
	StateScheduled State = iota
	StateRunning
	StateWaiting
	StateSuspendedForTimeout
	StateTerminated
)

var stateNames = [...]string{
	StateScheduled:           "scheduled",
	StateRunning:             "running",
	StateWaiting:             "waiting",
	StateSuspendedForTimeout: "suspended-for-timeout",
	StateTerminated:          "terminated",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// WaitReason tells what a waiting process waits for.
type WaitReason uint8

const (
	WaitNone WaitReason = iota
	WaitMessage
	WaitIO
	WaitGC
)

func (r WaitReason) String() string {
	switch r {
	case WaitNone:
		return "none"
	case WaitMessage:
		return "message"
	case WaitIO:
		return "io"
	case WaitGC:
		return "gc"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// wakeSource identifies who moved a process back to the run queue.
type wakeSource uint8

const (
	wakeNone wakeSource = iota
	wakeMessage
	wakeIO
	wakeTimeout
	wakeGC
)

// wakeup is the item stored in the timeout worker.
type wakeup struct {
	p     *Process
	epoch uint32
}

// errAborted unwinds the stack of a process abandoned at shutdown.
var errAborted = errors.New("process aborted")

// ---------------------------------------------------------------------------
// Process
// ---------------------------------------------------------------------------

// Process is a lightweight process: a private heap, a frame stack and a
// mailbox, run by one scheduler worker at a time.
type Process struct {
	pid     PID
	rt      *Runtime
	heap    *immix.Heap
	mailbox *Mailbox
	entry   bool
	ctx     *coro.Context
	method  *Method
	spawnAt time.Time

	// Owned by the process while it runs, or by the worker and collector
	// while it is switched out.
	frames      []*Frame
	worker      *coro.Context
	reductions  int
	executed    uint64
	yields      uint64
	triggeredGC bool
	gcErr       error
	result      immix.Value
	panic       *Panic

	mu      sync.Mutex
	state   State
	reason  WaitReason
	epoch   uint32
	timeout *sched.Timeout[wakeup]
	pollFD  int
	wokeBy  wakeSource

	// refs counts the process table entry, a pending timeout and a poll
	// registration.
	refs atomic.Int32
}

// newProcess allocates the ids and heaps of a process about to run m. The
// process holds the table reference but is not in the table yet.
func (rt *Runtime) newProcess(m *Method, entry bool) (*Process, error) {
	pid, err := rt.pids.Next()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: pid: %w", m.FullName(), err)
	}
	heapID, err := rt.heapIDs.Next()
	if err != nil {
		rt.pids.Release(pid)
		return nil, fmt.Errorf("spawn %s: heap: %w", m.FullName(), err)
	}
	mailboxID, err := rt.heapIDs.Next()
	if err != nil {
		rt.pids.Release(pid)
		rt.heapIDs.Release(heapID)
		return nil, fmt.Errorf("spawn %s: mailbox heap: %w", m.FullName(), err)
	}

	p := &Process{
		pid:     PID(pid),
		rt:      rt,
		heap:    immix.NewHeap(heapID, rt.blocks, rt.heapOpts),
		mailbox: newMailbox(immix.NewHeap(mailboxID, rt.blocks, rt.heapOpts), rt.opts.Tracers, rt.journal),
		entry:   entry,
		ctx:     coro.NewContext(),
		method:  m,
		spawnAt: time.Now(),
		frames:  []*Frame{newFrame(m, 0)},
		state:   StateScheduled,
		epoch:   rand.Uint32(),
		pollFD:  -1,
	}
	p.refs.Store(1)
	return p, nil
}

// discard undoes newProcess for a process that never ran.
func (rt *Runtime) discard(p *Process) {
	gc.Finish(p.heap)
	p.mailbox.close()
	p.mu.Lock()
	p.state = StateTerminated
	p.mu.Unlock()
	p.release()
}

// PID returns the process id.
func (p *Process) PID() PID { return p.pid }

// State returns the scheduling state and, for waiting processes, the
// reason.
func (p *Process) State() (State, WaitReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.reason
}

// Heap returns the process heap.
func (p *Process) Heap() *immix.Heap { return p.heap }

// Mailbox returns the process mailbox.
func (p *Process) Mailbox() *Mailbox { return p.mailbox }

// Refs returns the number of references keeping the process alive.
func (p *Process) Refs() int { return int(p.refs.Load()) }

func (p *Process) String() string {
	return fmt.Sprintf("process %d (%s)", p.pid, p.method.FullName())
}

// retain adds a reference for a timeout entry or a poll registration.
func (p *Process) retain() { p.refs.Add(1) }

// release drops a reference. The last one frees the pid and heap ids.
func (p *Process) release() {
	n := p.refs.Add(-1)
	switch {
	case n == 0:
		p.rt.drop(p)
	case n < 0:
		immix.Fatal(fmt.Errorf("%s released %d times too often", p, -n))
	}
}

// drop returns the ids of a process nothing refers to any more.
func (rt *Runtime) drop(p *Process) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != StateTerminated {
		immix.Fatal(fmt.Errorf("%s dropped while %s", p, state))
	}
	rt.heapIDs.Release(p.heap.ID())
	rt.heapIDs.Release(p.mailbox.heap.ID())
	rt.pids.Release(uint32(p.pid))
}

// ---------------------------------------------------------------------------
// Wake protocol
// ---------------------------------------------------------------------------

// wakeableBy reports whether src may move p back to the run queue. Timeout,
// I/O and collection wakes must carry the epoch of the wait they were
// armed for; a stale one loses. Requires p.mu.
func (p *Process) wakeableBy(src wakeSource, epoch uint32) bool {
	switch src {
	case wakeMessage:
		return p.state == StateWaiting && p.reason == WaitMessage
	case wakeIO:
		return p.state == StateWaiting && p.reason == WaitIO && p.epoch == epoch
	case wakeTimeout:
		if p.epoch != epoch {
			return false
		}
		return p.state == StateSuspendedForTimeout ||
			(p.state == StateWaiting && p.reason == WaitIO)
	case wakeGC:
		return p.state == StateWaiting && p.reason == WaitGC && p.epoch == epoch
	}
	return false
}

// wake moves p back to the run queue if src is the first source to fire
// for the current wait. The winner withdraws the other source. It returns
// false when the wake lost the race or arrived too late.
func (rt *Runtime) wake(p *Process, src wakeSource, epoch uint32) bool {
	p.mu.Lock()
	if !p.wakeableBy(src, epoch) {
		p.mu.Unlock()
		if src != wakeMessage {
			rt.staleWakes.Add(1)
		}
		return false
	}
	p.epoch++
	if p.timeout != nil {
		if src != wakeTimeout && rt.timeouts.Cancel(p.timeout) {
			p.release()
		}
		p.timeout = nil
	}
	if p.pollFD >= 0 {
		if err := rt.poller.Deregister(p.pollFD); err != nil {
			log.Warningf("%s: deregister fd %d: %v", p, p.pollFD, err)
		}
		p.pollFD = -1
		p.release()
	}
	p.wokeBy = src
	p.state = StateScheduled
	p.reason = WaitNone
	p.mu.Unlock()

	rt.pool.Schedule(p)
	return true
}

// pollToken packs the pid and the wait epoch into a poller token.
func pollToken(pid PID, epoch uint32) netpoll.Token {
	return netpoll.Token(uint64(pid)<<32 | uint64(epoch))
}

func splitToken(t netpoll.Token) (PID, uint32) {
	return PID(uint64(t) >> 32), uint32(t)
}

// ---------------------------------------------------------------------------
// Worker side
// ---------------------------------------------------------------------------

// runProcess is the scheduler handler: it switches into p and acts on the
// signal p switched out with.
func (rt *Runtime) runProcess(worker int, p *Process) {
	self := rt.workers[worker]

	p.mu.Lock()
	if p.state != StateScheduled {
		state := p.state
		p.mu.Unlock()
		log.Errorf("%s dequeued while %s", p, state)
		return
	}
	p.state = StateRunning
	p.worker = self
	p.mu.Unlock()

	if !p.ctx.Started() {
		rt.switcher.InitStack(p.ctx, rt.processMain, p)
	}
	switch sig := rt.switcher.Switch(self, p.ctx, coro.Resume); sig {
	case coro.Yield:
		p.mu.Lock()
		p.state = StateScheduled
		p.mu.Unlock()
		rt.pool.ScheduleLocal(worker, p)
	case coro.Suspend:
		// A wake source owns the process now.
	case coro.Collect:
		rt.requestCollection(p)
	case coro.Exit:
		rt.reclaim(p)
	default:
		immix.Fatal(fmt.Errorf("%s switched out with %s", p, sig))
	}
}

// requestCollection queues the collection of a process that switched out
// waiting for it. The collector wakes the process when done.
func (rt *Runtime) requestCollection(p *Process) {
	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()

	err := rt.collector.Submit(gc.Request{
		Generation: gc.Young,
		Heap:       p.heap,
		Roots:      p.roots(),
		Done: func(_ *gc.Stats, err error) {
			p.gcErr = err
			rt.wake(p, wakeGC, epoch)
		},
	})
	if err != nil {
		p.gcErr = err
		rt.wake(p, wakeGC, epoch)
	}
}

// roots returns every register of every frame of p.
func (p *Process) roots() []*immix.Value {
	n := 0
	for _, f := range p.frames {
		n += len(f.registers)
	}
	roots := make([]*immix.Value, 0, n)
	for _, f := range p.frames {
		for i := range f.registers {
			roots = append(roots, &f.registers[i])
		}
	}
	return roots
}

// reclaim releases everything a terminated process owned.
func (rt *Runtime) reclaim(p *Process) {
	if p.panic != nil {
		rt.panicked.Add(1)
		log.Warningf("%s", p.panic.Error())
		if _, err := p.panic.WriteTo(rt.opts.Stderr); err != nil {
			log.Errorf("write panic report: %v", err)
		}
	}

	heap := gc.Finish(p.heap)
	mbox := p.mailbox.close()
	rt.table.Remove(p.pid)
	rt.exited.Add(1)
	log.Debugf("%s exited: %d objects, %d blocks freed", p, heap.Objects+mbox.Objects, heap.Blocks+mbox.Blocks)

	if rt.journal != nil {
		rec := ExitRecord{
			PID:        p.pid,
			Method:     p.method.FullName(),
			Panicked:   p.panic != nil,
			Reductions: p.executed,
			Yields:     p.yields,
			Duration:   time.Since(p.spawnAt),
			Timestamp:  time.Now(),
		}
		if p.panic != nil {
			rec.Message = p.panic.Message
		}
		if err := rt.journal.RecordExit(rec); err != nil {
			log.Warningf("record exit of %s: %v", p, err)
		}
	}

	if p.entry {
		if p.panic != nil {
			rt.exitCode.Store(ExitPanic)
		}
		close(rt.entryDone)
	}
	p.release()
}

// ---------------------------------------------------------------------------
// Process side
// ---------------------------------------------------------------------------

// processMain is the body of every process stack.
func (rt *Runtime) processMain(data any) {
	p := data.(*Process)
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, errAborted) {
				return
			}
			panic(r)
		}
	}()

	result, perr := p.execute()

	p.mu.Lock()
	p.state = StateTerminated
	p.reason = WaitNone
	p.result = result
	p.panic = perr
	to := p.worker
	p.mu.Unlock()

	rt.switcher.Exit(to, coro.Exit)
}

// switchOut hands control back to the worker that resumed p and returns
// once p is resumed again.
func (p *Process) switchOut(to *coro.Context, sig coro.Signal) {
	if got := p.rt.switcher.Switch(p.ctx, to, sig); got == coro.Abort {
		panic(errAborted)
	}
}

// yield requeues p behind the other runnable processes.
func (p *Process) yield() {
	p.yields++
	p.reductions = p.rt.opts.Reductions
	p.switchOut(p.worker, coro.Yield)
}

// collect suspends p until the collector processed its heap.
func (p *Process) collect() error {
	p.triggeredGC = false
	p.mu.Lock()
	to := p.worker
	p.state = StateWaiting
	p.reason = WaitGC
	p.mu.Unlock()

	p.switchOut(to, coro.Collect)
	p.reductions = p.rt.opts.Reductions

	err := p.gcErr
	p.gcErr = nil
	return err
}

// receive returns the next message, suspending while the mailbox is
// empty.
func (p *Process) receive() (immix.Value, error) {
	for {
		p.mu.Lock()
		v, ok, triggered, err := p.mailbox.take(p.heap)
		if err != nil || ok {
			p.mu.Unlock()
			p.triggeredGC = p.triggeredGC || triggered
			return v, err
		}
		to := p.worker
		p.state = StateWaiting
		p.reason = WaitMessage
		p.mu.Unlock()

		p.switchOut(to, coro.Suspend)
		p.reductions = p.rt.opts.Reductions
	}
}

// sleep suspends p until d elapsed.
func (p *Process) sleep(d time.Duration) {
	if d <= 0 {
		p.yield()
		return
	}

	p.mu.Lock()
	to := p.worker
	p.state = StateSuspendedForTimeout
	p.reason = WaitNone
	p.retain()
	p.timeout = p.rt.timeouts.Add(time.Now().Add(d), wakeup{p: p, epoch: p.epoch})
	p.mu.Unlock()

	p.switchOut(to, coro.Suspend)
	p.reductions = p.rt.opts.Reductions
}

// poll waits until fd is ready for interest or the deadline passes. A
// negative timeout waits indefinitely. It reports readiness, or an I/O
// error when fd cannot be watched.
func (p *Process) poll(fd int, interest netpoll.Interest, timeout time.Duration) (bool, *IOError) {
	if p.rt.poller == nil {
		return false, NewIOError("poll", errors.ErrUnsupported)
	}

	p.mu.Lock()
	to := p.worker
	epoch := p.epoch
	if err := p.rt.poller.Register(pollToken(p.pid, epoch), fd, interest); err != nil {
		p.mu.Unlock()
		return false, NewIOError("poll", err)
	}
	p.retain()
	p.pollFD = fd
	p.state = StateWaiting
	p.reason = WaitIO
	if timeout >= 0 {
		p.retain()
		p.timeout = p.rt.timeouts.Add(time.Now().Add(timeout), wakeup{p: p, epoch: epoch})
	}
	p.mu.Unlock()

	p.switchOut(to, coro.Suspend)
	p.reductions = p.rt.opts.Reductions

	p.mu.Lock()
	woke := p.wokeBy
	p.wokeBy = wakeNone
	p.mu.Unlock()
	return woke == wakeIO, nil
}
