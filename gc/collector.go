package gc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chazu/mvm/immix"
	"golang.org/x/sync/errgroup"
)

// ErrCollectorStopped is returned by Submit after Stop.
var ErrCollectorStopped = errors.New("collector stopped")

// ---------------------------------------------------------------------------
// Collector: FIFO queue of collection requests
// ---------------------------------------------------------------------------

// Request asks for one heap to be collected. The heap's owner must stay
// suspended until Done is called.
type Request struct {
	Generation Generation
	Heap       *immix.Heap
	Roots      []*immix.Value

	// Done is called from a collector goroutine when the heap may be used
	// again. stats is nil when err is set.
	Done func(stats *Stats, err error)
}

// Recorder receives the statistics of every completed collection.
type Recorder interface {
	RecordCollection(*Stats) error
}

// Options configures a Collector.
type Options struct {
	Workers  int // goroutines serving the queue
	Tracers  int // tracers per collection
	Recorder Recorder
}

// Default option values.
const (
	DefaultWorkers = 1
	DefaultTracers = 2
)

// Collector serves collection requests in arrival order with a fixed
// set of worker goroutines.
type Collector struct {
	opts Options

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Request
	stopped bool
	started bool
	workers errgroup.Group

	// Statistics
	collections atomic.Uint64
	failures    atomic.Uint64
	lastStats   atomic.Pointer[Stats]
}

// NewCollector creates a collector. Call Start to launch its workers.
func NewCollector(opts Options) *Collector {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Tracers <= 0 {
		opts.Tracers = DefaultTracers
	}
	c := &Collector{opts: opts}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the worker goroutines. It is safe to call Start multiple
// times; only one set of workers runs.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return
	}
	c.started = true
	for i := 0; i < c.opts.Workers; i++ {
		c.workers.Go(c.loop)
	}
	log.Infof("collector started: %d workers, %d tracers", c.opts.Workers, c.opts.Tracers)
}

// Submit queues a request.
func (c *Collector) Submit(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrCollectorStopped
	}
	c.queue = append(c.queue, req)
	c.cond.Signal()
	return nil
}

// Pending returns the number of queued requests.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Stop refuses new requests, waits for the queued ones to be served and
// for the workers to exit. It is safe to call Stop multiple times.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.stopped = true
	started := c.started
	c.cond.Broadcast()
	c.mu.Unlock()

	if started {
		_ = c.workers.Wait()
	}
}

// Collections returns the number of completed collections.
func (c *Collector) Collections() uint64 { return c.collections.Load() }

// Failures returns the number of collections that ended with an error.
func (c *Collector) Failures() uint64 { return c.failures.Load() }

// LastStats returns statistics from the most recent collection, or nil.
func (c *Collector) LastStats() *Stats { return c.lastStats.Load() }

// next blocks until a request is queued. ok is false once the collector
// is stopped and the queue is empty.
func (c *Collector) next() (req Request, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.queue) == 0 {
		if c.stopped {
			return Request{}, false
		}
		c.cond.Wait()
	}
	req = c.queue[0]
	c.queue[0] = Request{}
	c.queue = c.queue[1:]
	return req, true
}

func (c *Collector) loop() error {
	for {
		req, ok := c.next()
		if !ok {
			return nil
		}
		c.serve(req)
	}
}

func (c *Collector) serve(req Request) {
	stats, err := Collect(req.Heap, req.Generation, req.Roots, c.opts.Tracers)
	if err != nil {
		c.failures.Add(1)
		log.Errorf("%v", err)
	} else {
		c.collections.Add(1)
		c.lastStats.Store(stats)
		if c.opts.Recorder != nil {
			if rerr := c.opts.Recorder.RecordCollection(stats); rerr != nil {
				log.Warningf("recording collection of heap %d: %v", stats.Heap, rerr)
			}
		}
	}
	if req.Done != nil {
		req.Done(stats, err)
	}
}
