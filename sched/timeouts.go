package sched

import (
	"container/heap"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Timeouts: deadline worker
// ---------------------------------------------------------------------------

// Timeout is a pending deadline registration.
type Timeout[T any] struct {
	deadline time.Time
	item     T
	index    int // position in the heap, -1 once fired or cancelled
}

// Deadline returns the time at which the timeout fires.
func (t *Timeout[T]) Deadline() time.Time { return t.deadline }

// Timeouts fires items once their deadline elapsed. A single goroutine
// (Run) sleeps until the earliest deadline; registering an earlier one
// wakes it.
type Timeouts[T any] struct {
	fire func(T)

	mu      sync.Mutex
	pending timeoutHeap[T]

	wake chan struct{}
	stop chan struct{}
	once sync.Once

	fired int
}

// NewTimeouts creates a timeout worker that passes due items to fire.
// fire runs on the worker goroutine and must not block.
func NewTimeouts[T any](fire func(T)) *Timeouts[T] {
	return &Timeouts[T]{
		fire: fire,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Add registers item to fire at deadline.
func (w *Timeouts[T]) Add(deadline time.Time, item T) *Timeout[T] {
	t := &Timeout[T]{deadline: deadline, item: item}

	w.mu.Lock()
	heap.Push(&w.pending, t)
	earliest := t.index == 0
	w.mu.Unlock()

	if earliest {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	return t
}

// Cancel removes a pending timeout. It returns false if the timeout
// already fired or was cancelled.
func (w *Timeouts[T]) Cancel(t *Timeout[T]) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.index < 0 {
		return false
	}
	heap.Remove(&w.pending, t.index)
	return true
}

// Len returns the number of pending timeouts.
func (w *Timeouts[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Fired returns the number of timeouts delivered so far.
func (w *Timeouts[T]) Fired() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Run delivers due items until Stop is called.
func (w *Timeouts[T]) Run() error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, next, ok := w.collect(time.Now())
		for _, item := range due {
			w.fire(item)
		}

		var timeout <-chan time.Time
		if ok {
			timer.Reset(next)
			timeout = timer.C
		} else {
			timer.Stop()
		}

		select {
		case <-w.stop:
			return nil
		case <-w.wake:
		case <-timeout:
		}
	}
}

// Stop makes Run return. Pending timeouts never fire.
func (w *Timeouts[T]) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// collect pops every timeout due at now and returns the delay until the
// next one.
func (w *Timeouts[T]) collect(now time.Time) (due []T, next time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.pending) > 0 && !w.pending[0].deadline.After(now) {
		t := heap.Pop(&w.pending).(*Timeout[T])
		due = append(due, t.item)
	}
	w.fired += len(due)
	if len(w.pending) == 0 {
		return due, 0, false
	}
	return due, w.pending[0].deadline.Sub(now), true
}

// timeoutHeap orders timeouts by deadline.
type timeoutHeap[T any] []*Timeout[T]

func (h timeoutHeap[T]) Len() int           { return len(h) }
func (h timeoutHeap[T]) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timeoutHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap[T]) Push(x any) {
	t := x.(*Timeout[T])
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timeoutHeap[T]) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
