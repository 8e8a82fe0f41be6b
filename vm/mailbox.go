package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/mvm/gc"
	"github.com/chazu/mvm/immix"
)

var errMailboxClosed = errors.New("mailbox closed")

// mailboxCollectBlocks is the number of blocks a mailbox heap may hold
// once its queue drained before it is collected.
const mailboxCollectBlocks = 4

// ---------------------------------------------------------------------------
// Mailbox
// ---------------------------------------------------------------------------

// Mailbox is the message queue of a process. Messages are deep copied from
// the sender's heap into the mailbox heap on send, and from the mailbox
// heap into the receiver's heap on receive, so no process ever sees
// another process's objects.
type Mailbox struct {
	mu       sync.Mutex
	heap     *immix.Heap
	queue    []immix.Value
	closed   bool
	tracers  int
	recorder gc.Recorder

	delivered   uint64
	collections uint64
}

func newMailbox(heap *immix.Heap, tracers int, recorder gc.Recorder) *Mailbox {
	return &Mailbox{heap: heap, tracers: tracers, recorder: recorder}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Delivered returns the number of messages taken by the receiver.
func (m *Mailbox) Delivered() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered
}

// Collections returns the number of collections of the mailbox heap.
func (m *Mailbox) Collections() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collections
}

// push copies v out of src and queues the copy.
func (m *Mailbox) push(src *immix.Heap, v immix.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errMailboxClosed
	}
	c, triggered, err := immix.CopyGraph(src, v, m.heap)
	if err != nil {
		return err
	}
	m.queue = append(m.queue, c)
	if triggered {
		m.collectLocked()
	}
	return nil
}

// take copies the oldest message into dst and dequeues it. ok is false
// when the queue is empty.
func (m *Mailbox) take(dst *immix.Heap) (v immix.Value, ok, triggeredGC bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return immix.Nil, false, false, nil
	}
	v, triggeredGC, err = immix.CopyGraph(m.heap, m.queue[0], dst)
	if err != nil {
		return immix.Nil, false, false, fmt.Errorf("receive: %w", err)
	}
	m.queue[0] = immix.Nil
	m.queue = m.queue[1:]
	m.delivered++
	if len(m.queue) == 0 && m.heap.BlockCount() > mailboxCollectBlocks {
		m.collectLocked()
	}
	return v, true, triggeredGC, nil
}

// collectLocked collects the mailbox heap with the queued messages as
// roots. Requires m.mu.
func (m *Mailbox) collectLocked() {
	roots := make([]*immix.Value, len(m.queue))
	for i := range m.queue {
		roots[i] = &m.queue[i]
	}
	stats, err := gc.Collect(m.heap, gc.Young, roots, m.tracers)
	if err != nil {
		immix.Fatal(fmt.Errorf("mailbox heap %d: %w", m.heap.ID(), err))
	}
	m.collections++
	if m.recorder != nil {
		if err := m.recorder.RecordCollection(stats); err != nil {
			log.Warningf("record mailbox collection: %v", err)
		}
	}
}

// close drops every queued message and reclaims the mailbox heap.
// Later pushes are discarded.
func (m *Mailbox) close() gc.FinishStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return gc.FinishStats{}
	}
	m.closed = true
	m.queue = nil
	return gc.Finish(m.heap)
}
