package sched

import "sync"

// queue is a lock-protected FIFO owned by one worker. The owner takes from
// the front; thieves take from the back.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

func (q *queue[T]) pushAll(items []T) {
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// stealHalf removes the back half (rounded up) of the queue.
func (q *queue[T]) stealHalf() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil
	}
	k := (n + 1) / 2
	stolen := make([]T, k)
	copy(stolen, q.items[n-k:])
	clear(q.items[n-k:])
	q.items = q.items[:n-k]
	return stolen
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
