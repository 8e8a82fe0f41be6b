package immix

import (
	"errors"
	"sync"
)

// ErrIDsExhausted is returned when every id in the range is in use.
var ErrIDsExhausted = errors.New("id space exhausted")

// ---------------------------------------------------------------------------
// IDAllocator: reusable small integer ids
// ---------------------------------------------------------------------------

// IDAllocator hands out ids in [first, limit]. Released ids are reused
// before new ones are minted.
type IDAllocator struct {
	mu       sync.Mutex
	next     uint32
	limit    uint32
	released []uint32
}

// NewIDAllocator creates an allocator for ids in [first, limit].
func NewIDAllocator(first, limit uint32) *IDAllocator {
	return &IDAllocator{next: first, limit: limit}
}

// Next returns an unused id.
func (a *IDAllocator) Next() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.released); n > 0 {
		id := a.released[n-1]
		a.released = a.released[:n-1]
		return id, nil
	}
	if a.next > a.limit {
		return 0, ErrIDsExhausted
	}
	id := a.next
	a.next++
	return id, nil
}

// Release makes id available again.
func (a *IDAllocator) Release(id uint32) {
	a.mu.Lock()
	a.released = append(a.released, id)
	a.mu.Unlock()
}
