package immix

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// ---------------------------------------------------------------------------
// BlockPool: global source of blocks
// ---------------------------------------------------------------------------

// shrinkRatio is the capacity/length ratio of the free list above which
// Add releases the list's spare backing storage.
const shrinkRatio = 4

// minShrinkCapacity keeps small free lists from being reallocated over and over.
const minShrinkCapacity = 16

// BlockPool hands out blocks to heaps and takes empty blocks back. A single
// mutex guards the free list; block requests are rare compared to bump
// allocations. Blocks are never unmapped while the pool is alive, so the
// id index is append-only and read without locking.
type BlockPool struct {
	mu   sync.Mutex
	free []*Block

	index atomic.Pointer[[]*Block] // block id - 1 -> block

	mapped atomic.Int64
	reused atomic.Int64
}

// NewBlockPool creates an empty pool.
func NewBlockPool() *BlockPool {
	p := &BlockPool{}
	empty := make([]*Block, 0)
	p.index.Store(&empty)
	return p
}

// Request returns a block for a heap. fresh is true when the block had to
// be mapped from the OS rather than reused from the pool. Failing to map
// memory is fatal.
func (p *BlockPool) Request() (b *Block, fresh bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.reused.Add(1)
		return b, false
	}
	return p.mapBlock(), true
}

// mapBlock maps a new block and records it in the index. Requires p.mu.
func (p *BlockPool) mapBlock() *Block {
	mem, err := mapMemory(BlockSize)
	if err != nil {
		Fatal(fmt.Errorf("%w: mapping %s block: %v", ErrOutOfMemory, humanize.IBytes(BlockSize), err))
	}

	old := *p.index.Load()
	index := make([]*Block, len(old), len(old)+1)
	copy(index, old)
	b := newBlock(uint32(len(old)+1), mem)
	index = append(index, b)
	p.index.Store(&index)

	n := p.mapped.Add(1)
	if n%256 == 0 {
		log.Debugf("block pool mapped %s", humanize.IBytes(uint64(n)*BlockSize))
	}
	return b
}

// Add returns an empty block to the pool.
func (p *BlockPool) Add(b *Block) {
	b.reset()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, b)
	p.shrink()
}

// shrink reallocates the free list when most of its capacity is unused.
// Requires p.mu.
func (p *BlockPool) shrink() {
	n := len(p.free)
	if cap(p.free) < minShrinkCapacity || n == 0 || cap(p.free)/n < shrinkRatio {
		return
	}
	free := make([]*Block, n, n*2)
	copy(free, p.free)
	p.free = free
}

// Preallocate maps n blocks up front so that the first requests do not
// pay for the mapping.
func (p *BlockPool) Preallocate(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.free = append(p.free, p.mapBlock())
	}
	if n > 0 {
		log.Infof("preallocated %d blocks (%s)", n, humanize.IBytes(uint64(n)*BlockSize))
	}
}

// Lookup returns the block with the given id, or nil.
func (p *BlockPool) Lookup(id uint32) *Block {
	index := *p.index.Load()
	if id == 0 || int(id) > len(index) {
		return nil
	}
	return index[id-1]
}

// Len returns the number of blocks waiting in the pool.
func (p *BlockPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity returns the capacity of the free list's backing storage.
func (p *BlockPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cap(p.free)
}

// Mapped returns the number of blocks ever mapped from the OS.
func (p *BlockPool) Mapped() int { return int(p.mapped.Load()) }

// Reused returns the number of requests served from the free list.
func (p *BlockPool) Reused() int { return int(p.reused.Load()) }

// Close unmaps every block. Heaps using the pool must be dropped first.
func (p *BlockPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, b := range *p.index.Load() {
		if err := unmapMemory(b.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		b.mem = nil
	}
	empty := make([]*Block, 0)
	p.index.Store(&empty)
	p.free = nil
	return firstErr
}
