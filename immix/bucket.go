package immix

// ---------------------------------------------------------------------------
// Bucket: the blocks of one generation
// ---------------------------------------------------------------------------

// Bucket holds the blocks of one generation and the index of the block
// currently used for bump allocation.
type Bucket struct {
	gen     Generation
	blocks  []*Block
	current int
}

// Generation returns the generation served by the bucket.
func (bk *Bucket) Generation() Generation { return bk.gen }

// Blocks returns the bucket's blocks.
func (bk *Bucket) Blocks() []*Block { return bk.blocks }

// Len returns the number of blocks in the bucket.
func (bk *Bucket) Len() int { return len(bk.blocks) }

// allocate reserves size bytes in the first block, starting at the cursor,
// that has a large enough hole.
func (bk *Bucket) allocate(size int) (*Block, int, bool) {
	for bk.current < len(bk.blocks) {
		b := bk.blocks[bk.current]
		if off, ok := b.allocate(size); ok {
			return b, off, true
		}
		bk.current++
	}
	return nil, 0, false
}

// add appends a block and makes it the allocation target.
func (bk *Bucket) add(b *Block) {
	b.gen = bk.gen
	bk.blocks = append(bk.blocks, b)
	bk.current = len(bk.blocks) - 1
}

// rewind moves the cursor back to the first block.
func (bk *Bucket) rewind() {
	bk.current = 0
}

// take removes and returns every block.
func (bk *Bucket) take() []*Block {
	blocks := bk.blocks
	bk.blocks = nil
	bk.current = 0
	return blocks
}
