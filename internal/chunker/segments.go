// Package chunker splits a requested byte range into the fixed-size,
// block-aligned chunks that CacheCore hands out one Segment per chunk for.
package chunker

import "fmt"

// Plan describes a byte range to be split into block-aligned chunks.
type Plan struct {
	offset    int64
	blockSize int
	end       int64
}

// Chunk is one block-aligned piece of a Plan.
type Chunk struct {
	// BlockStart is the aligned start of the block this chunk belongs to.
	BlockStart int64
	// Offset is the offset within the block where this chunk's data starts.
	Offset int64
	// Count is the number of bytes in this chunk.
	Count int
}

// NewPlan creates a Plan covering [offset, offset+count) of a file of the given
// total size, split into blocks of blockSize bytes. blockSize must be a power of two.
func NewPlan(offset int64, blockSize int, count int64, size int64) (Plan, error) {
	if blockSize <= 0 || (blockSize&(blockSize-1)) != 0 {
		return Plan{}, fmt.Errorf("block size must be a power of 2, got %d", blockSize)
	}
	return Plan{offset: offset, blockSize: blockSize, end: Min64(offset+count, size)}, nil
}

// AlignDown rounds x down to the nearest multiple of align.
// AlignDown(1, 2) = 0
// AlignDown(29, 14) = 28
func AlignDown(x int64, align int64) int64 {
	return x / align * align
}

// Chunks streams every chunk of the plan, in ascending offset order.
func (p Plan) Chunks() chan Chunk {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		step := int64(p.blockSize)
		for block := AlignDown(p.offset, step); block < p.end; block += step {
			start := Max64(block, p.offset)
			c := Chunk{BlockStart: block, Offset: start - block}
			c.Count = int(Min64(block+step, p.end) - start)
			if c.Count > 0 {
				ch <- c
			}
		}
	}()
	return ch
}
