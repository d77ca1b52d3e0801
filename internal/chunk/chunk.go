// Package chunk partitions a byte range into contiguous sub-ranges for
// parallel transfer.
package chunk

import (
	"errors"
	"fmt"
)

// ErrEmptyTransfer is returned when asked to partition zero bytes.
var ErrEmptyTransfer = errors.New("empty transfer: nothing to partition")

// Chunk is an inclusive byte range [Start, End] of a transfer.
type Chunk struct {
	Index   int
	Start   int64
	End     int64
	Attempt int
}

// Len returns the number of bytes covered by the chunk.
func (c Chunk) Len() int64 {
	return c.End - c.Start + 1
}

// RangeHeader formats the chunk as an HTTP Range header value.
func (c Chunk) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", c.Start, c.End)
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d [%d-%d]", c.Index, c.Start, c.End)
}

// Split divides [0, size) into workers contiguous chunks. Every chunk but the
// last has size/workers bytes; the last absorbs the remainder. The worker
// count is clamped so no chunk is empty.
func Split(size int64, workers int) ([]Chunk, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid transfer size %d", size)
	}
	if size == 0 {
		return nil, ErrEmptyTransfer
	}
	if workers < 1 {
		workers = 1
	}
	if int64(workers) > size {
		workers = int(size)
	}

	nominal := size / int64(workers)
	chunks := make([]Chunk, workers)
	for i := range chunks {
		start := int64(i) * nominal
		end := start + nominal - 1
		if i == workers-1 {
			end = size - 1
		}
		chunks[i] = Chunk{Index: i, Start: start, End: end}
	}
	return chunks, nil
}

// Blocks divides [0, size) into fixed blockSize blocks. The last block may be
// shorter than the rest.
func Blocks(size, blockSize int64) ([]Chunk, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid transfer size %d", size)
	}
	if size == 0 {
		return nil, ErrEmptyTransfer
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}

	count := BlockCount(size, blockSize)
	blocks := make([]Chunk, count)
	for i := range blocks {
		start := int64(i) * blockSize
		end := start + blockSize - 1
		if end >= size {
			end = size - 1
		}
		blocks[i] = Chunk{Index: i, Start: start, End: end}
	}
	return blocks, nil
}

// BlockCount returns ceil(size / blockSize).
func BlockCount(size, blockSize int64) int64 {
	if size <= 0 || blockSize <= 0 {
		return 0
	}
	return (size + blockSize - 1) / blockSize
}
