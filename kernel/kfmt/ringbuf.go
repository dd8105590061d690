package kfmt

import "io"

// ringBufferSize is the capacity of the early output buffer. It is large
// enough to hold the physical memory manager's boot report on a machine with
// a fragmented memory map and must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer stores Printf output produced before a console is attached.
// When full, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write appends p to the buffer, dropping the oldest data if needed.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.wIndex == rb.rIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once the buffer has
// been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Read the contiguous chunk up to the write index or, if the data
	// wraps around, up to the end of the backing array.
	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = ringBufferSize
	}

	n := copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
