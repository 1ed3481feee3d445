package firmware

import (
	"errors"
	"sync"
)

// ErrFifoEmpty is returned by ReadByte when nothing is buffered
var ErrFifoEmpty = errors.New("fifo empty")

// FifoBuffer is a circular byte buffer between the USB reader goroutine and
// the trigger loop. Safe for one writer and one reader.
type FifoBuffer struct {
	mu      sync.Mutex
	buf     []byte
	read    int
	write   int
	size    int
	dropped uint32
}

// NewFifoBuffer creates a FifoBuffer holding up to capacity-1 bytes
func NewFifoBuffer(capacity int) *FifoBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &FifoBuffer{
		buf:  make([]byte, capacity),
		size: capacity,
	}
}

// Write appends data and returns how many bytes fit. Overflow is counted in Dropped.
func (f *FifoBuffer) Write(data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	written := 0
	for _, b := range data {
		next := (f.write + 1) % f.size
		if next == f.read {
			// Full: newest input is dropped, a trigger key is resent by the host anyway
			f.dropped += uint32(len(data) - written)
			break
		}
		f.buf[f.write] = b
		f.write = next
		written++
	}
	return written
}

// ReadByte pops the oldest byte
func (f *FifoBuffer) ReadByte() (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.read == f.write {
		return 0, ErrFifoEmpty
	}
	b := f.buf[f.read]
	f.read = (f.read + 1) % f.size
	return b, nil
}

// Read pops up to len(data) bytes
func (f *FifoBuffer) Read(data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for n < len(data) && f.read != f.write {
		data[n] = f.buf[f.read]
		f.read = (f.read + 1) % f.size
		n++
	}
	return n
}

// Buffered returns the number of bytes ready to read
func (f *FifoBuffer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available()
}

// Dropped returns how many bytes were discarded because the buffer was full
func (f *FifoBuffer) Dropped() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Reset clears the buffer
func (f *FifoBuffer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = 0
	f.write = 0
}

func (f *FifoBuffer) available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return f.size - f.read + f.write
}
