package codebuf

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity is returned when a write does not fit in the remaining
	// space of a code block. Nothing is written and the position does not
	// move.
	ErrCapacity = errors.New("codebuf: out of capacity")
	// ErrOutOfBounds is returned by Memory implementations for accesses
	// outside the reserved region.
	ErrOutOfBounds = errors.New("codebuf: access out of bounds")
	// ErrPageMapping is returned when the page protection of the region could
	// not be changed.
	ErrPageMapping = errors.New("codebuf: failed to change page protection")
)

// Memory is the storage behind a CodeBlock.
type Memory interface {
	// Capacity is the size of the region in bytes.
	Capacity() int
	// Write stores p at off. When any byte of p falls outside the region
	// nothing is written.
	Write(off int, p []byte) error
	// Read copies n bytes starting at off. Bytes never written read as the
	// trap byte.
	Read(off, n int) ([]byte, error)
	// Addr is the absolute address of the byte at off.
	Addr(off int) uintptr
	// MarkExecutable makes everything written so far executable and not
	// writable, after synchronising the instruction cache.
	MarkExecutable() error
	Release() error
}

// heapMemory is a Memory backed by an ordinary Go slice. Its bytes are never
// executable; it is used for tests and for encoding code that will be copied
// elsewhere.
type heapMemory struct {
	data []byte
}

func newHeapMemory(size int, trap byte) *heapMemory {
	data := make([]byte, size)
	if trap != 0 {
		for i := range data {
			data[i] = trap
		}
	}
	return &heapMemory{data: data}
}

func (m *heapMemory) Capacity() int { return len(m.data) }

func (m *heapMemory) Write(off int, p []byte) error {
	if off < 0 || off+len(p) > len(m.data) {
		return fmt.Errorf("write %d bytes at %d of %d: %w", len(p), off, len(m.data), ErrOutOfBounds)
	}
	copy(m.data[off:], p)
	return nil
}

func (m *heapMemory) Read(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(m.data) {
		return nil, fmt.Errorf("read %d bytes at %d of %d: %w", n, off, len(m.data), ErrOutOfBounds)
	}
	return append([]byte(nil), m.data[off:off+n]...), nil
}

func (m *heapMemory) Addr(off int) uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return sliceAddr(m.data) + uintptr(off)
}

func (m *heapMemory) MarkExecutable() error { return nil }

func (m *heapMemory) Release() error {
	m.data = nil
	return nil
}
