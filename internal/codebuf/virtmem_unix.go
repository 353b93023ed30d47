//go:build linux || darwin

package codebuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type pageState uint8

const (
	pageReserved pageState = iota
	pageWritable
	pageExecutable
)

// VirtualMem reserves a fixed range of address space up front and commits
// pages lazily as they are first written. Pages are either writable or
// executable, never both; writing to an executable page flips it back to
// writable until the next MarkExecutable.
type VirtualMem struct {
	region   []byte
	pageSize int
	pages    []pageState
	trap     byte
}

// NewVirtualMem reserves size bytes, rounded up to the page size. Fresh pages
// are filled with trap.
func NewVirtualMem(size int, trap byte) (*VirtualMem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("codebuf: invalid region size %d", size)
	}
	pageSize := unix.Getpagesize()
	size = alignUp(size, pageSize)

	region, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codebuf: reserve %d bytes: %w", size, err)
	}

	return &VirtualMem{
		region:   region,
		pageSize: pageSize,
		pages:    make([]pageState, size/pageSize),
		trap:     trap,
	}, nil
}

func (m *VirtualMem) Capacity() int { return len(m.region) }

func (m *VirtualMem) PageSize() int { return m.pageSize }

func (m *VirtualMem) Addr(off int) uintptr {
	return sliceAddr(m.region) + uintptr(off)
}

func (m *VirtualMem) page(idx int) []byte {
	start := idx * m.pageSize
	return m.region[start : start+m.pageSize]
}

func (m *VirtualMem) makeWritable(first, last int) error {
	for idx := first; idx <= last; idx++ {
		state := m.pages[idx]
		if state == pageWritable {
			continue
		}
		page := m.page(idx)
		if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("page %d: %w: %w", idx, ErrPageMapping, err)
		}
		if state == pageReserved && m.trap != 0 {
			for i := range page {
				page[i] = m.trap
			}
		}
		m.pages[idx] = pageWritable
	}
	return nil
}

func (m *VirtualMem) Write(off int, p []byte) error {
	if off < 0 || off+len(p) > len(m.region) {
		return fmt.Errorf("write %d bytes at %d of %d: %w", len(p), off, len(m.region), ErrOutOfBounds)
	}
	if len(p) == 0 {
		return nil
	}
	if err := m.makeWritable(off/m.pageSize, (off+len(p)-1)/m.pageSize); err != nil {
		return err
	}
	copy(m.region[off:], p)
	return nil
}

func (m *VirtualMem) Read(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(m.region) {
		return nil, fmt.Errorf("read %d bytes at %d of %d: %w", n, off, len(m.region), ErrOutOfBounds)
	}
	out := make([]byte, n)
	for i := range out {
		pos := off + i
		if m.pages[pos/m.pageSize] == pageReserved {
			out[i] = m.trap
			continue
		}
		out[i] = m.region[pos]
	}
	return out, nil
}

// MarkExecutable flushes the instruction cache over every writable page and
// then maps those pages read+execute.
func (m *VirtualMem) MarkExecutable() error {
	for idx := 0; idx < len(m.pages); {
		if m.pages[idx] != pageWritable {
			idx++
			continue
		}
		end := idx
		for end < len(m.pages) && m.pages[end] == pageWritable {
			end++
		}
		run := m.region[idx*m.pageSize : end*m.pageSize]
		if err := flushICache(m.Addr(idx*m.pageSize), len(run)); err != nil {
			return err
		}
		if err := unix.Mprotect(run, unix.PROT_READ|unix.PROT_EXEC); err != nil {
			return fmt.Errorf("pages %d-%d: %w: %w", idx, end-1, ErrPageMapping, err)
		}
		for i := idx; i < end; i++ {
			m.pages[i] = pageExecutable
		}
		idx = end
	}
	return nil
}

// FreePages returns the whole pages inside [start, end) to the operating
// system. They read as trap bytes again and are recommitted when written.
func (m *VirtualMem) FreePages(start, end int) error {
	if start < 0 || end > len(m.region) || start > end {
		return fmt.Errorf("free [%d, %d) of %d: %w", start, end, len(m.region), ErrOutOfBounds)
	}
	first := alignUp(start, m.pageSize) / m.pageSize
	last := end / m.pageSize
	if first >= last {
		return nil
	}
	span := m.region[first*m.pageSize : last*m.pageSize]
	if err := unix.Madvise(span, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("codebuf: release pages %d-%d: %w", first, last-1, err)
	}
	if err := unix.Mprotect(span, unix.PROT_NONE); err != nil {
		return fmt.Errorf("pages %d-%d: %w: %w", first, last-1, ErrPageMapping, err)
	}
	for i := first; i < last; i++ {
		m.pages[i] = pageReserved
	}
	return nil
}

func (m *VirtualMem) Release() error {
	if m.region == nil {
		return nil
	}
	err := unix.Munmap(m.region)
	m.region = nil
	m.pages = nil
	return err
}
