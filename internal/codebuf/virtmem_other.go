//go:build !linux && !darwin

package codebuf

import (
	"errors"
	"runtime"
)

// VirtualMem is only implemented on Linux and macOS.
type VirtualMem struct {
	heapMemory
}

func NewVirtualMem(size int, trap byte) (*VirtualMem, error) {
	return nil, errors.New("codebuf: executable memory is not supported on " + runtime.GOOS)
}

func (m *VirtualMem) PageSize() int { return 4096 }

func (m *VirtualMem) FreePages(start, end int) error { return nil }
