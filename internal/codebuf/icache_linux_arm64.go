//go:build linux && arm64

package codebuf

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/jit/internal/asm/arm64"
)

// The architecture guarantees cache lines of at least 16 bytes, so stepping
// by 16 touches every line regardless of what CTR_EL0 reports.
const icacheStride = 16

var (
	icacheOnce  sync.Once
	icacheErr   error
	icacheFlush uintptr
)

// emitFlushRoutine writes func(start, end uintptr) which cleans the data
// cache and invalidates the instruction cache over [start, end).
func emitFlushRoutine(cb *CodeBlock) error {
	start, end, cur := arm64.Reg64(arm64.X0), arm64.Reg64(arm64.X1), arm64.Reg64(arm64.X2)
	mask := arm64.UImm(^uint64(icacheStride - 1))

	dcLoop := cb.NewLabel("dc_loop")
	icLoop := cb.NewLabel("ic_loop")

	steps := []func() error{
		func() error { return arm64.And(cb, cur, start, mask) },
		func() error { cb.WriteLabel(dcLoop); return nil },
		func() error { return arm64.DcCvau(cb, cur) },
		func() error { return arm64.Add(cb, cur, cur, arm64.UImm(icacheStride)) },
		func() error { return arm64.Cmp(cb, cur, end) },
		func() error { return arm64.BCondLabel(cb, arm64.CondLO, dcLoop) },
		func() error { return arm64.DsbISH(cb) },
		func() error { return arm64.And(cb, cur, start, mask) },
		func() error { cb.WriteLabel(icLoop); return nil },
		func() error { return arm64.IcIvau(cb, cur) },
		func() error { return arm64.Add(cb, cur, cur, arm64.UImm(icacheStride)) },
		func() error { return arm64.Cmp(cb, cur, end) },
		func() error { return arm64.BCondLabel(cb, arm64.CondLO, icLoop) },
		func() error { return arm64.DsbISH(cb) },
		func() error { return arm64.Isb(cb) },
		func() error { return arm64.Ret(cb, arm64.None{}) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return cb.LinkLabels()
}

func loadICacheFlush() {
	cb := NewDummy(256, arm64.Encoder{})
	if err := emitFlushRoutine(cb); err != nil {
		icacheErr = fmt.Errorf("codebuf: emit cache flush routine: %w", err)
		return
	}

	page, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		icacheErr = fmt.Errorf("codebuf: map cache flush routine: %w", err)
		return
	}
	copy(page, cb.Bytes())
	// mprotect(PROT_EXEC) installs the PTE through set_pte_at, whose
	// __sync_icache_dcache cleans a page not yet flagged PG_dcache_clean, as
	// this freshly mapped anonymous page is.
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(page)
		icacheErr = fmt.Errorf("codebuf: protect cache flush routine: %w", err)
		return
	}
	icacheFlush = sliceAddr(page)
}

func flushICache(addr uintptr, n int) error {
	if n == 0 {
		return nil
	}
	icacheOnce.Do(loadICacheFlush)
	if icacheErr != nil {
		return icacheErr
	}
	purego.SyscallN(icacheFlush, addr, addr+uintptr(n))
	return nil
}
