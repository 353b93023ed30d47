//go:build darwin

package codebuf

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
)

var (
	icacheOnce          sync.Once
	icacheErr           error
	sysICacheInvalidate func(start uintptr, size uintptr)
)

func loadICacheInvalidate() {
	lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
	if err != nil {
		icacheErr = fmt.Errorf("codebuf: open libSystem: %w", err)
		return
	}
	if _, err := purego.Dlsym(lib, "sys_icache_invalidate"); err != nil {
		icacheErr = fmt.Errorf("codebuf: lookup sys_icache_invalidate: %w", err)
		return
	}
	purego.RegisterLibFunc(&sysICacheInvalidate, lib, "sys_icache_invalidate")
}

func flushICache(addr uintptr, n int) error {
	if runtime.GOARCH != "arm64" || n == 0 {
		return nil
	}
	icacheOnce.Do(loadICacheInvalidate)
	if icacheErr != nil {
		return icacheErr
	}
	sysICacheInvalidate(addr, uintptr(n))
	return nil
}
