//go:build linux || darwin

package jit

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Call runs the unit with integer arguments in the platform's argument
// registers and returns the integer result register.
func (c *Code) Call(args ...uintptr) (uintptr, error) {
	r := c.rt
	r.mu.Lock()
	live := r.cb != nil
	r.mu.Unlock()

	if !live {
		return 0, ErrNotInitialized
	}
	if !r.executable {
		return 0, ErrNotExecutable
	}
	if n := len(r.enc.ArgumentRegisters()); len(args) > n {
		return 0, fmt.Errorf("jit: %s takes at most %d arguments, got %d", c.Name, n, len(args))
	}
	ret, _, _ := purego.SyscallN(c.Entry, args...)
	return ret, nil
}
