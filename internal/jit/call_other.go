//go:build !linux && !darwin

package jit

// Call is only supported on Linux and macOS.
func (c *Code) Call(args ...uintptr) (uintptr, error) {
	return 0, ErrNotExecutable
}
