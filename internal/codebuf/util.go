package codebuf

import "unsafe"

func alignUp(v, n int) int {
	if n <= 0 {
		return v
	}
	return (v + n - 1) / n * n
}

func sliceAddr(p []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p)))
}
