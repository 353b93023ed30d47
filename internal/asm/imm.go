package asm

import (
	"fmt"
	"math"
)

// ImmNumBits returns the smallest of 8, 16, 32 and 64 that holds v as a
// two's complement value.
func ImmNumBits(v int64) int {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return 8
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 16
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return 32
	default:
		return 64
	}
}

// UimmNumBits returns the smallest of 8, 16, 32 and 64 that holds v.
func UimmNumBits(v uint64) int {
	switch {
	case v <= math.MaxUint8:
		return 8
	case v <= math.MaxUint16:
		return 16
	case v <= math.MaxUint32:
		return 32
	default:
		return 64
	}
}

// ImmFitsBits reports whether v is representable as a signed integer of the
// given width.
func ImmFitsBits(v int64, bits int) bool {
	if bits <= 0 {
		return false
	}
	if bits >= 64 {
		return true
	}
	min := -(int64(1) << (bits - 1))
	max := (int64(1) << (bits - 1)) - 1
	return v >= min && v <= max
}

// UimmFitsBits reports whether v is representable as an unsigned integer of
// the given width.
func UimmFitsBits(v uint64, bits int) bool {
	if bits <= 0 {
		return false
	}
	if bits >= 64 {
		return true
	}
	return v < uint64(1)<<bits
}

func mask(width int) uint64 {
	if width >= 64 {
		return math.MaxUint64
	}
	return uint64(1)<<width - 1
}

// SignExtend interprets the low width bits of bits as a two's complement
// value.
func SignExtend(bits uint64, width int) int64 {
	if width <= 0 || width >= 64 {
		return int64(bits)
	}
	shift := 64 - width
	return int64(bits<<shift) >> shift
}

// TruncateImm masks v to width bits. Callers are expected to size their
// immediates; losing information is a programming error and panics.
func TruncateImm(v int64, width int) uint64 {
	out := uint64(v) & mask(width)
	if SignExtend(out, width) != v {
		panic(fmt.Sprintf("asm: immediate %d does not fit in %d bits", v, width))
	}
	return out
}

// TruncateUimm masks v to width bits and panics if any set bit is dropped.
func TruncateUimm(v uint64, width int) uint64 {
	out := v & mask(width)
	if out != v {
		panic(fmt.Sprintf("asm: immediate %#x does not fit in %d bits", v, width))
	}
	return out
}
