package arm64

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/tinyrange/jit/internal/asm"
)

// ShiftedImmediate is the 12-bit immediate of the add/sub immediate forms,
// optionally shifted left by 12.
type ShiftedImmediate struct {
	value   uint16
	shift12 bool
}

// NewShiftedImmediate returns the unshifted encoding when v fits in 12 bits,
// otherwise the shifted one when v is a multiple of 4096 whose quotient fits.
func NewShiftedImmediate(v uint64) (ShiftedImmediate, error) {
	if v <= 0xfff {
		return ShiftedImmediate{value: uint16(v)}, nil
	}
	if v&0xfff == 0 && v>>12 <= 0xfff {
		return ShiftedImmediate{value: uint16(v >> 12), shift12: true}, nil
	}
	return ShiftedImmediate{}, fmt.Errorf("arm64 asm: %#x as shifted 12-bit immediate: %w", v, asm.ErrUnencodable)
}

// Value returns the immediate the encoding represents.
func (s ShiftedImmediate) Value() uint64 {
	if s.shift12 {
		return uint64(s.value) << 12
	}
	return uint64(s.value)
}

func (s ShiftedImmediate) encode() uint32 {
	var sh uint32
	if s.shift12 {
		sh = 1
	}
	return sh<<12 | uint32(s.value)
}

// BitmaskImmediate is the N:immr:imms triple of the logical immediate forms.
// It represents a run of ones, rotated right by immr inside an element of
// 2, 4, 8, 16, 32 or 64 bits, with the element repeated across the register.
type BitmaskImmediate struct {
	n    uint8
	immr uint8
	imms uint8
}

func isMask(v uint64) bool {
	return v == math.MaxUint64 || (v+1)&v == 0
}

func isShiftedMask(v uint64) bool {
	return isMask((v - 1) | v)
}

// NewBitmaskImmediate finds the encoding of a 64-bit pattern. Zero and all
// ones have no encoding.
func NewBitmaskImmediate(value uint64) (BitmaskImmediate, error) {
	if value == 0 || value == math.MaxUint64 {
		return BitmaskImmediate{}, fmt.Errorf("arm64 asm: %#x as bitmask immediate: %w", value, asm.ErrUnencodable)
	}

	imm := value
	size := uint(64)

	// Narrow the element while both halves agree.
	for {
		size >>= 1
		m := uint64(1)<<size - 1
		if imm&m != (imm>>size)&m {
			size <<= 1
			break
		}
		if size <= 2 {
			break
		}
	}

	m := uint64(math.MaxUint64) >> (64 - size)
	imm &= m

	var trailingOnes, leftRotations uint
	if isShiftedMask(imm) {
		leftRotations = uint(bits.TrailingZeros64(imm))
		trailingOnes = uint(bits.TrailingZeros64(^(imm >> leftRotations)))
	} else {
		imm |= ^m
		if !isShiftedMask(^imm) {
			return BitmaskImmediate{}, fmt.Errorf("arm64 asm: %#x as bitmask immediate: %w", value, asm.ErrUnencodable)
		}
		leadingOnes := uint(bits.LeadingZeros64(^imm))
		leftRotations = 64 - leadingOnes
		trailingOnes = leadingOnes + uint(bits.TrailingZeros64(^imm)) - (64 - size)
	}

	immr := (size - leftRotations) & (size - 1)

	// imms holds the element size as a prefix of ones, a zero, and then the
	// number of ones minus one.
	imms := (^(size - 1) << 1) | (trailingOnes - 1)
	n := ((imms >> 6) & 1) ^ 1

	return BitmaskImmediate{
		n:    uint8(n),
		immr: uint8(immr & 0x3f),
		imms: uint8(imms & 0x3f),
	}, nil
}

// NewBitmaskImmediate32 finds the encoding of a pattern for a 32-bit
// register. Only element sizes up to 32 bits are usable there.
func NewBitmaskImmediate32(value uint32) (BitmaskImmediate, error) {
	if value == math.MaxUint32 {
		return BitmaskImmediate{}, fmt.Errorf("arm64 asm: %#x as 32-bit bitmask immediate: %w", value, asm.ErrUnencodable)
	}
	b, err := NewBitmaskImmediate(uint64(value)<<32 | uint64(value))
	if err != nil {
		return BitmaskImmediate{}, err
	}
	if b.n != 0 {
		return BitmaskImmediate{}, fmt.Errorf("arm64 asm: %#x as 32-bit bitmask immediate: %w", value, asm.ErrUnencodable)
	}
	return b, nil
}

// Encode packs the triple into the 13-bit N:immr:imms field.
func (b BitmaskImmediate) Encode() uint32 {
	return uint32(b.n&1)<<12 | uint32(b.immr)<<6 | uint32(b.imms)
}

// Decode expands the triple back to the width-bit pattern it denotes.
func (b BitmaskImmediate) Decode(width int) uint64 {
	combined := uint32(b.n&1)<<6 | uint32(^b.imms&0x3f)
	if combined == 0 {
		// reserved
		return 0
	}
	esize := uint(1) << (bits.Len32(combined) - 1)
	levels := uint64(esize - 1)
	s := uint(uint64(b.imms) & levels)
	r := uint(uint64(b.immr) & levels)

	elem := uint64(math.MaxUint64) >> (64 - (s + 1))
	if r != 0 {
		elem = (elem>>r | elem<<(esize-r)) & (uint64(math.MaxUint64) >> (64 - esize))
	}

	var out uint64
	for i := uint(0); i < uint(width); i += esize {
		out |= elem << i
	}
	return out
}

func (b BitmaskImmediate) String() string {
	return fmt.Sprintf("bitmask(n=%d, immr=%d, imms=%#b)", b.n, b.immr, b.imms)
}

// InstructionOffset counts 4-byte instructions relative to the instruction
// that uses it.
type InstructionOffset int32

func OffsetFromInstructions(n int32) InstructionOffset { return InstructionOffset(n) }

// OffsetFromBytes converts a byte distance, which must be a multiple of 4.
func OffsetFromBytes(n int64) (InstructionOffset, error) {
	if n%4 != 0 {
		return 0, fmt.Errorf("arm64 asm: byte offset %d is not a multiple of 4", n)
	}
	if n/4 < math.MinInt32 || n/4 > math.MaxInt32 {
		return 0, fmt.Errorf("arm64 asm: byte offset %d: %w", n, asm.ErrInvalidImmediate)
	}
	return InstructionOffset(n / 4), nil
}

// Bytes returns the offset in bytes.
func (o InstructionOffset) Bytes() int64 {
	return int64(o) * 4
}
