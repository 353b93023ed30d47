package arm64

import (
	"github.com/tinyrange/jit/internal/asm"
)

// labelOffset converts the (src, dst) pair handed to a label encoder into an
// offset relative to the start of the 4-byte instruction ending at src.
func labelOffset(src, dst int) (InstructionOffset, error) {
	return OffsetFromBytes(int64(dst - (src - 4)))
}

func branchLabel(buf asm.Buffer, l asm.Label, inst func(InstructionOffset) encoding) error {
	return buf.LabelRef(l, 4, func(buf asm.Buffer, src, dst int) error {
		off, err := labelOffset(src, dst)
		if err != nil {
			return err
		}
		return emit(buf, inst(off))
	})
}

// BLabel branches to l.
func BLabel(buf asm.Buffer, l asm.Label) error {
	return branchLabel(buf, l, func(off InstructionOffset) encoding {
		return branchImm{offset: off}
	})
}

// BlLabel calls l.
func BlLabel(buf asm.Buffer, l asm.Label) error {
	return branchLabel(buf, l, func(off InstructionOffset) encoding {
		return branchImm{link: true, offset: off}
	})
}

// BCondLabel branches to l when cond holds.
func BCondLabel(buf asm.Buffer, cond Condition, l asm.Label) error {
	return branchLabel(buf, l, func(off InstructionOffset) encoding {
		return branchCond{cond: cond, offset: off}
	})
}

// CbzLabel branches to l when rt is zero.
func CbzLabel(buf asm.Buffer, rt Reg, l asm.Label) error {
	sf := sizeFlag(rt.size)
	return branchLabel(buf, l, func(off InstructionOffset) encoding {
		return compareBranch{sf: sf, offset: off, rt: rt.id}
	})
}

// CbnzLabel branches to l when rt is not zero.
func CbnzLabel(buf asm.Buffer, rt Reg, l asm.Label) error {
	sf := sizeFlag(rt.size)
	return branchLabel(buf, l, func(off InstructionOffset) encoding {
		return compareBranch{sf: sf, nonZero: true, offset: off, rt: rt.id}
	})
}

// AdrLabel loads the address of l into rd.
func AdrLabel(buf asm.Buffer, rd Reg, l asm.Label) error {
	if rd.size != size64 {
		panic(invalidOperands("adr", rd))
	}
	return buf.LabelRef(l, 4, func(buf asm.Buffer, src, dst int) error {
		return Adr(buf, rd, int64(dst-(src-4)))
	})
}
