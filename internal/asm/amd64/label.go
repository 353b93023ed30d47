package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/asm"
)

func rel32(src, dst int) uint64 {
	rel := int64(dst - src)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		panic(fmt.Sprintf("amd64 asm: label displacement %d out of rel32 range", rel))
	}
	return uint64(rel)
}

// JmpLabel jumps to l with a 32-bit displacement.
func JmpLabel(buf asm.Buffer, l asm.Label) error {
	return buf.LabelRef(l, 5, func(buf asm.Buffer, src, dst int) error {
		return buf.WriteBytes(appendImm([]byte{0xe9}, rel32(src, dst), size32))
	})
}

// CallLabel calls l with a 32-bit displacement.
func CallLabel(buf asm.Buffer, l asm.Label) error {
	return buf.LabelRef(l, 5, func(buf asm.Buffer, src, dst int) error {
		return buf.WriteBytes(appendImm([]byte{0xe8}, rel32(src, dst), size32))
	})
}

// JccLabel jumps to l when cond holds. The displacement is always 32 bits.
func JccLabel(buf asm.Buffer, cond Condition, l asm.Label) error {
	return buf.LabelRef(l, 6, func(buf asm.Buffer, src, dst int) error {
		return buf.WriteBytes(appendImm([]byte{0x0f, 0x80 | byte(cond&0xf)}, rel32(src, dst), size32))
	})
}

// LeaLabel loads the address of l into dst.
func LeaLabel(buf asm.Buffer, dst Reg, l asm.Label) error {
	if dst.size != size64 {
		panic(invalidOperands("lea", dst))
	}
	size := len(rmInst{rexW: true, reg: dst, rm: RIPRel(0), ext: noExt, opcode: []byte{0x8d}}.encode())
	return buf.LabelRef(l, size, func(buf asm.Buffer, src, target int) error {
		return Lea(buf, dst, RIPRel(int32(rel32(src, target))))
	})
}
