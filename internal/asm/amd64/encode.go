package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

func operandPrefix(size operandSize) (byte, bool) {
	if size == size16 {
		return 0x66, true
	}
	return 0x00, false
}

// noExt marks a ModRM instruction whose reg field holds a register rather
// than an opcode extension.
const noExt = -1

// rmInst describes one ModRM-encoded instruction before it is laid out.
type rmInst struct {
	size16 bool
	rexW   bool
	reg    Operand // Reg or None
	rm     Operand // Reg, Memory or RIPRel
	ext    int
	opcode []byte
}

func (in rmInst) encode() []byte {
	var regOp Reg
	hasReg := false
	switch r := in.reg.(type) {
	case Reg:
		regOp, hasReg = r, true
	case None, nil:
	default:
		panic(fmt.Sprintf("amd64 asm: ModRM reg operand must be a register, got %v", in.reg))
	}
	if hasReg && in.ext != noExt {
		panic("amd64 asm: opcode extension and register operand both present")
	}

	var (
		rex    = rexState{w: in.rexW}
		mod    byte
		rmBits byte
		sib    []byte
		disp   []byte
	)

	if hasReg {
		rex.r = regOp.id&8 != 0
		rex.force = regOp.rexNeeded()
	}

	switch rm := in.rm.(type) {
	case Reg:
		mod = 3
		rmBits = byte(rm.id & 7)
		rex.b = rm.id&8 != 0
		rex.force = rex.force || rm.rexNeeded()
	case Memory:
		switch rm.dispSize() {
		case 0:
			mod = 0
		case 8:
			mod = 1
			disp = []byte{byte(int8(rm.disp))}
		default:
			mod = 2
			disp = binary.LittleEndian.AppendUint32(nil, uint32(rm.disp))
		}
		rex.b = rm.base&8 != 0
		rex.force = rex.force || rm.rexNeeded()
		if rm.sibNeeded() {
			rmBits = 4
			index := byte(4)
			if rm.hasIndex {
				index = byte(rm.index & 7)
				rex.x = rm.index&8 != 0
			}
			sib = []byte{scaleBits(rm.scale)<<6 | index<<3 | byte(rm.base&7)}
		} else {
			rmBits = byte(rm.base & 7)
		}
	case RIPRel:
		mod = 0
		rmBits = 5
		disp = binary.LittleEndian.AppendUint32(nil, uint32(int32(rm)))
	default:
		panic(fmt.Sprintf("amd64 asm: ModRM r/m operand must be a register or memory, got %v", in.rm))
	}

	reg := byte(0)
	if in.ext != noExt {
		reg = byte(in.ext)
	} else if hasReg {
		reg = byte(regOp.id & 7)
	}

	out := make([]byte, 0, 16)
	if in.size16 {
		out = append(out, 0x66)
	}
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, in.opcode...)
	out = append(out, mod<<6|reg<<3|rmBits)
	out = append(out, sib...)
	out = append(out, disp...)
	return out
}

func scaleBits(scale uint8) byte {
	switch scale {
	case 0, 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		panic(fmt.Sprintf("amd64 asm: invalid index scale %d", scale))
	}
}

// appendImm appends the low bits of v little-endian.
func appendImm(out []byte, v uint64, bits operandSize) []byte {
	switch bits {
	case size8:
		return append(out, byte(v))
	case size16:
		return binary.LittleEndian.AppendUint16(out, uint16(v))
	case size32:
		return binary.LittleEndian.AppendUint32(out, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(out, v)
	}
}

// opcodeReg encodes instructions that carry the register in the low three
// opcode bits (push, pop, mov imm, xchg rax).
func opcodeReg(rexW bool, reg Reg, opcode byte) []byte {
	out := make([]byte, 0, 10)
	if reg.size == size16 {
		out = append(out, 0x66)
	}
	rex := rexState{w: rexW, b: reg.id&8 != 0, force: reg.rexNeeded()}
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	return append(out, opcode|byte(reg.id&7))
}

func invalidOperands(op string, operands ...Operand) string {
	return fmt.Sprintf("amd64 asm: invalid operand combination to %s: %v", op, operands)
}

func immTooWide(op string, v any, bits operandSize) error {
	return fmt.Errorf("amd64 asm: %s: immediate %v does not fit %d bits: %w", op, v, bits, asm.ErrInvalidImmediate)
}

// aluOps lists the opcodes of an add-like instruction with register,
// memory and immediate forms.
type aluOps struct {
	name        string
	memReg8     byte
	memReg      byte
	regMem8     byte
	regMem      byte
	memImm8     byte
	memImmSmall byte
	memImmLarge byte
	ext         int
}

// encodeALU picks the shortest correct form of an add-like instruction.
// Immediates are sign-extended by the processor, so a UImm that only fits
// unsigned must match the operand width exactly.
func encodeALU(ops aluOps, dst, src Operand) ([]byte, error) {
	switch dst.(type) {
	case Reg, Memory:
	default:
		panic(invalidOperands(ops.name, dst, src))
	}
	size := operandBits(dst)
	size16 := size == size16
	rexW := size == size64

	switch src := src.(type) {
	case Reg:
		if src.size != size {
			panic(fmt.Sprintf("amd64 asm: %s operands must be the same size (%v, %v)", ops.name, dst, src))
		}
		if size == size8 {
			return rmInst{reg: src, rm: dst, ext: noExt, opcode: []byte{ops.memReg8}}.encode(), nil
		}
		return rmInst{size16: size16, rexW: rexW, reg: src, rm: dst, ext: noExt, opcode: []byte{ops.memReg}}.encode(), nil

	case Memory, RIPRel:
		reg, ok := dst.(Reg)
		if !ok {
			panic(invalidOperands(ops.name, dst, src))
		}
		if m, isMem := src.(Memory); isMem && m.size != size {
			panic(fmt.Sprintf("amd64 asm: %s operands must be the same size (%v, %v)", ops.name, dst, src))
		}
		if size == size8 {
			return rmInst{reg: reg, rm: src, ext: noExt, opcode: []byte{ops.regMem8}}.encode(), nil
		}
		return rmInst{size16: size16, rexW: rexW, reg: reg, rm: src, ext: noExt, opcode: []byte{ops.regMem}}.encode(), nil

	case Imm:
		if src.bits() > size {
			return nil, immTooWide(ops.name, int64(src), size)
		}
		return encodeALUImm(ops, dst, size, src.bits(), uint64(src))

	case UImm:
		if src.bits() > size {
			return nil, immTooWide(ops.name, uint64(src), size)
		}
		var bits operandSize
		switch {
		case src.bits() == size:
			bits = size
		case uint64(src) > 1<<63-1:
			bits = size64
		default:
			bits = Imm(src).bits()
		}
		return encodeALUImm(ops, dst, size, bits, uint64(src))

	default:
		panic(invalidOperands(ops.name, dst, src))
	}
}

func encodeALUImm(ops aluOps, dst Operand, size, bits operandSize, v uint64) ([]byte, error) {
	if ops.ext == noExt {
		panic(fmt.Sprintf("amd64 asm: %s has no immediate form", ops.name))
	}
	size16 := size == size16
	rexW := size == size64
	switch {
	case bits <= size8:
		var out []byte
		if size == size8 {
			out = rmInst{rm: dst, ext: ops.ext, opcode: []byte{ops.memImm8}}.encode()
		} else {
			out = rmInst{size16: size16, rexW: rexW, rm: dst, ext: ops.ext, opcode: []byte{ops.memImmSmall}}.encode()
		}
		return appendImm(out, v, size8), nil
	case bits <= size32:
		out := rmInst{size16: size16, rexW: rexW, rm: dst, ext: ops.ext, opcode: []byte{ops.memImmLarge}}.encode()
		return appendImm(out, v, min(size, size32)), nil
	default:
		return nil, immTooWide(ops.name, v, size32)
	}
}
