package amd64

import (
	"math"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/ir"
)

// split adapts the unit to two-operand x86 instructions: the first operand
// of an arithmetic instruction becomes its output, so it must be a register
// that dies there. At most one operand may be in memory and immediates are
// limited to 32 bits.
func split(a *ir.Assembler) *ir.Assembler {
	return a.ForwardPass(func(p *ir.SplitPass, insn ir.Insn) {
		// Only Load records where a heap value sits in the code.
		if insn.Op != ir.OpLoad {
			for i, o := range insn.Opnds {
				if v, ok := o.(ir.Value); ok {
					if v.Heap {
						insn.Opnds[i] = p.Load(v)
					} else {
						insn.Opnds[i] = ir.UImm(v.Word)
					}
				}
			}
		}

		bits := sizedBits(insn.Opnds)
		switch insn.Op {
		case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
			left, right := insn.Opnds[0], insn.Opnds[1]
			right = fitImmediate(p, right, bits)
			if isMem(left) && isMem(right) {
				right = load(p, right, bits)
			}
			if clobbered(p, left) {
				left = load(p, left, bits)
			}
			insn.Opnds = []ir.Opnd{left, right}

		case ir.OpCmp, ir.OpTest:
			left, right := insn.Opnds[0], insn.Opnds[1]
			right = fitImmediate(p, right, bits)
			if isMem(left) && isMem(right) {
				right = load(p, right, bits)
			}
			if isImm(left) {
				left = load(p, left, bits)
			}
			insn.Opnds = []ir.Opnd{left, right}

		case ir.OpNot:
			if clobbered(p, insn.Opnds[0]) {
				insn.Opnds[0] = load(p, insn.Opnds[0], bits)
			}

		case ir.OpLShift, ir.OpRShift, ir.OpURShift:
			if clobbered(p, insn.Opnds[0]) {
				insn.Opnds[0] = load(p, insn.Opnds[0], bits)
			}
			switch s := insn.Opnds[1].(type) {
			case ir.UImm, ir.Reg, ir.Out:
			case ir.Imm:
				if s >= 0 {
					insn.Opnds[1] = ir.UImm(s)
				} else {
					insn.Opnds[1] = load(p, s, bits)
				}
			default:
				insn.Opnds[1] = load(p, s, bits)
			}

		case ir.OpCSelZ, ir.OpCSelNZ, ir.OpCSelE, ir.OpCSelNE,
			ir.OpCSelL, ir.OpCSelLE, ir.OpCSelG, ir.OpCSelGE:
			for i, o := range insn.Opnds {
				if !isReg(o) {
					insn.Opnds[i] = load(p, o, bits)
				}
			}

		case ir.OpStore, ir.OpMov:
			dst, src := insn.Opnds[0], insn.Opnds[1]
			if isMem(dst) {
				src = fitImmediate(p, src, bits)
				if isMem(src) {
					src = load(p, src, bits)
				}
			}
			insn.Opnds = []ir.Opnd{dst, src}

		case ir.OpIncrCounter:
			insn.Opnds[1] = fitImmediate(p, insn.Opnds[1], bits)

		case ir.OpCPush, ir.OpJmpOpnd:
			if isImm(insn.Opnds[0]) {
				insn.Opnds[0] = load(p, insn.Opnds[0], bits)
			}
		}
		p.PushInsn(insn)
	})
}

func sizedBits(opnds []ir.Opnd) uint8 {
	for _, o := range opnds {
		switch o := o.(type) {
		case ir.Reg:
			return o.Bits
		case ir.Out:
			return o.Bits
		case ir.Mem:
			return o.Bits
		}
	}
	return 64
}

func isReg(o ir.Opnd) bool {
	switch o.(type) {
	case ir.Reg, ir.Out:
		return true
	default:
		return false
	}
}

func isMem(o ir.Opnd) bool {
	_, ok := o.(ir.Mem)
	return ok
}

func isImm(o ir.Opnd) bool {
	switch o.(type) {
	case ir.Imm, ir.UImm:
		return true
	default:
		return false
	}
}

// clobbered reports whether o must be copied before an instruction
// overwrites it in place: fixed registers, memory, immediates and outputs
// that are read again later.
func clobbered(p *ir.SplitPass, o ir.Opnd) bool {
	switch o.(type) {
	case ir.Out:
		return p.LivesPast(o)
	default:
		return true
	}
}

func load(p *ir.SplitPass, o ir.Opnd, bits uint8) ir.Opnd {
	out := p.Load(o).(ir.Out)
	out.Bits = bits
	return out
}

// fitImmediate loads immediates that do not fit the sign-extended 32-bit
// field of x86 instructions.
func fitImmediate(p *ir.SplitPass, o ir.Opnd, bits uint8) ir.Opnd {
	if isImm(o) && !immediateFits(o, bits) {
		return load(p, o, bits)
	}
	return o
}

func immediateFits(o ir.Opnd, bits uint8) bool {
	switch o := o.(type) {
	case ir.Imm:
		return asm.ImmFitsBits(int64(o), int(min(bits, 32)))
	case ir.UImm:
		if bits == 64 {
			return uint64(o) <= math.MaxInt32
		}
		return asm.UimmFitsBits(uint64(o), int(bits))
	default:
		return true
	}
}
