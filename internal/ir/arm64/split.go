package arm64

import (
	arm64asm "github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/ir"
)

// split rewrites the unit so that every operand fits an A64 encoding:
// immediates that are not encodable move to registers and memory
// displacements beyond the 9-bit unscaled range become an explicit Lea.
func split(a *ir.Assembler) *ir.Assembler {
	return a.ForwardPass(func(p *ir.SplitPass, insn ir.Insn) {
		// Only Load knows how to embed a heap value in the code.
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
		case ir.OpAdd, ir.OpSub, ir.OpCmp:
			left := toReg(p, insn.Opnds[0], bits)
			right := insn.Opnds[1]
			if !isReg(right) && !addImmediate(right) {
				right = toReg(p, right, bits)
			}
			insn.Opnds = []ir.Opnd{left, right}

		case ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpTest:
			left := toReg(p, insn.Opnds[0], bits)
			insn.Opnds = []ir.Opnd{left, logicalOpnd(p, insn.Opnds[1], bits)}

		case ir.OpNot, ir.OpCPush, ir.OpJmpOpnd:
			insn.Opnds[0] = toReg(p, insn.Opnds[0], bits)

		case ir.OpLShift, ir.OpRShift, ir.OpURShift:
			insn.Opnds[0] = toReg(p, insn.Opnds[0], bits)
			switch s := insn.Opnds[1].(type) {
			case ir.UImm:
			case ir.Imm:
				if s < 0 {
					insn.Opnds[1] = toReg(p, s, bits)
				} else {
					insn.Opnds[1] = ir.UImm(s)
				}
			default:
				insn.Opnds[1] = toReg(p, s, bits)
			}

		case ir.OpCSelZ, ir.OpCSelNZ, ir.OpCSelE, ir.OpCSelNE,
			ir.OpCSelL, ir.OpCSelLE, ir.OpCSelG, ir.OpCSelGE:
			insn.Opnds[0] = toReg(p, insn.Opnds[0], bits)
			insn.Opnds[1] = toReg(p, insn.Opnds[1], bits)

		case ir.OpLoad, ir.OpLoadSExt:
			insn.Opnds[0] = splitMem(p, insn.Opnds[0])

		case ir.OpStore:
			insn.Opnds[0] = splitMem(p, insn.Opnds[0])
			insn.Opnds[1] = toReg(p, insn.Opnds[1], bits)

		case ir.OpMov:
			if _, ok := insn.Opnds[0].(ir.Mem); ok {
				insn.Opnds[0] = splitMem(p, insn.Opnds[0])
				insn.Opnds[1] = toReg(p, insn.Opnds[1], bits)
			} else {
				insn.Opnds[1] = splitMem(p, insn.Opnds[1])
			}

		case ir.OpIncrCounter:
			// ldaddal only takes a bare base register.
			counter := insn.Opnds[0].(ir.Mem)
			if counter.Disp != 0 {
				counter = ir.NewMem(counter.Bits, p.Lea(counter), 0)
			}
			insn.Opnds = []ir.Opnd{counter, toReg(p, insn.Opnds[1], counter.Bits)}
		}
		p.PushInsn(insn)
	})
}

// sizedBits is the width of the first operand that has one.
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

// toReg returns o if it already lives in a register and otherwise loads it,
// viewing the result at the width of the instruction that needs it.
func toReg(p *ir.SplitPass, o ir.Opnd, bits uint8) ir.Opnd {
	if isReg(o) {
		return o
	}
	out := p.Load(splitMem(p, o)).(ir.Out)
	out.Bits = bits
	return out
}

func splitMem(p *ir.SplitPass, o ir.Opnd) ir.Opnd {
	m, ok := o.(ir.Mem)
	if !ok || arm64asm.MemDispFitsBits(m.Disp) {
		return o
	}
	return ir.NewMem(m.Bits, p.Lea(m), 0)
}

// addImmediate reports whether o fits the 12-bit, optionally shifted,
// immediate of add and sub. Negative values flip the operation.
func addImmediate(o ir.Opnd) bool {
	var v uint64
	switch o := o.(type) {
	case ir.UImm:
		v = uint64(o)
	case ir.Imm:
		if o < 0 {
			v = uint64(-o)
		} else {
			v = uint64(o)
		}
	default:
		return false
	}
	_, err := arm64asm.NewShiftedImmediate(v)
	return err == nil
}

func logicalOpnd(p *ir.SplitPass, o ir.Opnd, bits uint8) ir.Opnd {
	var v uint64
	switch o := o.(type) {
	case ir.UImm:
		v = uint64(o)
	case ir.Imm:
		v = uint64(o)
	default:
		return toReg(p, o, bits)
	}

	var err error
	if bits == 64 {
		_, err = arm64asm.NewBitmaskImmediate(v)
	} else {
		v &= 0xffffffff
		_, err = arm64asm.NewBitmaskImmediate32(uint32(v))
	}
	if err != nil {
		return toReg(p, ir.UImm(v), bits)
	}
	return ir.UImm(v)
}
