package ir

import (
	"fmt"
	"slices"
)

// regPool tracks which registers of a caller-supplied list are in use.
type regPool struct {
	regs []Reg
	used uint32
}

func (p *regPool) index(r Reg) int {
	return slices.IndexFunc(p.regs, func(e Reg) bool { return e.Num == r.Num })
}

func (p *regPool) alloc() Reg {
	for i, r := range p.regs {
		if p.used&(1<<i) == 0 {
			p.used |= 1 << i
			return r
		}
	}
	panic(fmt.Sprintf("ir: all %d registers in use, spilling is not supported", len(p.regs)))
}

// take claims a specific register. Registers outside the pool are handed
// out without bookkeeping.
func (p *regPool) take(r Reg) Reg {
	if i := p.index(r); i >= 0 {
		if p.used&(1<<i) != 0 {
			panic(fmt.Sprintf("ir: register %v already allocated", r))
		}
		p.used |= 1 << i
	}
	return r
}

func (p *regPool) release(r Reg) {
	if i := p.index(r); i >= 0 {
		p.used &^= 1 << i
	}
}

// AllocRegs assigns a register from pool to every output that is read by
// a later instruction, scanning the list once. A register returns to the
// pool after the last use of the value it holds. cret is the register
// native calls return in.
//
// AllocRegs panics when the pool runs out, when a register is live across
// a CCall, or when a register is still allocated at the end of the unit.
func (a *Assembler) AllocRegs(pool []Reg, cret Reg) *Assembler {
	if len(pool) > 32 {
		panic(fmt.Sprintf("ir: register pool of %d exceeds 32", len(pool)))
	}
	if a.finalized {
		panic("ir: register allocation over a compiled assembler")
	}
	a.finalized = true

	regs := &regPool{regs: pool}
	live := a.liveRanges
	out := newWithLabels(a.labelNames)

	regOf := func(idx int) Reg {
		r, ok := out.insns[idx].Out.(Reg)
		if !ok {
			panic(fmt.Sprintf("ir: no register allocated for output of instruction %d (%v)", idx, out.insns[idx].Op))
		}
		return r
	}

	for index, insn := range a.insns {
		insn.Opnds = slices.Clone(insn.Opnds)

		insn.outRefs(func(idx int) {
			if live[idx] == index {
				regs.release(regOf(idx))
			}
		})

		if insn.Op == OpCCall && regs.used != 0 {
			panic(fmt.Sprintf("ir: register live across native call at instruction %d", index))
		}

		if insn.Op.HasOutput() && live[index] != index {
			bits := uint8(defaultNumBits)
			if o, ok := insn.Out.(Out); ok {
				bits = o.Bits
			}

			var (
				reg   Reg
				found bool
			)
			switch {
			case insn.Op == OpCCall:
				reg, found = regs.take(cret), true
			case insn.Op == OpLiveReg:
				r, ok := insn.Opnds[0].(Reg)
				if !ok {
					panic(fmt.Sprintf("ir: LiveReg of non-register %v", insn.Opnds[0]))
				}
				reg, found = regs.take(r), true
			}

			// An output can reuse the register of a first operand that dies
			// here.
			if !found && len(insn.Opnds) > 0 {
				if o, ok := insn.Opnds[0].(Out); ok && live[o.Idx] == index {
					reg, found = regs.take(regOf(o.Idx)), true
				}
			}
			if !found {
				reg = regs.alloc()
			}
			insn.Out = reg.SubReg(bits)
		}

		for i, o := range insn.Opnds {
			switch o := o.(type) {
			case Out:
				insn.Opnds[i] = regOf(o.Idx).SubReg(o.Bits)
			case Mem:
				if b, ok := o.Base.(Out); ok {
					o.Base = regOf(b.Idx).SubReg(64)
					insn.Opnds[i] = o
				}
			}
		}

		out.push(insn)
	}

	if regs.used != 0 {
		panic(fmt.Sprintf("ir: registers still allocated at the end of the unit (mask %#x)", regs.used))
	}
	return out
}
