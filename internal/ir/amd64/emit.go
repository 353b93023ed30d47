package amd64

import (
	"errors"
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
	amd64asm "github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/codebuf"
	"github.com/tinyrange/jit/internal/ir"
)

var (
	rax = amd64asm.Reg64(amd64asm.RAX)
	rsp = amd64asm.Reg64(amd64asm.RSP)
)

var jumpConds = map[ir.Op]amd64asm.Condition{
	ir.OpJl:  amd64asm.CondL,
	ir.OpJle: amd64asm.CondLE,
	ir.OpJg:  amd64asm.CondG,
	ir.OpJge: amd64asm.CondGE,
	ir.OpJbe: amd64asm.CondBE,
	ir.OpJe:  amd64asm.CondE,
	ir.OpJne: amd64asm.CondNE,
	ir.OpJz:  amd64asm.CondZ,
	ir.OpJnz: amd64asm.CondNZ,
	ir.OpJo:  amd64asm.CondO,
}

var selectConds = map[ir.Op]amd64asm.Condition{
	ir.OpCSelZ:  amd64asm.CondZ,
	ir.OpCSelNZ: amd64asm.CondNZ,
	ir.OpCSelE:  amd64asm.CondE,
	ir.OpCSelNE: amd64asm.CondNE,
	ir.OpCSelL:  amd64asm.CondL,
	ir.OpCSelLE: amd64asm.CondLE,
	ir.OpCSelG:  amd64asm.CondG,
	ir.OpCSelGE: amd64asm.CondGE,
}

type emitter struct {
	cb        *codebuf.CodeBlock
	labels    []asm.Label
	gcOffsets []uint32
}

func (e *emitter) run(a *ir.Assembler) error {
	for i, insn := range a.Insns() {
		if err := e.emit(insn); err != nil {
			return fmt.Errorf("ir: x86_64 instruction %d (%v): %w", i, insn.Op, err)
		}
	}
	return nil
}

func gpr(o ir.Opnd) amd64asm.Reg {
	switch o := o.(type) {
	case ir.Reg:
		id := amd64asm.RegID(o.Num)
		switch o.Bits {
		case 64:
			return amd64asm.Reg64(id)
		case 32:
			return amd64asm.Reg32(id)
		case 16:
			return amd64asm.Reg16(id)
		default:
			return amd64asm.Reg8(id)
		}
	case ir.Out:
		panic(fmt.Sprintf("ir: %v reached emission without a register", o))
	default:
		panic(fmt.Sprintf("ir: x86_64 expected a register, got %v", o))
	}
}

func operand(o ir.Opnd) amd64asm.Operand {
	switch o := o.(type) {
	case ir.Imm:
		return amd64asm.Imm(o)
	case ir.UImm:
		return amd64asm.UImm(o)
	case ir.Mem:
		return amd64asm.Mem(gpr(o.Base)).WithDisp(o.Disp).WithBits(int(o.Bits))
	default:
		return gpr(o)
	}
}

func dest(insn ir.Insn) (amd64asm.Reg, bool) {
	r, ok := insn.Out.(ir.Reg)
	if !ok {
		return amd64asm.Reg{}, false
	}
	return gpr(r), true
}

func (e *emitter) label(t ir.Target) asm.Label {
	l, ok := t.(ir.Label)
	if !ok {
		panic(fmt.Sprintf("ir: expected a label target, got %v", t))
	}
	return e.labels[l]
}

// inPlace returns the operand a two-operand instruction should overwrite:
// the output register, after copying the first operand into it if the
// allocator placed them apart.
func (e *emitter) inPlace(insn ir.Insn) (amd64asm.Operand, error) {
	first := operand(insn.Opnds[0])
	rd, ok := dest(insn)
	if !ok || first == amd64asm.Operand(rd) {
		return first, nil
	}
	return rd, amd64asm.Mov(e.cb, rd, first)
}

func (e *emitter) emit(insn ir.Insn) error {
	cb := e.cb
	rd, hasOut := dest(insn)

	switch insn.Op {
	case ir.OpComment:
		cb.AddComment(insn.Text)
	case ir.OpLabel:
		cb.WriteLabel(e.label(insn.Target))
	case ir.OpPosMarker:
		cb.AddPosMarker(insn.Marker)
	case ir.OpBakeString:
		return cb.WriteBytes(append([]byte(insn.Text), 0))

	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		dst, err := e.inPlace(insn)
		if err != nil {
			return err
		}
		src := operand(insn.Opnds[1])
		switch insn.Op {
		case ir.OpAdd:
			return amd64asm.Add(cb, dst, src)
		case ir.OpSub:
			return amd64asm.Sub(cb, dst, src)
		case ir.OpAnd:
			return amd64asm.And(cb, dst, src)
		case ir.OpOr:
			return amd64asm.Or(cb, dst, src)
		default:
			return amd64asm.Xor(cb, dst, src)
		}

	case ir.OpNot:
		dst, err := e.inPlace(insn)
		if err != nil {
			return err
		}
		return amd64asm.Not(cb, dst)

	case ir.OpLShift, ir.OpRShift, ir.OpURShift:
		dst, err := e.inPlace(insn)
		if err != nil {
			return err
		}
		count := operand(insn.Opnds[1])
		switch insn.Op {
		case ir.OpLShift:
			return amd64asm.Shl(cb, dst, count)
		case ir.OpRShift:
			return amd64asm.Sar(cb, dst, count)
		default:
			return amd64asm.Shr(cb, dst, count)
		}

	case ir.OpLoad:
		if !hasOut {
			return nil
		}
		return e.load(rd, insn.Opnds[0])

	case ir.OpLoadSExt:
		if !hasOut {
			return nil
		}
		switch src := insn.Opnds[0].(type) {
		case ir.Reg, ir.Mem:
			if op := operand(src); operandBits(op) < rd.Bits() {
				return amd64asm.Movsx(cb, rd, op)
			}
		}
		return e.load(rd, insn.Opnds[0])

	case ir.OpStore:
		return amd64asm.Mov(cb, operand(insn.Opnds[0]), operand(insn.Opnds[1]))

	case ir.OpMov:
		if _, ok := insn.Opnds[0].(ir.Mem); ok {
			return amd64asm.Mov(cb, operand(insn.Opnds[0]), operand(insn.Opnds[1]))
		}
		return e.load(gpr(insn.Opnds[0]), insn.Opnds[1])

	case ir.OpLea:
		if !hasOut {
			return nil
		}
		return amd64asm.Lea(cb, rd, operand(insn.Opnds[0]))

	case ir.OpLeaLabel:
		if !hasOut {
			return nil
		}
		return amd64asm.LeaLabel(cb, rd, e.label(insn.Target))

	case ir.OpCmp:
		return amd64asm.Cmp(cb, operand(insn.Opnds[0]), operand(insn.Opnds[1]))
	case ir.OpTest:
		return amd64asm.Test(cb, operand(insn.Opnds[0]), operand(insn.Opnds[1]))

	case ir.OpJmp:
		return e.jump(insn.Target, nil)
	case ir.OpJl, ir.OpJle, ir.OpJg, ir.OpJge, ir.OpJbe,
		ir.OpJe, ir.OpJne, ir.OpJz, ir.OpJnz, ir.OpJo:
		cond := jumpConds[insn.Op]
		return e.jump(insn.Target, &cond)
	case ir.OpJmpOpnd:
		return amd64asm.Jmp(cb, operand(insn.Opnds[0]))

	case ir.OpCSelZ, ir.OpCSelNZ, ir.OpCSelE, ir.OpCSelNE,
		ir.OpCSelL, ir.OpCSelLE, ir.OpCSelG, ir.OpCSelGE:
		if !hasOut {
			return nil
		}
		return e.csel(rd, gpr(insn.Opnds[0]), gpr(insn.Opnds[1]), selectConds[insn.Op])

	case ir.OpCPush:
		return amd64asm.Push(cb, operand(insn.Opnds[0]))
	case ir.OpCPop:
		if !hasOut {
			return amd64asm.Add(cb, rsp, amd64asm.UImm(8))
		}
		return amd64asm.Pop(cb, rd)
	case ir.OpCPopInto:
		return amd64asm.Pop(cb, operand(insn.Opnds[0]))
	case ir.OpCPushAll:
		for _, id := range callerSaveRegs {
			if err := amd64asm.Push(cb, amd64asm.Reg64(id)); err != nil {
				return err
			}
		}
		return amd64asm.Pushfq(cb)
	case ir.OpCPopAll:
		if err := amd64asm.Popfq(cb); err != nil {
			return err
		}
		for i := len(callerSaveRegs) - 1; i >= 0; i-- {
			if err := amd64asm.Pop(cb, amd64asm.Reg64(callerSaveRegs[i])); err != nil {
				return err
			}
		}

	case ir.OpCCall:
		return e.ccall(insn, rd, hasOut)
	case ir.OpCRet:
		ret := rax
		if r, ok := insn.Opnds[0].(ir.Reg); ok {
			ret = ret.WithBits(int(r.Bits))
		}
		if err := e.load(ret, insn.Opnds[0]); err != nil {
			return err
		}
		return amd64asm.Ret(cb)

	case ir.OpIncrCounter:
		if err := amd64asm.Lock(cb); err != nil {
			return err
		}
		return amd64asm.Add(cb, operand(insn.Opnds[0]), operand(insn.Opnds[1]))

	case ir.OpBreakpoint:
		return amd64asm.Int3(cb)

	case ir.OpFrameSetup, ir.OpFrameTeardown:
		// The call already pushed the return address; nothing to save.
	case ir.OpLiveReg:
	default:
		panic(fmt.Sprintf("ir: x86_64 cannot emit %v", insn.Op))
	}
	return nil
}

func operandBits(op amd64asm.Operand) int {
	switch op := op.(type) {
	case amd64asm.Reg:
		return op.Bits()
	case amd64asm.Memory:
		return op.Bits()
	default:
		return 64
	}
}

func (e *emitter) load(rd amd64asm.Reg, src ir.Opnd) error {
	switch src := src.(type) {
	case ir.Value:
		if !src.Heap {
			return amd64asm.Mov(e.cb, rd, amd64asm.UImm(src.Word))
		}
		if err := amd64asm.Movabs(e.cb, rd, src.Word); err != nil {
			return err
		}
		// The pointer is the trailing immediate of movabs.
		e.gcOffsets = append(e.gcOffsets, uint32(e.cb.WritePos()-8))
		return nil
	case ir.Reg:
		if rs := gpr(src); rs == rd {
			return nil
		}
	case ir.Imm:
		// Non-negative values take the shorter zero-extending form.
		if src >= 0 {
			return amd64asm.Mov(e.cb, rd, amd64asm.UImm(src))
		}
	}
	return amd64asm.Mov(e.cb, rd, operand(src))
}

// csel needs a different sequence depending on which input already sits
// in the output register.
func (e *emitter) csel(rd, truthy, falsy amd64asm.Reg, cond amd64asm.Condition) error {
	switch {
	case rd == truthy:
		return amd64asm.Cmov(e.cb, cond.Invert(), rd, falsy)
	case rd == falsy:
		return amd64asm.Cmov(e.cb, cond, rd, truthy)
	default:
		if err := amd64asm.Mov(e.cb, rd, falsy); err != nil {
			return err
		}
		return amd64asm.Cmov(e.cb, cond, rd, truthy)
	}
}

// jump branches to a label or an absolute address. A nil cond jumps
// unconditionally.
func (e *emitter) jump(t ir.Target, cond *amd64asm.Condition) error {
	cb := e.cb
	if _, ok := t.(ir.Label); ok {
		if cond == nil {
			return amd64asm.JmpLabel(cb, e.label(t))
		}
		return amd64asm.JccLabel(cb, *cond, e.label(t))
	}

	ptr, ok := t.(ir.CodePtr)
	if !ok {
		panic(fmt.Sprintf("ir: x86_64 cannot jump to %v", t))
	}
	var err error
	if cond == nil {
		err = amd64asm.JmpPtr(cb, uintptr(ptr))
	} else {
		err = amd64asm.JccPtr(cb, *cond, uintptr(ptr))
	}
	if !errors.Is(err, asm.ErrInvalidImmediate) {
		return err
	}

	// Out of rel32 range: go through the scratch register, skipping the
	// 13-byte movabs+jmp when the condition fails.
	if cond != nil {
		skip := cb.AddrOf(cb.WritePos() + 6 + 13)
		if err := amd64asm.JccPtr(cb, cond.Invert(), skip); err != nil {
			return err
		}
	}
	if err := amd64asm.Movabs(cb, scratch, uint64(ptr)); err != nil {
		return err
	}
	return amd64asm.Jmp(cb, scratch)
}

func (e *emitter) ccall(insn ir.Insn, rd amd64asm.Reg, hasOut bool) error {
	args := insn.Opnds
	if len(args) > len(argumentRegs) {
		panic(fmt.Sprintf("ir: x86_64 native call with %d arguments, at most %d supported", len(args), len(argumentRegs)))
	}
	written := make(map[uint8]bool, len(args))
	for i, arg := range args {
		var read ir.Opnd = arg
		if m, ok := arg.(ir.Mem); ok {
			read = m.Base
		}
		if r, ok := read.(ir.Reg); ok && written[r.Num] {
			panic(fmt.Sprintf("ir: x86_64 argument %d reads %v after it was overwritten", i, r))
		}

		dst := gpr(argumentRegs[i])
		if r, ok := arg.(ir.Reg); ok {
			dst = dst.WithBits(int(r.Bits))
		}
		if err := e.load(dst, arg); err != nil {
			return err
		}
		written[argumentRegs[i].Num] = true
	}

	fn, ok := insn.Target.(ir.FuncPtr)
	if !ok {
		panic(fmt.Sprintf("ir: native call to %v", insn.Target))
	}
	if err := amd64asm.CallPtr(e.cb, rax, uintptr(fn)); err != nil {
		return err
	}
	if hasOut && rd.ID() != amd64asm.RAX {
		return amd64asm.Mov(e.cb, rd, rax.WithBits(rd.Bits()))
	}
	return nil
}
