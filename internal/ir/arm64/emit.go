package arm64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
	arm64asm "github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/codebuf"
	"github.com/tinyrange/jit/internal/ir"
)

var (
	sp = arm64asm.Reg64(arm64asm.SP)
	fp = arm64asm.Reg64(arm64asm.FP)
	lr = arm64asm.Reg64(arm64asm.LR)
)

var jumpConds = map[ir.Op]arm64asm.Condition{
	ir.OpJl:  arm64asm.CondLT,
	ir.OpJle: arm64asm.CondLE,
	ir.OpJg:  arm64asm.CondGT,
	ir.OpJge: arm64asm.CondGE,
	ir.OpJbe: arm64asm.CondLS,
	ir.OpJe:  arm64asm.CondEQ,
	ir.OpJne: arm64asm.CondNE,
	ir.OpJz:  arm64asm.CondEQ,
	ir.OpJnz: arm64asm.CondNE,
	ir.OpJo:  arm64asm.CondVS,
}

var selectConds = map[ir.Op]arm64asm.Condition{
	ir.OpCSelZ:  arm64asm.CondEQ,
	ir.OpCSelNZ: arm64asm.CondNE,
	ir.OpCSelE:  arm64asm.CondEQ,
	ir.OpCSelNE: arm64asm.CondNE,
	ir.OpCSelL:  arm64asm.CondLT,
	ir.OpCSelLE: arm64asm.CondLE,
	ir.OpCSelG:  arm64asm.CondGT,
	ir.OpCSelGE: arm64asm.CondGE,
}

type emitter struct {
	cb        *codebuf.CodeBlock
	labels    []asm.Label
	gcOffsets []uint32
}

func (e *emitter) run(a *ir.Assembler) error {
	for i, insn := range a.Insns() {
		if err := e.emit(insn); err != nil {
			return fmt.Errorf("ir: arm64 instruction %d (%v): %w", i, insn.Op, err)
		}
	}
	return nil
}

// gpr converts an allocated IR register. Widths below 32 bits use the W
// view since A64 has no narrower registers.
func gpr(o ir.Opnd) arm64asm.Reg {
	switch o := o.(type) {
	case ir.Reg:
		if o.Bits == 64 {
			return arm64asm.Reg64(arm64asm.RegID(o.Num))
		}
		return arm64asm.Reg32(arm64asm.RegID(o.Num))
	case ir.Out:
		panic(fmt.Sprintf("ir: %v reached emission without a register", o))
	default:
		panic(fmt.Sprintf("ir: arm64 expected a register, got %v", o))
	}
}

func operand(o ir.Opnd) arm64asm.Operand {
	switch o := o.(type) {
	case ir.Imm:
		return arm64asm.Imm(o)
	case ir.UImm:
		return arm64asm.UImm(o)
	default:
		return gpr(o)
	}
}

func memory(o ir.Opnd) arm64asm.Memory {
	m, ok := o.(ir.Mem)
	if !ok {
		panic(fmt.Sprintf("ir: arm64 expected a memory operand, got %v", o))
	}
	return arm64asm.Mem(gpr(m.Base)).WithDisp(m.Disp).WithBits(int(m.Bits))
}

func zeroReg(like arm64asm.Reg) arm64asm.Reg {
	return arm64asm.Reg64(arm64asm.XZR).WithBits(like.Bits())
}

// dest is the register allocated to the output, if anything reads it.
func dest(insn ir.Insn) (arm64asm.Reg, bool) {
	r, ok := insn.Out.(ir.Reg)
	if !ok {
		return arm64asm.Reg{}, false
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
		if err := cb.WriteBytes(append([]byte(insn.Text), 0)); err != nil {
			return err
		}
		return cb.AlignPos(4)

	case ir.OpAdd, ir.OpSub:
		rn := gpr(insn.Opnds[0])
		if !hasOut {
			rd = zeroReg(rn)
		}
		// Flag-setting forms so a following Jo sees the overflow.
		if insn.Op == ir.OpAdd {
			return arm64asm.Adds(cb, rd, rn, operand(insn.Opnds[1]))
		}
		return arm64asm.Subs(cb, rd, rn, operand(insn.Opnds[1]))

	case ir.OpAnd, ir.OpOr, ir.OpXor:
		if !hasOut {
			return nil
		}
		rn, rm := gpr(insn.Opnds[0]), operand(insn.Opnds[1])
		switch insn.Op {
		case ir.OpAnd:
			return arm64asm.And(cb, rd, rn, rm)
		case ir.OpOr:
			return arm64asm.Orr(cb, rd, rn, rm)
		default:
			return arm64asm.Eor(cb, rd, rn, rm)
		}

	case ir.OpNot:
		if !hasOut {
			return nil
		}
		return arm64asm.Mvn(cb, rd, gpr(insn.Opnds[0]))

	case ir.OpLShift, ir.OpRShift, ir.OpURShift:
		if !hasOut {
			return nil
		}
		rn, shift := gpr(insn.Opnds[0]), operand(insn.Opnds[1])
		switch insn.Op {
		case ir.OpLShift:
			return arm64asm.Lsl(cb, rd, rn, shift)
		case ir.OpRShift:
			return arm64asm.Asr(cb, rd, rn, shift)
		default:
			return arm64asm.Lsr(cb, rd, rn, shift)
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
		return e.loadSExt(rd, insn.Opnds[0])

	case ir.OpStore:
		return arm64asm.Store(cb, gpr(insn.Opnds[1]), memory(insn.Opnds[0]))

	case ir.OpMov:
		if _, ok := insn.Opnds[0].(ir.Mem); ok {
			return arm64asm.Store(cb, gpr(insn.Opnds[1]), memory(insn.Opnds[0]))
		}
		return e.load(gpr(insn.Opnds[0]), insn.Opnds[1])

	case ir.OpLea:
		if !hasOut {
			return nil
		}
		m := memory(insn.Opnds[0])
		if addImmediate(ir.Imm(m.Disp())) {
			return arm64asm.Add(cb, rd, m.Base(), arm64asm.Imm(m.Disp()))
		}
		if err := arm64asm.LoadValue(cb, scratch0, uint64(int64(m.Disp()))); err != nil {
			return err
		}
		return arm64asm.Add(cb, rd, m.Base(), scratch0)

	case ir.OpLeaLabel:
		if !hasOut {
			return nil
		}
		return arm64asm.AdrLabel(cb, rd, e.label(insn.Target))

	case ir.OpCmp:
		return arm64asm.Cmp(cb, gpr(insn.Opnds[0]), operand(insn.Opnds[1]))
	case ir.OpTest:
		return arm64asm.Tst(cb, gpr(insn.Opnds[0]), operand(insn.Opnds[1]))

	case ir.OpJmp:
		return e.jump(insn.Target, arm64asm.CondAL)
	case ir.OpJl, ir.OpJle, ir.OpJg, ir.OpJge, ir.OpJbe,
		ir.OpJe, ir.OpJne, ir.OpJz, ir.OpJnz, ir.OpJo:
		return e.jump(insn.Target, jumpConds[insn.Op])
	case ir.OpJmpOpnd:
		return arm64asm.Br(cb, gpr(insn.Opnds[0]))

	case ir.OpCSelZ, ir.OpCSelNZ, ir.OpCSelE, ir.OpCSelNE,
		ir.OpCSelL, ir.OpCSelLE, ir.OpCSelG, ir.OpCSelGE:
		if !hasOut {
			return nil
		}
		return arm64asm.Csel(cb, rd, gpr(insn.Opnds[0]), gpr(insn.Opnds[1]), selectConds[insn.Op])

	case ir.OpCPush:
		return arm64asm.StrPre(cb, gpr(insn.Opnds[0]), arm64asm.Mem(sp).WithDisp(-16))
	case ir.OpCPop:
		if !hasOut {
			return arm64asm.Add(cb, sp, sp, arm64asm.UImm(16))
		}
		return arm64asm.LdrPost(cb, rd, arm64asm.Mem(sp).WithDisp(16))
	case ir.OpCPopInto:
		return arm64asm.LdrPost(cb, gpr(insn.Opnds[0]), arm64asm.Mem(sp).WithDisp(16))
	case ir.OpCPushAll:
		return e.pushAll()
	case ir.OpCPopAll:
		return e.popAll()

	case ir.OpCCall:
		return e.ccall(insn, rd, hasOut)
	case ir.OpCRet:
		ret := arm64asm.Reg64(arm64asm.X0)
		if r, ok := insn.Opnds[0].(ir.Reg); ok {
			ret = ret.WithBits(gpr(r).Bits())
		}
		if err := e.load(ret, insn.Opnds[0]); err != nil {
			return err
		}
		return arm64asm.Ret(cb, arm64asm.None{})

	case ir.OpIncrCounter:
		counter := memory(insn.Opnds[0])
		value := gpr(insn.Opnds[1])
		return arm64asm.Ldaddal(cb, value, zeroReg(value), counter.Base())

	case ir.OpBreakpoint:
		return arm64asm.Brk(cb, 0)
	case ir.OpFrameSetup:
		if err := arm64asm.StpPre(cb, fp, lr, arm64asm.Mem(sp).WithDisp(-16)); err != nil {
			return err
		}
		return arm64asm.Mov(cb, fp, sp)
	case ir.OpFrameTeardown:
		return arm64asm.LdpPost(cb, fp, lr, arm64asm.Mem(sp).WithDisp(16))

	case ir.OpLiveReg:
		// Only reserves the register.
	default:
		panic(fmt.Sprintf("ir: arm64 cannot emit %v", insn.Op))
	}
	return nil
}

// load moves any source operand into rd.
func (e *emitter) load(rd arm64asm.Reg, src ir.Opnd) error {
	switch src := src.(type) {
	case ir.Mem:
		return arm64asm.Load(e.cb, rd, memory(src))
	case ir.Reg:
		rm := gpr(src)
		if rm == rd {
			return nil
		}
		return arm64asm.Mov(e.cb, rd, rm)
	case ir.Imm:
		if src < 0 && src >= -0x10000 && rd.Bits() == 64 {
			return arm64asm.Movn(e.cb, rd, uint64(^src), 0)
		}
		return e.loadValue(rd, uint64(src))
	case ir.UImm:
		return e.loadValue(rd, uint64(src))
	case ir.Value:
		if src.Heap {
			return e.loadHeapValue(rd, src.Word)
		}
		return e.loadValue(rd, src.Word)
	default:
		panic(fmt.Sprintf("ir: arm64 cannot load %v", src))
	}
}

func (e *emitter) loadValue(rd arm64asm.Reg, v uint64) error {
	if rd.Bits() < 64 {
		v &= 0xffffffff
	}
	return arm64asm.LoadValue(e.cb, rd, v)
}

// loadHeapValue embeds word after the load so the collector can find and
// update it:
//
//	ldr rd, #8
//	b   #12
//	.quad word
func (e *emitter) loadHeapValue(rd arm64asm.Reg, word uint64) error {
	if rd.Bits() != 64 {
		panic(fmt.Sprintf("ir: heap value loaded into %v", rd))
	}
	if err := arm64asm.LdrLiteral(e.cb, rd, arm64asm.OffsetFromInstructions(2)); err != nil {
		return err
	}
	if err := arm64asm.B(e.cb, arm64asm.OffsetFromInstructions(3)); err != nil {
		return err
	}
	pos := e.cb.WritePos()
	if err := e.cb.WriteInt(word, 64); err != nil {
		return err
	}
	e.gcOffsets = append(e.gcOffsets, uint32(pos))
	return nil
}

func (e *emitter) loadSExt(rd arm64asm.Reg, src ir.Opnd) error {
	switch s := src.(type) {
	case ir.Mem:
		if s.Bits == 32 {
			return arm64asm.Ldursw(e.cb, rd, memory(s))
		}
	case ir.Reg:
		if s.Bits == 32 {
			return arm64asm.Sxtw(e.cb, rd, gpr(s))
		}
	}
	return e.load(rd, src)
}

// jump branches to a label or an absolute code address. CondAL is an
// unconditional branch.
func (e *emitter) jump(t ir.Target, cond arm64asm.Condition) error {
	cb := e.cb
	if _, ok := t.(ir.Label); ok {
		if cond == arm64asm.CondAL {
			return arm64asm.BLabel(cb, e.label(t))
		}
		return arm64asm.BCondLabel(cb, cond, e.label(t))
	}

	ptr, ok := t.(ir.CodePtr)
	if !ok {
		panic(fmt.Sprintf("ir: arm64 cannot jump to %v", t))
	}
	off, err := arm64asm.OffsetFromBytes(int64(ptr) - int64(cb.AddrOf(cb.WritePos())))
	if cond == arm64asm.CondAL {
		if err == nil && asm.ImmFitsBits(int64(off), 26) {
			return arm64asm.B(cb, off)
		}
		if err := arm64asm.LoadValue(cb, scratch0, uint64(ptr)); err != nil {
			return err
		}
		return arm64asm.Br(cb, scratch0)
	}
	if err == nil && asm.ImmFitsBits(int64(off), 19) {
		return arm64asm.BCond(cb, cond, off)
	}
	// Skip the fixed-length far jump when the condition fails.
	if err := arm64asm.BCond(cb, cond.Invert(), arm64asm.OffsetFromInstructions(6)); err != nil {
		return err
	}
	if err := loadFull(cb, scratch0, uint64(ptr)); err != nil {
		return err
	}
	return arm64asm.Br(cb, scratch0)
}

// loadFull always emits four instructions.
func loadFull(buf asm.Buffer, rd arm64asm.Reg, v uint64) error {
	if err := arm64asm.Movz(buf, rd, v&0xffff, 0); err != nil {
		return err
	}
	for shift := uint8(16); shift < 64; shift += 16 {
		if err := arm64asm.Movk(buf, rd, (v>>shift)&0xffff, shift); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) ccall(insn ir.Insn, rd arm64asm.Reg, hasOut bool) error {
	args := insn.Opnds
	if len(args) > len(argumentRegs) {
		panic(fmt.Sprintf("ir: arm64 native call with %d arguments, at most %d supported", len(args), len(argumentRegs)))
	}
	for i, arg := range args {
		var read ir.Opnd = arg
		if m, ok := arg.(ir.Mem); ok {
			read = m.Base
		}
		if r, ok := read.(ir.Reg); ok && int(r.Num) < i {
			panic(fmt.Sprintf("ir: arm64 argument %d reads %v after it was overwritten", i, r))
		}

		dst := gpr(argumentRegs[i])
		if r, ok := arg.(ir.Reg); ok {
			dst = dst.WithBits(gpr(r).Bits())
		}
		if err := e.load(dst, arg); err != nil {
			return err
		}
	}

	fn, ok := insn.Target.(ir.FuncPtr)
	if !ok {
		panic(fmt.Sprintf("ir: native call to %v", insn.Target))
	}
	if err := arm64asm.LoadValue(e.cb, scratch0, uint64(fn)); err != nil {
		return err
	}
	if err := arm64asm.Blr(e.cb, scratch0); err != nil {
		return err
	}
	if hasOut && rd.ID() != arm64asm.X0 {
		return arm64asm.Mov(e.cb, rd, arm64asm.Reg64(arm64asm.X0).WithBits(rd.Bits()))
	}
	return nil
}

func (e *emitter) pushAll() error {
	for _, id := range callerSaveRegs {
		if err := arm64asm.StrPre(e.cb, arm64asm.Reg64(id), arm64asm.Mem(sp).WithDisp(-16)); err != nil {
			return err
		}
	}
	if err := arm64asm.Mrs(e.cb, scratch1, arm64asm.NZCV); err != nil {
		return err
	}
	return arm64asm.StrPre(e.cb, scratch1, arm64asm.Mem(sp).WithDisp(-16))
}

func (e *emitter) popAll() error {
	if err := arm64asm.LdrPost(e.cb, scratch1, arm64asm.Mem(sp).WithDisp(16)); err != nil {
		return err
	}
	if err := arm64asm.Msr(e.cb, arm64asm.NZCV, scratch1); err != nil {
		return err
	}
	for i := len(callerSaveRegs) - 1; i >= 0; i-- {
		if err := arm64asm.LdrPost(e.cb, arm64asm.Reg64(callerSaveRegs[i]), arm64asm.Mem(sp).WithDisp(16)); err != nil {
			return err
		}
	}
	return nil
}
