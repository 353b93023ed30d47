package arm64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

type encoding interface {
	encode() uint32
}

func emit(buf asm.Buffer, inst encoding) error {
	return buf.WriteInt(uint64(inst.encode()), 32)
}

func emit32(buf asm.Buffer, word uint32) error {
	return buf.WriteInt(uint64(word), 32)
}

func invalidOperands(op string, operands ...Operand) string {
	return fmt.Sprintf("arm64 asm: invalid operand combination to %s: %v", op, operands)
}

func shiftedImm(op string, v uint64) (ShiftedImmediate, error) {
	imm, err := NewShiftedImmediate(v)
	if err != nil {
		return ShiftedImmediate{}, fmt.Errorf("%s: %w", op, err)
	}
	return imm, nil
}

func bitmaskImm(op string, size operandSize, v uint64) (BitmaskImmediate, error) {
	var (
		imm BitmaskImmediate
		err error
	)
	if size == size32 {
		if v > 0xffffffff {
			return BitmaskImmediate{}, fmt.Errorf("arm64 asm: %s: %#x wider than 32 bits: %w", op, v, asm.ErrInvalidImmediate)
		}
		imm, err = NewBitmaskImmediate32(uint32(v))
	} else {
		imm, err = NewBitmaskImmediate(v)
	}
	if err != nil {
		return BitmaskImmediate{}, fmt.Errorf("%s: %w", op, err)
	}
	return imm, nil
}

// addSub handles the register, unsigned immediate and signed immediate forms
// of add/adds/sub/subs. A negative signed immediate selects the opposite
// operation.
func addSub(buf asm.Buffer, name string, op, inverse uint32, rd, rn Reg, rm Operand) error {
	switch rm := rm.(type) {
	case Reg:
		sameSize(name, rd, rn, rm)
		return emit(buf, dataReg{op: op, sf: sizeFlag(rd.size), rm: rm.id, rn: rn.id, rd: rd.id})
	case UImm:
		sameSize(name, rd, rn)
		imm, err := shiftedImm(name, uint64(rm))
		if err != nil {
			return err
		}
		return emit(buf, dataImm{op: op, sf: sizeFlag(rd.size), imm: imm, rn: rn.id, rd: rd.id})
	case Imm:
		sameSize(name, rd, rn)
		v := int64(rm)
		if v < 0 {
			op = inverse
			v = -v
		}
		imm, err := shiftedImm(name, uint64(v))
		if err != nil {
			return err
		}
		return emit(buf, dataImm{op: op, sf: sizeFlag(rd.size), imm: imm, rn: rn.id, rd: rd.id})
	default:
		panic(invalidOperands(name, rd, rn, rm))
	}
}

// Add computes rd = rn + rm without setting flags.
func Add(buf asm.Buffer, rd, rn Reg, rm Operand) error {
	return addSub(buf, "add", opAdd, opSub, rd, rn, rm)
}

// Adds computes rd = rn + rm and sets flags.
func Adds(buf asm.Buffer, rd, rn Reg, rm Operand) error {
	return addSub(buf, "adds", opAdds, opSubs, rd, rn, rm)
}

// Sub computes rd = rn - rm without setting flags.
func Sub(buf asm.Buffer, rd, rn Reg, rm Operand) error {
	return addSub(buf, "sub", opSub, opAdd, rd, rn, rm)
}

// Subs computes rd = rn - rm and sets flags.
func Subs(buf asm.Buffer, rd, rn Reg, rm Operand) error {
	return addSub(buf, "subs", opSubs, opAdds, rd, rn, rm)
}

// Cmp compares rn with rm (subs into the zero register).
func Cmp(buf asm.Buffer, rn Reg, rm Operand) error {
	return Subs(buf, Reg{id: XZR, size: rn.size}, rn, rm)
}

// Cmn compares rn with -rm (adds into the zero register).
func Cmn(buf asm.Buffer, rn Reg, rm Operand) error {
	return Adds(buf, Reg{id: XZR, size: rn.size}, rn, rm)
}

// Neg computes rd = -rm.
func Neg(buf asm.Buffer, rd, rm Reg) error {
	sameSize("neg", rd, rm)
	return emit(buf, dataReg{op: opSub, sf: sizeFlag(rd.size), rm: rm.id, rn: XZR, rd: rd.id})
}

func logical(buf asm.Buffer, name string, op uint32, rd, rn Reg, rm Operand) error {
	switch rm := rm.(type) {
	case Reg:
		sameSize(name, rd, rn, rm)
		return emit(buf, logicalReg{op: op, sf: sizeFlag(rd.size), rm: rm.id, rn: rn.id, rd: rd.id})
	case UImm:
		sameSize(name, rd, rn)
		imm, err := bitmaskImm(name, rd.size, uint64(rm))
		if err != nil {
			return err
		}
		return emit(buf, logicalImm{op: op, sf: sizeFlag(rd.size), imm: imm, rn: rn.id, rd: rd.id})
	default:
		panic(invalidOperands(name, rd, rn, rm))
	}
}

// And computes rd = rn & rm.
func And(buf asm.Buffer, rd, rn Reg, rm Operand) error {
	return logical(buf, "and", opAnd, rd, rn, rm)
}

// Ands computes rd = rn & rm and sets flags.
func Ands(buf asm.Buffer, rd, rn Reg, rm Operand) error {
	return logical(buf, "ands", opAnds, rd, rn, rm)
}

// Orr computes rd = rn | rm.
func Orr(buf asm.Buffer, rd, rn Reg, rm Operand) error {
	return logical(buf, "orr", opOrr, rd, rn, rm)
}

// Eor computes rd = rn ^ rm.
func Eor(buf asm.Buffer, rd, rn Reg, rm Operand) error {
	return logical(buf, "eor", opEor, rd, rn, rm)
}

// Tst sets flags from rn & rm.
func Tst(buf asm.Buffer, rn Reg, rm Operand) error {
	return Ands(buf, Reg{id: XZR, size: rn.size}, rn, rm)
}

// Orn computes rd = rn | ^rm.
func Orn(buf asm.Buffer, rd, rn, rm Reg) error {
	sameSize("orn", rd, rn, rm)
	return emit(buf, logicalReg{op: opOrr, invert: true, sf: sizeFlag(rd.size), rm: rm.id, rn: rn.id, rd: rd.id})
}

// Mvn computes rd = ^rm.
func Mvn(buf asm.Buffer, rd, rm Reg) error {
	sameSize("mvn", rd, rm)
	return emit(buf, logicalReg{op: opOrr, invert: true, sf: sizeFlag(rd.size), rm: rm.id, rn: XZR, rd: rd.id})
}

// Mov copies rm into rd. Register 31 as either operand of a 64-bit move is
// the stack pointer. An unsigned immediate must be zero or a bitmask
// immediate; use LoadValue for arbitrary constants.
func Mov(buf asm.Buffer, rd Reg, rm Operand) error {
	switch rm := rm.(type) {
	case Reg:
		if (rd.id == SP && rd.size == size64) || (rm.id == SP && rm.size == size64) {
			sameSize("mov", rd, rm)
			return emit(buf, dataImm{op: opAdd, sf: 1, rn: rm.id, rd: rd.id})
		}
		sameSize("mov", rd, rm)
		return emit(buf, logicalReg{op: opOrr, sf: sizeFlag(rd.size), rm: rm.id, rn: XZR, rd: rd.id})
	case UImm:
		if rm == 0 {
			return emit(buf, logicalReg{op: opOrr, sf: sizeFlag(rd.size), rm: XZR, rn: XZR, rd: rd.id})
		}
		imm, err := bitmaskImm("mov", rd.size, uint64(rm))
		if err != nil {
			return err
		}
		return emit(buf, logicalImm{op: opOrr, sf: sizeFlag(rd.size), imm: imm, rn: XZR, rd: rd.id})
	default:
		panic(invalidOperands("mov", rd, rm))
	}
}

func moveWideImm(buf asm.Buffer, name string, op uint32, rd Reg, imm16 uint64, shift uint8) error {
	if !asm.UimmFitsBits(imm16, 16) {
		return fmt.Errorf("arm64 asm: %s: %#x wider than 16 bits: %w", name, imm16, asm.ErrInvalidImmediate)
	}
	return emit(buf, moveWide{op: op, sf: sizeFlag(rd.size), imm16: uint16(imm16), shift: shift, rd: rd.id})
}

// Movz moves imm16<<shift into rd, zeroing the other bits.
func Movz(buf asm.Buffer, rd Reg, imm16 uint64, shift uint8) error {
	return moveWideImm(buf, "movz", opMovz, rd, imm16, shift)
}

// Movk inserts imm16<<shift into rd, keeping the other bits.
func Movk(buf asm.Buffer, rd Reg, imm16 uint64, shift uint8) error {
	return moveWideImm(buf, "movk", opMovk, rd, imm16, shift)
}

// Movn moves the complement of imm16<<shift into rd.
func Movn(buf asm.Buffer, rd Reg, imm16 uint64, shift uint8) error {
	return moveWideImm(buf, "movn", opMovn, rd, imm16, shift)
}

// LoadValue materialises an arbitrary 64-bit constant in rd using the
// shortest of movz, a bitmask mov, or a movz/movk sequence.
func LoadValue(buf asm.Buffer, rd Reg, value uint64) error {
	if value > 0xffffffff && rd.size != size64 {
		return fmt.Errorf("arm64 asm: load %#x into %s: %w", value, rd, asm.ErrInvalidImmediate)
	}
	if value <= 0xffff {
		return Movz(buf, rd, value, 0)
	}
	if rd.size == size64 {
		if _, err := NewBitmaskImmediate(value); err == nil {
			return Mov(buf, rd, UImm(value))
		}
	}
	if err := Movz(buf, rd, value&0xffff, 0); err != nil {
		return err
	}
	if err := Movk(buf, rd, (value>>16)&0xffff, 16); err != nil {
		return err
	}
	if value > 0xffffffff {
		if err := Movk(buf, rd, (value>>32)&0xffff, 32); err != nil {
			return err
		}
		if err := Movk(buf, rd, (value>>48)&0xffff, 48); err != nil {
			return err
		}
	}
	return nil
}

func shiftAmount(name string, rd Reg, shift uint64) uint8 {
	if shift >= uint64(rd.size) {
		panic(fmt.Sprintf("arm64 asm: %s shift %d out of range for %s", name, shift, rd))
	}
	return uint8(shift)
}

// Lsl shifts rn left by an immediate or by a register.
func Lsl(buf asm.Buffer, rd, rn Reg, shift Operand) error {
	switch s := shift.(type) {
	case UImm:
		sameSize("lsl", rd, rn)
		return emit(buf, lslImm(rd.id, rn.id, shiftAmount("lsl", rd, uint64(s)), rd.size))
	case Reg:
		sameSize("lsl", rd, rn, s)
		return emit(buf, dataTwoSrc{op: opLslv, sf: sizeFlag(rd.size), rm: s.id, rn: rn.id, rd: rd.id})
	default:
		panic(invalidOperands("lsl", rd, rn, shift))
	}
}

// Lsr shifts rn right, filling with zeros.
func Lsr(buf asm.Buffer, rd, rn Reg, shift Operand) error {
	switch s := shift.(type) {
	case UImm:
		sameSize("lsr", rd, rn)
		return emit(buf, lsrImm(rd.id, rn.id, shiftAmount("lsr", rd, uint64(s)), rd.size))
	case Reg:
		sameSize("lsr", rd, rn, s)
		return emit(buf, dataTwoSrc{op: opLsrv, sf: sizeFlag(rd.size), rm: s.id, rn: rn.id, rd: rd.id})
	default:
		panic(invalidOperands("lsr", rd, rn, shift))
	}
}

// Asr shifts rn right, filling with the sign bit.
func Asr(buf asm.Buffer, rd, rn Reg, shift Operand) error {
	switch s := shift.(type) {
	case UImm:
		sameSize("asr", rd, rn)
		return emit(buf, asrImm(rd.id, rn.id, shiftAmount("asr", rd, uint64(s)), rd.size))
	case Reg:
		sameSize("asr", rd, rn, s)
		return emit(buf, dataTwoSrc{op: opAsrv, sf: sizeFlag(rd.size), rm: s.id, rn: rn.id, rd: rd.id})
	default:
		panic(invalidOperands("asr", rd, rn, shift))
	}
}

// Sxtw sign-extends the 32-bit rn into the 64-bit rd.
func Sxtw(buf asm.Buffer, rd, rn Reg) error {
	if rd.size != size64 || rn.size != size32 {
		panic(invalidOperands("sxtw", rd, rn))
	}
	return emit(buf, bitfield{op: opSbfm, sf: 1, immr: 0, imms: 31, rn: rn.id, rd: rd.id})
}

// Mul computes rd = rn * rm.
func Mul(buf asm.Buffer, rd, rn, rm Reg) error {
	sameSize("mul", rd, rn, rm)
	return emit(buf, mulAdd{sf: sizeFlag(rd.size), rm: rm.id, ra: XZR, rn: rn.id, rd: rd.id})
}

// Msub computes rd = ra - rn*rm.
func Msub(buf asm.Buffer, rd, rn, rm, ra Reg) error {
	sameSize("msub", rd, rn, rm, ra)
	return emit(buf, mulAdd{sf: sizeFlag(rd.size), sub: true, rm: rm.id, ra: ra.id, rn: rn.id, rd: rd.id})
}

// Udiv computes the unsigned quotient rn / rm.
func Udiv(buf asm.Buffer, rd, rn, rm Reg) error {
	sameSize("udiv", rd, rn, rm)
	return emit(buf, dataTwoSrc{op: opUdiv, sf: sizeFlag(rd.size), rm: rm.id, rn: rn.id, rd: rd.id})
}

// Sdiv computes the signed quotient rn / rm.
func Sdiv(buf asm.Buffer, rd, rn, rm Reg) error {
	sameSize("sdiv", rd, rn, rm)
	return emit(buf, dataTwoSrc{op: opSdiv, sf: sizeFlag(rd.size), rm: rm.id, rn: rn.id, rd: rd.id})
}

// Csel selects rn when cond holds and rm otherwise.
func Csel(buf asm.Buffer, rd, rn, rm Reg, cond Condition) error {
	sameSize("csel", rd, rn, rm)
	return emit(buf, condSelect{sf: sizeFlag(rd.size), cond: cond, rm: rm.id, rn: rn.id, rd: rd.id})
}

// Cset sets rd to 1 when cond holds and 0 otherwise.
func Cset(buf asm.Buffer, rd Reg, cond Condition) error {
	return emit(buf, condSelect{sf: sizeFlag(rd.size), inc: true, cond: cond.Invert(), rm: XZR, rn: XZR, rd: rd.id})
}

// Adr loads the address pc+imm into rd.
func Adr(buf asm.Buffer, rd Reg, imm int64) error {
	if rd.size != size64 {
		panic(invalidOperands("adr", rd))
	}
	if !asm.ImmFitsBits(imm, 21) {
		return fmt.Errorf("arm64 asm: adr offset %d: %w", imm, asm.ErrInvalidImmediate)
	}
	return emit(buf, pcRel{imm: int32(imm), rd: rd.id})
}

// Adrp loads the 4KiB page at page(pc)+imm into rd. imm is in bytes and
// must be a multiple of 4096.
func Adrp(buf asm.Buffer, rd Reg, imm int64) error {
	if rd.size != size64 {
		panic(invalidOperands("adrp", rd))
	}
	if imm%4096 != 0 || !asm.ImmFitsBits(imm>>12, 21) {
		return fmt.Errorf("arm64 asm: adrp offset %d: %w", imm, asm.ErrInvalidImmediate)
	}
	return emit(buf, pcRel{page: true, imm: int32(imm >> 12), rd: rd.id})
}

// B branches by offset instructions. Offsets beyond 26 bits panic.
func B(buf asm.Buffer, offset InstructionOffset) error {
	return emit(buf, branchImm{offset: offset})
}

// Bl branches with link by offset instructions.
func Bl(buf asm.Buffer, offset InstructionOffset) error {
	return emit(buf, branchImm{link: true, offset: offset})
}

// BCond branches by offset instructions when cond holds.
func BCond(buf asm.Buffer, cond Condition, offset InstructionOffset) error {
	return emit(buf, branchCond{cond: cond, offset: offset})
}

// Cbz branches when rt is zero.
func Cbz(buf asm.Buffer, rt Reg, offset InstructionOffset) error {
	return emit(buf, compareBranch{sf: sizeFlag(rt.size), offset: offset, rt: rt.id})
}

// Cbnz branches when rt is not zero.
func Cbnz(buf asm.Buffer, rt Reg, offset InstructionOffset) error {
	return emit(buf, compareBranch{sf: sizeFlag(rt.size), nonZero: true, offset: offset, rt: rt.id})
}

// Tbz branches by offset instructions when bit of rt is zero.
func Tbz(buf asm.Buffer, rt Reg, bit uint8, offset int16) error {
	return emit(buf, testBit{bit: bit, offset: offset, rt: rt.id})
}

// Tbnz branches by offset instructions when bit of rt is set.
func Tbnz(buf asm.Buffer, rt Reg, bit uint8, offset int16) error {
	return emit(buf, testBit{nonZero: true, bit: bit, offset: offset, rt: rt.id})
}

func Br(buf asm.Buffer, rn Reg) error  { return emit(buf, branchReg{op: opBr, rn: rn.id}) }
func Blr(buf asm.Buffer, rn Reg) error { return emit(buf, branchReg{op: opBlr, rn: rn.id}) }

// Ret returns through rn, which defaults to the link register.
func Ret(buf asm.Buffer, rn Operand) error {
	switch rn := rn.(type) {
	case nil, None:
		return emit(buf, branchReg{op: opRet, rn: LR})
	case Reg:
		return emit(buf, branchReg{op: opRet, rn: rn.id})
	default:
		panic(invalidOperands("ret", rn))
	}
}

// Brk raises a breakpoint exception with the given comment.
func Brk(buf asm.Buffer, imm16 uint16) error {
	return emit(buf, breakpoint{imm16: imm16})
}

func Nop(buf asm.Buffer) error { return emit32(buf, nopWord) }

// Mrs reads a system register.
func Mrs(buf asm.Buffer, rt Reg, reg SystemRegister) error {
	return emit(buf, sysReg{read: true, reg: reg, rt: rt.id})
}

// Msr writes a system register.
func Msr(buf asm.Buffer, reg SystemRegister, rt Reg) error {
	return emit(buf, sysReg{reg: reg, rt: rt.id})
}

// DcCvau cleans the data cache line holding the address in rt to the point
// of unification.
func DcCvau(buf asm.Buffer, rt Reg) error { return emit32(buf, dcCVAUWord|reg5(rt.id)) }

// IcIvau invalidates the instruction cache line holding the address in rt.
func IcIvau(buf asm.Buffer, rt Reg) error { return emit32(buf, icIVAUWord|reg5(rt.id)) }

func DsbISH(buf asm.Buffer) error { return emit32(buf, dsbISHWord) }
func DmbISH(buf asm.Buffer) error { return emit32(buf, dmbISHWord) }
func Isb(buf asm.Buffer) error    { return emit32(buf, isbWord) }

// Ldaddal atomically adds rs to [rn], returning the old value in rt.
func Ldaddal(buf asm.Buffer, rs, rt, rn Reg) error {
	sameSize("ldaddal", rs, rt)
	if rn.size != size64 {
		panic(invalidOperands("ldaddal", rs, rt, rn))
	}
	return emit(buf, atomic{size: rt.size, rs: rs.id, rn: rn.id, rt: rt.id})
}

// Ldaxr loads [rn] with acquire semantics and marks it for exclusive access.
func Ldaxr(buf asm.Buffer, rt, rn Reg) error {
	if rn.size != size64 {
		panic(invalidOperands("ldaxr", rt, rn))
	}
	return emit(buf, exclusive{size: rt.size, load: true, rn: rn.id, rt: rt.id})
}

// Stlxr stores rt to [rn] with release semantics if exclusive access is
// still held; rs receives 0 on success.
func Stlxr(buf asm.Buffer, rs, rt, rn Reg) error {
	if rs.size != size32 || rn.size != size64 {
		panic(invalidOperands("stlxr", rs, rt, rn))
	}
	return emit(buf, exclusive{size: rt.size, rs: rs.id, rn: rn.id, rt: rt.id})
}
