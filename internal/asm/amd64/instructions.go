package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/asm"
)

func alu(buf asm.Buffer, ops aluOps, dst, src Operand) error {
	code, err := encodeALU(ops, dst, src)
	if err != nil {
		return err
	}
	return buf.WriteBytes(code)
}

var (
	opsAdd = aluOps{name: "add", memReg8: 0x00, memReg: 0x01, regMem8: 0x02, regMem: 0x03, memImm8: 0x80, memImmSmall: 0x83, memImmLarge: 0x81, ext: 0}
	opsOr  = aluOps{name: "or", memReg8: 0x08, memReg: 0x09, regMem8: 0x0a, regMem: 0x0b, memImm8: 0x80, memImmSmall: 0x83, memImmLarge: 0x81, ext: 1}
	opsAnd = aluOps{name: "and", memReg8: 0x20, memReg: 0x21, regMem8: 0x22, regMem: 0x23, memImm8: 0x80, memImmSmall: 0x83, memImmLarge: 0x81, ext: 4}
	opsSub = aluOps{name: "sub", memReg8: 0x28, memReg: 0x29, regMem8: 0x2a, regMem: 0x2b, memImm8: 0x80, memImmSmall: 0x83, memImmLarge: 0x81, ext: 5}
	opsXor = aluOps{name: "xor", memReg8: 0x30, memReg: 0x31, regMem8: 0x32, regMem: 0x33, memImm8: 0x80, memImmSmall: 0x83, memImmLarge: 0x81, ext: 6}
	opsCmp = aluOps{name: "cmp", memReg8: 0x38, memReg: 0x39, regMem8: 0x3a, regMem: 0x3b, memImm8: 0x80, memImmSmall: 0x83, memImmLarge: 0x81, ext: 7}
	opsMov = aluOps{name: "mov", memReg8: 0x88, memReg: 0x89, regMem8: 0x8a, regMem: 0x8b, ext: noExt}
)

// Add computes dst += src.
func Add(buf asm.Buffer, dst, src Operand) error { return alu(buf, opsAdd, dst, src) }

// Or computes dst |= src.
func Or(buf asm.Buffer, dst, src Operand) error { return alu(buf, opsOr, dst, src) }

// And computes dst &= src.
func And(buf asm.Buffer, dst, src Operand) error { return alu(buf, opsAnd, dst, src) }

// Sub computes dst -= src.
func Sub(buf asm.Buffer, dst, src Operand) error { return alu(buf, opsSub, dst, src) }

// Xor computes dst ^= src.
func Xor(buf asm.Buffer, dst, src Operand) error { return alu(buf, opsXor, dst, src) }

// Cmp sets flags from dst - src.
func Cmp(buf asm.Buffer, dst, src Operand) error { return alu(buf, opsCmp, dst, src) }

// Mov copies src into dst. Register destinations with an immediate use the
// shortest form that loads the same 64-bit value.
func Mov(buf asm.Buffer, dst, src Operand) error {
	code, err := encodeMov(dst, src)
	if err != nil {
		return err
	}
	return buf.WriteBytes(code)
}

func encodeMov(dst, src Operand) ([]byte, error) {
	switch d := dst.(type) {
	case Reg:
		switch s := src.(type) {
		case Imm:
			if s.bits() > d.size {
				return nil, immTooWide("mov", int64(s), d.size)
			}
			if d.size == size64 && s > 0 && s.bits() <= size32 {
				return appendImm(opcodeReg(false, d, 0xb8), uint64(s), size32), nil
			}
			return movRegImm(d, uint64(s)), nil
		case UImm:
			if s.bits() > d.size {
				return nil, immTooWide("mov", uint64(s), d.size)
			}
			if d.size == size64 && uint64(s) <= math.MaxUint32 {
				return appendImm(opcodeReg(false, d, 0xb8), uint64(s), size32), nil
			}
			return movRegImm(d, uint64(s)), nil
		}
	case Memory:
		switch s := src.(type) {
		case Imm:
			if s.bits() > d.size || (d.size == size64 && s.bits() > size32) {
				return nil, immTooWide("mov", int64(s), min(d.size, size32))
			}
			return movMemImm(d, uint64(s)), nil
		case UImm:
			if s.bits() > d.size || (d.size == size64 && uint64(s) > math.MaxInt32) {
				return nil, immTooWide("mov", uint64(s), min(d.size, size32))
			}
			return movMemImm(d, uint64(s)), nil
		}
	}
	return encodeALU(opsMov, dst, src)
}

func movRegImm(d Reg, v uint64) []byte {
	opcode := byte(0xb8)
	if d.size == size8 {
		opcode = 0xb0
	}
	return appendImm(opcodeReg(d.size == size64, d, opcode), v, d.size)
}

func movMemImm(d Memory, v uint64) []byte {
	var out []byte
	if d.size == size8 {
		out = rmInst{rm: d, ext: 0, opcode: []byte{0xc6}}.encode()
	} else {
		out = rmInst{size16: d.size == size16, rexW: d.size == size64, rm: d, ext: 0, opcode: []byte{0xc7}}.encode()
	}
	return appendImm(out, v, min(d.size, size32))
}

// Movabs always loads the full 64-bit immediate, so the value can be
// rewritten in place later.
func Movabs(buf asm.Buffer, dst Reg, v uint64) error {
	if dst.size != size64 {
		panic(invalidOperands("movabs", dst))
	}
	return buf.WriteBytes(appendImm(opcodeReg(true, dst, 0xb8), v, size64))
}

// Movsx sign-extends a narrower register or memory operand into dst.
func Movsx(buf asm.Buffer, dst Reg, src Operand) error {
	switch src.(type) {
	case Reg, Memory:
	default:
		panic(invalidOperands("movsx", dst, src))
	}
	srcBits := operandBits(src)
	if srcBits >= dst.size {
		panic(fmt.Sprintf("amd64 asm: movsx source %v must be narrower than %v", src, dst))
	}
	in := rmInst{size16: dst.size == size16, rexW: dst.size == size64, reg: dst, rm: src, ext: noExt}
	switch srcBits {
	case size8:
		in.opcode = []byte{0x0f, 0xbe}
	case size16:
		in.opcode = []byte{0x0f, 0xbf}
	default:
		in.rexW = true
		in.opcode = []byte{0x63}
	}
	return buf.WriteBytes(in.encode())
}

// Movzx zero-extends an 8- or 16-bit operand into dst.
func Movzx(buf asm.Buffer, dst Reg, src Operand) error {
	switch src.(type) {
	case Reg, Memory:
	default:
		panic(invalidOperands("movzx", dst, src))
	}
	in := rmInst{size16: dst.size == size16, rexW: dst.size == size64, reg: dst, rm: src, ext: noExt}
	switch bits := operandBits(src); {
	case bits >= dst.size:
		panic(fmt.Sprintf("amd64 asm: movzx source %v must be narrower than %v", src, dst))
	case bits == size8:
		in.opcode = []byte{0x0f, 0xb6}
	case bits == size16:
		in.opcode = []byte{0x0f, 0xb7}
	default:
		panic(invalidOperands("movzx", dst, src))
	}
	return buf.WriteBytes(in.encode())
}

// Lea loads the effective address of src into dst.
func Lea(buf asm.Buffer, dst Reg, src Operand) error {
	if dst.size != size64 {
		panic(invalidOperands("lea", dst, src))
	}
	switch src.(type) {
	case Memory, RIPRel:
	default:
		panic(invalidOperands("lea", dst, src))
	}
	return buf.WriteBytes(rmInst{rexW: true, reg: dst, rm: src, ext: noExt, opcode: []byte{0x8d}}.encode())
}

// Imul computes a = a * b on 64-bit operands. A memory first operand is
// swapped with the register since only r64, r/m64 exists.
func Imul(buf asm.Buffer, a, b Operand) error {
	if operandBits(a) != size64 || operandBits(b) != size64 {
		panic(invalidOperands("imul", a, b))
	}
	reg, rm := a, b
	if _, ok := a.(Memory); ok {
		reg, rm = b, a
	}
	if _, ok := reg.(Reg); !ok {
		panic(invalidOperands("imul", a, b))
	}
	return buf.WriteBytes(rmInst{rexW: true, reg: reg, rm: rm, ext: noExt, opcode: []byte{0x0f, 0xaf}}.encode())
}

func unary(name string, ext int, op Operand) []byte {
	switch op.(type) {
	case Reg, Memory:
	default:
		panic(invalidOperands(name, op))
	}
	size := operandBits(op)
	if size == size8 {
		return rmInst{rm: op, ext: ext, opcode: []byte{0xf6}}.encode()
	}
	return rmInst{size16: size == size16, rexW: size == size64, rm: op, ext: ext, opcode: []byte{0xf7}}.encode()
}

// Not computes op = ^op.
func Not(buf asm.Buffer, op Operand) error { return buf.WriteBytes(unary("not", 2, op)) }

// Neg computes op = -op.
func Neg(buf asm.Buffer, op Operand) error { return buf.WriteBytes(unary("neg", 3, op)) }

func shift(buf asm.Buffer, name string, ext int, dst, count Operand) error {
	switch dst.(type) {
	case Reg, Memory:
	default:
		panic(invalidOperands(name, dst, count))
	}
	size := operandBits(dst)
	if size == size8 {
		panic(invalidOperands(name, dst, count))
	}
	in := rmInst{size16: size == size16, rexW: size == size64, rm: dst, ext: ext}
	switch c := count.(type) {
	case UImm:
		if c == 1 {
			in.opcode = []byte{0xd1}
			return buf.WriteBytes(in.encode())
		}
		if c.bits() > size8 {
			return immTooWide(name, uint64(c), size8)
		}
		in.opcode = []byte{0xc1}
		return buf.WriteBytes(append(in.encode(), byte(c)))
	case Reg:
		if c.id != RCX {
			panic(fmt.Sprintf("amd64 asm: %s count must be cl, got %v", name, c))
		}
		in.opcode = []byte{0xd3}
		return buf.WriteBytes(in.encode())
	default:
		panic(invalidOperands(name, dst, count))
	}
}

// Shl shifts dst left by a UImm count or by CL.
func Shl(buf asm.Buffer, dst, count Operand) error { return shift(buf, "shl", 4, dst, count) }

// Sal is Shl.
func Sal(buf asm.Buffer, dst, count Operand) error { return shift(buf, "sal", 4, dst, count) }

// Shr shifts dst right, filling with zeros.
func Shr(buf asm.Buffer, dst, count Operand) error { return shift(buf, "shr", 5, dst, count) }

// Sar shifts dst right, filling with the sign bit.
func Sar(buf asm.Buffer, dst, count Operand) error { return shift(buf, "sar", 7, dst, count) }

// Test sets flags from dst & src. An unsigned immediate narrows the access
// to the smallest width that holds it.
func Test(buf asm.Buffer, dst, src Operand) error {
	code, err := encodeTest(dst, src)
	if err != nil {
		return err
	}
	return buf.WriteBytes(code)
}

func encodeTest(dst, src Operand) ([]byte, error) {
	switch dst.(type) {
	case Reg, Memory:
	default:
		panic(invalidOperands("test", dst, src))
	}
	size := operandBits(dst)
	switch s := src.(type) {
	case UImm:
		bits := s.bits()
		if bits > size32 || bits > size {
			return nil, immTooWide("test", uint64(s), min(size, size32))
		}
		narrow := resize(dst, bits)
		if bits == size8 {
			return appendImm(rmInst{rm: narrow, ext: 0, opcode: []byte{0xf6}}.encode(), uint64(s), size8), nil
		}
		return appendImm(rmInst{size16: bits == size16, rm: narrow, ext: 0, opcode: []byte{0xf7}}.encode(), uint64(s), bits), nil
	case Imm:
		if size != size64 {
			panic(invalidOperands("test", dst, src))
		}
		if s.bits() > size32 {
			return nil, immTooWide("test", int64(s), size32)
		}
		return appendImm(rmInst{rexW: true, rm: dst, ext: 0, opcode: []byte{0xf7}}.encode(), uint64(s), size32), nil
	case Reg:
		if s.size != size {
			panic(fmt.Sprintf("amd64 asm: test operands must be the same size (%v, %v)", dst, src))
		}
		if size == size8 {
			return rmInst{reg: s, rm: dst, ext: noExt, opcode: []byte{0x84}}.encode(), nil
		}
		return rmInst{size16: size == size16, rexW: size == size64, reg: s, rm: dst, ext: noExt, opcode: []byte{0x85}}.encode(), nil
	default:
		panic(invalidOperands("test", dst, src))
	}
}

func resize(op Operand, bits operandSize) Operand {
	switch op := op.(type) {
	case Reg:
		op.size = bits
		return op
	case Memory:
		op.size = bits
		return op
	default:
		panic(fmt.Sprintf("amd64 asm: cannot resize %v", op))
	}
}

// Cmov moves src into dst when cond holds.
func Cmov(buf asm.Buffer, cond Condition, dst Reg, src Operand) error {
	switch src.(type) {
	case Reg, Memory:
	default:
		panic(invalidOperands("cmov", dst, src))
	}
	if dst.size < size16 {
		panic(invalidOperands("cmov", dst, src))
	}
	return buf.WriteBytes(rmInst{
		size16: dst.size == size16,
		rexW:   dst.size == size64,
		reg:    dst,
		rm:     src,
		ext:    noExt,
		opcode: []byte{0x0f, 0x40 | byte(cond&0xf)},
	}.encode())
}

// Xchg swaps two 64-bit registers.
func Xchg(buf asm.Buffer, a, b Reg) error {
	if a.size != size64 || b.size != size64 {
		panic(invalidOperands("xchg", a, b))
	}
	if a.id == RAX {
		return buf.WriteBytes(opcodeReg(true, b, 0x90))
	}
	return buf.WriteBytes(rmInst{rexW: true, reg: b, rm: a, ext: noExt, opcode: []byte{0x87}}.encode())
}

// Push pushes a 64-bit register or memory operand.
func Push(buf asm.Buffer, op Operand) error {
	switch op := op.(type) {
	case Reg:
		if op.size != size64 {
			panic(invalidOperands("push", op))
		}
		return buf.WriteBytes(opcodeReg(false, op, 0x50))
	case Memory:
		return buf.WriteBytes(rmInst{rm: op, ext: 6, opcode: []byte{0xff}}.encode())
	default:
		panic(invalidOperands("push", op))
	}
}

// Pop pops into a 64-bit register or memory operand.
func Pop(buf asm.Buffer, op Operand) error {
	switch op := op.(type) {
	case Reg:
		if op.size != size64 {
			panic(invalidOperands("pop", op))
		}
		return buf.WriteBytes(opcodeReg(false, op, 0x58))
	case Memory:
		if op.size != size64 {
			panic(invalidOperands("pop", op))
		}
		return buf.WriteBytes(rmInst{rm: op, ext: 0, opcode: []byte{0x8f}}.encode())
	default:
		panic(invalidOperands("pop", op))
	}
}

// Call calls through a register or memory operand.
func Call(buf asm.Buffer, target Operand) error {
	return buf.WriteBytes(rmInst{rm: target, ext: 2, opcode: []byte{0xff}}.encode())
}

// Jmp jumps through a register or memory operand.
func Jmp(buf asm.Buffer, target Operand) error {
	return buf.WriteBytes(rmInst{rm: target, ext: 4, opcode: []byte{0xff}}.encode())
}

// CallRel32 calls the address rel bytes past the end of the instruction.
func CallRel32(buf asm.Buffer, rel int32) error {
	return buf.WriteBytes(appendImm([]byte{0xe8}, uint64(rel), size32))
}

// JmpRel32 jumps rel bytes past the end of the instruction.
func JmpRel32(buf asm.Buffer, rel int32) error {
	return buf.WriteBytes(appendImm([]byte{0xe9}, uint64(rel), size32))
}

func rel32To(buf asm.Buffer, size int, target uintptr) (int32, bool) {
	end := buf.AddrOf(buf.WritePos() + size)
	rel := int64(target) - int64(end)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return 0, false
	}
	return int32(rel), true
}

// CallPtr calls an absolute address, through scratch when it is out of
// rel32 range.
func CallPtr(buf asm.Buffer, scratch Reg, target uintptr) error {
	if rel, ok := rel32To(buf, 5, target); ok {
		return CallRel32(buf, rel)
	}
	code, err := encodeMov(scratch, UImm(target))
	if err != nil {
		return err
	}
	return buf.WriteBytes(append(code, rmInst{rm: scratch, ext: 2, opcode: []byte{0xff}}.encode()...))
}

// JmpPtr jumps to an absolute address within rel32 range.
func JmpPtr(buf asm.Buffer, target uintptr) error {
	rel, ok := rel32To(buf, 5, target)
	if !ok {
		return fmt.Errorf("amd64 asm: jmp target %#x out of rel32 range: %w", target, asm.ErrInvalidImmediate)
	}
	return JmpRel32(buf, rel)
}

// JccPtr jumps to an absolute address within rel32 range when cond holds.
func JccPtr(buf asm.Buffer, cond Condition, target uintptr) error {
	rel, ok := rel32To(buf, 6, target)
	if !ok {
		return fmt.Errorf("amd64 asm: jcc target %#x out of rel32 range: %w", target, asm.ErrInvalidImmediate)
	}
	return buf.WriteBytes(appendImm([]byte{0x0f, 0x80 | byte(cond&0xf)}, uint64(rel), size32))
}

func Ret(buf asm.Buffer) error    { return buf.WriteByte(0xc3) }
func Int3(buf asm.Buffer) error   { return buf.WriteByte(0xcc) }
func Ud2(buf asm.Buffer) error    { return buf.WriteBytes([]byte{0x0f, 0x0b}) }
func Cdq(buf asm.Buffer) error    { return buf.WriteByte(0x99) }
func Cqo(buf asm.Buffer) error    { return buf.WriteBytes([]byte{0x48, 0x99}) }
func Pushfq(buf asm.Buffer) error { return buf.WriteByte(0x9c) }
func Popfq(buf asm.Buffer) error  { return buf.WriteBytes([]byte{0x48, 0x9d}) }

// Lock prefixes the next instruction.
func Lock(buf asm.Buffer) error { return buf.WriteByte(0xf0) }

var nops = [...][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0f, 0x1f, 0x00},
	4: {0x0f, 0x1f, 0x40, 0x00},
	5: {0x0f, 0x1f, 0x44, 0x00, 0x00},
	6: {0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	7: {0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	9: {0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// Nop writes n bytes of recommended multi-byte no-ops, nine bytes at a
// time.
func Nop(buf asm.Buffer, n int) error {
	if n < 0 {
		panic(fmt.Sprintf("amd64 asm: negative nop length %d", n))
	}
	out := make([]byte, 0, n)
	for ; n > 9; n -= 9 {
		out = append(out, nops[9]...)
	}
	if n > 0 {
		out = append(out, nops[n]...)
	}
	return buf.WriteBytes(out)
}
