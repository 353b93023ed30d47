package amd64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

// RegID is the 4-bit hardware register number.
type RegID uint8

const (
	RAX RegID = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [16]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}

type operandSize uint8

const (
	size8  operandSize = 8
	size16 operandSize = 16
	size32 operandSize = 32
	size64 operandSize = 64
)

// Operand is one of None, Imm, UImm, Reg, Memory or RIPRel.
type Operand interface {
	isOperand()
}

// None marks an absent operand.
type None struct{}

// Imm is a signed immediate.
type Imm int64

// UImm is an unsigned immediate.
type UImm uint64

// RIPRel addresses memory relative to the end of the instruction.
type RIPRel int32

func (None) isOperand()   {}
func (Imm) isOperand()    {}
func (UImm) isOperand()   {}
func (RIPRel) isOperand() {}

func (i Imm) bits() operandSize  { return operandSize(asm.ImmNumBits(int64(i))) }
func (u UImm) bits() operandSize { return operandSize(asm.UimmNumBits(uint64(u))) }

// Reg represents a general-purpose register with an explicit operand size.
type Reg struct {
	id   RegID
	size operandSize
}

func (Reg) isOperand() {}

// Reg64 constructs a 64-bit register operand.
func Reg64(id RegID) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand.
func Reg32(id RegID) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand.
func Reg16(id RegID) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand. Numbers 4 to 7 name SPL, BPL,
// SIL and DIL, which need a REX prefix.
func Reg8(id RegID) Reg { return Reg{id: id, size: size8} }

func (r Reg) ID() RegID { return r.id }
func (r Reg) Bits() int { return int(r.size) }

// WithBits returns the same register viewed at another width.
func (r Reg) WithBits(bits int) Reg {
	return Reg{id: r.id, size: checkSize(bits)}
}

func (r Reg) String() string {
	if r.id >= R8 {
		switch r.size {
		case size8:
			return fmt.Sprintf("r%db", r.id)
		case size16:
			return fmt.Sprintf("r%dw", r.id)
		case size32:
			return fmt.Sprintf("r%dd", r.id)
		default:
			return fmt.Sprintf("r%d", r.id)
		}
	}
	name := regNames[r.id]
	switch r.size {
	case size8:
		if r.id < RSP {
			return name[:1] + "l"
		}
		return name + "l"
	case size16:
		return name
	case size32:
		return "e" + name
	default:
		return "r" + name
	}
}

func (r Reg) rexNeeded() bool {
	return r.id > 7 || (r.size == size8 && r.id >= 4)
}

// Memory describes a [base + index*scale + disp] access of a given width.
type Memory struct {
	base     RegID
	index    RegID
	disp     int32
	scale    uint8
	size     operandSize
	hasIndex bool
}

func (Memory) isOperand() {}

// Mem constructs a 64-bit memory operand referencing [base].
func Mem(base Reg) Memory {
	checkAddressReg("base", base)
	return Memory{base: base.id, scale: 1, size: size64}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	checkAddressReg("base", base)
	checkAddressReg("index", index)
	if index.id == RSP {
		panic("amd64 asm: rsp cannot be used as index register")
	}
	switch scale {
	case 1, 2, 4, 8:
	default:
		panic(fmt.Sprintf("amd64 asm: invalid index scale %d", scale))
	}
	return Memory{base: base.id, index: index.id, scale: scale, size: size64, hasIndex: true}
}

// WithDisp returns a copy of the memory operand with the supplied displacement.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// WithBits sets the width of the access.
func (m Memory) WithBits(bits int) Memory {
	m.size = checkSize(bits)
	return m
}

func (m Memory) Bits() int   { return int(m.size) }
func (m Memory) Disp() int32 { return m.disp }

func (m Memory) String() string {
	s := Reg64(m.base).String()
	if m.hasIndex {
		s += fmt.Sprintf("+%s*%d", Reg64(m.index), m.scale)
	}
	if m.disp != 0 {
		s += fmt.Sprintf("%+d", m.disp)
	}
	return fmt.Sprintf("%s [%s]", sizeName(m.size), s)
}

func (m Memory) rexNeeded() bool {
	return m.base > 7 || (m.hasIndex && m.index > 7)
}

func (m Memory) sibNeeded() bool {
	return m.hasIndex || m.base == RSP || m.base == R12
}

// dispSize is the width of the encoded displacement. RBP and R13 bases
// have no disp-less form.
func (m Memory) dispSize() int {
	switch {
	case m.disp != 0:
		if asm.ImmFitsBits(int64(m.disp), 8) {
			return 8
		}
		return 32
	case m.base == RBP || m.base == R13:
		return 8
	default:
		return 0
	}
}

// Condition is the low nibble shared by the jcc and cmovcc opcodes.
type Condition uint8

const (
	CondO  Condition = 0x0
	CondNO Condition = 0x1
	CondB  Condition = 0x2
	CondAE Condition = 0x3
	CondE  Condition = 0x4
	CondNE Condition = 0x5
	CondBE Condition = 0x6
	CondA  Condition = 0x7
	CondS  Condition = 0x8
	CondNS Condition = 0x9
	CondP  Condition = 0xa
	CondNP Condition = 0xb
	CondL  Condition = 0xc
	CondGE Condition = 0xd
	CondLE Condition = 0xe
	CondG  Condition = 0xf

	CondC  = CondB
	CondNC = CondAE
	CondZ  = CondE
	CondNZ = CondNE
)

// Invert returns the condition that holds exactly when c does not.
func (c Condition) Invert() Condition { return c ^ 1 }

func checkSize(bits int) operandSize {
	switch bits {
	case 8, 16, 32, 64:
		return operandSize(bits)
	default:
		panic(fmt.Sprintf("amd64 asm: invalid operand width %d", bits))
	}
}

func checkAddressReg(role string, r Reg) {
	if r.size != size64 {
		panic(fmt.Sprintf("amd64 asm: %s register %s must be 64-bit", role, r))
	}
}

func sizeName(size operandSize) string {
	switch size {
	case size8:
		return "byte"
	case size16:
		return "word"
	case size32:
		return "dword"
	default:
		return "qword"
	}
}

// operandBits returns the width of a register or memory operand.
func operandBits(op Operand) operandSize {
	switch op := op.(type) {
	case Reg:
		return op.size
	case Memory:
		return op.size
	default:
		panic(fmt.Sprintf("amd64 asm: operand %v has no width", op))
	}
}
