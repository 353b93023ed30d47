package arm64

import (
	"fmt"
)

// RegID is the 5-bit register number used in A64 encodings.
type RegID uint8

// Register identifiers. Number 31 is either the zero register or the stack
// pointer depending on the instruction that uses it.
const (
	X0 RegID = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	XZR

	SP = XZR
	FP = X29
	LR = X30
)

type operandSize uint8

const (
	size8  operandSize = 8
	size16 operandSize = 16
	size32 operandSize = 32
	size64 operandSize = 64
)

// Operand is one of None, Imm, UImm, Reg or Memory.
type Operand interface {
	isOperand()
}

// None marks an omitted optional operand.
type None struct{}

// Imm is a signed immediate operand.
type Imm int64

// UImm is an unsigned immediate operand.
type UImm uint64

func (None) isOperand() {}
func (Imm) isOperand()  {}
func (UImm) isOperand() {}

// Reg stores the register number plus the width used by the instruction.
type Reg struct {
	id   RegID
	size operandSize
}

func (Reg) isOperand() {}

func Reg64(id RegID) Reg { return Reg{id: id, size: size64} }
func Reg32(id RegID) Reg { return Reg{id: id, size: size32} }

// ID returns the encoded register number.
func (r Reg) ID() RegID { return r.id }

// Bits returns the operand width of the register.
func (r Reg) Bits() int { return int(r.size) }

// WithBits returns the same register viewed at another width.
func (r Reg) WithBits(bits int) Reg {
	switch bits {
	case 8, 16, 32, 64:
	default:
		panic(fmt.Sprintf("arm64 asm: invalid register width %d", bits))
	}
	return Reg{id: r.id, size: operandSize(bits)}
}

func (r Reg) String() string {
	switch {
	case r.id == XZR && r.size == size64:
		return "xzr"
	case r.id == XZR:
		return "wzr"
	case r.size == size64:
		return fmt.Sprintf("x%d", r.id)
	default:
		return fmt.Sprintf("w%d", r.id)
	}
}

// AddrMode selects how a memory operand's displacement is applied.
type AddrMode uint8

const (
	// Offset addresses base+disp without writeback.
	Offset AddrMode = iota
	// PreIndex adds disp to base before the access and writes it back.
	PreIndex
	// PostIndex accesses base and then adds disp to it.
	PostIndex
)

func (m AddrMode) String() string {
	switch m {
	case Offset:
		return "offset"
	case PreIndex:
		return "pre-index"
	case PostIndex:
		return "post-index"
	default:
		return fmt.Sprintf("AddrMode(%d)", uint8(m))
	}
}

// Memory represents [base, #disp] addressing of an access of a given width.
type Memory struct {
	base Reg
	disp int32
	size operandSize
	mode AddrMode
}

func (Memory) isOperand() {}

// Mem constructs a 64-bit access through base.
func Mem(base Reg) Memory {
	if base.size != size64 {
		panic(fmt.Sprintf("arm64 asm: memory base %s must be a 64-bit register", base))
	}
	return Memory{base: base, size: size64}
}

func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// WithBits sets the width of the access.
func (m Memory) WithBits(bits int) Memory {
	switch bits {
	case 8, 16, 32, 64:
	default:
		panic(fmt.Sprintf("arm64 asm: invalid memory access width %d", bits))
	}
	m.size = operandSize(bits)
	return m
}

func (m Memory) PreIndex() Memory  { m.mode = PreIndex; return m }
func (m Memory) PostIndex() Memory { m.mode = PostIndex; return m }

func (m Memory) Base() Reg      { return m.base }
func (m Memory) Disp() int32    { return m.disp }
func (m Memory) Bits() int      { return int(m.size) }
func (m Memory) Mode() AddrMode { return m.mode }

// Condition is the 4-bit condition field of conditional instructions.
type Condition uint8

const (
	CondEQ Condition = 0x0
	CondNE Condition = 0x1
	CondCS Condition = 0x2
	CondCC Condition = 0x3
	CondMI Condition = 0x4
	CondPL Condition = 0x5
	CondVS Condition = 0x6
	CondVC Condition = 0x7
	CondHI Condition = 0x8
	CondLS Condition = 0x9
	CondGE Condition = 0xa
	CondLT Condition = 0xb
	CondGT Condition = 0xc
	CondLE Condition = 0xd
	CondAL Condition = 0xe
	CondNV Condition = 0xf

	CondHS = CondCS
	CondLO = CondCC
)

// Invert returns the condition that holds exactly when c does not.
func (c Condition) Invert() Condition {
	if c == CondAL || c == CondNV {
		panic("arm64 asm: AL has no inverse")
	}
	return c ^ 1
}

// SystemRegister is the 15-bit o0:op1:CRn:CRm:op2 selector of MRS/MSR.
type SystemRegister uint16

const (
	// NZCV holds the condition flags.
	NZCV SystemRegister = 0b1_011_0100_0010_000
)

func sizeFlag(size operandSize) uint32 {
	switch size {
	case size64:
		return 1
	case size32:
		return 0
	default:
		panic(fmt.Sprintf("arm64 asm: invalid register width %d", size))
	}
}

func sameSize(op string, regs ...Reg) {
	for _, r := range regs[1:] {
		if r.size != regs[0].size {
			panic(fmt.Sprintf("arm64 asm: %s operands must be the same size (%s, %s)", op, regs[0], r))
		}
	}
}
