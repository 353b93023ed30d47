package ir

import (
	"fmt"
	"strings"
)

// Reg is a machine register as the IR sees it: the hardware number plus
// the width it is accessed at. Backends translate it to their own type.
type Reg struct {
	Num  uint8
	Bits uint8
}

// SubReg returns the same register accessed at another width.
func (r Reg) SubReg(bits uint8) Reg {
	checkBits(bits)
	return Reg{Num: r.Num, Bits: bits}
}

func (r Reg) String() string { return fmt.Sprintf("r%d/%d", r.Num, r.Bits) }

// Opnd is one of None, Value, Out, Imm, UImm, Mem or Reg.
type Opnd interface {
	isOpnd()
}

// None marks an absent operand or an instruction without an output.
type None struct{}

// Value is a word of the host language embedded in the code. Heap values
// may be moved by the collector, so their position in the emitted code is
// reported back from Compile.
type Value struct {
	Word uint64
	Heap bool
}

// Out is the output of the instruction at index Idx of the same Assembler,
// a virtual register until AllocRegs replaces it.
type Out struct {
	Idx  int
	Bits uint8
}

// Imm is a raw signed immediate.
type Imm int64

// UImm is a raw unsigned immediate.
type UImm uint64

// Mem is a Bits-wide access at Base+Disp. Base is a Reg or an Out.
type Mem struct {
	Base Opnd
	Disp int32
	Bits uint8
}

func (None) isOpnd()  {}
func (Value) isOpnd() {}
func (Out) isOpnd()   {}
func (Imm) isOpnd()   {}
func (UImm) isOpnd()  {}
func (Mem) isOpnd()   {}
func (Reg) isOpnd()   {}

// NewMem builds a memory operand. The base must be a 64-bit register or
// instruction output.
func NewMem(bits uint8, base Opnd, disp int32) Mem {
	checkBits(bits)
	switch b := base.(type) {
	case Reg:
		if b.Bits != 64 {
			panic(fmt.Sprintf("ir: memory base %v must be 64-bit", b))
		}
	case Out:
		if b.Bits != 64 {
			panic(fmt.Sprintf("ir: memory base %v must be 64-bit", b))
		}
	default:
		panic(fmt.Sprintf("ir: memory operand with non-register base %v", base))
	}
	return Mem{Base: base, Disp: disp, Bits: bits}
}

// ConstPtr is an unsigned immediate holding an address.
func ConstPtr(p uintptr) UImm { return UImm(p) }

func (v Value) String() string {
	if v.Heap {
		return fmt.Sprintf("Value(heap %#x)", v.Word)
	}
	return fmt.Sprintf("Value(%#x)", v.Word)
}

func (o Out) String() string  { return fmt.Sprintf("Out%d(%d)", o.Bits, o.Idx) }
func (i Imm) String() string  { return fmt.Sprintf("%#x_i64", int64(i)) }
func (u UImm) String() string { return fmt.Sprintf("%#x_u64", uint64(u)) }

func (m Mem) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mem%d[%v", m.Bits, m.Base)
	if m.Disp > 0 {
		fmt.Fprintf(&b, " + %d", m.Disp)
	} else if m.Disp < 0 {
		fmt.Fprintf(&b, " - %d", -int64(m.Disp))
	}
	b.WriteString("]")
	return b.String()
}

// numBits returns the width of register-like operands.
func numBits(o Opnd) (uint8, bool) {
	switch o := o.(type) {
	case Reg:
		return o.Bits, true
	case Out:
		return o.Bits, true
	case Mem:
		return o.Bits, true
	default:
		return 0, false
	}
}

const defaultNumBits = 64

// matchNumBits is the width shared by every sized operand, 64 when none
// has a width. Mixed widths are a bug in the caller.
func matchNumBits(opnds []Opnd) uint8 {
	var bits uint8
	for _, o := range opnds {
		n, ok := numBits(o)
		if !ok {
			continue
		}
		if bits != 0 && n != bits {
			panic(fmt.Sprintf("ir: operands of mismatched widths %v", opnds))
		}
		bits = n
	}
	if bits == 0 {
		return defaultNumBits
	}
	return bits
}

func checkBits(bits uint8) {
	switch bits {
	case 8, 16, 32, 64:
	default:
		panic(fmt.Sprintf("ir: invalid operand width %d", bits))
	}
}

// Target is the destination of a branch or call: a CodePtr, a FuncPtr or
// a Label.
type Target interface {
	isTarget()
}

// CodePtr is an absolute address of generated code.
type CodePtr uintptr

// FuncPtr is the address of a native function following the platform
// calling convention.
type FuncPtr uintptr

// Label is an index into the Assembler's label names.
type Label int

func (CodePtr) isTarget() {}
func (FuncPtr) isTarget() {}
func (Label) isTarget()   {}
