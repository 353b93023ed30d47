package ir

import (
	"fmt"
	"strings"
)

// Op is the opcode of an IR instruction.
type Op uint8

const (
	// OpComment attaches text to the current code position.
	OpComment Op = iota
	// OpLabel binds a label at the current position.
	OpLabel
	// OpPosMarker reports the address the next instruction is emitted at.
	OpPosMarker
	// OpBakeString writes a NUL-terminated string into the code.
	OpBakeString

	// Two-operand arithmetic and logic, producing a new output.
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpNot
	OpLShift
	OpRShift
	OpURShift

	// OpLoad moves any operand into a fresh register.
	OpLoad
	// OpLoadSExt loads and sign-extends to 64 bits.
	OpLoadSExt
	// OpStore writes the second operand to the memory first operand.
	OpStore
	OpLea
	OpLeaLabel
	// OpMov copies the second operand into the first.
	OpMov

	OpTest
	OpCmp

	OpJmp
	OpJmpOpnd
	OpJl
	OpJle
	OpJg
	OpJge
	OpJbe
	OpJe
	OpJne
	OpJz
	OpJnz
	OpJo

	OpCSelZ
	OpCSelNZ
	OpCSelE
	OpCSelNE
	OpCSelL
	OpCSelLE
	OpCSelG
	OpCSelGE

	OpCPush
	OpCPop
	OpCPopInto
	// OpCPushAll saves the caller-saved registers and the flags.
	OpCPushAll
	OpCPopAll

	// OpCCall calls a native function with up to the platform's number of
	// register arguments.
	OpCCall
	OpCRet

	// OpIncrCounter atomically adds to a memory counter.
	OpIncrCounter
	OpBreakpoint
	OpFrameSetup
	OpFrameTeardown

	// OpLiveReg keeps a fixed register out of the allocation pool while
	// its output is live.
	OpLiveReg
)

var opNames = [...]string{
	OpComment:       "Comment",
	OpLabel:         "Label",
	OpPosMarker:     "PosMarker",
	OpBakeString:    "BakeString",
	OpAdd:           "Add",
	OpSub:           "Sub",
	OpAnd:           "And",
	OpOr:            "Or",
	OpXor:           "Xor",
	OpNot:           "Not",
	OpLShift:        "LShift",
	OpRShift:        "RShift",
	OpURShift:       "URShift",
	OpLoad:          "Load",
	OpLoadSExt:      "LoadSExt",
	OpStore:         "Store",
	OpLea:           "Lea",
	OpLeaLabel:      "LeaLabel",
	OpMov:           "Mov",
	OpTest:          "Test",
	OpCmp:           "Cmp",
	OpJmp:           "Jmp",
	OpJmpOpnd:       "JmpOpnd",
	OpJl:            "Jl",
	OpJle:           "Jle",
	OpJg:            "Jg",
	OpJge:           "Jge",
	OpJbe:           "Jbe",
	OpJe:            "Je",
	OpJne:           "Jne",
	OpJz:            "Jz",
	OpJnz:           "Jnz",
	OpJo:            "Jo",
	OpCSelZ:         "CSelZ",
	OpCSelNZ:        "CSelNZ",
	OpCSelE:         "CSelE",
	OpCSelNE:        "CSelNE",
	OpCSelL:         "CSelL",
	OpCSelLE:        "CSelLE",
	OpCSelG:         "CSelG",
	OpCSelGE:        "CSelGE",
	OpCPush:         "CPush",
	OpCPop:          "CPop",
	OpCPopInto:      "CPopInto",
	OpCPushAll:      "CPushAll",
	OpCPopAll:       "CPopAll",
	OpCCall:         "CCall",
	OpCRet:          "CRet",
	OpIncrCounter:   "IncrCounter",
	OpBreakpoint:    "Breakpoint",
	OpFrameSetup:    "FrameSetup",
	OpFrameTeardown: "FrameTeardown",
	OpLiveReg:       "LiveReg",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// HasOutput reports whether instructions with this opcode produce a value
// other instructions can use.
func (op Op) HasOutput() bool {
	switch op {
	case OpAdd, OpSub, OpAnd, OpOr, OpXor, OpNot,
		OpLShift, OpRShift, OpURShift,
		OpLoad, OpLoadSExt, OpLea, OpLeaLabel,
		OpCSelZ, OpCSelNZ, OpCSelE, OpCSelNE, OpCSelL, OpCSelLE, OpCSelG, OpCSelGE,
		OpCPop, OpCCall, OpLiveReg:
		return true
	default:
		return false
	}
}

// IsJump reports whether op is a branch to a Target.
func (op Op) IsJump() bool {
	switch op {
	case OpJmp, OpJl, OpJle, OpJg, OpJge, OpJbe, OpJe, OpJne, OpJz, OpJnz, OpJo:
		return true
	default:
		return false
	}
}

// PosMarkerFunc receives the buffer position and absolute address an
// instruction was emitted at once the code is linked.
type PosMarkerFunc func(pos int, addr uintptr)

// Insn is one IR instruction.
type Insn struct {
	Op     Op
	Text   string
	Opnds  []Opnd
	Out    Opnd
	Target Target
	Marker PosMarkerFunc
}

// outRefs calls fn with the index of every earlier output the instruction
// reads, memory bases included.
func (insn *Insn) outRefs(fn func(idx int)) {
	for _, o := range insn.Opnds {
		switch o := o.(type) {
		case Out:
			fn(o.Idx)
		case Mem:
			if b, ok := o.Base.(Out); ok {
				fn(b.Idx)
			}
		}
	}
}

func (insn Insn) String() string {
	var b strings.Builder
	b.WriteString(insn.Op.String())
	if insn.Text != "" {
		fmt.Fprintf(&b, " %q", insn.Text)
	}
	if insn.Target != nil {
		fmt.Fprintf(&b, " target=%v", insn.Target)
	}
	for i, o := range insn.Opnds {
		if i == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprint(&b, o)
	}
	if insn.Out != nil {
		if _, none := insn.Out.(None); !none {
			fmt.Fprintf(&b, " -> %v", insn.Out)
		}
	}
	return b.String()
}
