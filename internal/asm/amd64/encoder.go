package amd64

import (
	"fmt"
	"slices"

	"github.com/tinyrange/jit/internal/asm"
)

// Encoder is the asm.Encoder for x86-64 with the System V calling
// convention.
type Encoder struct{}

var _ asm.Encoder = Encoder{}

func init() {
	asm.RegisterEncoder(Encoder{})
}

func (Encoder) Architecture() asm.Architecture { return asm.ArchitectureX86_64 }

func (Encoder) InstructionAlign() int { return 1 }

// TrapByte is int3.
func (Encoder) TrapByte() byte { return 0xcc }

func (Encoder) Fill(buf asm.Buffer, n int) error { return Nop(buf, n) }

func (Encoder) Breakpoint(buf asm.Buffer) error { return Int3(buf) }

func (Encoder) Return(buf asm.Buffer) error { return Ret(buf) }

func (Encoder) Jump(buf asm.Buffer, target asm.Label) error { return JmpLabel(buf, target) }

func (Encoder) LoadImmediate(buf asm.Buffer, reg int, v uint64) error {
	return Mov(buf, Reg64(checkedReg(reg)), UImm(v))
}

func (Encoder) AddImmediate(buf asm.Buffer, reg int, v int64) error {
	return Add(buf, Reg64(checkedReg(reg)), Imm(v))
}

var argumentRegisters = []int{int(RDI), int(RSI), int(RDX), int(RCX), int(R8), int(R9)}

func (Encoder) ArgumentRegisters() []int { return slices.Clone(argumentRegisters) }

func (Encoder) ReturnRegister() int { return int(RAX) }

func checkedReg(reg int) RegID {
	if reg < 0 || reg > int(R15) {
		panic(fmt.Sprintf("amd64 asm: register number %d out of range", reg))
	}
	return RegID(reg)
}
