package amd64

import (
	"github.com/tinyrange/jit/internal/asm"
	amd64asm "github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/codebuf"
	"github.com/tinyrange/jit/internal/ir"
)

type backend struct{}

func init() {
	ir.RegisterBackend(backend{})
}

// Reg returns the 64-bit IR view of an x86-64 register.
func Reg(id amd64asm.RegID) ir.Reg {
	return ir.Reg{Num: uint8(id), Bits: 64}
}

var (
	RAX = Reg(amd64asm.RAX)

	// scratch is only used inside single emitted sequences.
	scratch = amd64asm.Reg64(amd64asm.R11)
)

var argumentRegs = []ir.Reg{
	Reg(amd64asm.RDI), Reg(amd64asm.RSI), Reg(amd64asm.RDX),
	Reg(amd64asm.RCX), Reg(amd64asm.R8), Reg(amd64asm.R9),
}

var allocatableRegs = []ir.Reg{
	Reg(amd64asm.RAX), Reg(amd64asm.RCX), Reg(amd64asm.RDX), Reg(amd64asm.RSI),
	Reg(amd64asm.RDI), Reg(amd64asm.R8), Reg(amd64asm.R9), Reg(amd64asm.R10),
}

var callerSaveRegs = []amd64asm.RegID{
	amd64asm.RAX, amd64asm.RCX, amd64asm.RDX, amd64asm.RSI, amd64asm.RDI,
	amd64asm.R8, amd64asm.R9, amd64asm.R10, amd64asm.R11,
}

func (backend) Architecture() asm.Architecture { return asm.ArchitectureX86_64 }

func (backend) AllocatableRegs() []ir.Reg {
	return append([]ir.Reg(nil), allocatableRegs...)
}

func (backend) ReturnReg() ir.Reg { return RAX }

func (backend) Split(a *ir.Assembler) *ir.Assembler { return split(a) }

func (backend) Emit(a *ir.Assembler, cb *codebuf.CodeBlock, labels []asm.Label) ([]uint32, error) {
	e := &emitter{cb: cb, labels: labels}
	if err := e.run(a); err != nil {
		return nil, err
	}
	return e.gcOffsets, nil
}
