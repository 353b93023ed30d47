package arm64

import (
	"github.com/tinyrange/jit/internal/asm"
	arm64asm "github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/codebuf"
	"github.com/tinyrange/jit/internal/ir"
)

type backend struct{}

func init() {
	ir.RegisterBackend(backend{})
}

// Reg returns the 64-bit IR view of an AArch64 register.
func Reg(id arm64asm.RegID) ir.Reg {
	return ir.Reg{Num: uint8(id), Bits: 64}
}

var (
	// X0 is the first argument and the return register of native calls.
	X0 = Reg(arm64asm.X0)

	// Scratch registers never handed to the allocator.
	scratch0 = arm64asm.Reg64(arm64asm.X16)
	scratch1 = arm64asm.Reg64(arm64asm.X17)
)

var argumentRegs = []ir.Reg{
	Reg(arm64asm.X0), Reg(arm64asm.X1), Reg(arm64asm.X2), Reg(arm64asm.X3),
	Reg(arm64asm.X4), Reg(arm64asm.X5), Reg(arm64asm.X6), Reg(arm64asm.X7),
}

var allocatableRegs = []ir.Reg{
	Reg(arm64asm.X11), Reg(arm64asm.X12), Reg(arm64asm.X13),
	Reg(arm64asm.X14), Reg(arm64asm.X15),
}

// callerSaveRegs are saved by CPushAll. X16 and X17 are scratch and X18 is
// reserved by the platform.
var callerSaveRegs = []arm64asm.RegID{
	arm64asm.X0, arm64asm.X1, arm64asm.X2, arm64asm.X3,
	arm64asm.X4, arm64asm.X5, arm64asm.X6, arm64asm.X7,
	arm64asm.X8, arm64asm.X9, arm64asm.X10, arm64asm.X11,
	arm64asm.X12, arm64asm.X13, arm64asm.X14, arm64asm.X15,
}

func (backend) Architecture() asm.Architecture { return asm.ArchitectureARM64 }

func (backend) AllocatableRegs() []ir.Reg {
	return append([]ir.Reg(nil), allocatableRegs...)
}

func (backend) ReturnReg() ir.Reg { return X0 }

func (backend) Split(a *ir.Assembler) *ir.Assembler { return split(a) }

func (backend) Emit(a *ir.Assembler, cb *codebuf.CodeBlock, labels []asm.Label) ([]uint32, error) {
	e := &emitter{cb: cb, labels: labels}
	if err := e.run(a); err != nil {
		return nil, err
	}
	return e.gcOffsets, nil
}
