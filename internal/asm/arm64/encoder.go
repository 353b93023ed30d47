package arm64

import (
	"fmt"
	"slices"

	"github.com/tinyrange/jit/internal/asm"
)

// Encoder is the asm.Encoder for AArch64.
type Encoder struct{}

var _ asm.Encoder = Encoder{}

func init() {
	asm.RegisterEncoder(Encoder{})
}

func (Encoder) Architecture() asm.Architecture { return asm.ArchitectureARM64 }

func (Encoder) InstructionAlign() int { return 4 }

// TrapByte is zero: a zero word is a permanently undefined instruction.
func (Encoder) TrapByte() byte { return 0 }

func (Encoder) Fill(buf asm.Buffer, n int) error {
	if n%4 != 0 {
		return fmt.Errorf("arm64 asm: cannot fill %d bytes with 4-byte instructions", n)
	}
	for ; n > 0; n -= 4 {
		if err := Nop(buf); err != nil {
			return err
		}
	}
	return nil
}

func (Encoder) Breakpoint(buf asm.Buffer) error { return Brk(buf, 0) }

func (Encoder) Return(buf asm.Buffer) error { return Ret(buf, None{}) }

func (Encoder) Jump(buf asm.Buffer, target asm.Label) error { return BLabel(buf, target) }

func (Encoder) LoadImmediate(buf asm.Buffer, reg int, v uint64) error {
	return LoadValue(buf, Reg64(checkedReg(reg)), v)
}

func (Encoder) AddImmediate(buf asm.Buffer, reg int, v int64) error {
	r := Reg64(checkedReg(reg))
	return Add(buf, r, r, Imm(v))
}

var argumentRegisters = []int{0, 1, 2, 3, 4, 5, 6, 7}

func (Encoder) ArgumentRegisters() []int { return slices.Clone(argumentRegisters) }

func (Encoder) ReturnRegister() int { return int(X0) }

func checkedReg(reg int) RegID {
	if reg < 0 || reg > int(XZR) {
		panic(fmt.Sprintf("arm64 asm: register number %d out of range", reg))
	}
	return RegID(reg)
}
