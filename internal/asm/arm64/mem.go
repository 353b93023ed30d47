package arm64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

// MemDispFitsBits reports whether disp can be used directly by the 9-bit
// unscaled, pre-index and post-index forms.
func MemDispFitsBits(disp int32) bool {
	return asm.ImmFitsBits(int64(disp), 9)
}

func disp9(op string, mem Memory) (int16, error) {
	if !MemDispFitsBits(mem.disp) {
		return 0, fmt.Errorf("arm64 asm: %s displacement %d: %w", op, mem.disp, asm.ErrInvalidImmediate)
	}
	return int16(mem.disp), nil
}

func indexField(mode AddrMode) uint32 {
	switch mode {
	case PreIndex:
		return idxPreIndex
	case PostIndex:
		return idxPostIndex
	default:
		return idxUnscaled
	}
}

func loadStore9(buf asm.Buffer, op string, opc uint32, size operandSize, rt Reg, mem Memory, mode AddrMode) error {
	imm, err := disp9(op, mem)
	if err != nil {
		return err
	}
	return emit(buf, loadStore{size: size, opc: opc, idx: indexField(mode), imm9: imm, rn: mem.base.id, rt: rt.id})
}

func checkAccess(op string, rt Reg, mem Memory) {
	if rt.size != mem.size {
		panic(fmt.Sprintf("arm64 asm: %s register %s does not match %d-bit access", op, rt, mem.size))
	}
}

// Ldur loads rt from [base, #disp] with a 9-bit unscaled displacement.
// A bare register is treated as [reg, #0].
func Ldur(buf asm.Buffer, rt Reg, rn Operand) error {
	switch rn := rn.(type) {
	case Reg:
		sameSize("ldur", rt, rn)
		return emit(buf, loadStore{size: rt.size, opc: opcLoad, idx: idxUnscaled, rn: rn.id, rt: rt.id})
	case Memory:
		checkAccess("ldur", rt, rn)
		return loadStore9(buf, "ldur", opcLoad, rt.size, rt, rn, Offset)
	default:
		panic(invalidOperands("ldur", rt, rn))
	}
}

// Ldurb loads a zero-extended byte.
func Ldurb(buf asm.Buffer, rt Reg, mem Memory) error {
	return loadStore9(buf, "ldurb", opcLoad, size8, rt, mem, Offset)
}

// Ldurh loads a zero-extended halfword.
func Ldurh(buf asm.Buffer, rt Reg, mem Memory) error {
	return loadStore9(buf, "ldurh", opcLoad, size16, rt, mem, Offset)
}

// Ldursw loads a sign-extended word into a 64-bit register.
func Ldursw(buf asm.Buffer, rt Reg, mem Memory) error {
	if rt.size != size64 {
		panic(invalidOperands("ldursw", rt, mem))
	}
	return loadStore9(buf, "ldursw", opcLoadSigned, size32, rt, mem, Offset)
}

// Stur stores rt to [base, #disp]; the width of the access comes from mem.
func Stur(buf asm.Buffer, rt Reg, mem Memory) error {
	if mem.size != size32 && mem.size != size64 {
		panic(invalidOperands("stur", rt, mem))
	}
	return loadStore9(buf, "stur", opcStore, mem.size, rt, mem, Offset)
}

// Sturh stores the low halfword of rt.
func Sturh(buf asm.Buffer, rt Reg, mem Memory) error {
	return loadStore9(buf, "sturh", opcStore, size16, rt, mem, Offset)
}

// Sturb stores the low byte of rt.
func Sturb(buf asm.Buffer, rt Reg, mem Memory) error {
	return loadStore9(buf, "sturb", opcStore, size8, rt, mem, Offset)
}

// LdrPre loads rt from base+disp and writes the address back to base.
func LdrPre(buf asm.Buffer, rt Reg, mem Memory) error {
	checkAccess("ldr", rt, mem)
	return loadStore9(buf, "ldr", opcLoad, rt.size, rt, mem, PreIndex)
}

// LdrPost loads rt from base and then adds disp to base.
func LdrPost(buf asm.Buffer, rt Reg, mem Memory) error {
	checkAccess("ldr", rt, mem)
	return loadStore9(buf, "ldr", opcLoad, rt.size, rt, mem, PostIndex)
}

// StrPre stores rt to base+disp and writes the address back to base.
func StrPre(buf asm.Buffer, rt Reg, mem Memory) error {
	checkAccess("str", rt, mem)
	return loadStore9(buf, "str", opcStore, rt.size, rt, mem, PreIndex)
}

// StrPost stores rt to base and then adds disp to base.
func StrPost(buf asm.Buffer, rt Reg, mem Memory) error {
	checkAccess("str", rt, mem)
	return loadStore9(buf, "str", opcStore, rt.size, rt, mem, PostIndex)
}

// LdrReg loads rt from [rn, rm].
func LdrReg(buf asm.Buffer, rt, rn, rm Reg) error {
	sameSize("ldr", rt, rn, rm)
	return emit(buf, registerOffset{size: rt.size, opc: opcLoad, rm: rm.id, rn: rn.id, rt: rt.id})
}

// LdrLiteral loads rt from pc+offset.
func LdrLiteral(buf asm.Buffer, rt Reg, offset InstructionOffset) error {
	return emit(buf, loadLiteral{size: rt.size, offset: offset, rt: rt.id})
}

func scaled12(op string, mem Memory, size operandSize) (uint16, error) {
	unit := int32(size / 8)
	if mem.disp < 0 || mem.disp%unit != 0 || mem.disp/unit > 0xfff {
		return 0, fmt.Errorf("arm64 asm: %s displacement %d: %w", op, mem.disp, asm.ErrInvalidImmediate)
	}
	return uint16(mem.disp / unit), nil
}

// LdrUnsigned loads rt from [base, #disp] where disp is a non-negative
// multiple of the access size below 4096 accesses.
func LdrUnsigned(buf asm.Buffer, rt Reg, mem Memory) error {
	imm, err := scaled12("ldr", mem, mem.size)
	if err != nil {
		return err
	}
	return emit(buf, unsignedOffset{size: mem.size, opc: opcLoad, imm12: imm, rn: mem.base.id, rt: rt.id})
}

// StrUnsigned is the store counterpart of LdrUnsigned.
func StrUnsigned(buf asm.Buffer, rt Reg, mem Memory) error {
	imm, err := scaled12("str", mem, mem.size)
	if err != nil {
		return err
	}
	return emit(buf, unsignedOffset{size: mem.size, opc: opcStore, imm12: imm, rn: mem.base.id, rt: rt.id})
}

func halfword(buf asm.Buffer, op string, opc uint32, rt Reg, mem Memory, mode AddrMode) error {
	if rt.size != size32 {
		panic(invalidOperands(op, rt, mem))
	}
	if mode == Offset {
		imm, err := scaled12(op, mem, size16)
		if err != nil {
			return err
		}
		return emit(buf, unsignedOffset{size: size16, opc: opc, imm12: imm, rn: mem.base.id, rt: rt.id})
	}
	return loadStore9(buf, op, opc, size16, rt, mem, mode)
}

// Ldrh loads a halfword from [base, #disp], disp scaled by 2.
func Ldrh(buf asm.Buffer, rt Reg, mem Memory) error {
	return halfword(buf, "ldrh", opcLoad, rt, mem, Offset)
}

func LdrhPre(buf asm.Buffer, rt Reg, mem Memory) error {
	return halfword(buf, "ldrh", opcLoad, rt, mem, PreIndex)
}

func LdrhPost(buf asm.Buffer, rt Reg, mem Memory) error {
	return halfword(buf, "ldrh", opcLoad, rt, mem, PostIndex)
}

// Strh stores a halfword to [base, #disp], disp scaled by 2.
func Strh(buf asm.Buffer, rt Reg, mem Memory) error {
	return halfword(buf, "strh", opcStore, rt, mem, Offset)
}

func StrhPre(buf asm.Buffer, rt Reg, mem Memory) error {
	return halfword(buf, "strh", opcStore, rt, mem, PreIndex)
}

func StrhPost(buf asm.Buffer, rt Reg, mem Memory) error {
	return halfword(buf, "strh", opcStore, rt, mem, PostIndex)
}

func pair(buf asm.Buffer, op string, load bool, idx uint32, rt1, rt2 Reg, mem Memory) error {
	sameSize(op, rt1, rt2)
	if rt1.id == rt2.id {
		panic(fmt.Sprintf("arm64 asm: %s of the same register %s is unpredictable", op, rt1))
	}
	// The displacement is a signed 7-bit count of register-sized slots.
	scale := int32(4)
	if rt1.size == size64 {
		scale = 8
	}
	if mem.disp%scale != 0 || !asm.ImmFitsBits(int64(mem.disp/scale), 7) {
		return fmt.Errorf("arm64 asm: %s displacement %d for %d-byte registers: %w", op, mem.disp, scale, asm.ErrInvalidImmediate)
	}
	return emit(buf, registerPair{size: rt1.size, load: load, idx: idx, disp: int16(mem.disp), rt1: rt1.id, rt2: rt2.id, rn: mem.base.id})
}

func pairIndex(mode AddrMode) uint32 {
	switch mode {
	case PreIndex:
		return pairPreIndex
	case PostIndex:
		return pairPostIndex
	default:
		return pairOffset
	}
}

// Ldp loads a pair of registers. The addressing mode comes from mem.
func Ldp(buf asm.Buffer, rt1, rt2 Reg, mem Memory) error {
	return pair(buf, "ldp", true, pairIndex(mem.mode), rt1, rt2, mem)
}

// Stp stores a pair of registers. The addressing mode comes from mem.
func Stp(buf asm.Buffer, rt1, rt2 Reg, mem Memory) error {
	return pair(buf, "stp", false, pairIndex(mem.mode), rt1, rt2, mem)
}

func LdpPre(buf asm.Buffer, rt1, rt2 Reg, mem Memory) error  { return Ldp(buf, rt1, rt2, mem.PreIndex()) }
func LdpPost(buf asm.Buffer, rt1, rt2 Reg, mem Memory) error { return Ldp(buf, rt1, rt2, mem.PostIndex()) }
func StpPre(buf asm.Buffer, rt1, rt2 Reg, mem Memory) error  { return Stp(buf, rt1, rt2, mem.PreIndex()) }
func StpPost(buf asm.Buffer, rt1, rt2 Reg, mem Memory) error { return Stp(buf, rt1, rt2, mem.PostIndex()) }

// Load reads mem into rt, choosing the encoding from the addressing mode and
// access width. Offsets that fit neither the unscaled nor the scaled form
// return an error wrapping asm.ErrInvalidImmediate.
func Load(buf asm.Buffer, rt Reg, mem Memory) error {
	if mem.mode != Offset {
		checkAccess("ldr", rt, mem)
		return loadStore9(buf, "ldr", opcLoad, mem.size, rt, mem, mem.mode)
	}
	if mem.size == size64 && rt.size != size64 {
		panic(fmt.Sprintf("arm64 asm: 64-bit load into %s", rt))
	}
	if MemDispFitsBits(mem.disp) {
		return loadStore9(buf, "ldur", opcLoad, mem.size, rt, mem, Offset)
	}
	return LdrUnsigned(buf, rt, mem)
}

// Store writes the low mem.Bits() bits of rt to mem.
func Store(buf asm.Buffer, rt Reg, mem Memory) error {
	if mem.mode != Offset {
		checkAccess("str", rt, mem)
		return loadStore9(buf, "str", opcStore, mem.size, rt, mem, mem.mode)
	}
	if mem.size == size64 && rt.size != size64 {
		panic(fmt.Sprintf("arm64 asm: 64-bit store from %s", rt))
	}
	if MemDispFitsBits(mem.disp) {
		return loadStore9(buf, "stur", opcStore, mem.size, rt, mem, Offset)
	}
	return StrUnsigned(buf, rt, mem)
}
