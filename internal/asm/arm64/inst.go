package arm64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

// Field positions shared by most A64 encodings.
const (
	rdShift  = 0
	rtShift  = 0
	rnShift  = 5
	rt2Shift = 10
	raShift  = 10
	rmShift  = 16
	rsShift  = 16
	sfShift  = 31
)

// Instruction class bits, each already shifted into place.
const (
	dataImmClass      = 0b100010 << 23
	dataRegClass      = 0b01011 << 24
	logicalImmClass   = 0b100100 << 23
	logicalRegClass   = 0b01010 << 24
	moveWideClass     = 0b100101 << 23
	bitfieldClass     = 0b100110 << 23
	condSelectClass   = 0b11010100 << 21
	branchImmClass    = 0b00101 << 26
	branchRegClass    = 0b1101011<<25 | 0b11111<<16
	branchCondClass   = 0b0101010 << 25
	compareBranchCls  = 0b011010 << 25
	testBitClass      = 0b011011 << 25
	pcRelClass        = 0b10000 << 24
	loadLiteralClass  = 0b011 << 27
	loadStoreClass    = 0b111 << 27
	unsignedOffClass  = 0b111<<27 | 0b01<<24
	registerOffClass  = 0b111<<27 | 1<<21 | 0b10<<10
	registerPairClass = 0b101 << 27
	exclusiveClass    = 0b001000 << 24
	atomicClass       = 0b111<<27 | 1<<21
	sysRegClass       = 0b1101010100<<22 | 1<<20
	breakpointClass   = 0b11010100001 << 21
	mulAddClass       = 0b0011011 << 24
	dataTwoSrcClass   = 0b0011010110 << 21
)

func reg5(r RegID) uint32 { return uint32(r) & 0x1f }

// dataImm: add/adds/sub/subs (immediate).
type dataImm struct {
	op     uint32
	sf     uint32
	imm    ShiftedImmediate
	rn, rd RegID
}

const (
	opAdd  uint32 = 0
	opAdds uint32 = 1 << 29
	opSub  uint32 = 1 << 30
	opSubs uint32 = 1<<30 | 1<<29
)

func (i dataImm) encode() uint32 {
	return i.sf<<sfShift | i.op | dataImmClass | i.imm.encode()<<10 | reg5(i.rn)<<rnShift | reg5(i.rd)<<rdShift
}

// ShiftType is the shift applied to the second source of the shifted
// register forms.
type ShiftType uint8

const (
	ShiftLSL ShiftType = 0b00
	ShiftLSR ShiftType = 0b01
	ShiftASR ShiftType = 0b10
	ShiftROR ShiftType = 0b11
)

// dataReg: add/adds/sub/subs (shifted register).
type dataReg struct {
	op         uint32
	sf         uint32
	shift      ShiftType
	amount     uint8
	rm, rn, rd RegID
}

func (i dataReg) encode() uint32 {
	if i.shift == ShiftROR {
		panic("arm64 asm: ROR is not valid for add/sub")
	}
	return i.sf<<sfShift | i.op | dataRegClass | uint32(i.shift)<<22 | reg5(i.rm)<<rmShift |
		uint32(i.amount&0x3f)<<10 | reg5(i.rn)<<rnShift | reg5(i.rd)<<rdShift
}

// Logical opcodes, shifted into bits 30:29.
const (
	opAnd  uint32 = 0b00 << 29
	opOrr  uint32 = 0b01 << 29
	opEor  uint32 = 0b10 << 29
	opAnds uint32 = 0b11 << 29
)

type logicalImm struct {
	op     uint32
	sf     uint32
	imm    BitmaskImmediate
	rn, rd RegID
}

func (i logicalImm) encode() uint32 {
	return i.sf<<sfShift | i.op | logicalImmClass | i.imm.Encode()<<10 | reg5(i.rn)<<rnShift | reg5(i.rd)<<rdShift
}

// logicalReg: and/orr/eor/ands with optional inversion of rm (bic/orn/eon).
type logicalReg struct {
	op         uint32
	sf         uint32
	shift      ShiftType
	invert     bool
	amount     uint8
	rm, rn, rd RegID
}

func (i logicalReg) encode() uint32 {
	var n uint32
	if i.invert {
		n = 1
	}
	return i.sf<<sfShift | i.op | logicalRegClass | uint32(i.shift)<<22 | n<<21 | reg5(i.rm)<<rmShift |
		uint32(i.amount&0x3f)<<10 | reg5(i.rn)<<rnShift | reg5(i.rd)<<rdShift
}

// Move wide opcodes.
const (
	opMovn uint32 = 0b00 << 29
	opMovz uint32 = 0b10 << 29
	opMovk uint32 = 0b11 << 29
)

type moveWide struct {
	op    uint32
	sf    uint32
	imm16 uint16
	shift uint8
	rd    RegID
}

func (i moveWide) encode() uint32 {
	limit := uint8(16)
	if i.sf == 1 {
		limit = 48
	}
	if i.shift%16 != 0 || i.shift > limit {
		panic(fmt.Sprintf("arm64 asm: invalid move wide shift %d", i.shift))
	}
	hw := uint32(i.shift / 16)
	return i.sf<<sfShift | i.op | moveWideClass | hw<<21 | uint32(i.imm16)<<5 | reg5(i.rd)<<rdShift
}

// Bitfield opcodes.
const (
	opSbfm uint32 = 0b00 << 29
	opUbfm uint32 = 0b10 << 29
)

type bitfield struct {
	op         uint32
	sf         uint32
	immr, imms uint8
	rn, rd     RegID
}

func (i bitfield) encode() uint32 {
	// N must equal sf.
	return i.sf<<sfShift | i.op | bitfieldClass | i.sf<<22 | uint32(i.immr&0x3f)<<16 |
		uint32(i.imms&0x3f)<<10 | reg5(i.rn)<<rnShift | reg5(i.rd)<<rdShift
}

func lslImm(rd, rn RegID, shift uint8, size operandSize) bitfield {
	width := uint8(size)
	return bitfield{op: opUbfm, sf: sizeFlag(size), immr: (width - shift) % width, imms: width - 1 - shift, rn: rn, rd: rd}
}

func lsrImm(rd, rn RegID, shift uint8, size operandSize) bitfield {
	return bitfield{op: opUbfm, sf: sizeFlag(size), immr: shift, imms: uint8(size) - 1, rn: rn, rd: rd}
}

func asrImm(rd, rn RegID, shift uint8, size operandSize) bitfield {
	return bitfield{op: opSbfm, sf: sizeFlag(size), immr: shift, imms: uint8(size) - 1, rn: rn, rd: rd}
}

// condSelect: csel (inc=false) and csinc (inc=true).
type condSelect struct {
	sf         uint32
	inc        bool
	cond       Condition
	rm, rn, rd RegID
}

func (i condSelect) encode() uint32 {
	var o2 uint32
	if i.inc {
		o2 = 1
	}
	return i.sf<<sfShift | condSelectClass | reg5(i.rm)<<rmShift | uint32(i.cond&0xf)<<12 |
		o2<<10 | reg5(i.rn)<<rnShift | reg5(i.rd)<<rdShift
}

const (
	minBranchImm = -(1 << 25)
	maxBranchImm = (1 << 25) - 1
)

// branchImm: b and bl.
type branchImm struct {
	link   bool
	offset InstructionOffset
}

func (i branchImm) encode() uint32 {
	if i.offset < minBranchImm || i.offset > maxBranchImm {
		panic(fmt.Sprintf("arm64 asm: branch offset %d out of range", i.offset))
	}
	var op uint32
	if i.link {
		op = 1
	}
	return op<<31 | branchImmClass | uint32(i.offset)&0x03ffffff
}

// Branch register opcodes.
const (
	opBr  uint32 = 0b00 << 21
	opBlr uint32 = 0b01 << 21
	opRet uint32 = 0b10 << 21
)

type branchReg struct {
	op uint32
	rn RegID
}

func (i branchReg) encode() uint32 {
	return branchRegClass | i.op | reg5(i.rn)<<rnShift
}

type branchCond struct {
	cond   Condition
	offset InstructionOffset
}

func (i branchCond) encode() uint32 {
	if !asm.ImmFitsBits(int64(i.offset), 19) {
		panic(fmt.Sprintf("arm64 asm: conditional branch offset %d out of range", i.offset))
	}
	return branchCondClass | (uint32(i.offset)&0x7ffff)<<5 | uint32(i.cond&0xf)
}

// compareBranch: cbz and cbnz.
type compareBranch struct {
	sf      uint32
	nonZero bool
	offset  InstructionOffset
	rt      RegID
}

func (i compareBranch) encode() uint32 {
	if !asm.ImmFitsBits(int64(i.offset), 19) {
		panic(fmt.Sprintf("arm64 asm: compare and branch offset %d out of range", i.offset))
	}
	var op uint32
	if i.nonZero {
		op = 1
	}
	return i.sf<<sfShift | compareBranchCls | op<<24 | (uint32(i.offset)&0x7ffff)<<5 | reg5(i.rt)<<rtShift
}

// testBit: tbz and tbnz.
type testBit struct {
	nonZero bool
	bit     uint8
	offset  int16
	rt      RegID
}

func (i testBit) encode() uint32 {
	if i.bit > 63 {
		panic(fmt.Sprintf("arm64 asm: test bit %d out of range", i.bit))
	}
	if !asm.ImmFitsBits(int64(i.offset), 14) {
		panic(fmt.Sprintf("arm64 asm: test bit branch offset %d out of range", i.offset))
	}
	var op uint32
	if i.nonZero {
		op = 1
	}
	b5 := uint32(i.bit>>5) & 1
	b40 := uint32(i.bit) & 0x1f
	return b5<<31 | testBitClass | op<<24 | b40<<19 | (uint32(i.offset)&0x3fff)<<5 | reg5(i.rt)<<rtShift
}

// pcRel: adr (page=false) and adrp (page=true). imm is in bytes for adr and
// in 4KiB pages for adrp.
type pcRel struct {
	page bool
	imm  int32
	rd   RegID
}

func (i pcRel) encode() uint32 {
	if !asm.ImmFitsBits(int64(i.imm), 21) {
		panic(fmt.Sprintf("arm64 asm: pc-relative immediate %d out of range", i.imm))
	}
	var op uint32
	if i.page {
		op = 1
	}
	immlo := uint32(i.imm) & 0b11
	immhi := (uint32(i.imm) >> 2) & 0x7ffff
	return op<<31 | immlo<<29 | pcRelClass | immhi<<5 | reg5(i.rd)<<rdShift
}

type loadLiteral struct {
	size   operandSize
	offset InstructionOffset
	rt     RegID
}

func (i loadLiteral) encode() uint32 {
	if !asm.ImmFitsBits(int64(i.offset), 19) {
		panic(fmt.Sprintf("arm64 asm: literal offset %d out of range", i.offset))
	}
	opc := sizeFlag(i.size)
	return opc<<30 | loadLiteralClass | (uint32(i.offset)&0x7ffff)<<5 | reg5(i.rt)<<rtShift
}

// Access size field for single register loads and stores.
func accessSize(size operandSize) uint32 {
	switch size {
	case size8:
		return 0b00
	case size16:
		return 0b01
	case size32:
		return 0b10
	case size64:
		return 0b11
	default:
		panic(fmt.Sprintf("arm64 asm: invalid access width %d", size))
	}
}

// Load/store opc field values.
const (
	opcStore      uint32 = 0b00
	opcLoad       uint32 = 0b01
	opcLoadSigned uint32 = 0b10
)

// Index field of the 9-bit immediate load/store forms.
const (
	idxUnscaled  uint32 = 0b00
	idxPostIndex uint32 = 0b01
	idxPreIndex  uint32 = 0b11
)

// loadStore covers the unscaled, pre-index and post-index 9-bit forms.
type loadStore struct {
	size   operandSize
	opc    uint32
	idx    uint32
	imm9   int16
	rn, rt RegID
}

func (i loadStore) encode() uint32 {
	if !asm.ImmFitsBits(int64(i.imm9), 9) {
		panic(fmt.Sprintf("arm64 asm: load/store displacement %d out of range", i.imm9))
	}
	return accessSize(i.size)<<30 | loadStoreClass | i.opc<<22 | (uint32(i.imm9)&0x1ff)<<12 |
		i.idx<<10 | reg5(i.rn)<<rnShift | reg5(i.rt)<<rtShift
}

// unsignedOffset is the scaled 12-bit form. imm12 is in units of the access.
type unsignedOffset struct {
	size   operandSize
	opc    uint32
	imm12  uint16
	rn, rt RegID
}

func (i unsignedOffset) encode() uint32 {
	if i.imm12 > 0xfff {
		panic(fmt.Sprintf("arm64 asm: scaled displacement %d out of range", i.imm12))
	}
	return accessSize(i.size)<<30 | unsignedOffClass | i.opc<<22 | uint32(i.imm12)<<10 |
		reg5(i.rn)<<rnShift | reg5(i.rt)<<rtShift
}

// registerOffset is [rn, rm] with a 64-bit unextended, unshifted offset.
type registerOffset struct {
	size       operandSize
	opc        uint32
	rm, rn, rt RegID
}

func (i registerOffset) encode() uint32 {
	const optionLSL = 0b011
	return accessSize(i.size)<<30 | registerOffClass | i.opc<<22 | reg5(i.rm)<<rmShift |
		optionLSL<<13 | reg5(i.rn)<<rnShift | reg5(i.rt)<<rtShift
}

// Index field of the register pair forms.
const (
	pairPostIndex uint32 = 0b001
	pairOffset    uint32 = 0b010
	pairPreIndex  uint32 = 0b011
)

type registerPair struct {
	size         operandSize
	load         bool
	idx          uint32
	disp         int16
	rt1, rt2, rn RegID
}

func (i registerPair) encode() uint32 {
	var opc uint32
	scale := int16(4)
	switch i.size {
	case size64:
		opc = 0b10
		scale = 8
	case size32:
		opc = 0b00
	default:
		panic(fmt.Sprintf("arm64 asm: invalid register pair width %d", i.size))
	}
	if i.disp%scale != 0 {
		panic(fmt.Sprintf("arm64 asm: register pair displacement %d is not a multiple of %d", i.disp, scale))
	}
	imm7 := i.disp / scale
	if !asm.ImmFitsBits(int64(imm7), 7) {
		panic(fmt.Sprintf("arm64 asm: register pair displacement %d out of range", i.disp))
	}
	var l uint32
	if i.load {
		l = 1
	}
	return opc<<30 | registerPairClass | i.idx<<23 | l<<22 | (uint32(imm7)&0x7f)<<15 |
		reg5(i.rt2)<<rt2Shift | reg5(i.rn)<<rnShift | reg5(i.rt1)<<rtShift
}

// exclusive: ldaxr (load=true) and stlxr (load=false). Both use
// acquire/release ordering.
type exclusive struct {
	size       operandSize
	load       bool
	rs, rn, rt RegID
}

func (i exclusive) encode() uint32 {
	var l uint32
	rs := reg5(i.rs)
	if i.load {
		l = 1
		rs = 0x1f
	}
	const o0 = 1
	return accessSize(i.size)<<30 | exclusiveClass | l<<22 | rs<<rsShift | o0<<15 |
		0x1f<<rt2Shift | reg5(i.rn)<<rnShift | reg5(i.rt)<<rtShift
}

// atomic: ldaddal, the acquire-release atomic add.
type atomic struct {
	size       operandSize
	rs, rn, rt RegID
}

func (i atomic) encode() uint32 {
	const acquire, release = 1, 1
	const opcAdd = 0b000
	return accessSize(i.size)<<30 | atomicClass | acquire<<23 | release<<22 | reg5(i.rs)<<rsShift |
		opcAdd<<12 | reg5(i.rn)<<rnShift | reg5(i.rt)<<rtShift
}

type sysReg struct {
	read bool
	reg  SystemRegister
	rt   RegID
}

func (i sysReg) encode() uint32 {
	var l uint32
	if i.read {
		l = 1
	}
	return sysRegClass | l<<21 | uint32(i.reg&0x7fff)<<5 | reg5(i.rt)<<rtShift
}

type breakpoint struct {
	imm16 uint16
}

func (i breakpoint) encode() uint32 {
	return breakpointClass | uint32(i.imm16)<<5
}

// mulAdd: madd (sub=false) and msub (sub=true). mul is madd with ra=xzr.
type mulAdd struct {
	sf             uint32
	sub            bool
	rm, ra, rn, rd RegID
}

func (i mulAdd) encode() uint32 {
	var o0 uint32
	if i.sub {
		o0 = 1
	}
	return i.sf<<sfShift | mulAddClass | reg5(i.rm)<<rmShift | o0<<15 | reg5(i.ra)<<raShift |
		reg5(i.rn)<<rnShift | reg5(i.rd)<<rdShift
}

// Two source data processing opcodes, bits 15:10.
const (
	opUdiv uint32 = 0b000010
	opSdiv uint32 = 0b000011
	opLslv uint32 = 0b001000
	opLsrv uint32 = 0b001001
	opAsrv uint32 = 0b001010
)

type dataTwoSrc struct {
	sf         uint32
	op         uint32
	rm, rn, rd RegID
}

func (i dataTwoSrc) encode() uint32 {
	return i.sf<<sfShift | dataTwoSrcClass | reg5(i.rm)<<rmShift | i.op<<10 | reg5(i.rn)<<rnShift | reg5(i.rd)<<rdShift
}

// Fixed system instructions.
const (
	nopWord    uint32 = 0xd503201f
	dsbISHWord uint32 = 0xd5033b9f
	dmbISHWord uint32 = 0xd5033bbf
	isbWord    uint32 = 0xd5033fdf
	dcCVAUWord uint32 = 0xd50b7b20
	icIVAUWord uint32 = 0xd50b7520
)
