package arm64_test

import (
	"errors"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
	. "github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/asm/testutil"
	"github.com/tinyrange/jit/internal/codebuf"
)

var (
	x0  = Reg64(X0)
	x1  = Reg64(X1)
	x2  = Reg64(X2)
	x10 = Reg64(X10)
	x11 = Reg64(X11)
	x12 = Reg64(X12)
	x20 = Reg64(X20)
	x21 = Reg64(X21)
	sp  = Reg64(SP)

	w0  = Reg32(X0)
	w1  = Reg32(X1)
	w2  = Reg32(X2)
	w3  = Reg32(X3)
	w9  = Reg32(X9)
	w10 = Reg32(X10)
	w11 = Reg32(X11)
)

type golden struct {
	name string
	want string
	emit func(buf asm.Buffer) error
}

func runGolden(t *testing.T, cases []golden) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testutil.CheckBytes(t, Encoder{}, tc.want, func(cb *codebuf.CodeBlock) error {
				return tc.emit(cb)
			})
		})
	}
}

func TestArithmetic(t *testing.T) {
	runGolden(t, []golden{
		{"add reg", "2000028b", func(b asm.Buffer) error { return Add(b, x0, x1, x2) }},
		{"add uimm", "201c0091", func(b asm.Buffer) error { return Add(b, x0, x1, UImm(7)) }},
		{"add imm", "201c0091", func(b asm.Buffer) error { return Add(b, x0, x1, Imm(7)) }},
		{"add negative imm", "201c00d1", func(b asm.Buffer) error { return Add(b, x0, x1, Imm(-7)) }},
		{"adds reg", "200002ab", func(b asm.Buffer) error { return Adds(b, x0, x1, x2) }},
		{"adds uimm", "201c00b1", func(b asm.Buffer) error { return Adds(b, x0, x1, UImm(7)) }},
		{"adds imm", "201c00b1", func(b asm.Buffer) error { return Adds(b, x0, x1, Imm(7)) }},
		{"adds negative imm", "201c00f1", func(b asm.Buffer) error { return Adds(b, x0, x1, Imm(-7)) }},
		{"sub reg", "200002cb", func(b asm.Buffer) error { return Sub(b, x0, x1, x2) }},
		{"sub uimm", "201c00d1", func(b asm.Buffer) error { return Sub(b, x0, x1, UImm(7)) }},
		{"sub imm", "201c00d1", func(b asm.Buffer) error { return Sub(b, x0, x1, Imm(7)) }},
		{"sub negative imm", "201c0091", func(b asm.Buffer) error { return Sub(b, x0, x1, Imm(-7)) }},
		{"subs reg", "200002eb", func(b asm.Buffer) error { return Subs(b, x0, x1, x2) }},
		{"subs imm", "201c00f1", func(b asm.Buffer) error { return Subs(b, x0, x1, Imm(7)) }},
		{"subs negative imm", "201c00b1", func(b asm.Buffer) error { return Subs(b, x0, x1, Imm(-7)) }},
		{"cmp reg", "5f010beb", func(b asm.Buffer) error { return Cmp(b, x10, x11) }},
		{"cmp uimm", "5f3900f1", func(b asm.Buffer) error { return Cmp(b, x10, UImm(14)) }},
		{"mul", "207c029b", func(b asm.Buffer) error { return Mul(b, x0, x1, x2) }},
		{"udiv", "2008c29a", func(b asm.Buffer) error { return Udiv(b, x0, x1, x2) }},
		{"csel", "6a018c9a", func(b asm.Buffer) error { return Csel(b, x10, x11, x12, CondEQ) }},
	})
}

func TestLogical(t *testing.T) {
	runGolden(t, []golden{
		{"and reg", "2000028a", func(b asm.Buffer) error { return And(b, x0, x1, x2) }},
		{"and imm", "20084092", func(b asm.Buffer) error { return And(b, x0, x1, UImm(7)) }},
		{"and 32-bit imm", "404c0012", func(b asm.Buffer) error { return And(b, w0, w2, UImm(0xfffff)) }},
		{"ands reg", "200002ea", func(b asm.Buffer) error { return Ands(b, x0, x1, x2) }},
		{"ands imm", "200840f2", func(b asm.Buffer) error { return Ands(b, x0, x1, UImm(7)) }},
		{"tst reg", "1f0001ea", func(b asm.Buffer) error { return Tst(b, x0, x1) }},
		{"tst imm", "3f0840f2", func(b asm.Buffer) error { return Tst(b, x1, UImm(7)) }},
		{"tst 32-bit imm", "1f3c0072", func(b asm.Buffer) error { return Tst(b, w0, UImm(0xffff)) }},
		{"eor reg", "6a010cca", func(b asm.Buffer) error { return Eor(b, x10, x11, x12) }},
		{"eor imm", "6a0940d2", func(b asm.Buffer) error { return Eor(b, x10, x11, UImm(7)) }},
		{"eor 32-bit imm", "29040152", func(b asm.Buffer) error { return Eor(b, w9, w1, UImm(0x80000001)) }},
		{"orr reg", "6a010caa", func(b asm.Buffer) error { return Orr(b, x10, x11, x12) }},
		{"orr imm", "6a0940b2", func(b asm.Buffer) error { return Orr(b, x10, x11, UImm(7)) }},
		{"orr 32-bit imm", "6a010032", func(b asm.Buffer) error { return Orr(b, w10, w11, UImm(1)) }},
		{"orn", "6a012caa", func(b asm.Buffer) error { return Orn(b, x10, x11, x12) }},
		{"mvn", "ea032baa", func(b asm.Buffer) error { return Mvn(b, x10, x11) }},
	})
}

func TestShifts(t *testing.T) {
	runGolden(t, []golden{
		{"asr", "b4fe4a93", func(b asm.Buffer) error { return Asr(b, x20, x21, UImm(10)) }},
		{"lsl", "6ac572d3", func(b asm.Buffer) error { return Lsl(b, x10, x11, UImm(14)) }},
		{"lsr", "6afd4ed3", func(b asm.Buffer) error { return Lsr(b, x10, x11, UImm(14)) }},
		{"lsl reg", "2020c29a", func(b asm.Buffer) error { return Lsl(b, x0, x1, x2) }},
		{"sxtw", "6a7d4093", func(b asm.Buffer) error { return Sxtw(b, x10, w11) }},
	})
}

func TestMoves(t *testing.T) {
	runGolden(t, []golden{
		{"mov reg", "ea030baa", func(b asm.Buffer) error { return Mov(b, x10, x11) }},
		{"mov bitmask", "eaf300b2", func(b asm.Buffer) error { return Mov(b, x10, UImm(0x5555555555555555)) }},
		{"mov 32-bit bitmask", "ea070132", func(b asm.Buffer) error { return Mov(b, w10, UImm(0x80000001)) }},
		{"mov to sp", "1f000091", func(b asm.Buffer) error { return Mov(b, sp, x0) }},
		{"mov from sp", "e0030091", func(b asm.Buffer) error { return Mov(b, x0, sp) }},
		{"movk", "600fa0f2", func(b asm.Buffer) error { return Movk(b, x0, 123, 16) }},
		{"movz", "600fa0d2", func(b asm.Buffer) error { return Movz(b, x0, 123, 16) }},
		{"load small", "804682d2", func(b asm.Buffer) error { return LoadValue(b, x0, 0x1234) }},
		{"load bitmask", "eaf300b2", func(b asm.Buffer) error { return LoadValue(b, x10, 0x5555555555555555) }},
		{"load 32-bit", "00f18ed2 c0acaaf2", func(b asm.Buffer) error { return LoadValue(b, x0, 0x55667788) }},
		{"load 64-bit", "00f18ed2 c0acaaf2 8068c6f2 4024e2f2", func(b asm.Buffer) error { return LoadValue(b, x0, 0x1122334455667788) }},
	})
}

func TestBranches(t *testing.T) {
	runGolden(t, []golden{
		{"b.ne", "01200054", func(b asm.Buffer) error { return BCond(b, CondNE, 0x100) }},
		{"b max", "ffffff15", func(b asm.Buffer) error { return B(b, (1<<25)-1) }},
		{"bl min", "00000096", func(b asm.Buffer) error { return Bl(b, -(1 << 25)) }},
		{"blr", "80023fd6", func(b asm.Buffer) error { return Blr(b, x20) }},
		{"br", "80021fd6", func(b asm.Buffer) error { return Br(b, x20) }},
		{"ret", "c0035fd6", func(b asm.Buffer) error { return Ret(b, None{}) }},
		{"ret nil", "c0035fd6", func(b asm.Buffer) error { return Ret(b, nil) }},
		{"ret reg", "80025fd6", func(b asm.Buffer) error { return Ret(b, x20) }},
		{"tbnz", "4a005037", func(b asm.Buffer) error { return Tbnz(b, x10, 10, 2) }},
		{"tbz", "4a005036", func(b asm.Buffer) error { return Tbz(b, x10, 10, 2) }},
		{"adr", "aa000010", func(b asm.Buffer) error { return Adr(b, x10, 20) }},
		{"adrp", "4a000090", func(b asm.Buffer) error { return Adrp(b, x10, 0x8000) }},
	})

	testutil.MustPanic(t, "out of range", func() { _ = B(codebuf.NewDummy(4, Encoder{}), 1<<25) })
	testutil.MustPanic(t, "out of range", func() { _ = B(codebuf.NewDummy(4, Encoder{}), -(1<<25)-1) })
	testutil.MustPanic(t, "out of range", func() { _ = Bl(codebuf.NewDummy(4, Encoder{}), 1<<25) })
	testutil.MustPanic(t, "out of range", func() { _ = Bl(codebuf.NewDummy(4, Encoder{}), -(1<<25)-1) })
}

func TestLabelBranches(t *testing.T) {
	runGolden(t, []golden{
		{"adr label", "20000010 1f2003d5", func(b asm.Buffer) error {
			cb := b.(*codebuf.CodeBlock)
			l := cb.NewLabel("data")
			if err := AdrLabel(cb, x0, l); err != nil {
				return err
			}
			if err := Nop(cb); err != nil {
				return err
			}
			cb.WriteLabel(l)
			return nil
		}},
		{"cbz self", "03000034", func(b asm.Buffer) error {
			cb := b.(*codebuf.CodeBlock)
			l := cb.NewLabel("spin")
			cb.WriteLabel(l)
			return CbzLabel(cb, w3, l)
		}},
		{"bl forward", "02000094 1f2003d5", func(b asm.Buffer) error {
			cb := b.(*codebuf.CodeBlock)
			l := cb.NewLabel("callee")
			if err := BlLabel(cb, l); err != nil {
				return err
			}
			if err := Nop(cb); err != nil {
				return err
			}
			cb.WriteLabel(l)
			return nil
		}},
	})
}

func TestSystem(t *testing.T) {
	runGolden(t, []golden{
		{"brk 0", "000020d4", func(b asm.Buffer) error { return Brk(b, 0) }},
		{"brk 14", "c00120d4", func(b asm.Buffer) error { return Brk(b, 14) }},
		{"mrs", "0a423bd5", func(b asm.Buffer) error { return Mrs(b, x10, NZCV) }},
		{"msr", "0a421bd5", func(b asm.Buffer) error { return Msr(b, NZCV, x10) }},
		{"nop", "1f2003d5", func(b asm.Buffer) error { return Nop(b) }},
		{"ldaddal", "8b01eaf8", func(b asm.Buffer) error { return Ldaddal(b, x10, x11, x12) }},
		{"ldaxr", "6afd5fc8", func(b asm.Buffer) error { return Ldaxr(b, x10, x11) }},
		{"stlxr", "8bfd0ac8", func(b asm.Buffer) error { return Stlxr(b, w10, x11, x12) }},
	})
}

func TestLoadStore(t *testing.T) {
	m208 := Mem(x12).WithDisp(208)
	runGolden(t, []golden{
		{"ldp", "8a2d4da9", func(b asm.Buffer) error { return Ldp(b, x10, x11, m208) }},
		{"ldp pre", "8a2dcda9", func(b asm.Buffer) error { return LdpPre(b, x10, x11, m208) }},
		{"ldp post", "8a2dcda8", func(b asm.Buffer) error { return LdpPost(b, x10, x11, m208) }},
		{"stp", "8a2d0da9", func(b asm.Buffer) error { return Stp(b, x10, x11, m208) }},
		{"stp pre", "8a2d8da9", func(b asm.Buffer) error { return StpPre(b, x10, x11, m208) }},
		{"stp post", "8a2d8da8", func(b asm.Buffer) error { return StpPost(b, x10, x11, m208) }},
		{"ldp zero", "400440a9", func(b asm.Buffer) error { return Ldp(b, x0, x1, Mem(x2)) }},
		{"ldr reg", "6a696cf8", func(b asm.Buffer) error { return LdrReg(b, x10, x11, x12) }},
		{"ldr literal", "40010058", func(b asm.Buffer) error { return LdrLiteral(b, x0, 10) }},
		{"ldr post", "6a0541f8", func(b asm.Buffer) error { return LdrPost(b, x10, Mem(x11).WithDisp(16)) }},
		{"ldr pre", "6a0d41f8", func(b asm.Buffer) error { return LdrPre(b, x10, Mem(x11).WithDisp(16)) }},
		{"ldrh", "6a194079", func(b asm.Buffer) error { return Ldrh(b, w10, Mem(x11).WithDisp(12)) }},
		{"ldrh pre", "6acd4078", func(b asm.Buffer) error { return LdrhPre(b, w10, Mem(x11).WithDisp(12)) }},
		{"ldrh post", "6ac54078", func(b asm.Buffer) error { return LdrhPost(b, w10, Mem(x11).WithDisp(12)) }},
		{"ldurh", "2a004078", func(b asm.Buffer) error { return Ldurh(b, w10, Mem(x1)) }},
		{"ldurh disp", "2ab04778", func(b asm.Buffer) error { return Ldurh(b, w10, Mem(x1).WithDisp(123)) }},
		{"ldur", "20b047f8", func(b asm.Buffer) error { return Ldur(b, x0, Mem(x1).WithDisp(123)) }},
		{"ldur reg", "200040f8", func(b asm.Buffer) error { return Ldur(b, x0, x1) }},
		{"ldursw", "6ab187b8", func(b asm.Buffer) error { return Ldursw(b, x10, Mem(x11).WithDisp(123)) }},
		{"str post", "6a051ff8", func(b asm.Buffer) error { return StrPost(b, x10, Mem(x11).WithDisp(-16)) }},
		{"str pre", "6a0d1ff8", func(b asm.Buffer) error { return StrPre(b, x10, Mem(x11).WithDisp(-16)) }},
		{"strh", "6a190079", func(b asm.Buffer) error { return Strh(b, w10, Mem(x11).WithDisp(12)) }},
		{"strh pre", "6acd0078", func(b asm.Buffer) error { return StrhPre(b, w10, Mem(x11).WithDisp(12)) }},
		{"strh post", "6ac50078", func(b asm.Buffer) error { return StrhPost(b, w10, Mem(x11).WithDisp(12)) }},
		{"stur", "6a0108f8", func(b asm.Buffer) error { return Stur(b, x10, Mem(x11).WithDisp(128)) }},
		{"stur 32-bit", "6a0108b8", func(b asm.Buffer) error { return Stur(b, w10, Mem(x11).WithDisp(128).WithBits(32)) }},
		{"load scaled", "200048f9", func(b asm.Buffer) error { return Load(b, x0, Mem(x1).WithDisp(4096)) }},
		{"store 32-bit", "208000b8", func(b asm.Buffer) error { return Store(b, w0, Mem(x1).WithDisp(8).WithBits(32)) }},
	})
}

func TestImmediateErrors(t *testing.T) {
	cb := codebuf.NewDummy(64, Encoder{})

	for name, fn := range map[string]func() error{
		"add unencodable":  func() error { return Add(cb, x0, x1, UImm(0x1001)) },
		"and unencodable":  func() error { return And(cb, x0, x1, UImm(5)) },
		"orr all ones":     func() error { return Orr(cb, x0, x1, UImm(^uint64(0))) },
		"mov unencodable":  func() error { return Mov(cb, x0, UImm(0x1234)) },
		"32-bit too wide":  func() error { return And(cb, w0, w1, UImm(1<<32)) },
		"load out of form": func() error { return Load(cb, x0, Mem(x1).WithDisp(-300)) },
	} {
		if err := fn(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := Movz(cb, x0, 0x10000, 0); !errors.Is(err, asm.ErrInvalidImmediate) {
		t.Fatalf("movz err=%v, want ErrInvalidImmediate", err)
	}
	if err := Ldur(cb, x0, Mem(x1).WithDisp(256)); !errors.Is(err, asm.ErrInvalidImmediate) {
		t.Fatalf("ldur err=%v, want ErrInvalidImmediate", err)
	}
	if err := Adrp(cb, x0, 100); !errors.Is(err, asm.ErrInvalidImmediate) {
		t.Fatalf("adrp err=%v, want ErrInvalidImmediate", err)
	}
	if got := cb.WritePos(); got != 0 {
		t.Fatalf("failed encodings wrote %d bytes", got)
	}
}

func TestLoadValueTooWideFor32Bits(t *testing.T) {
	cb := codebuf.NewDummy(64, Encoder{})
	if err := LoadValue(cb, w0, 0x1_0000_0000); !errors.Is(err, asm.ErrInvalidImmediate) {
		t.Fatalf("err=%v, want ErrInvalidImmediate", err)
	}
	if got := cb.WritePos(); got != 0 {
		t.Fatalf("WritePos=%d after failed load, want 0", got)
	}
}

func TestPairDisplacementRange(t *testing.T) {
	for _, tc := range []struct {
		name     string
		rt1, rt2 Reg
		disp     int32
		ok       bool
	}{
		{"64-bit max", x0, x1, 504, true},
		{"64-bit min", x0, x1, -512, true},
		{"64-bit above", x0, x1, 512, false},
		{"64-bit below", x0, x1, -520, false},
		{"64-bit misaligned", x0, x1, 4, false},
		{"32-bit max", w0, w1, 252, true},
		{"32-bit min", w0, w1, -256, true},
		{"32-bit above", w0, w1, 256, false},
		{"32-bit below", w0, w1, -260, false},
		{"32-bit misaligned", w0, w1, 6, false},
	} {
		for _, emit := range []func(asm.Buffer, Reg, Reg, Memory) error{Ldp, Stp, LdpPre, StpPost} {
			cb := codebuf.NewDummy(64, Encoder{})
			err := emit(cb, tc.rt1, tc.rt2, Mem(x2).WithDisp(tc.disp))
			if tc.ok {
				if err != nil {
					t.Fatalf("%s: %v", tc.name, err)
				}
				continue
			}
			if !errors.Is(err, asm.ErrInvalidImmediate) {
				t.Fatalf("%s: err=%v, want ErrInvalidImmediate", tc.name, err)
			}
			if got := cb.WritePos(); got != 0 {
				t.Fatalf("%s: WritePos=%d after error, want 0", tc.name, got)
			}
		}
	}
}

func TestOperandMisusePanics(t *testing.T) {
	cb := codebuf.NewDummy(64, Encoder{})

	testutil.MustPanic(t, "same size", func() { _ = Add(cb, x0, w1, x2) })
	testutil.MustPanic(t, "invalid operand", func() { _ = Add(cb, x0, x1, Mem(x2)) })
	testutil.MustPanic(t, "64-bit register", func() { Mem(w1) })
	testutil.MustPanic(t, "unpredictable", func() { _ = Ldp(cb, x0, x0, Mem(x1)) })
	testutil.MustPanic(t, "64-bit load", func() { _ = Load(cb, w0, Mem(x1)) })
	testutil.MustPanic(t, "shift", func() { _ = Lsl(cb, w0, w1, UImm(32)) })
	testutil.MustPanic(t, "invalid register width", func() { _ = Add(cb, x0.WithBits(16), x1.WithBits(16), UImm(1)) })
	testutil.MustPanic(t, "no inverse", func() { CondAL.Invert() })
}

func TestEncoderSuite(t *testing.T) {
	testutil.RunEncoderSuite(t, Encoder{}, testutil.SuiteVectors{
		Breakpoint:  "000020d4",
		Return:      "c0035fd6",
		Fill:        "1f2003d5 1f2003d5 1f2003d5 1f2003d5",
		LoadSmall:   "804682d2",
		LoadWide:    "00f18ed2 c0acaaf2 8068c6f2 4024e2f2",
		AddSmall:    "001c0091",
		AddNegative: "001c00d1",
		JumpSize:    4,
	})
}

func TestDisassembly(t *testing.T) {
	code := testutil.Emit(t, Encoder{}, func(cb *codebuf.CodeBlock) error {
		if err := Add(cb, x0, x1, UImm(7)); err != nil {
			return err
		}
		if err := Ldp(cb, x0, x1, Mem(x2)); err != nil {
			return err
		}
		return Ret(cb, None{})
	})
	testutil.ExpectDisassembly(t, asm.ArchitectureARM64, code,
		testutil.Insn("add", "x0", "x1"),
		testutil.Insn("ldp", "x0", "x1", "[x2]"),
		testutil.Insn("ret"),
	)
}
