package ir

import (
	"fmt"
	"strings"
	"testing"
)

var (
	reg0 = Reg{Num: 0, Bits: 64}
	reg1 = Reg{Num: 1, Bits: 64}
	ec   = Reg{Num: 3, Bits: 64}
	cret = Reg{Num: 0, Bits: 64}
)

func mustPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic")
		}
		if !strings.Contains(fmt.Sprint(r), substr) {
			t.Fatalf("panic=%v, want substring %q", r, substr)
		}
	}()
	fn()
}

func TestLiveRanges(t *testing.T) {
	a := New()
	out0 := a.Add(ec, UImm(1))
	a.Add(ec, UImm(2))
	out2 := a.Add(out0, UImm(3))
	a.Store(NewMem(64, out2, 8), out0)

	want := []int{3, 1, 3, 3}
	got := a.LiveRanges()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("live ranges=%v, want %v", got, want)
	}
}

func TestAllocRegs(t *testing.T) {
	a := New()
	out1 := a.Add(ec, UImm(1))
	a.Add(ec, UImm(2))
	out2 := a.Add(ec, UImm(3))
	a.Add(ec, UImm(4))
	a.Add(out1, out2)
	out3 := a.Add(ec, UImm(5))
	a.Add(out3, UImm(6))

	result := a.AllocRegs([]Reg{reg0, reg1}, cret)
	insns := result.Insns()

	for _, tc := range []struct {
		idx  int
		want Opnd
	}{
		{0, reg0},
		{1, Out{Idx: 1, Bits: 64}},
		{2, reg1},
		{5, reg0},
	} {
		if got := insns[tc.idx].Out; got != tc.want {
			t.Fatalf("insn %d out=%v, want %v", tc.idx, got, tc.want)
		}
	}
	if got := insns[4].Opnds; got[0] != reg0 || got[1] != reg1 {
		t.Fatalf("insn 4 operands=%v, want [%v %v]", got, reg0, reg1)
	}
}

func TestAllocRegsReusesDyingOperand(t *testing.T) {
	a := New()
	v := a.Load(UImm(1))
	v = a.Add(v, UImm(2))
	a.Store(NewMem(64, ec, 0), v)

	insns := a.AllocRegs([]Reg{reg0}, cret).Insns()
	if insns[0].Out != reg0 || insns[1].Out != reg0 {
		t.Fatalf("outs=%v %v, want %v for both", insns[0].Out, insns[1].Out, reg0)
	}
}

func TestAllocRegsKeepsWidth(t *testing.T) {
	a := New()
	v := a.Load(NewMem(32, ec, 0))
	a.Store(NewMem(32, ec, 4), v)

	insns := a.AllocRegs([]Reg{reg1}, cret).Insns()
	want := Reg{Num: 1, Bits: 32}
	if insns[0].Out != want || insns[1].Opnds[1] != want {
		t.Fatalf("load out=%v, store src=%v, want %v", insns[0].Out, insns[1].Opnds[1], want)
	}
}

func TestAllocRegsMemoryBase(t *testing.T) {
	a := New()
	base := a.Load(UImm(0x1000))
	a.Store(NewMem(8, base, 3), UImm(1))

	insns := a.AllocRegs([]Reg{reg1}, cret).Insns()
	m, ok := insns[1].Opnds[0].(Mem)
	if !ok || m.Base != reg1 || m.Disp != 3 || m.Bits != 8 {
		t.Fatalf("store dst=%v, want Mem8[%v + 3]", insns[1].Opnds[0], reg1)
	}
}

func TestAllocRegsCallOutput(t *testing.T) {
	a := New()
	out := a.CCall(FuncPtr(0x1000), UImm(1))
	a.CRet(out)

	insns := a.AllocRegs([]Reg{reg0, reg1}, cret).Insns()
	if insns[0].Out != cret || insns[1].Opnds[0] != cret {
		t.Fatalf("call out=%v, ret operand=%v, want %v", insns[0].Out, insns[1].Opnds[0], cret)
	}
}

func TestAllocRegsLiveReg(t *testing.T) {
	a := New()
	pinned := a.LiveReg(reg0)
	v := a.Load(UImm(7))
	a.Store(NewMem(64, pinned, 0), v)

	insns := a.AllocRegs([]Reg{reg0, reg1}, cret).Insns()
	if insns[0].Out != reg0 {
		t.Fatalf("live reg out=%v, want %v", insns[0].Out, reg0)
	}
	if insns[1].Out != reg1 {
		t.Fatalf("load out=%v, want %v", insns[1].Out, reg1)
	}
}

func TestAllocRegsPanics(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		a := New()
		v1 := a.Load(UImm(1))
		v2 := a.Load(UImm(2))
		a.Add(v1, v2)
		mustPanic(t, "spilling is not supported", func() { a.AllocRegs([]Reg{reg0}, cret) })
	})
	t.Run("live across call", func(t *testing.T) {
		a := New()
		v := a.Load(UImm(1))
		a.CCall(FuncPtr(0x1000))
		a.Add(v, UImm(1))
		mustPanic(t, "live across native call", func() { a.AllocRegs([]Reg{reg0, reg1}, cret) })
	})
	t.Run("pool too large", func(t *testing.T) {
		pool := make([]Reg, 33)
		mustPanic(t, "exceeds 32", func() { New().AllocRegs(pool, cret) })
	})
	t.Run("twice", func(t *testing.T) {
		a := New()
		a.AllocRegs(nil, cret)
		mustPanic(t, "compiled assembler", func() { a.AllocRegs(nil, cret) })
	})
}

func TestBuilderPanics(t *testing.T) {
	t.Run("mismatched widths", func(t *testing.T) {
		mustPanic(t, "mismatched widths", func() {
			New().Add(Reg{Num: 1, Bits: 32}, reg0)
		})
	})
	t.Run("label whitespace", func(t *testing.T) {
		mustPanic(t, "whitespace", func() { New().NewLabel("two words") })
	})
	t.Run("unknown label", func(t *testing.T) {
		mustPanic(t, "unknown label", func() { New().WriteLabel(Label(3)) })
	})
	t.Run("append after compile", func(t *testing.T) {
		a := New()
		a.ForwardPass(func(p *SplitPass, insn Insn) { p.PushInsn(insn) })
		mustPanic(t, "compiled assembler", func() { a.Breakpoint() })
	})
	t.Run("forward reference", func(t *testing.T) {
		mustPanic(t, "does not precede", func() { New().Load(Out{Idx: 0, Bits: 64}) })
	})
	t.Run("non-register base", func(t *testing.T) {
		mustPanic(t, "non-register base", func() { NewMem(64, UImm(8), 0) })
	})
	t.Run("narrow base", func(t *testing.T) {
		mustPanic(t, "must be 64-bit", func() { NewMem(64, Reg{Num: 2, Bits: 32}, 0) })
	})
	t.Run("jump to function", func(t *testing.T) {
		mustPanic(t, "cannot jump", func() { New().Jmp(FuncPtr(0x1000)) })
	})
	t.Run("counter in register", func(t *testing.T) {
		mustPanic(t, "memory operand", func() { New().IncrCounter(reg0, UImm(1)) })
	})
}

func TestOutputWidths(t *testing.T) {
	a := New()
	narrow := a.Load(NewMem(16, ec, 0))
	wide := a.LoadSExt(NewMem(32, ec, 0))
	addr := a.Lea(NewMem(8, ec, 0))
	call := a.CCall(FuncPtr(0x1000), Reg{Num: 1, Bits: 32}, reg0)

	for _, tc := range []struct {
		got  Opnd
		want uint8
	}{
		{narrow, 16},
		{wide, 64},
		{addr, 64},
		{call, 64},
	} {
		if out := tc.got.(Out); out.Bits != tc.want {
			t.Fatalf("%v bits=%d, want %d", out, out.Bits, tc.want)
		}
	}
}

func TestForwardPassRenumbers(t *testing.T) {
	a := New()
	v := a.Load(UImm(1))
	a.Store(NewMem(64, ec, 0), a.Add(v, UImm(2)))

	got := a.ForwardPass(func(p *SplitPass, insn Insn) {
		p.Comment(fmt.Sprintf("source %d", p.Index()))
		p.PushInsn(insn)
	})

	insns := got.Insns()
	if len(insns) != 6 {
		t.Fatalf("len=%d, want 6:\n%v", len(insns), got)
	}
	if insns[3].Op != OpAdd || insns[3].Opnds[0] != (Out{Idx: 1, Bits: 64}) {
		t.Fatalf("add=%v, want it to read Out(1)", insns[3])
	}
	if insns[5].Opnds[1] != (Out{Idx: 3, Bits: 64}) {
		t.Fatalf("store=%v, want it to read Out(3)", insns[5])
	}
	if lr := got.LiveRanges(); lr[1] != 3 || lr[3] != 5 {
		t.Fatalf("live ranges=%v", lr)
	}
}

func TestLivesPast(t *testing.T) {
	a := New()
	v := a.Load(UImm(1))
	a.Add(v, UImm(2))
	a.Add(v, UImm(3))

	var got []bool
	a.ForwardPass(func(p *SplitPass, insn Insn) {
		if insn.Op == OpAdd {
			got = append(got, p.LivesPast(insn.Opnds[0]))
		}
		p.PushInsn(insn)
	})
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("lives past=%v, want [true false]", got)
	}
}

func TestString(t *testing.T) {
	a := New()
	l := a.NewLabel("done")
	a.Comment("entry")
	v := a.Add(ec, Imm(-1))
	a.Jz(l)
	a.WriteLabel(l)
	a.CRet(v)

	s := a.String()
	for _, want := range []string{`Comment "entry"`, "Add r3/64, -0x1_i64 -> Out64(1)", "Jz target=0", "CRet Out64(1)"} {
		if !strings.Contains(s, want) {
			t.Fatalf("String()=%q, want it to contain %q", s, want)
		}
	}
}
