//go:build (linux || darwin) && (amd64 || arm64)

package jit

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/ir"
)

func newHostRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.ExecMemory = 64 << 10
	r := New(cfg, WithLogger(quietLogger()))
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	if !r.Executable() {
		t.Fatalf("host runtime is not executable")
	}
	return r
}

func argReg(r *Runtime, i int) ir.Reg {
	return ir.Reg{Num: uint8(r.Encoder().ArgumentRegisters()[i]), Bits: 64}
}

func TestCallAddsImmediate(t *testing.T) {
	r := newHostRuntime(t)
	code := mustCompile(t, r, "add41", func(a *ir.Assembler) {
		a.CRet(a.Add(argReg(r, 0), ir.UImm(41)))
	})

	got, err := code.Call(1)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 42 {
		t.Fatalf("Call(1)=%d, want 42", got)
	}
}

func TestCallIncrementsCounter(t *testing.T) {
	r := newHostRuntime(t)
	// A second unit on the same page makes the first one writable again
	// while it is compiled.
	incr := mustCompile(t, r, "incr", func(a *ir.Assembler) {
		a.IncrCounter(ir.NewMem(64, argReg(r, 0), 0), ir.UImm(1))
		a.CRet(ir.Imm(0))
	})
	sum := mustCompile(t, r, "sum", func(a *ir.Assembler) {
		a.CRet(a.Add(argReg(r, 0), argReg(r, 1)))
	})

	counter := new(uint64)
	for range 3 {
		if _, err := incr.Call(uintptr(unsafe.Pointer(counter))); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if *counter != 3 {
		t.Fatalf("counter=%d, want 3", *counter)
	}

	got, err := sum.Call(20, 22)
	if err != nil || got != 42 {
		t.Fatalf("sum=%d, %v, want 42", got, err)
	}
}

func TestCallAfterPatch(t *testing.T) {
	r := newHostRuntime(t)
	code := mustCompile(t, r, "const", func(a *ir.Assembler) {
		a.CRet(ir.Imm(0))
	})
	replacement := mustCompile(t, r, "scratch", func(a *ir.Assembler) {
		a.CRet(ir.Imm(7))
	})
	want, err := replacement.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	host := &fakeHost{handles: []Handle{1}}
	if err := r.Patch(host, code, 0, func(buf asm.Buffer) error {
		return buf.WriteBytes(want)
	}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	got, err := code.Call()
	if err != nil || got != 7 {
		t.Fatalf("Call=%d, %v, want 7", got, err)
	}
}

func TestCallAfterPanickingPatch(t *testing.T) {
	r := newHostRuntime(t)
	code := mustCompile(t, r, "add41", func(a *ir.Assembler) {
		a.CRet(a.Add(argReg(r, 0), ir.UImm(41)))
	})
	orig, err := code.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	host := &fakeHost{handles: []Handle{1}}
	err = r.Patch(host, code, 0, func(buf asm.Buffer) error {
		if err := buf.WriteByte(orig[0]); err != nil {
			return err
		}
		panic("patch gave up")
	})
	var internal *InternalError
	if !errors.As(err, &internal) {
		t.Fatalf("Patch err=%v, want internal error", err)
	}

	got, err := code.Call(1)
	if err != nil || got != 42 {
		t.Fatalf("Call(1)=%d, %v, want 42", got, err)
	}
}

func TestCallTooManyArguments(t *testing.T) {
	r := newHostRuntime(t)
	code := mustCompile(t, r, "ret", retZero)
	args := make([]uintptr, len(r.Encoder().ArgumentRegisters())+1)
	if _, err := code.Call(args...); err == nil {
		t.Fatalf("Call with %d arguments succeeded", len(args))
	}

	r.Close()
	if _, err := code.Call(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Call after Close=%v, want %v", err, ErrNotInitialized)
	}
}
