package jit

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
	amd64asm "github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/codebuf"
	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/ir"
	amd64ir "github.com/tinyrange/jit/internal/ir/amd64"
)

var (
	rbx = amd64ir.Reg(amd64asm.RBX)
	rdi = amd64ir.Reg(amd64asm.RDI)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRuntime(t *testing.T, mutate func(cfg *config.Config)) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Arch = "x86_64"
	cfg.ExecMemory = 4096
	if mutate != nil {
		mutate(&cfg)
	}
	r := New(cfg, WithoutExecution(), WithLogger(quietLogger()))
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func mustCompile(t *testing.T, r *Runtime, name string, build func(a *ir.Assembler)) *Code {
	t.Helper()
	code, err := r.Compile(name, build)
	if err != nil {
		t.Fatalf("Compile(%s): %v", name, err)
	}
	return code
}

func codeHex(t *testing.T, c *Code) string {
	t.Helper()
	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return hex.EncodeToString(b)
}

func retZero(a *ir.Assembler) { a.CRet(ir.Imm(0)) }

func TestInitOnce(t *testing.T) {
	r := New(config.Default(), WithoutExecution(), WithLogger(quietLogger()))
	defer r.Close()

	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init=%v, want %v", err, ErrAlreadyInitialized)
	}
}

func TestNotInitialized(t *testing.T) {
	r := New(config.Default(), WithLogger(quietLogger()))
	if _, err := r.Compile("early", retZero); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Compile=%v, want %v", err, ErrNotInitialized)
	}

	r = newRuntime(t, nil)
	code := mustCompile(t, r, "closed", retZero)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := code.Bytes(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Bytes after Close=%v, want %v", err, ErrNotInitialized)
	}
	if _, err := r.Compile("late", retZero); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Compile after Close=%v, want %v", err, ErrNotInitialized)
	}
}

func TestInitRejectsTooManyRegisters(t *testing.T) {
	cfg := config.Default()
	cfg.Arch = "arm64"
	cfg.NumRegs = 99
	r := New(cfg, WithoutExecution(), WithLogger(quietLogger()))
	if err := r.Init(); err == nil || !strings.Contains(err.Error(), "registers requested") {
		t.Fatalf("Init=%v, want register count error", err)
	}
}

func TestCompileAddAddStore(t *testing.T) {
	r := newRuntime(t, func(cfg *config.Config) { cfg.NumRegs = 1 })
	code := mustCompile(t, r, "add_add_store", func(a *ir.Assembler) {
		v := a.Add(rdi, ir.UImm(1))
		v = a.Add(v, ir.UImm(2))
		a.Store(ir.NewMem(64, rbx, 0), v)
	})

	if got, want := codeHex(t, code), "4889f84883c0014883c002488903"; got != want {
		t.Fatalf("bytes=%s, want %s", got, want)
	}
	if code.Pos != 0 || code.Size != 14 {
		t.Fatalf("pos=%d size=%d, want 0 and 14", code.Pos, code.Size)
	}
}

func TestCompileARM64(t *testing.T) {
	r := newRuntime(t, func(cfg *config.Config) { cfg.Arch = "arm64" })
	code := mustCompile(t, r, "ret", func(a *ir.Assembler) { a.CRet(ir.Reg{Num: 1, Bits: 64}) })

	// mov x0, x1; ret
	if got, want := codeHex(t, code), "e00301aac0035fd6"; got != want {
		t.Fatalf("bytes=%s, want %s", got, want)
	}
}

func TestCompileAlignsUnits(t *testing.T) {
	r := newRuntime(t, nil)
	first := mustCompile(t, r, "first", func(a *ir.Assembler) { a.Breakpoint() })
	second := mustCompile(t, r, "second", func(a *ir.Assembler) { a.Breakpoint() })

	if first.Pos != 0 || second.Pos != entryAlign {
		t.Fatalf("positions=%d, %d, want 0, %d", first.Pos, second.Pos, entryAlign)
	}
	if second.Entry != first.Entry+entryAlign {
		t.Fatalf("entries=%#x, %#x", first.Entry, second.Entry)
	}
}

func TestCompileFallsBackWhenFull(t *testing.T) {
	r := newRuntime(t, func(cfg *config.Config) { cfg.ExecMemory = 64 })
	mustCompile(t, r, "small", retZero)
	used := r.Used()

	_, err := r.Compile("big", func(a *ir.Assembler) {
		for range 100 {
			a.Breakpoint()
		}
	})
	if !errors.Is(err, ErrCouldNotCompile) || !errors.Is(err, codebuf.ErrCapacity) {
		t.Fatalf("err=%v, want %v wrapping %v", err, ErrCouldNotCompile, codebuf.ErrCapacity)
	}
	if got := r.Used(); got != used {
		t.Fatalf("used=%d after failed compile, want %d", got, used)
	}

	again := mustCompile(t, r, "small_again", retZero)
	if again.Pos != entryAlign {
		t.Fatalf("pos=%d, want %d", again.Pos, entryAlign)
	}

	stats := r.Stats()
	if stats.Compiled != 2 || stats.Fallbacks != 1 || stats.CodeBytes != 12 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestCompileRecoversPanic(t *testing.T) {
	r := newRuntime(t, nil)
	boom := errors.New("boom")

	_, err := r.Compile("panics", func(a *ir.Assembler) {
		a.Breakpoint()
		panic(boom)
	})
	var internal *InternalError
	if !errors.As(err, &internal) {
		t.Fatalf("err=%v, want *InternalError", err)
	}
	if internal.Unit != "panics" || len(internal.Stack) == 0 {
		t.Fatalf("internal=%+v", internal)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want it to wrap %v", err, boom)
	}
	if r.Stats().InternalErrors != 1 {
		t.Fatalf("stats=%+v", r.Stats())
	}
}

func TestCompileRecoversBackendPanics(t *testing.T) {
	for _, tc := range []struct {
		name  string
		build func(a *ir.Assembler)
		want  string
	}{
		{
			name: "pool exhausted",
			build: func(a *ir.Assembler) {
				v1 := a.Load(ir.UImm(1))
				v2 := a.Load(ir.UImm(2))
				a.Store(ir.NewMem(64, rbx, 0), a.Add(v1, v2))
			},
			want: "spilling is not supported",
		},
		{
			name: "unbound label",
			build: func(a *ir.Assembler) {
				a.Breakpoint()
				a.Jmp(a.NewLabel("nowhere"))
			},
			want: "never bound",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRuntime(t, func(cfg *config.Config) { cfg.NumRegs = 1 })

			_, err := r.Compile(tc.name, tc.build)
			var internal *InternalError
			if !errors.As(err, &internal) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want internal error mentioning %q", err, tc.want)
			}
			if r.Used() != 0 {
				t.Fatalf("used=%d after failed compile, want 0", r.Used())
			}

			// Label state was rolled back, so a unit with its own labels links.
			code := mustCompile(t, r, "after", func(a *ir.Assembler) {
				done := a.NewLabel("done")
				a.Jmp(done)
				a.Breakpoint()
				a.WriteLabel(done)
			})
			if got, want := codeHex(t, code), "e901000000cc"; got != want {
				t.Fatalf("bytes=%s, want %s", got, want)
			}
		})
	}
}

func TestComments(t *testing.T) {
	for _, keep := range []bool{false, true} {
		t.Run(fmt.Sprint(keep), func(t *testing.T) {
			r := newRuntime(t, func(cfg *config.Config) { cfg.Comments = keep })
			mustCompile(t, r, "pad", func(a *ir.Assembler) { a.Breakpoint() })
			code := mustCompile(t, r, "commented", func(a *ir.Assembler) {
				a.Comment("entry")
				a.Breakpoint()
				a.Comment("exit")
				a.CRet(ir.Imm(0))
			})

			var got []string
			for off, texts := range code.Comments() {
				got = append(got, fmt.Sprintf("%d:%s", off, strings.Join(texts, ",")))
			}
			want := "[]"
			if keep {
				want = "[0:entry 1:exit]"
			}
			if fmt.Sprint(got) != want {
				t.Fatalf("comments=%v, want %s", got, want)
			}
		})
	}
}

func TestGCOffsets(t *testing.T) {
	r := newRuntime(t, nil)
	mustCompile(t, r, "pad", func(a *ir.Assembler) { a.Breakpoint() })
	code := mustCompile(t, r, "heap_value", func(a *ir.Assembler) {
		v := a.Load(ir.Value{Word: 0x1122334455667788, Heap: true})
		a.Store(ir.NewMem(64, rbx, 0), v)
	})

	if len(code.GCOffsets) != 1 || code.GCOffsets[0] != uint32(code.Pos+2) {
		t.Fatalf("gc offsets=%v, want [%d]", code.GCOffsets, code.Pos+2)
	}
}

type fakeHost struct {
	handles []Handle
	failAt  Handle
	events  []string
}

func (h *fakeHost) Mutators() iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		for _, handle := range h.handles {
			if !yield(handle) {
				return
			}
		}
	}
}

func (h *fakeHost) Park(handle Handle) error {
	if handle == h.failAt {
		return fmt.Errorf("thread %d is stuck", handle)
	}
	h.events = append(h.events, fmt.Sprintf("park %d", handle))
	return nil
}

func (h *fakeHost) Resume(handle Handle) {
	h.events = append(h.events, fmt.Sprintf("resume %d", handle))
}

func TestPatch(t *testing.T) {
	r := newRuntime(t, nil)
	code := mustCompile(t, r, "ret", retZero)
	host := &fakeHost{handles: []Handle{1, 2, 3}}

	err := r.Patch(host, code, 1, func(buf asm.Buffer) error {
		return buf.WriteInt(42, 32)
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if got, want := codeHex(t, code), "b82a000000c3"; got != want {
		t.Fatalf("bytes=%s, want %s", got, want)
	}
	want := "[park 1 park 2 park 3 resume 1 resume 2 resume 3]"
	if got := fmt.Sprint(host.events); got != want {
		t.Fatalf("events=%s, want %s", got, want)
	}
	if r.Used() != code.Size {
		t.Fatalf("used=%d, want %d", r.Used(), code.Size)
	}
	if r.Stats().Patches != 1 {
		t.Fatalf("stats=%+v", r.Stats())
	}
}

func TestPatchParkFailure(t *testing.T) {
	r := newRuntime(t, nil)
	code := mustCompile(t, r, "ret", retZero)
	host := &fakeHost{handles: []Handle{1, 2, 3}, failAt: 2}

	called := false
	err := r.Patch(host, code, 0, func(buf asm.Buffer) error {
		called = true
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "stuck") {
		t.Fatalf("err=%v, want park failure", err)
	}
	if called {
		t.Fatalf("patch ran with a mutator still running")
	}
	if got, want := fmt.Sprint(host.events), "[park 1 resume 1]"; got != want {
		t.Fatalf("events=%s, want %s", got, want)
	}
}

func TestPatchStaysInsideUnit(t *testing.T) {
	r := newRuntime(t, nil)
	code := mustCompile(t, r, "ret", retZero)
	next := mustCompile(t, r, "next", func(a *ir.Assembler) { a.Breakpoint() })
	host := &fakeHost{handles: []Handle{1}}

	err := r.Patch(host, code, 1, func(buf asm.Buffer) error {
		return buf.WriteBytes(bytes.Repeat([]byte{0x90}, code.Size))
	})
	if !errors.Is(err, codebuf.ErrCapacity) {
		t.Fatalf("err=%v, want %v", err, codebuf.ErrCapacity)
	}
	if got, want := codeHex(t, code), "b800000000c3"; got != want {
		t.Fatalf("bytes=%s, want %s", got, want)
	}
	if got := codeHex(t, next); got != "cc" {
		t.Fatalf("next unit=%s, want cc", got)
	}

	if err := r.Patch(host, code, code.Size, func(asm.Buffer) error { return nil }); err == nil {
		t.Fatalf("patch at the end of the unit succeeded")
	}
}

func TestPatchRecoversPanic(t *testing.T) {
	r := newRuntime(t, nil)
	code := mustCompile(t, r, "ret", retZero)
	host := &fakeHost{handles: []Handle{7}}

	err := r.Patch(host, code, 0, func(buf asm.Buffer) error {
		panic("bad patch")
	})
	var internal *InternalError
	if !errors.As(err, &internal) || internal.Value != "bad patch" {
		t.Fatalf("err=%v, want internal error", err)
	}
	if got, want := fmt.Sprint(host.events), "[park 7 resume 7]"; got != want {
		t.Fatalf("events=%s, want %s", got, want)
	}
	if r.Used() != code.Size {
		t.Fatalf("used=%d, want %d", r.Used(), code.Size)
	}
}

func TestLogStats(t *testing.T) {
	var out bytes.Buffer
	cfg := config.Default()
	cfg.Arch = "x86_64"
	r := New(cfg, WithoutExecution(), WithLogger(slog.New(slog.NewJSONHandler(&out, nil))))
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer r.Close()

	mustCompile(t, r, "ret", retZero)
	r.LogStats()

	for _, want := range []string{`"msg":"jit: stats"`, `"compiled":1`, `"code_size":"6B"`, `"exec_reserved":"64MiB"`} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("log=%s, want it to contain %s", out.String(), want)
		}
	}
}
