package testutil

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/codebuf"
)

// SuiteVectors holds the golden bytes, as hex, an architecture supplies to
// RunEncoderSuite.
type SuiteVectors struct {
	Breakpoint string
	Return     string
	// Fill is what Fill writes for 4*InstructionAlign bytes.
	Fill string
	// LoadSmall is LoadImmediate of 0x1234 into register 0.
	LoadSmall string
	// LoadWide is LoadImmediate of 0x1122334455667788 into register 0.
	LoadWide string
	// AddSmall is AddImmediate of 7 to register 0.
	AddSmall string
	// AddNegative is AddImmediate of -7 to register 0.
	AddNegative string
	// JumpSize is the length of Jump in bytes.
	JumpSize int
}

// RunEncoderSuite checks the behaviour every asm.Encoder shares.
func RunEncoderSuite(t *testing.T, enc asm.Encoder, want SuiteVectors) {
	t.Run("Registered", func(t *testing.T) {
		got, err := asm.EncoderFor(enc.Architecture())
		if err != nil {
			t.Fatalf("EncoderFor(%s): %v", enc.Architecture(), err)
		}
		if reflect.TypeOf(got) != reflect.TypeOf(enc) {
			t.Fatalf("EncoderFor(%s)=%T, want %T", enc.Architecture(), got, enc)
		}
	})

	t.Run("CallingConvention", func(t *testing.T) {
		args := enc.ArgumentRegisters()
		if len(args) == 0 {
			t.Fatalf("no argument registers")
		}
		args[0] = -1
		if enc.ArgumentRegisters()[0] == -1 {
			t.Fatalf("ArgumentRegisters returned shared storage")
		}
		if enc.ReturnRegister() < 0 {
			t.Fatalf("ReturnRegister=%d", enc.ReturnRegister())
		}
	})

	t.Run("Breakpoint", func(t *testing.T) {
		CheckBytes(t, enc, want.Breakpoint, func(cb *codebuf.CodeBlock) error { return enc.Breakpoint(cb) })
	})

	t.Run("Return", func(t *testing.T) {
		CheckBytes(t, enc, want.Return, func(cb *codebuf.CodeBlock) error { return enc.Return(cb) })
	})

	t.Run("LoadImmediate", func(t *testing.T) {
		CheckBytes(t, enc, want.LoadSmall, func(cb *codebuf.CodeBlock) error { return enc.LoadImmediate(cb, 0, 0x1234) })
		CheckBytes(t, enc, want.LoadWide, func(cb *codebuf.CodeBlock) error { return enc.LoadImmediate(cb, 0, 0x1122334455667788) })
	})

	t.Run("AddImmediate", func(t *testing.T) {
		CheckBytes(t, enc, want.AddSmall, func(cb *codebuf.CodeBlock) error { return enc.AddImmediate(cb, 0, 7) })
		CheckBytes(t, enc, want.AddNegative, func(cb *codebuf.CodeBlock) error { return enc.AddImmediate(cb, 0, -7) })
	})

	t.Run("Fill", func(t *testing.T) {
		n := 4 * enc.InstructionAlign()
		cb := codebuf.NewDummy(64, enc)
		if err := enc.Fill(cb, n); err != nil {
			t.Fatalf("Fill(%d): %v", n, err)
		}
		if got := cb.WritePos(); got != n {
			t.Fatalf("WritePos=%d after Fill(%d)", got, n)
		}
		CheckBytes(t, enc, want.Fill, func(cb *codebuf.CodeBlock) error { return enc.Fill(cb, n) })
	})

	t.Run("TrapByte", func(t *testing.T) {
		cb := codebuf.NewDummy(8, enc)
		got, err := cb.BytesAt(0, 8)
		if err != nil {
			t.Fatalf("BytesAt: %v", err)
		}
		for i, b := range got {
			if b != enc.TrapByte() {
				t.Fatalf("byte %d=%#x, want trap byte %#x", i, b, enc.TrapByte())
			}
		}
	})

	t.Run("JumpForwardAndBackward", func(t *testing.T) {
		cb := codebuf.NewDummy(256, enc)
		top := cb.NewLabel("top")
		end := cb.NewLabel("end")
		cb.WriteLabel(top)
		if err := enc.Jump(cb, end); err != nil {
			t.Fatalf("Jump(end): %v", err)
		}
		if got := cb.WritePos(); got != want.JumpSize {
			t.Fatalf("Jump wrote %d bytes, want %d", got, want.JumpSize)
		}
		if err := enc.Jump(cb, top); err != nil {
			t.Fatalf("Jump(top): %v", err)
		}
		cb.WriteLabel(end)
		if err := cb.LinkLabels(); err != nil {
			t.Fatalf("LinkLabels: %v", err)
		}
		if got := cb.WritePos(); got != 2*want.JumpSize {
			t.Fatalf("WritePos=%d after linking", got)
		}

		// A jump to the next instruction and a jump to itself encode
		// identically regardless of where they sit in the block.
		next := Emit(t, enc, func(cb *codebuf.CodeBlock) error {
			l := cb.NewLabel("next")
			if err := enc.Jump(cb, l); err != nil {
				return err
			}
			cb.WriteLabel(l)
			return nil
		})
		forward, err := cb.BytesAt(0, want.JumpSize)
		if err != nil {
			t.Fatalf("BytesAt: %v", err)
		}
		if slices.Equal(forward, next) {
			t.Fatalf("jump over an instruction encodes like a jump to the next one")
		}
	})

	t.Run("CapacityExhausted", func(t *testing.T) {
		cb := codebuf.NewDummy(0, enc)
		if err := enc.Return(cb); !errors.Is(err, codebuf.ErrCapacity) {
			t.Fatalf("Return into full block err=%v, want ErrCapacity", err)
		}
		if got := cb.WritePos(); got != 0 {
			t.Fatalf("WritePos=%d after failed write", got)
		}
	})

	t.Run("UnboundLabel", func(t *testing.T) {
		cb := codebuf.NewDummy(64, enc)
		l := cb.NewLabel("missing")
		if err := enc.Jump(cb, l); err != nil {
			t.Fatalf("Jump: %v", err)
		}
		MustPanic(t, "never bound", func() { _ = cb.LinkLabels() })
	})
}
