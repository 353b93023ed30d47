package testutil

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/codebuf"
)

// Emit runs fn against a fresh 1KiB dummy block and returns the bytes it
// wrote, with labels linked.
func Emit(t testing.TB, enc asm.Encoder, fn func(cb *codebuf.CodeBlock) error) []byte {
	t.Helper()
	cb := codebuf.NewDummy(1024, enc)
	if err := fn(cb); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := cb.LinkLabels(); err != nil {
		t.Fatalf("link labels: %v", err)
	}
	return cb.Bytes()
}

// CheckBytes compares what fn emits with want, a hex string. Spaces in want
// are ignored so multi-instruction sequences can be grouped.
func CheckBytes(t testing.TB, enc asm.Encoder, want string, fn func(cb *codebuf.CodeBlock) error) {
	t.Helper()
	got := hex.EncodeToString(Emit(t, enc, fn))
	want = strings.ToLower(strings.ReplaceAll(want, " ", ""))
	if got != want {
		t.Fatalf("bytes=%s, want %s", got, want)
	}
}

// MustPanic fails the test unless fn panics. When substr is not empty the
// panic value must mention it.
func MustPanic(t testing.TB, substr string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic")
		}
		if substr != "" && !strings.Contains(fmt.Sprint(r), substr) {
			t.Fatalf("panic=%v, want substring %q", r, substr)
		}
	}()
	fn()
}
