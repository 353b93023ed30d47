package testutil

import (
	"fmt"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
)

// Expectation describes one instruction of a disassembly listing.
type Expectation struct {
	Mnemonic string
	Contains []string
}

// Insn is shorthand for an Expectation.
func Insn(mnemonic string, contains ...string) Expectation {
	return Expectation{Mnemonic: mnemonic, Contains: contains}
}

func (e Expectation) match(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations checks that lines start with expect, in order. Trailing
// instructions such as alignment padding are ignored.
func VerifyExpectations(t testing.TB, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("disassembly has %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		if err := exp.match(lines[idx]); err != nil {
			t.Fatalf("instruction %d: %v\nline: %s", idx, err, lines[idx].Text)
		}
	}
}

// ExpectDisassembly disassembles code and requires it to be exactly expect.
func ExpectDisassembly(t testing.TB, arch asm.Architecture, code []byte, expect ...Expectation) {
	t.Helper()
	lines := Disassemble(t, arch, code)
	if len(lines) != len(expect) {
		t.Fatalf("disassembly has %d instructions, want %d: %v", len(lines), len(expect), lines)
	}
	VerifyExpectations(t, lines, expect)
}
