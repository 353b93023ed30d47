package testutil

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
)

func elfMachine(arch asm.Architecture) elf.Machine {
	switch arch {
	case asm.ArchitectureX86_64:
		return elf.EM_X86_64
	case asm.ArchitectureARM64:
		return elf.EM_AARCH64
	default:
		panic(fmt.Sprintf("testutil: no ELF machine for %q", arch))
	}
}

// DisasmLine is one instruction line of disassembler output.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains substr.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// disassemblers lists the tools tried for each architecture. GNU objdump
// only understands the host architecture unless built as multiarch, so the
// cross tool and llvm-objdump come first.
var disassemblers = map[asm.Architecture][]string{
	asm.ArchitectureX86_64: {"llvm-objdump", "x86_64-linux-gnu-objdump", "objdump"},
	asm.ArchitectureARM64:  {"llvm-objdump", "aarch64-linux-gnu-objdump", "objdump"},
}

// Disassemble wraps code in a minimal ELF and disassembles it with the first
// available tool for arch. The test is skipped when none is installed.
func Disassemble(t testing.TB, arch asm.Architecture, code []byte) []DisasmLine {
	t.Helper()
	for _, tool := range disassemblers[arch] {
		path, err := exec.LookPath(tool)
		if err != nil {
			continue
		}
		if tool == "objdump" && arch != asm.HostArchitecture() {
			continue
		}
		return disassembleWith(t, path, code, elfMachine(arch), "-d", "--no-show-raw-insn")
	}
	t.Skipf("no disassembler for %s found", arch)
	return nil
}

func disassembleWith(t testing.TB, toolPath string, code []byte, machine elf.Machine, args ...string) []DisasmLine {
	t.Helper()

	image := wrapELF(code, machine)

	tmp, err := os.CreateTemp("", "jit-objdump-*.elf")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(image); err != nil {
		t.Fatalf("write temp ELF: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp ELF: %v", err)
	}

	cmdArgs := append([]string{}, args...)
	cmdArgs = append(cmdArgs, tmp.Name())
	output, err := exec.Command(toolPath, cmdArgs...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s failed: %v\n\n%s", toolPath, err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("disassembler produced no instructions:\n%s", output)
	}
	return lines
}

// wrapELF places code in the .text section of an otherwise empty ELF64
// relocatable so that objdump accepts it.
func wrapELF(code []byte, machine elf.Machine) []byte {
	const textAlign = 16
	strtab := []byte("\x00.text\x00.shstrtab\x00")

	ehsize := binary.Size(elf.Header64{})
	shentsize := binary.Size(elf.Section64{})
	textOff := ehsize
	strtabOff := align(textOff+len(code), 8)
	shoff := align(strtabOff+len(strtab), 8)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(shoff),
		Ehsize:    uint16(ehsize),
		Shentsize: uint16(shentsize),
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Off:       uint64(textOff),
			Size:      uint64(len(code)),
			Addralign: textAlign,
		},
		{
			Name:      uint32(len("\x00.text\x00")),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       uint64(strtabOff),
			Size:      uint64(len(strtab)),
			Addralign: 1,
		},
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(code)
	buf.Write(make([]byte, strtabOff-buf.Len()))
	buf.Write(strtab)
	buf.Write(make([]byte, shoff-buf.Len()))
	_ = binary.Write(&buf, binary.LittleEndian, sections)
	return buf.Bytes()
}

// parseObjdumpOutput keeps the instruction lines of objdump -d output. They
// have the form "   4:\tmov x0, x1"; headers and symbol lines are dropped.
func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	var lines []DisasmLine
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		addr, text, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(addr) == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(fields[0], "<"), strings.HasPrefix(fields[0], "."), fields[0] == "file":
			continue
		}
		lines = append(lines, DisasmLine{
			Text:       strings.TrimSpace(text),
			Normalized: strings.Join(fields, " "),
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read disassembly: %w", err)
	}
	return lines, nil
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}
