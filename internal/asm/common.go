package asm

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Architecture names an instruction set the encoders can target.
type Architecture string

const (
	ArchitectureInvalid Architecture = "invalid"
	ArchitectureX86_64  Architecture = "x86_64"
	ArchitectureARM64   Architecture = "arm64"
)

// HostArchitecture reports the architecture of the running process.
func HostArchitecture() Architecture {
	switch runtime.GOARCH {
	case "amd64":
		return ArchitectureX86_64
	case "arm64":
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

// ParseArchitecture accepts both the Go and the ELF spelling of an
// architecture name. The empty string and "host" select HostArchitecture.
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "host":
		if arch := HostArchitecture(); arch != ArchitectureInvalid {
			return arch, nil
		}
		return ArchitectureInvalid, fmt.Errorf("asm: unsupported host architecture %q", runtime.GOARCH)
	case "amd64", "x86_64", "x86-64", "x64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	default:
		return ArchitectureInvalid, fmt.Errorf("asm: unknown architecture %q", s)
	}
}

var (
	// ErrInvalidImmediate is returned when an immediate cannot be represented
	// in the field width of the selected instruction.
	ErrInvalidImmediate = errors.New("invalid immediate")
	// ErrUnencodable is returned when a value has no encoding in a
	// specialised immediate form such as a bitmask or shifted immediate.
	ErrUnencodable = errors.New("unencodable immediate")
)

// Label is an opaque handle to a code position that may not be known yet.
// Labels are created by a Buffer and are only meaningful to that Buffer.
type Label int

// LabelEncoder writes the bytes of a deferred label reference. src is the
// position directly after the reserved bytes and dst the bound position of
// the label. The encoder must write exactly the number of bytes reserved.
type LabelEncoder func(buf Buffer, src, dst int) error

// Buffer is the write side of a code buffer as seen by the encoders.
type Buffer interface {
	WriteByte(b byte) error
	WriteBytes(p []byte) error
	WriteInt(v uint64, bits int) error

	// WritePos returns the current write offset from the start of the buffer.
	WritePos() int
	// AddrOf returns the absolute address of the byte at pos.
	AddrOf(pos int) uintptr

	// LabelRef reserves size bytes at the current position and records a
	// patch that is encoded once the label is bound.
	LabelRef(l Label, size int, encode LabelEncoder) error
}
