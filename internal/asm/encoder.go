package asm

import (
	"fmt"
	"sync"
)

// Encoder is the part of an instruction set every architecture provides.
// Architecture-specific code uses the per-package emitters directly; the
// code buffer, the runtime and the CLI go through this interface.
type Encoder interface {
	Architecture() Architecture

	// InstructionAlign is the granularity of instruction boundaries.
	InstructionAlign() int
	// TrapByte fills memory that has not been written yet.
	TrapByte() byte

	// Fill writes n bytes of no-op instructions.
	Fill(buf Buffer, n int) error
	Breakpoint(buf Buffer) error
	Return(buf Buffer) error
	Jump(buf Buffer, target Label) error

	// LoadImmediate moves v into the 64-bit register numbered reg.
	LoadImmediate(buf Buffer, reg int, v uint64) error
	// AddImmediate adds v to the 64-bit register numbered reg.
	AddImmediate(buf Buffer, reg int, v int64) error

	// ArgumentRegisters lists the integer argument registers of the
	// platform calling convention, in order.
	ArgumentRegisters() []int
	// ReturnRegister is the integer return register of the platform
	// calling convention.
	ReturnRegister() int
}

var (
	encodersMu sync.RWMutex
	encoders   = make(map[Architecture]Encoder)
)

// RegisterEncoder makes enc available through EncoderFor. Registering the
// same architecture twice panics.
func RegisterEncoder(enc Encoder) {
	if enc == nil {
		panic("asm: encoder must be non-nil")
	}
	arch := enc.Architecture()
	if arch == ArchitectureInvalid {
		panic("asm: cannot register encoder for invalid architecture")
	}

	encodersMu.Lock()
	defer encodersMu.Unlock()

	if _, exists := encoders[arch]; exists {
		panic(fmt.Sprintf("asm: encoder for %s already registered", arch))
	}
	encoders[arch] = enc
}

// EncoderFor returns the encoder registered for arch.
func EncoderFor(arch Architecture) (Encoder, error) {
	encodersMu.RLock()
	defer encodersMu.RUnlock()

	if enc, ok := encoders[arch]; ok {
		return enc, nil
	}
	if arch == ArchitectureInvalid {
		return nil, fmt.Errorf("asm: architecture must be specified")
	}
	return nil, fmt.Errorf("asm: no encoder registered for %q", arch)
}
