package ir

import (
	"fmt"
	"sync"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/codebuf"
)

// Backend lowers IR for one architecture.
type Backend interface {
	Architecture() asm.Architecture

	// AllocatableRegs is the default register pool, in preference order.
	AllocatableRegs() []Reg
	// ReturnReg holds the result of native calls.
	ReturnReg() Reg

	// Split rewrites instructions whose operands the architecture cannot
	// encode directly, for example by loading immediates into registers.
	Split(a *Assembler) *Assembler
	// Emit writes machine code for allocated IR. labels maps each IR Label
	// to the label created for it in cb. It returns the positions of
	// embedded heap values.
	Emit(a *Assembler, cb *codebuf.CodeBlock, labels []asm.Label) ([]uint32, error)
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[asm.Architecture]Backend)
)

// RegisterBackend wires an architecture-specific backend into Compile. It
// panics when attempting to register the same architecture more than once
// so mistakes are caught during init.
func RegisterBackend(backend Backend) {
	if backend == nil {
		panic("ir: backend must be non-nil")
	}
	arch := backend.Architecture()
	if arch == asm.ArchitectureInvalid {
		panic("ir: cannot register backend for invalid architecture")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[arch]; exists {
		panic(fmt.Sprintf("ir: backend for %s already registered", arch))
	}
	backends[arch] = backend
}

func lookupBackend(arch asm.Architecture) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if backend, ok := backends[arch]; ok {
		return backend, nil
	}
	if arch == asm.ArchitectureInvalid {
		return nil, fmt.Errorf("ir: architecture must be specified")
	}
	return nil, fmt.Errorf("ir: no backend registered for %q", arch)
}

// BackendFor returns the backend registered for arch.
func BackendFor(arch asm.Architecture) (Backend, error) {
	return lookupBackend(arch)
}

// Compile lowers the unit into cb using registers from pool, or the
// backend's default pool when pool is nil. It returns the positions of
// embedded heap values in cb.
//
// Capacity and immediate errors are returned; cb is left partially written
// and the caller is expected to rewind it. Internal inconsistencies, such as
// a label that is never bound, panic.
func (a *Assembler) Compile(cb *codebuf.CodeBlock, pool []Reg) ([]uint32, error) {
	backend, err := lookupBackend(cb.Encoder().Architecture())
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = backend.AllocatableRegs()
	}

	alloc := backend.Split(a).AllocRegs(pool, backend.ReturnReg())
	alloc.finalized = true

	labels := make([]asm.Label, len(alloc.labelNames))
	for i, name := range alloc.labelNames {
		labels[i] = cb.NewLabel(name)
	}

	gcOffsets, err := backend.Emit(alloc, cb, labels)
	if err != nil {
		return nil, err
	}
	if err := cb.LinkLabels(); err != nil {
		return nil, err
	}
	return gcOffsets, nil
}

// CompileWithNumRegs compiles with the first n registers of the backend's
// default pool.
func (a *Assembler) CompileWithNumRegs(cb *codebuf.CodeBlock, n int) ([]uint32, error) {
	backend, err := lookupBackend(cb.Encoder().Architecture())
	if err != nil {
		return nil, err
	}
	regs := backend.AllocatableRegs()
	if n > len(regs) {
		panic(fmt.Sprintf("ir: %d registers requested, %s has %d", n, backend.Architecture(), len(regs)))
	}
	return a.Compile(cb, regs[:n:n])
}
