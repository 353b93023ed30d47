// Package jit owns executable memory and turns IR units into callable code.
//
// A Runtime is an explicit context: every entry point takes it by
// reference and nothing is kept in package state. Panics raised while
// lowering a unit are recovered at the Runtime boundary and returned as
// errors, so a failed compilation never unwinds into the caller.
package jit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/codebuf"
	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/ir"

	_ "github.com/tinyrange/jit/internal/ir/amd64"
	_ "github.com/tinyrange/jit/internal/ir/arm64"
)

var (
	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = errors.New("jit: runtime already initialized")
	// ErrNotInitialized is returned by entry points used before Init or
	// after Close.
	ErrNotInitialized = errors.New("jit: runtime not initialized")
	// ErrCouldNotCompile means the unit did not fit in the remaining
	// executable memory. The caller should keep interpreting it.
	ErrCouldNotCompile = errors.New("jit: could not compile")
	// ErrNotExecutable is returned when calling code of a runtime that
	// encodes into ordinary memory.
	ErrNotExecutable = errors.New("jit: code is not executable")
)

// Runtime is one JIT instance. Its methods may be called from any
// goroutine; compilation and patching are serialised.
type Runtime struct {
	mu  sync.Mutex
	cfg config.Config
	log *slog.Logger

	noExec      bool
	initialized bool

	arch       asm.Architecture
	enc        asm.Encoder
	mem        codebuf.Memory
	cb         *codebuf.CodeBlock
	pool       []ir.Reg
	executable bool

	stats Stats
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithLogger sends the runtime's log records to l instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithoutExecution encodes into ordinary heap memory. Code can be read back
// but not called. Runtimes targeting another architecture than the host's
// always work this way.
func WithoutExecution() Option {
	return func(r *Runtime) { r.noExec = true }
}

// New returns an uninitialised Runtime.
func New(cfg config.Config, opts ...Option) *Runtime {
	r := &Runtime{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init reserves executable memory and selects the encoder and backend. It
// may only succeed once per Runtime.
func (r *Runtime) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}
	if err := r.cfg.Validate(); err != nil {
		return err
	}

	arch, err := r.cfg.Architecture()
	if err != nil {
		return err
	}
	enc, err := asm.EncoderFor(arch)
	if err != nil {
		return fmt.Errorf("jit: %w", err)
	}
	backend, err := ir.BackendFor(arch)
	if err != nil {
		return fmt.Errorf("jit: %w", err)
	}

	pool := backend.AllocatableRegs()
	if n := r.cfg.NumRegs; n > 0 {
		if n > len(pool) {
			return fmt.Errorf("jit: %d registers requested, %s has %d", n, arch, len(pool))
		}
		pool = pool[:n:n]
	}

	size := int(r.cfg.ExecMemory)
	if !r.noExec && arch == asm.HostArchitecture() {
		mem, err := codebuf.NewVirtualMem(size, enc.TrapByte())
		if err != nil {
			return fmt.Errorf("jit: reserve executable memory: %w", err)
		}
		r.mem = mem
		r.cb = codebuf.NewCodeBlock(mem, enc)
		r.executable = true
	} else {
		r.cb = codebuf.NewDummy(size, enc)
	}

	r.arch = arch
	r.enc = enc
	r.pool = pool
	r.initialized = true

	r.log.Info("jit: initialized",
		"arch", arch,
		"exec_memory", r.cfg.ExecMemory.String(),
		"executable", r.executable,
		"regs", len(pool),
	)
	return nil
}

// Close releases the executable memory. Code compiled by the runtime must
// not be called afterwards. A closed Runtime cannot be initialised again.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cb == nil {
		return nil
	}
	r.cb = nil
	if r.mem != nil {
		err := r.mem.Release()
		r.mem = nil
		return err
	}
	return nil
}

func (r *Runtime) Architecture() asm.Architecture { return r.arch }

// Encoder is the instruction encoder selected by Init.
func (r *Runtime) Encoder() asm.Encoder { return r.enc }

// Executable reports whether compiled code can be called.
func (r *Runtime) Executable() bool { return r.executable }

// Used is the number of bytes of the code block in use.
func (r *Runtime) Used() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cb == nil {
		return 0
	}
	return r.cb.WritePos()
}
