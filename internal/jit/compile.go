package jit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"

	"github.com/tinyrange/jit/internal/codebuf"
	"github.com/tinyrange/jit/internal/ir"
)

// Units start on a 16-byte boundary.
const entryAlign = 16

// InternalError is a panic recovered while compiling or patching a unit.
// It always indicates a bug in the code that built the unit or in the
// backend, never a property of the program being compiled.
type InternalError struct {
	Unit  string
	Value any
	Stack []byte
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("jit: internal error in %s: %v", e.Unit, e.Value)
}

func (e *InternalError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// guard runs fn, converting a panic into an *InternalError.
func guard(unit string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &InternalError{Unit: unit, Value: p, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Code is a compiled unit.
type Code struct {
	Name string
	// Entry is the absolute address of the first instruction.
	Entry uintptr
	// Pos is the offset of Entry in the code block.
	Pos  int
	Size int
	// GCOffsets are the code block offsets of the heap values embedded in
	// the unit. The collector rewrites the 8 bytes at each offset when it
	// moves the value.
	GCOffsets []uint32

	rt *Runtime
}

// Compile builds a unit with build and lowers it into executable memory.
//
// When the unit does not fit, the error wraps ErrCouldNotCompile and the
// caller is expected to keep interpreting it. Panics raised by build or by
// the backend are returned as *InternalError. In both cases the code block
// is rewound to where it was before the call.
//
// Pages shared with earlier units are writable while Compile runs, so it
// must not race with execution of those units.
func (r *Runtime) Compile(name string, build func(a *ir.Assembler)) (*Code, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.cb
	if cb == nil {
		return nil, ErrNotInitialized
	}

	start := cb.WritePos()
	labels := cb.LabelState()

	var code *Code
	err := guard(name, func() error {
		if err := cb.AlignPos(entryAlign); err != nil {
			return err
		}
		entry := cb.WritePos()

		a := ir.New()
		build(a)

		offsets, err := a.Compile(cb, r.pool)
		if err != nil {
			return err
		}
		if r.executable {
			if err := cb.MarkExecutable(); err != nil {
				return err
			}
		}
		cb.ClearLabels()
		if !r.cfg.Comments {
			cb.RemoveComments(entry, cb.WritePos()+1)
		}

		code = &Code{
			Name:      name,
			Entry:     cb.AddrOf(entry),
			Pos:       entry,
			Size:      cb.WritePos() - entry,
			GCOffsets: offsets,
			rt:        r,
		}
		return nil
	})
	if err != nil {
		r.rewind(start, labels)
		return nil, r.failed(name, err)
	}

	r.stats.Compiled++
	r.stats.CodeBytes += code.Size
	level := r.unitLevel()
	r.log.Log(context.Background(), level, "jit: compiled",
		"unit", name,
		"pos", code.Pos,
		"bytes", code.Size,
		"gc_offsets", len(code.GCOffsets),
	)
	return code, nil
}

// rewind drops everything a failed compilation wrote. Pages touched by the
// attempt are made executable again so earlier units keep running.
func (r *Runtime) rewind(pos int, labels codebuf.LabelState) {
	cb := r.cb
	cb.RemoveComments(pos, cb.Capacity()+1)
	cb.SetPos(pos)
	cb.SetLabelState(labels)
	if r.executable {
		if err := cb.MarkExecutable(); err != nil {
			r.log.Error("jit: restore executable pages", "err", err)
		}
	}
}

func (r *Runtime) failed(name string, err error) error {
	var internal *InternalError
	switch {
	case errors.As(err, &internal):
		r.stats.InternalErrors++
		r.log.Error("jit: internal error", "unit", name, "panic", internal.Value, "stack", string(internal.Stack))
		return err
	case errors.Is(err, codebuf.ErrCapacity):
		r.stats.Fallbacks++
		r.log.Warn("jit: out of executable memory, falling back", "unit", name, "used", r.cb.WritePos(), "err", err)
		return fmt.Errorf("%w %s: %w", ErrCouldNotCompile, name, err)
	default:
		r.stats.Failed++
		r.log.Error("jit: compilation failed", "unit", name, "err", err)
		return fmt.Errorf("jit: compile %s: %w", name, err)
	}
}

// Bytes returns a copy of the unit's machine code.
func (c *Code) Bytes() ([]byte, error) {
	r := c.rt
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cb == nil {
		return nil, ErrNotInitialized
	}
	return r.cb.BytesAt(c.Pos, c.Size)
}

// Comments yields the comments kept for the unit, keyed by offset from its
// entry. Comments are only kept when the configuration asks for them.
func (c *Code) Comments() iter.Seq2[int, []string] {
	return func(yield func(int, []string) bool) {
		r := c.rt
		r.mu.Lock()
		var (
			offsets []int
			texts   [][]string
		)
		if r.cb != nil {
			for pos, t := range r.cb.AllComments() {
				if pos < c.Pos || pos > c.Pos+c.Size {
					continue
				}
				offsets = append(offsets, pos-c.Pos)
				texts = append(texts, t)
			}
		}
		r.mu.Unlock()

		for i := range offsets {
			if !yield(offsets[i], texts[i]) {
				return
			}
		}
	}
}
