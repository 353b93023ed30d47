package jit

import (
	"errors"
	"fmt"
	"iter"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/codebuf"
)

// Handle is an opaque reference to a host thread that may be executing
// generated code. Only the Host that produced it knows what it means.
type Handle uintptr

// Host is the collaborator that owns the threads running generated code.
type Host interface {
	// Mutators yields a handle for every thread that may run generated
	// code. A handle is borrowed for the duration of the yield call only
	// and must not be kept after it returns. While the threads are parked
	// the sequence must be stable.
	Mutators() iter.Seq[Handle]
	// Park returns once the thread behind h is stopped outside generated
	// code.
	Park(h Handle) error
	Resume(h Handle)
}

// Patch rewrites published code starting off bytes into c. Every mutator
// of host is parked while fn writes and resumed before Patch returns. fn
// may not write past the end of c; such writes fail with an error wrapping
// codebuf.ErrCapacity.
func (r *Runtime) Patch(host Host, c *Code, off int, fn func(buf asm.Buffer) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.cb
	if cb == nil {
		return ErrNotInitialized
	}
	if c.rt != r {
		return fmt.Errorf("jit: %s was compiled by another runtime", c.Name)
	}
	if off < 0 || off >= c.Size {
		return fmt.Errorf("jit: patch offset %d outside %s (%d bytes)", off, c.Name, c.Size)
	}

	parked, err := park(host)
	defer resume(host, parked)
	if err != nil {
		return fmt.Errorf("jit: park mutators: %w", err)
	}

	saved := cb.WritePos()
	err = guard(c.Name, func() error {
		return cb.Patch(c.Pos+off, func(cb *codebuf.CodeBlock) error {
			return fn(&boundedBuffer{CodeBlock: cb, end: c.Pos + c.Size})
		})
	})
	if err != nil {
		cb.SetPos(saved)
		var internal *InternalError
		if errors.As(err, &internal) {
			r.stats.InternalErrors++
			r.log.Error("jit: internal error", "unit", c.Name, "panic", internal.Value, "stack", string(internal.Stack))
			return err
		}
		return fmt.Errorf("jit: patch %s+%d: %w", c.Name, off, err)
	}

	r.stats.Patches++
	r.log.Debug("jit: patched", "unit", c.Name, "offset", off, "mutators", parked)
	return nil
}

// park stops every mutator in order and returns how many were stopped.
func park(host Host) (int, error) {
	n := 0
	for h := range host.Mutators() {
		if err := host.Park(h); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// resume restarts the first n mutators.
func resume(host Host, n int) {
	if n == 0 {
		return
	}
	for h := range host.Mutators() {
		host.Resume(h)
		n--
		if n == 0 {
			return
		}
	}
}

// boundedBuffer confines writes to the bytes of one unit.
type boundedBuffer struct {
	*codebuf.CodeBlock
	end int
}

func (b *boundedBuffer) check(n int) error {
	if pos := b.WritePos(); pos+n > b.end {
		return fmt.Errorf("patch writes %d bytes at %d, unit ends at %d: %w", n, pos, b.end, codebuf.ErrCapacity)
	}
	return nil
}

func (b *boundedBuffer) WriteByte(v byte) error {
	return b.WriteBytes([]byte{v})
}

func (b *boundedBuffer) WriteBytes(p []byte) error {
	if err := b.check(len(p)); err != nil {
		return err
	}
	return b.CodeBlock.WriteBytes(p)
}

func (b *boundedBuffer) WriteInt(v uint64, bits int) error {
	if err := b.check(bits / 8); err != nil {
		return err
	}
	return b.CodeBlock.WriteInt(v, bits)
}

func (b *boundedBuffer) LabelRef(l asm.Label, size int, encode asm.LabelEncoder) error {
	return errors.New("labels cannot be referenced while patching")
}
