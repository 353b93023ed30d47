package codebuf

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"

	"github.com/tinyrange/jit/internal/asm"
)

// CodeBlock is an append-only, rewindable cursor over a Memory. It is the
// asm.Buffer every emitter writes into.
//
// A CodeBlock is owned by one goroutine at a time.
type CodeBlock struct {
	mem Memory
	enc asm.Encoder

	pos     int
	dropped int

	labels  []label
	refs    []labelRef
	markers []posMarker

	comments *btree.BTreeG[commentEntry]
}

var _ asm.Buffer = (*CodeBlock)(nil)

// NewCodeBlock returns a block writing into mem, padding with the no-ops and
// trap bytes of enc.
func NewCodeBlock(mem Memory, enc asm.Encoder) *CodeBlock {
	if mem == nil || enc == nil {
		panic("codebuf: NewCodeBlock requires memory and an encoder")
	}
	return &CodeBlock{
		mem:      mem,
		enc:      enc,
		comments: newCommentTree(),
	}
}

// NewDummy returns a block of size bytes backed by ordinary heap memory. The
// bytes can be inspected but never executed.
func NewDummy(size int, enc asm.Encoder) *CodeBlock {
	return NewCodeBlock(newHeapMemory(size, enc.TrapByte()), enc)
}

// Encoder returns the architecture encoder used for padding.
func (cb *CodeBlock) Encoder() asm.Encoder { return cb.enc }

func (cb *CodeBlock) Capacity() int { return cb.mem.Capacity() }

// HasCapacity reports whether n more bytes fit at the current position.
func (cb *CodeBlock) HasCapacity(n int) bool {
	return n >= 0 && cb.pos+n <= cb.mem.Capacity()
}

// DroppedBytes counts the bytes of every write rejected for lack of space.
func (cb *CodeBlock) DroppedBytes() int { return cb.dropped }

func (cb *CodeBlock) WritePos() int { return cb.pos }

// SetPos moves the cursor. Positions outside the block are a bug.
func (cb *CodeBlock) SetPos(pos int) {
	if pos < 0 || pos > cb.mem.Capacity() {
		panic(fmt.Sprintf("codebuf: position %d outside block of %d bytes", pos, cb.mem.Capacity()))
	}
	cb.pos = pos
}

func (cb *CodeBlock) AddrOf(pos int) uintptr { return cb.mem.Addr(pos) }

// WriteBytes writes p at the current position. Either all of p is written
// and the position advances, or nothing changes and the error wraps
// ErrCapacity.
func (cb *CodeBlock) WriteBytes(p []byte) error {
	if !cb.HasCapacity(len(p)) {
		cb.dropped += len(p)
		return fmt.Errorf("write %d bytes at %d of %d: %w", len(p), cb.pos, cb.mem.Capacity(), ErrCapacity)
	}
	if err := cb.mem.Write(cb.pos, p); err != nil {
		return err
	}
	cb.pos += len(p)
	return nil
}

func (cb *CodeBlock) WriteByte(b byte) error {
	return cb.WriteBytes([]byte{b})
}

// WriteInt writes the low bits of v in little-endian order.
func (cb *CodeBlock) WriteInt(v uint64, bits int) error {
	var scratch [8]byte
	switch bits {
	case 8:
		scratch[0] = byte(v)
	case 16:
		binary.LittleEndian.PutUint16(scratch[:], uint16(v))
	case 32:
		binary.LittleEndian.PutUint32(scratch[:], uint32(v))
	case 64:
		binary.LittleEndian.PutUint64(scratch[:], v)
	default:
		panic(fmt.Sprintf("codebuf: invalid integer width %d", bits))
	}
	return cb.WriteBytes(scratch[:bits/8])
}

// AlignPos pads to the next multiple of n. The padding is executable no-ops
// when it is a whole number of instructions and trap bytes otherwise.
func (cb *CodeBlock) AlignPos(n int) error {
	if n <= 0 || n&(n-1) != 0 {
		panic(fmt.Sprintf("codebuf: alignment %d is not a power of two", n))
	}
	pad := alignUp(cb.pos, n) - cb.pos
	if pad == 0 {
		return nil
	}
	if !cb.HasCapacity(pad) {
		cb.dropped += pad
		return fmt.Errorf("align to %d at %d: %w", n, cb.pos, ErrCapacity)
	}
	if pad%cb.enc.InstructionAlign() == 0 {
		return cb.enc.Fill(cb, pad)
	}
	fill := make([]byte, pad)
	for i := range fill {
		fill[i] = cb.enc.TrapByte()
	}
	return cb.WriteBytes(fill)
}

// Bytes returns a copy of everything before the current position.
func (cb *CodeBlock) Bytes() []byte {
	out, err := cb.mem.Read(0, cb.pos)
	if err != nil {
		panic(fmt.Sprintf("codebuf: read back block: %v", err))
	}
	return out
}

// BytesAt returns a copy of n bytes at pos.
func (cb *CodeBlock) BytesAt(pos, n int) ([]byte, error) {
	return cb.mem.Read(pos, n)
}

// MarkExecutable makes the block runnable. Every label reference must have
// been resolved with LinkLabels first.
func (cb *CodeBlock) MarkExecutable() error {
	if len(cb.refs) != 0 {
		panic(fmt.Sprintf("codebuf: %d label references not linked before MarkExecutable", len(cb.refs)))
	}
	return cb.mem.MarkExecutable()
}

// Patch rewrites published code at pos. The pages touched become writable
// for the duration of fn and executable again afterwards. The caller must
// guarantee that no thread is executing the patched bytes. The position is
// restored and the pages made executable even when fn panics.
func (cb *CodeBlock) Patch(pos int, fn func(cb *CodeBlock) error) (err error) {
	saved := cb.pos
	cb.SetPos(pos)
	defer func() {
		cb.pos = saved
		if markErr := cb.mem.MarkExecutable(); err == nil {
			err = markErr
		}
	}()
	return fn(cb)
}

type posMarker struct {
	pos int
	fn  func(pos int, addr uintptr)
}

// AddPosMarker records the current position. fn runs with the position and
// its absolute address when labels are linked.
func (cb *CodeBlock) AddPosMarker(fn func(pos int, addr uintptr)) {
	cb.markers = append(cb.markers, posMarker{pos: cb.pos, fn: fn})
}
