package codebuf

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/asm/arm64"
)

func mustPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", substr)
		}
		if msg, ok := r.(string); ok && !strings.Contains(msg, substr) {
			t.Fatalf("panic=%q, want substring %q", msg, substr)
		}
	}()
	fn()
}

func TestWriteBytesCapacityExhaustion(t *testing.T) {
	cb := NewDummy(8, amd64.Encoder{})

	if err := cb.WriteBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	err := cb.WriteByte(9)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("WriteByte err=%v, want ErrCapacity", err)
	}
	if got := cb.WritePos(); got != 8 {
		t.Fatalf("WritePos=%d, want 8", got)
	}
	if got, want := cb.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8}; !bytes.Equal(got, want) {
		t.Fatalf("Bytes=%x, want %x", got, want)
	}
	if got := cb.DroppedBytes(); got != 1 {
		t.Fatalf("DroppedBytes=%d, want 1", got)
	}
}

func TestWriteBytesIsAllOrNothing(t *testing.T) {
	cb := NewDummy(8, amd64.Encoder{})
	if err := cb.WriteBytes([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if cb.HasCapacity(4) {
		t.Fatalf("HasCapacity(4)=true with 3 bytes left")
	}
	if !cb.HasCapacity(3) {
		t.Fatalf("HasCapacity(3)=false with 3 bytes left")
	}
	if err := cb.WriteInt(0x11223344, 32); !errors.Is(err, ErrCapacity) {
		t.Fatalf("WriteInt err=%v, want ErrCapacity", err)
	}
	if got := cb.WritePos(); got != 5 {
		t.Fatalf("WritePos=%d, want 5", got)
	}
	rest, err := cb.BytesAt(5, 3)
	if err != nil {
		t.Fatalf("BytesAt: %v", err)
	}
	if want := []byte{0xcc, 0xcc, 0xcc}; !bytes.Equal(rest, want) {
		t.Fatalf("unwritten bytes=%x, want %x", rest, want)
	}
}

func TestWriteIntLittleEndian(t *testing.T) {
	cb := NewDummy(32, arm64.Encoder{})
	for _, w := range []struct {
		v    uint64
		bits int
	}{
		{0x11, 8},
		{0x2233, 16},
		{0x44556677, 32},
		{0x8899aabbccddeeff, 64},
	} {
		if err := cb.WriteInt(w.v, w.bits); err != nil {
			t.Fatalf("WriteInt(%#x, %d): %v", w.v, w.bits, err)
		}
	}
	if got, want := hex.EncodeToString(cb.Bytes()), "11332277665544ffeeddccbbaa9988"; got != want {
		t.Fatalf("Bytes=%s, want %s", got, want)
	}
	mustPanic(t, "invalid integer width", func() { _ = cb.WriteInt(1, 12) })
}

func TestSetPosRewinds(t *testing.T) {
	cb := NewDummy(16, arm64.Encoder{})
	if err := cb.WriteInt(0xdeadbeef, 32); err != nil {
		t.Fatalf("WriteInt: %v", err)
	}
	cb.SetPos(0)
	if err := arm64.Nop(cb); err != nil {
		t.Fatalf("Nop: %v", err)
	}
	if got := binary.LittleEndian.Uint32(cb.Bytes()); got != 0xd503201f {
		t.Fatalf("word=%#x, want nop", got)
	}
	mustPanic(t, "outside block", func() { cb.SetPos(17) })
}

func TestAlignPosIsIdempotent(t *testing.T) {
	cb := NewDummy(64, amd64.Encoder{})

	if err := cb.AlignPos(16); err != nil {
		t.Fatalf("AlignPos: %v", err)
	}
	if got := cb.WritePos(); got != 0 {
		t.Fatalf("AlignPos on aligned cursor moved it to %d", got)
	}

	if err := cb.WriteByte(0xc3); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := cb.AlignPos(16); err != nil {
		t.Fatalf("AlignPos: %v", err)
	}
	if got := cb.WritePos(); got != 16 {
		t.Fatalf("WritePos=%d, want 16", got)
	}
	before := cb.Bytes()
	if err := cb.AlignPos(16); err != nil {
		t.Fatalf("AlignPos: %v", err)
	}
	if got := cb.WritePos(); got != 16 {
		t.Fatalf("second AlignPos moved cursor to %d", got)
	}
	if !bytes.Equal(before, cb.Bytes()) {
		t.Fatalf("second AlignPos changed bytes")
	}
}

func TestAlignPosPadsWithNops(t *testing.T) {
	cb := NewDummy(64, arm64.Encoder{})
	if err := arm64.Brk(cb, 0); err != nil {
		t.Fatalf("Brk: %v", err)
	}
	if err := cb.AlignPos(16); err != nil {
		t.Fatalf("AlignPos: %v", err)
	}
	if got, want := hex.EncodeToString(cb.Bytes()), "000020d4"+strings.Repeat("1f2003d5", 3); got != want {
		t.Fatalf("Bytes=%s, want %s", got, want)
	}

	full := NewDummy(6, amd64.Encoder{})
	if err := full.WriteByte(0x90); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := full.AlignPos(8); !errors.Is(err, ErrCapacity) {
		t.Fatalf("AlignPos err=%v, want ErrCapacity", err)
	}
	if got := full.WritePos(); got != 1 {
		t.Fatalf("failed AlignPos moved cursor to %d", got)
	}
}

func branchWord(t *testing.T, cb *CodeBlock, pos int) uint32 {
	t.Helper()
	b, err := cb.BytesAt(pos, 4)
	if err != nil {
		t.Fatalf("BytesAt(%d): %v", pos, err)
	}
	return binary.LittleEndian.Uint32(b)
}

func TestForwardLabel(t *testing.T) {
	for k := 1; k <= 5; k++ {
		cb := NewDummy(64, arm64.Encoder{})
		target := cb.NewLabel("target")
		if err := arm64.BLabel(cb, target); err != nil {
			t.Fatalf("BLabel: %v", err)
		}
		for i := 1; i < k; i++ {
			if err := arm64.Nop(cb); err != nil {
				t.Fatalf("Nop: %v", err)
			}
		}
		cb.WriteLabel(target)
		if err := cb.LinkLabels(); err != nil {
			t.Fatalf("LinkLabels: %v", err)
		}
		if got, want := branchWord(t, cb, 0), uint32(0x14000000|k); got != want {
			t.Fatalf("k=%d: branch=%#08x, want %#08x", k, got, want)
		}
	}
}

func TestBackwardLabel(t *testing.T) {
	cb := NewDummy(64, arm64.Encoder{})
	top := cb.NewLabel("top")
	cb.WriteLabel(top)
	for range 2 {
		if err := arm64.Nop(cb); err != nil {
			t.Fatalf("Nop: %v", err)
		}
	}
	if err := arm64.BCondLabel(cb, arm64.CondNE, top); err != nil {
		t.Fatalf("BCondLabel: %v", err)
	}
	if err := cb.LinkLabels(); err != nil {
		t.Fatalf("LinkLabels: %v", err)
	}
	// b.ne -2 instructions.
	if got, want := branchWord(t, cb, 8), uint32(0x54000000|(0x7fffe<<5)|1); got != want {
		t.Fatalf("branch=%#08x, want %#08x", got, want)
	}
	if got := cb.WritePos(); got != 12 {
		t.Fatalf("LinkLabels moved cursor to %d", got)
	}
}

func TestRel32Label(t *testing.T) {
	cb := NewDummy(64, amd64.Encoder{})
	done := cb.NewLabel("done")
	if err := (amd64.Encoder{}).Jump(cb, done); err != nil {
		t.Fatalf("Jump: %v", err)
	}
	if err := cb.WriteByte(0x90); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	cb.WriteLabel(done)
	if err := cb.LinkLabels(); err != nil {
		t.Fatalf("LinkLabels: %v", err)
	}
	if got, want := hex.EncodeToString(cb.Bytes()), "e90100000090"; got != want {
		t.Fatalf("Bytes=%s, want %s", got, want)
	}
}

func TestUnboundLabelPanics(t *testing.T) {
	cb := NewDummy(16, arm64.Encoder{})
	l := cb.NewLabel("nowhere")
	if err := arm64.BLabel(cb, l); err != nil {
		t.Fatalf("BLabel: %v", err)
	}
	mustPanic(t, "never bound", func() { _ = cb.LinkLabels() })
	mustPanic(t, "not linked", func() { _ = cb.MarkExecutable() })
}

func TestLabelMisuse(t *testing.T) {
	cb := NewDummy(16, arm64.Encoder{})
	mustPanic(t, "whitespace", func() { cb.NewLabel("bad name") })

	l := cb.NewLabel("once")
	cb.WriteLabel(l)
	mustPanic(t, "bound twice", func() { cb.WriteLabel(l) })
	mustPanic(t, "unknown label", func() { cb.WriteLabel(asm.Label(7)) })
}

func TestLabelRefCapacity(t *testing.T) {
	cb := NewDummy(6, arm64.Encoder{})
	l := cb.NewLabel("l")
	if err := arm64.BLabel(cb, l); err != nil {
		t.Fatalf("BLabel: %v", err)
	}
	if err := arm64.BLabel(cb, l); !errors.Is(err, ErrCapacity) {
		t.Fatalf("BLabel err=%v, want ErrCapacity", err)
	}
	if got := cb.WritePos(); got != 4 {
		t.Fatalf("WritePos=%d, want 4", got)
	}
	cb.WriteLabel(l)
	if err := cb.LinkLabels(); err != nil {
		t.Fatalf("LinkLabels: %v", err)
	}
}

func TestLabelStateRollback(t *testing.T) {
	cb := NewDummy(64, arm64.Encoder{})
	state := cb.LabelState()
	start := cb.WritePos()

	l := cb.NewLabel("abandoned")
	if err := arm64.BLabel(cb, l); err != nil {
		t.Fatalf("BLabel: %v", err)
	}

	cb.SetPos(start)
	cb.SetLabelState(state)
	if err := cb.LinkLabels(); err != nil {
		t.Fatalf("LinkLabels after rollback: %v", err)
	}
	if got := cb.WritePos(); got != 0 {
		t.Fatalf("WritePos=%d, want 0", got)
	}
}

func TestPosMarkers(t *testing.T) {
	cb := NewDummy(16, arm64.Encoder{})
	if err := arm64.Nop(cb); err != nil {
		t.Fatalf("Nop: %v", err)
	}
	var gotPos int
	var gotAddr uintptr
	cb.AddPosMarker(func(pos int, addr uintptr) {
		gotPos, gotAddr = pos, addr
	})
	if err := cb.LinkLabels(); err != nil {
		t.Fatalf("LinkLabels: %v", err)
	}
	if gotPos != 4 {
		t.Fatalf("marker pos=%d, want 4", gotPos)
	}
	if want := cb.AddrOf(4); gotAddr != want {
		t.Fatalf("marker addr=%#x, want %#x", gotAddr, want)
	}
}

func TestComments(t *testing.T) {
	cb := NewDummy(32, amd64.Encoder{})
	cb.AddComment("prologue")
	cb.AddComment("prologue")
	cb.AddComment("entry")
	if err := cb.WriteBytes([]byte{0x90, 0x90}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	cb.AddComment("body")

	if got := cb.Comments(0); len(got) != 2 || got[0] != "prologue" || got[1] != "entry" {
		t.Fatalf("Comments(0)=%q", got)
	}

	var positions []int
	for pos := range cb.AllComments() {
		positions = append(positions, pos)
	}
	if len(positions) != 2 || positions[0] != 0 || positions[1] != 2 {
		t.Fatalf("AllComments positions=%v, want [0 2]", positions)
	}

	cb.RemoveComments(0, 2)
	if got := cb.Comments(0); got != nil {
		t.Fatalf("Comments(0) after remove=%q", got)
	}
	if got := cb.Comments(2); len(got) != 1 {
		t.Fatalf("Comments(2)=%q, want [body]", got)
	}
}
