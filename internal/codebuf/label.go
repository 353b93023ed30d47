package codebuf

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/tinyrange/jit/internal/asm"
)

const unbound = -1

type label struct {
	name string
	pos  int
}

type labelRef struct {
	pos    int
	size   int
	label  asm.Label
	encode asm.LabelEncoder
}

// NewLabel creates an unbound label. The name is only used in diagnostics
// and must not contain whitespace.
func (cb *CodeBlock) NewLabel(name string) asm.Label {
	if strings.ContainsFunc(name, unicode.IsSpace) {
		panic(fmt.Sprintf("codebuf: label name %q contains whitespace", name))
	}
	cb.labels = append(cb.labels, label{name: name, pos: unbound})
	return asm.Label(len(cb.labels) - 1)
}

func (cb *CodeBlock) checkLabel(l asm.Label) {
	if l < 0 || int(l) >= len(cb.labels) {
		panic(fmt.Sprintf("codebuf: unknown label %d", l))
	}
}

// LabelName returns the name l was created with.
func (cb *CodeBlock) LabelName(l asm.Label) string {
	cb.checkLabel(l)
	return cb.labels[l].name
}

// LabelPos returns the bound position of l and whether it is bound.
func (cb *CodeBlock) LabelPos(l asm.Label) (int, bool) {
	cb.checkLabel(l)
	pos := cb.labels[l].pos
	return pos, pos != unbound
}

// WriteLabel binds l to the current position. A label is bound once.
func (cb *CodeBlock) WriteLabel(l asm.Label) {
	cb.checkLabel(l)
	if cb.labels[l].pos != unbound {
		panic(fmt.Sprintf("codebuf: label %q bound twice", cb.labels[l].name))
	}
	cb.labels[l].pos = cb.pos
}

// LabelRef reserves size bytes for a reference to l. The bytes are written by
// encode once LinkLabels runs, whether l is bound before or after this call.
func (cb *CodeBlock) LabelRef(l asm.Label, size int, encode asm.LabelEncoder) error {
	cb.checkLabel(l)
	if size <= 0 {
		panic(fmt.Sprintf("codebuf: invalid label reference size %d", size))
	}
	if !cb.HasCapacity(size) {
		cb.dropped += size
		return fmt.Errorf("reference to label %q at %d: %w", cb.labels[l].name, cb.pos, ErrCapacity)
	}
	placeholder := make([]byte, size)
	for i := range placeholder {
		placeholder[i] = cb.enc.TrapByte()
	}
	ref := labelRef{pos: cb.pos, size: size, label: l, encode: encode}
	if err := cb.WriteBytes(placeholder); err != nil {
		return err
	}
	cb.refs = append(cb.refs, ref)
	return nil
}

// LinkLabels encodes every pending label reference, then runs the position
// markers. A reference to a label that was never bound panics, as does an
// encoder that writes a different number of bytes than it reserved.
func (cb *CodeBlock) LinkLabels() error {
	saved := cb.pos
	defer func() { cb.pos = saved }()

	for i, ref := range cb.refs {
		target := cb.labels[ref.label]
		if target.pos == unbound {
			panic(fmt.Sprintf("codebuf: label %q referenced at %d was never bound", target.name, ref.pos))
		}
		cb.pos = ref.pos
		if err := ref.encode(cb, ref.pos+ref.size, target.pos); err != nil {
			cb.refs = cb.refs[i:]
			return fmt.Errorf("link label %q at %d: %w", target.name, ref.pos, err)
		}
		if written := cb.pos - ref.pos; written != ref.size {
			panic(fmt.Sprintf("codebuf: reference to %q wrote %d bytes, reserved %d", target.name, written, ref.size))
		}
	}
	cb.refs = cb.refs[:0]

	for _, m := range cb.markers {
		m.fn(m.pos, cb.mem.Addr(m.pos))
	}
	cb.markers = cb.markers[:0]
	return nil
}

// LabelState is a snapshot of the labels, pending references and position
// markers of a block.
type LabelState struct {
	labels  []label
	refs    []labelRef
	markers []posMarker
}

// LabelState captures the label bookkeeping so a failed compilation can be
// rolled back with SetLabelState.
func (cb *CodeBlock) LabelState() LabelState {
	return LabelState{
		labels:  slices.Clone(cb.labels),
		refs:    slices.Clone(cb.refs),
		markers: slices.Clone(cb.markers),
	}
}

func (cb *CodeBlock) SetLabelState(s LabelState) {
	cb.labels = slices.Clone(s.labels)
	cb.refs = slices.Clone(s.refs)
	cb.markers = slices.Clone(s.markers)
}

// ClearLabels forgets every label. Handles issued before the call become
// invalid.
func (cb *CodeBlock) ClearLabels() {
	if len(cb.refs) != 0 {
		panic(fmt.Sprintf("codebuf: clearing labels with %d unlinked references", len(cb.refs)))
	}
	cb.labels = cb.labels[:0]
}
