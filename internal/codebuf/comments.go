package codebuf

import (
	"iter"
	"slices"

	"github.com/google/btree"
)

type commentEntry struct {
	pos   int
	texts []string
}

func newCommentTree() *btree.BTreeG[commentEntry] {
	return btree.NewG[commentEntry](8, func(a, b commentEntry) bool {
		return a.pos < b.pos
	})
}

// AddComment attaches text to the current position. Repeating the last
// comment at the same position is ignored.
func (cb *CodeBlock) AddComment(text string) {
	entry, ok := cb.comments.Get(commentEntry{pos: cb.pos})
	if !ok {
		entry = commentEntry{pos: cb.pos}
	} else if n := len(entry.texts); n > 0 && entry.texts[n-1] == text {
		return
	}
	entry.texts = append(entry.texts, text)
	cb.comments.ReplaceOrInsert(entry)
}

// Comments returns the comments attached to pos.
func (cb *CodeBlock) Comments(pos int) []string {
	entry, ok := cb.comments.Get(commentEntry{pos: pos})
	if !ok {
		return nil
	}
	return slices.Clone(entry.texts)
}

// AllComments yields every commented position in ascending order.
func (cb *CodeBlock) AllComments() iter.Seq2[int, []string] {
	return func(yield func(int, []string) bool) {
		cb.comments.Ascend(func(e commentEntry) bool {
			return yield(e.pos, slices.Clone(e.texts))
		})
	}
}

// RemoveComments drops the comments in [from, to).
func (cb *CodeBlock) RemoveComments(from, to int) {
	var doomed []commentEntry
	cb.comments.AscendRange(commentEntry{pos: from}, commentEntry{pos: to}, func(e commentEntry) bool {
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		cb.comments.Delete(e)
	}
}
