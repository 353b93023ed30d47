package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const bytesPerLine = 16

var (
	addrStyle    = ansi.Style{}.ForegroundColor(ansi.BrightBlack)
	commentStyle = ansi.Style{}.ForegroundColor(ansi.Green)
	headerStyle  = ansi.Style{}.Bold()
)

type dumper struct {
	w     io.Writer
	color bool
}

func (d dumper) style(s ansi.Style, text string) string {
	if !d.color {
		return text
	}
	return s.Styled(text)
}

func (d dumper) header(format string, args ...any) {
	fmt.Fprintln(d.w, d.style(headerStyle, fmt.Sprintf(format, args...)))
}

// dump prints code in lines of at most bytesPerLine bytes. A commented
// offset always starts a new line, with its comments printed above it.
func (d dumper) dump(code []byte, base uintptr, comments map[int][]string) {
	d.comments(comments[0])
	for off := 0; off < len(code); {
		end := min(off+bytesPerLine, len(code))
		for next := off + 1; next < end; next++ {
			if _, ok := comments[next]; ok {
				end = next
				break
			}
		}

		var hex strings.Builder
		for i, b := range code[off:end] {
			if i > 0 {
				hex.WriteByte(' ')
			}
			fmt.Fprintf(&hex, "%02x", b)
		}
		addr := fmt.Sprintf("0x%012x +%04x", base+uintptr(off), off)
		fmt.Fprintf(d.w, "%s  %s\n", d.style(addrStyle, addr), hex.String())

		off = end
		d.comments(comments[off])
	}
}

func (d dumper) comments(texts []string) {
	for _, text := range texts {
		fmt.Fprintln(d.w, d.style(commentStyle, "; "+text))
	}
}
