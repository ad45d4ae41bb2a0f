package syntax

import (
	"sort"
	"unicode/utf8"
)

// Span is a half-open byte range [Start, End) into a source text.
type Span struct {
	Start int
	End   int
}

// Contains reports whether off lies inside the span. The end offset counts
// as inside so a cursor placed right after a token still hits it.
func (s Span) Contains(off int) bool {
	return off >= s.Start && off <= s.End
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Position is a zero-based line and column. Columns count UTF-16 code units,
// the unit editors use on the wire.
type Position struct {
	Line   int
	Column int
}

// Range is a pair of positions.
type Range struct {
	Start Position
	End   Position
}

// LineIndex converts between byte offsets and line/column positions.
type LineIndex struct {
	text   string
	starts []int
}

// NewLineIndex indexes the line starts of text.
func NewLineIndex(text string) *LineIndex {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &LineIndex{text: text, starts: starts}
}

// LineCount returns the number of lines, counting a trailing empty line.
func (li *LineIndex) LineCount() int { return len(li.starts) }

// LineStart returns the byte offset where line begins.
func (li *LineIndex) LineStart(line int) int {
	if line < 0 {
		return 0
	}
	if line >= len(li.starts) {
		return len(li.text)
	}
	return li.starts[line]
}

// LineEnd returns the byte offset of the end of line, excluding the newline.
func (li *LineIndex) LineEnd(line int) int {
	if line+1 < len(li.starts) {
		return li.starts[line+1] - 1
	}
	return len(li.text)
}

// Line returns the zero-based line containing off.
func (li *LineIndex) Line(off int) int {
	off = li.clamp(off)
	return sort.Search(len(li.starts), func(i int) bool { return li.starts[i] > off }) - 1
}

// Position converts a byte offset into a line/column position.
func (li *LineIndex) Position(off int) Position {
	off = li.clamp(off)
	line := li.Line(off)
	col := 0
	for _, r := range li.text[li.starts[line]:off] {
		col += utf16Len(r)
	}
	return Position{Line: line, Column: col}
}

// Offset converts a position back into a byte offset. Columns past the end
// of the line clamp to the line end.
func (li *LineIndex) Offset(p Position) int {
	if p.Line >= len(li.starts) {
		return len(li.text)
	}
	off := li.LineStart(p.Line)
	end := li.LineEnd(p.Line)
	col := 0
	for off < end && col < p.Column {
		r, size := utf8.DecodeRuneInString(li.text[off:])
		col += utf16Len(r)
		off += size
	}
	return off
}

// Range converts a span.
func (li *LineIndex) Range(s Span) Range {
	return Range{Start: li.Position(s.Start), End: li.Position(s.End)}
}

func (li *LineIndex) clamp(off int) int {
	if off < 0 {
		return 0
	}
	if off > len(li.text) {
		return len(li.text)
	}
	return off
}

func utf16Len(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}
