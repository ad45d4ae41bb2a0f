package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/lectern/internal/vfs"
)

func TestLineIndex_Positions(t *testing.T) {
	li := NewLineIndex("ab\ncd\n\nef")
	require.Equal(t, 4, li.LineCount())

	assert.Equal(t, Position{0, 0}, li.Position(0))
	assert.Equal(t, Position{0, 2}, li.Position(2))
	assert.Equal(t, Position{1, 0}, li.Position(3))
	assert.Equal(t, Position{2, 0}, li.Position(6))
	assert.Equal(t, Position{3, 1}, li.Position(8))
	assert.Equal(t, Position{3, 2}, li.Position(100))

	assert.Equal(t, 4, li.Offset(Position{1, 1}))
	assert.Equal(t, 5, li.Offset(Position{1, 99}))
	assert.Equal(t, 9, li.Offset(Position{10, 0}))
}

func TestLineIndex_UTF16Columns(t *testing.T) {
	// "é" is two bytes and one UTF-16 unit; "𝒳" is four bytes and two units.
	text := "é𝒳x"
	li := NewLineIndex(text)

	assert.Equal(t, Position{0, 1}, li.Position(2))
	assert.Equal(t, Position{0, 3}, li.Position(6))
	assert.Equal(t, 6, li.Offset(Position{0, 3}))
	assert.Equal(t, 7, li.Offset(Position{0, 4}))
}

func TestSpan_Contains(t *testing.T) {
	s := Span{Start: 3, End: 6}
	assert.True(t, s.Contains(3))
	assert.True(t, s.Contains(6))
	assert.False(t, s.Contains(7))
	assert.Equal(t, 3, s.Len())
}

func TestParseError_Diagnostic(t *testing.T) {
	e := &ParseError{File: vfs.LocalFile("a.typ"), Span: Span{6, 7}, Message: "unclosed delimiter"}
	d := e.Diagnostic()
	assert.Equal(t, SeverityError, d.Severity)
	assert.Equal(t, KindParse, d.Kind)
	assert.Equal(t, "a.typ:6: unclosed delimiter", e.Error())
}
