// Package preview turns compiled documents into frames, one SVG page each,
// and streams the smallest sequence of frame operations that brings every
// connected viewer up to date.
package preview

import (
	"crypto/sha256"
	"fmt"
	"html"
	"strings"

	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// Frame is one rendered page. Hash covers the visual content only, so a
// page whose text merely moved in the source keeps its hash.
type Frame struct {
	Hash   string  `json:"hash"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	SVG    string  `json:"svg,omitempty"`
}

// FrameSet is the rendered form of one document at one revision. It keeps
// the document for position sync.
type FrameSet struct {
	Entry    vfs.FileID
	Revision vfs.Revision
	Frames   []Frame

	doc *layout.Document
}

// Hashes returns the frame hashes in order.
func (fs *FrameSet) Hashes() []string {
	if fs == nil {
		return nil
	}
	out := make([]string, len(fs.Frames))
	for i, f := range fs.Frames {
		out[i] = f.Hash
	}
	return out
}

// Render draws every page of doc.
func Render(doc *layout.Document, rev vfs.Revision) *FrameSet {
	fs := &FrameSet{Entry: doc.Entry, Revision: rev, doc: doc, Frames: make([]Frame, len(doc.Pages))}
	for i, p := range doc.Pages {
		svg := renderPage(p)
		fs.Frames[i] = Frame{
			Hash:   fmt.Sprintf("%x", sha256.Sum256([]byte(svg))),
			Width:  p.Width,
			Height: p.Height,
			SVG:    svg,
		}
	}
	return fs
}

func renderPage(p layout.Page) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%g" height="%g" viewBox="0 0 %g %g">`,
		p.Width, p.Height, p.Width, p.Height)
	for _, it := range p.Items {
		family, weight := it.Font, "normal"
		switch it.Kind {
		case syntax.BlockHeading:
			weight = "bold"
		case syntax.BlockRaw:
			family = "monospace"
		}
		fmt.Fprintf(&b, `<text x="%g" y="%g" font-family="%s" font-weight="%s">%s</text>`,
			it.X, it.Y, html.EscapeString(family), weight, html.EscapeString(it.Text))
	}
	b.WriteString("</svg>")
	return b.String()
}

// Position is a point on a frame.
type Position struct {
	Frame int     `json:"frame"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// SourceToFrame maps a source offset to the frame position of the item laid
// out from it.
func (fs *FrameSet) SourceToFrame(file vfs.FileID, off int) (Position, bool) {
	if fs == nil || fs.doc == nil {
		return Position{}, false
	}
	page, it, ok := fs.doc.Locate(file, off)
	if !ok {
		return Position{}, false
	}
	return Position{Frame: page, X: it.X, Y: it.Y}, true
}

// FrameToSource maps a frame position to the start of the source span of
// the item drawn there.
func (fs *FrameSet) FrameToSource(pos Position) (vfs.FileID, int, bool) {
	if fs == nil || fs.doc == nil {
		return vfs.FileID{}, 0, false
	}
	it, ok := fs.doc.ItemAt(pos.Frame, pos.Y)
	if !ok {
		return vfs.FileID{}, 0, false
	}
	return it.File, it.Span.Start, true
}
