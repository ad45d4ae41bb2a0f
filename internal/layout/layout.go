// Package layout defines the compiled-document contract: pages of positioned
// items, each carrying the source span it was produced from.
package layout

import (
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// Env is what a compiler may ask of its surroundings. Implementations record
// every file touched so results can be invalidated precisely.
type Env interface {
	Source(id vfs.FileID) (*syntax.Source, error)
	ResolveImport(path string, from vfs.FileID) (vfs.FileID, error)
	// ResolveFont returns the family actually used for the requested one.
	ResolveFont(family string) (string, error)
	// Checkpoint returns a non-nil error once the compile should stop.
	Checkpoint() error
}

// Compiler turns an entry file into a document. Diagnostics are returned
// alongside a best-effort document; the document is nil only when the entry
// itself cannot be read or the compile was stopped at a checkpoint.
type Compiler interface {
	Compile(env Env, entry vfs.FileID) (*Document, []syntax.Diagnostic, error)
}

// Document is a compiled document.
type Document struct {
	Entry vfs.FileID
	Pages []Page
}

// Page is one rendered page in points.
type Page struct {
	Width  float64
	Height float64
	Items  []Item
}

// Item is a positioned run of text.
type Item struct {
	File vfs.FileID
	Span syntax.Span
	X    float64
	Y    float64
	Text string
	Font string
	Kind syntax.BlockKind
}

// Locate returns the page index and item whose span contains off in file id.
// The item starting closest before off wins when none contains it.
func (d *Document) Locate(id vfs.FileID, off int) (int, *Item, bool) {
	bestPage, bestItem := -1, (*Item)(nil)
	for p := range d.Pages {
		for i := range d.Pages[p].Items {
			it := &d.Pages[p].Items[i]
			if it.File != id {
				continue
			}
			if it.Span.Contains(off) {
				return p, it, true
			}
			if it.Span.Start <= off && (bestItem == nil || it.Span.Start > bestItem.Span.Start) {
				bestPage, bestItem = p, it
			}
		}
	}
	return bestPage, bestItem, bestItem != nil
}

// ItemAt returns the item on page whose line box contains y, or the nearest
// item above it.
func (d *Document) ItemAt(page int, y float64) (*Item, bool) {
	if page < 0 || page >= len(d.Pages) {
		return nil, false
	}
	var best *Item
	for i := range d.Pages[page].Items {
		it := &d.Pages[page].Items[i]
		if it.Y <= y && (best == nil || it.Y >= best.Y) {
			best = it
		}
	}
	if best == nil && len(d.Pages[page].Items) > 0 {
		best = &d.Pages[page].Items[0]
	}
	return best, best != nil
}
