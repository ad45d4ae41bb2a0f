package analysis

import (
	"strings"

	"github.com/jward/lectern/internal/syntax"
)

// Builtin is a function provided by the language.
type Builtin struct {
	Name   string
	Params []string
	Doc    string
}

// Signature renders the builtin as name(params).
func (b Builtin) Signature() string {
	return b.Name + "(" + strings.Join(b.Params, ", ") + ")"
}

// Builtins are the language functions known to hover, completion and
// signature help, keyed by name.
var Builtins = map[string]Builtin{
	"text":      {Name: "text", Params: []string{"body", "font", "size", "fill"}, Doc: "Customizes the look and layout of text."},
	"heading":   {Name: "heading", Params: []string{"body", "level", "numbering"}, Doc: "A section heading."},
	"emph":      {Name: "emph", Params: []string{"body"}, Doc: "Emphasizes content by setting it in italics."},
	"strong":    {Name: "strong", Params: []string{"body", "delta"}, Doc: "Strongly emphasizes content by increasing the font weight."},
	"link":      {Name: "link", Params: []string{"dest", "body"}, Doc: "Links to a URL or a location in the document."},
	"image":     {Name: "image", Params: []string{"path", "width", "height", "fit"}, Doc: "A raster or vector graphic."},
	"figure":    {Name: "figure", Params: []string{"body", "caption", "kind"}, Doc: "A figure with an optional caption."},
	"table":     {Name: "table", Params: []string{"columns", "..cells"}, Doc: "A table of items."},
	"list":      {Name: "list", Params: []string{"..children"}, Doc: "A bullet list."},
	"enum":      {Name: "enum", Params: []string{"..children"}, Doc: "A numbered list."},
	"raw":       {Name: "raw", Params: []string{"text", "lang", "block"}, Doc: "Raw text with optional syntax highlighting."},
	"align":     {Name: "align", Params: []string{"alignment", "body"}, Doc: "Aligns content horizontally and vertically."},
	"box":       {Name: "box", Params: []string{"body", "width", "height"}, Doc: "An inline-level container."},
	"block":     {Name: "block", Params: []string{"body", "width", "height", "breakable"}, Doc: "A block-level container."},
	"pagebreak": {Name: "pagebreak", Params: nil, Doc: "A manual page break."},
	"lorem":     {Name: "lorem", Params: []string{"words"}, Doc: "Creates blind text."},
	"ref":       {Name: "ref", Params: []string{"target"}, Doc: "A reference to a label."},
}

func letSignature(l syntax.Let) string {
	return l.Name + "(" + strings.Join(l.Params, ", ") + ")"
}
