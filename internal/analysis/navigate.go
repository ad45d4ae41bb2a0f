package analysis

import (
	"fmt"
	"strings"

	"github.com/jward/lectern/internal/fonts"
	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// Hover is the tooltip for a position.
type Hover struct {
	Span     syntax.Span
	Markdown string
}

// Location is a span in a file.
type Location struct {
	File vfs.FileID
	Span syntax.Span
}

// binding is a let resolved from a use site.
type binding struct {
	file vfs.FileID
	let  *syntax.Let
}

// nameAt returns the identifier under off, from a call or a code ident.
func nameAt(src *syntax.Source, off int) (string, syntax.Span, bool) {
	for _, call := range src.Calls {
		if call.NameSpan.Contains(off) {
			return call.Name, call.NameSpan, true
		}
	}
	for _, id := range src.Idents {
		if id.Span.Contains(off) {
			return id.Name, id.Span, true
		}
	}
	for _, l := range src.Lets {
		if l.NameSpan.Contains(off) {
			return l.Name, l.NameSpan, true
		}
	}
	return "", syntax.Span{}, false
}

// lookupLet resolves name as seen from src: local bindings first, then names
// brought in by imports.
func lookupLet(c *query.Context, src *syntax.Source, name string) (*binding, error) {
	if l := src.Let(name); l != nil {
		return &binding{file: src.ID, let: l}, nil
	}
	for _, imp := range src.Imports {
		if imp.Include || !importsName(imp, name) {
			continue
		}
		if err := c.Checkpoint(); err != nil {
			return nil, err
		}
		target, err := c.ResolveImport(imp.Path, src.ID)
		if err != nil {
			continue
		}
		dep, err := c.Source(target)
		if err != nil {
			continue
		}
		if l := dep.Let(name); l != nil {
			return &binding{file: target, let: l}, nil
		}
	}
	return nil, nil
}

func importsName(imp syntax.Import, name string) bool {
	for _, n := range imp.Names {
		if n == "*" || n == name {
			return true
		}
	}
	return false
}

func hover(c *query.Context, key query.Key) (any, error) {
	file, off, err := parsePosArg(key.Arg)
	if err != nil {
		return nil, err
	}
	src, err := c.Source(file)
	if err != nil {
		return (*Hover)(nil), nil
	}

	for _, f := range src.Fonts {
		if f.Span.Contains(off) {
			return &Hover{Span: f.Span, Markdown: fontTooltip(c, f.Family)}, nil
		}
	}
	for _, r := range src.Refs {
		if !r.Span.Contains(off) {
			continue
		}
		l, err := findLabel(c, r.Name)
		if err != nil {
			return nil, err
		}
		if l == nil {
			return &Hover{Span: r.Span, Markdown: fmt.Sprintf("Unknown label `<%s>`", r.Name)}, nil
		}
		text := fmt.Sprintf("Reference to `<%s>` in `%s`", l.Name, l.File)
		if l.Title != "" {
			text += "\n\n" + l.Title
		}
		return &Hover{Span: r.Span, Markdown: text}, nil
	}
	for _, imp := range src.Imports {
		if !imp.PathSpan.Contains(off) {
			continue
		}
		target, err := c.ResolveImport(imp.Path, file)
		if err != nil {
			return &Hover{Span: imp.PathSpan, Markdown: err.Error()}, nil
		}
		return &Hover{Span: imp.PathSpan, Markdown: fmt.Sprintf("`%s`", target)}, nil
	}

	name, span, ok := nameAt(src, off)
	if !ok {
		return (*Hover)(nil), nil
	}
	b, err := lookupLet(c, src, name)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return &Hover{Span: span, Markdown: letTooltip(b)}, nil
	}
	if bi, ok := Builtins[name]; ok {
		return &Hover{Span: span, Markdown: "```typ\n" + bi.Signature() + "\n```\n\n" + bi.Doc}, nil
	}
	return (*Hover)(nil), nil
}

func letTooltip(b *binding) string {
	var sb strings.Builder
	sb.WriteString("```typ\n#let ")
	if b.let.Func {
		sb.WriteString(letSignature(*b.let))
	} else {
		sb.WriteString(b.let.Name)
	}
	sb.WriteString("\n```")
	if b.let.Doc != "" {
		sb.WriteString("\n\n")
		sb.WriteString(b.let.Doc)
	}
	return sb.String()
}

func fontTooltip(c *query.Context, family string) string {
	h, err := c.Font(fonts.Query{Family: family})
	if err != nil {
		fallback := c.World().Config().DefaultFont
		if fallback == "" {
			return fmt.Sprintf("Unknown font family `%s`", family)
		}
		return fmt.Sprintf("Unknown font family `%s`, falls back to `%s`", family, fallback)
	}
	return fmt.Sprintf("**%s** %s, weight %d\n\nprovided by %s", h.Family, h.Style, h.Weight, h.Provider)
}

func definition(c *query.Context, key query.Key) (any, error) {
	file, off, err := parsePosArg(key.Arg)
	if err != nil {
		return nil, err
	}
	src, err := c.Source(file)
	if err != nil {
		return (*Location)(nil), nil
	}

	for _, r := range src.Refs {
		if !r.Span.Contains(off) {
			continue
		}
		l, err := findLabel(c, r.Name)
		if err != nil || l == nil {
			return (*Location)(nil), err
		}
		return &Location{File: l.File, Span: l.Span}, nil
	}
	for _, imp := range src.Imports {
		if !imp.PathSpan.Contains(off) {
			continue
		}
		target, err := c.ResolveImport(imp.Path, file)
		if err != nil {
			return (*Location)(nil), nil
		}
		return &Location{File: target}, nil
	}

	name, _, ok := nameAt(src, off)
	if !ok {
		return (*Location)(nil), nil
	}
	b, err := lookupLet(c, src, name)
	if err != nil || b == nil {
		return (*Location)(nil), err
	}
	return &Location{File: b.file, Span: b.let.NameSpan}, nil
}

// SignatureHelp describes the call enclosing a position.
type SignatureHelp struct {
	Label  string
	Params []string
	Doc    string
	Active int
}

func signature(c *query.Context, key query.Key) (any, error) {
	file, off, err := parsePosArg(key.Arg)
	if err != nil {
		return nil, err
	}
	src, err := c.Source(file)
	if err != nil {
		return (*SignatureHelp)(nil), nil
	}

	var call *syntax.Call
	for i := range src.Calls {
		k := &src.Calls[i]
		if off <= k.Open || (k.Close >= 0 && off > k.Close) {
			continue
		}
		if call == nil || k.Open > call.Open {
			call = k
		}
	}
	if call == nil {
		return (*SignatureHelp)(nil), nil
	}
	active := 0
	for _, comma := range call.Commas {
		if comma < off {
			active++
		}
	}

	b, err := lookupLet(c, src, call.Name)
	if err != nil {
		return nil, err
	}
	var help *SignatureHelp
	switch bi, ok := Builtins[call.Name]; {
	case b != nil && b.let.Func:
		help = &SignatureHelp{Label: letSignature(*b.let), Params: b.let.Params, Doc: b.let.Doc}
	case ok:
		help = &SignatureHelp{Label: bi.Signature(), Params: bi.Params, Doc: bi.Doc}
	default:
		return (*SignatureHelp)(nil), nil
	}
	if active >= len(help.Params) && len(help.Params) > 0 {
		active = len(help.Params) - 1
	}
	help.Active = active
	return help, nil
}
