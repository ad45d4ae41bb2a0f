package markup

import (
	"fmt"

	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// Page geometry in points (A4) and layout defaults.
const (
	PageWidth           = 595.0
	PageHeight          = 842.0
	Margin              = 72.0
	DefaultLinesPerPage = 40
	DefaultFont         = "Libertinus Serif"

	// checkpointEvery is how many blocks are laid out between cancellation
	// checks inside one file.
	checkpointEvery = 64
)

// Compiler implements layout.Compiler with a fixed line grid.
type Compiler struct {
	linesPerPage int
	defaultFont  string
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithLinesPerPage sets how many lines fit on a page.
func WithLinesPerPage(n int) CompilerOption {
	return func(c *Compiler) {
		if n > 0 {
			c.linesPerPage = n
		}
	}
}

// WithDefaultFont sets the family used when no font is set or a requested
// family is missing.
func WithDefaultFont(family string) CompilerOption {
	return func(c *Compiler) {
		if family != "" {
			c.defaultFont = family
		}
	}
}

// NewCompiler creates a Compiler.
func NewCompiler(opts ...CompilerOption) *Compiler {
	c := &Compiler{linesPerPage: DefaultLinesPerPage, defaultFont: DefaultFont}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile lays out entry and everything it includes. Unresolved imports and
// missing fonts are reported and compilation continues.
func (c *Compiler) Compile(env layout.Env, entry vfs.FileID) (*layout.Document, []syntax.Diagnostic, error) {
	if err := env.Checkpoint(); err != nil {
		return nil, nil, err
	}
	src, err := env.Source(entry)
	if err != nil {
		return nil, nil, err
	}
	r := &run{
		c:        c,
		env:      env,
		doc:      &layout.Document{Entry: entry},
		reported: make(map[vfs.FileID]bool),
		active:   make(map[vfs.FileID]bool),
	}
	if err := r.file(src); err != nil {
		return nil, nil, err
	}
	if len(r.doc.Pages) == 0 {
		r.newPage()
	}
	return r.doc, r.diags, nil
}

type run struct {
	c     *Compiler
	env   layout.Env
	doc   *layout.Document
	diags []syntax.Diagnostic

	reported map[vfs.FileID]bool
	active   map[vfs.FileID]bool // include stack

	page *layout.Page
	line int
}

func (r *run) diag(file vfs.FileID, span syntax.Span, sev syntax.Severity, kind syntax.Kind, msg string) {
	r.diags = append(r.diags, syntax.Diagnostic{File: file, Span: span, Severity: sev, Kind: kind, Message: msg})
}

// report adds the parse errors of src once per compile.
func (r *run) report(src *syntax.Source) {
	if r.reported[src.ID] {
		return
	}
	r.reported[src.ID] = true
	for _, e := range src.Errors {
		r.diags = append(r.diags, e.Diagnostic())
	}
}

// resolve resolves an import site to a parsed source, reporting failures at
// the site.
func (r *run) resolve(src *syntax.Source, imp syntax.Import) (*syntax.Source, error) {
	if err := r.env.Checkpoint(); err != nil {
		return nil, err
	}
	target, err := r.env.ResolveImport(imp.Path, src.ID)
	if err != nil {
		r.diag(src.ID, imp.PathSpan, syntax.SeverityError, syntax.KindResolution, err.Error())
		return nil, nil
	}
	dep, err := r.env.Source(target)
	if err != nil {
		r.diag(src.ID, imp.PathSpan, syntax.SeverityError, syntax.KindIO, err.Error())
		return nil, nil
	}
	r.report(dep)
	return dep, nil
}

func (r *run) file(src *syntax.Source) error {
	r.report(src)
	if src.Fatal() {
		return nil
	}
	r.active[src.ID] = true
	defer delete(r.active, src.ID)

	for _, imp := range src.Imports {
		if imp.Include {
			continue
		}
		dep, err := r.resolve(src, imp)
		if err != nil {
			return err
		}
		if dep == nil {
			continue
		}
		for _, name := range imp.Names {
			if name != "*" && dep.Let(name) == nil {
				r.diag(src.ID, imp.Span, syntax.SeverityError, syntax.KindResolution,
					fmt.Sprintf("unresolved import %q in %q", name, imp.Path))
			}
		}
	}

	font := r.c.defaultFont
	nextFont := 0
	for i, b := range src.Blocks {
		if i > 0 && i%checkpointEvery == 0 {
			if err := r.env.Checkpoint(); err != nil {
				return err
			}
		}
		for nextFont < len(src.Fonts) && src.Fonts[nextFont].Span.Start < b.Span.Start {
			font = r.font(src, src.Fonts[nextFont], font)
			nextFont++
		}

		switch b.Kind {
		case syntax.BlockInclude:
			imp := src.Imports[b.Import]
			dep, err := r.resolve(src, imp)
			if err != nil {
				return err
			}
			if dep == nil {
				continue
			}
			if r.active[dep.ID] {
				r.diag(src.ID, imp.PathSpan, syntax.SeverityError, syntax.KindResolution,
					fmt.Sprintf("cyclic include of %q", imp.Path))
				continue
			}
			if err := r.file(dep); err != nil {
				return err
			}
		case syntax.BlockBreak:
			if r.page != nil && r.line > 0 {
				r.newPage()
			}
		case syntax.BlockSpace:
			if r.page != nil && r.line > 0 {
				r.advance()
			}
		default:
			r.place(src.ID, b, font)
		}
	}
	for ; nextFont < len(src.Fonts); nextFont++ {
		r.font(src, src.Fonts[nextFont], font)
	}
	return nil
}

func (r *run) font(src *syntax.Source, set syntax.FontSet, current string) string {
	family, err := r.env.ResolveFont(set.Family)
	if err != nil {
		r.diag(src.ID, set.Span, syntax.SeverityWarning, syntax.KindFont,
			fmt.Sprintf("unknown font family %q, falling back to %q", set.Family, current))
		return current
	}
	return family
}

func (r *run) newPage() {
	r.doc.Pages = append(r.doc.Pages, layout.Page{Width: PageWidth, Height: PageHeight})
	r.page = &r.doc.Pages[len(r.doc.Pages)-1]
	r.line = 0
}

func (r *run) advance() {
	r.line++
}

func (r *run) lineHeight() float64 {
	return (PageHeight - 2*Margin) / float64(r.c.linesPerPage)
}

func (r *run) place(file vfs.FileID, b syntax.Block, font string) {
	if r.page == nil || r.line >= r.c.linesPerPage {
		r.newPage()
	}
	x := Margin
	if b.Kind == syntax.BlockRaw {
		x += 18
	}
	r.page.Items = append(r.page.Items, layout.Item{
		File: file,
		Span: b.Span,
		X:    x,
		Y:    Margin + float64(r.line)*r.lineHeight(),
		Text: b.Text,
		Font: font,
		Kind: b.Kind,
	})
	r.advance()
}
