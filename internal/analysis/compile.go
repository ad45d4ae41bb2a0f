package analysis

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/runtime"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// Compiled is the result of compiling an entry file. Document is nil when
// the entry could not be read.
type Compiled struct {
	Entry       vfs.FileID
	Document    *layout.Document
	Diagnostics []syntax.Diagnostic
}

// Errors reports whether any diagnostic is an error.
func (c *Compiled) Errors() bool {
	for _, d := range c.Diagnostics {
		if d.Severity == syntax.SeverityError {
			return true
		}
	}
	return false
}

func (a *Analyzer) compile(c *query.Context, key query.Key) (any, error) {
	entry := vfs.ParseFileID(key.Arg)
	doc, diags, err := a.compiler.Compile(c, entry)
	if err != nil {
		if c.Token().Cancelled() {
			return nil, query.ErrCancelled
		}
		return &Compiled{
			Entry: entry,
			Diagnostics: []syntax.Diagnostic{{
				File:     entry,
				Severity: syntax.SeverityError,
				Kind:     syntax.KindIO,
				Message:  err.Error(),
			}},
		}, nil
	}
	return &Compiled{Entry: entry, Document: doc, Diagnostics: diags}, nil
}

// diagnostics collects parse errors, raw-block problems and lint findings
// for one file. A failing lint script becomes an internal diagnostic.
func (a *Analyzer) diagnostics(c *query.Context, key query.Key) (any, error) {
	file := vfs.ParseFileID(key.Arg)
	src, err := c.Source(file)
	if err != nil {
		return []syntax.Diagnostic{{File: file, Severity: syntax.SeverityError, Kind: syntax.KindIO, Message: err.Error()}}, nil
	}
	var out []syntax.Diagnostic
	for _, e := range src.Errors {
		out = append(out, e.Diagnostic())
	}
	if src.Fatal() {
		return out, nil
	}

	v, err := c.Query(RawKey(file))
	if err != nil {
		return nil, err
	}
	out = append(out, v.([]syntax.Diagnostic)...)

	for _, name := range a.scripts {
		v, err := c.Query(ScriptKey(name, file))
		switch {
		case errors.Is(err, query.ErrCancelled):
			return nil, err
		case err != nil:
			out = append(out, syntax.Diagnostic{
				File:     file,
				Severity: syntax.SeverityWarning,
				Kind:     syntax.KindInternal,
				Message:  fmt.Sprintf("lint script %q failed: %v", name, err),
			})
		default:
			out = append(out, v.([]syntax.Diagnostic)...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Span.Start < out[j].Span.Start })
	return out, nil
}

func raw(c *query.Context, key query.Key) (any, error) {
	file := vfs.ParseFileID(key.Arg)
	src, err := c.Source(file)
	if err != nil {
		return []syntax.Diagnostic(nil), nil
	}
	var out []syntax.Diagnostic
	for _, r := range src.Raws {
		if err := c.Checkpoint(); err != nil {
			return nil, err
		}
		if _, ok := runtime.LanguageForFence(r.Lang); !ok {
			continue
		}
		errs, err := runtime.CheckCode(c.Token().Context(), r.Lang, []byte(r.Code))
		if err != nil {
			if c.Token().Cancelled() {
				return nil, query.ErrCancelled
			}
			return nil, err
		}
		for _, e := range errs {
			out = append(out, syntax.Diagnostic{
				File:     file,
				Span:     syntax.Span{Start: r.CodeStart + e.Start, End: r.CodeStart + e.End},
				Severity: syntax.SeverityWarning,
				Kind:     syntax.KindRaw,
				Message:  e.Message,
			})
		}
	}
	return out, nil
}

// scriptHost gives a lint script read access to workspace files through the
// query context.
type scriptHost struct {
	c *query.Context
}

func (h scriptHost) Read(path string) (string, error) {
	rec, err := h.c.File(vfs.LocalFile(path))
	if err != nil {
		return "", err
	}
	return rec.Text(), nil
}

func (h scriptHost) Checkpoint() error { return h.c.Checkpoint() }

func (a *Analyzer) script(name string) query.Func {
	return func(c *query.Context, key query.Key) (any, error) {
		file := vfs.ParseFileID(key.Arg)
		src, err := c.Source(file)
		if err != nil {
			return []syntax.Diagnostic(nil), nil
		}
		findings, err := a.runtime.Lint(c.Token().Context(), name, scriptHost{c}, file.Path)
		if err != nil {
			if c.Token().Cancelled() {
				return nil, query.ErrCancelled
			}
			return nil, err
		}
		out := make([]syntax.Diagnostic, 0, len(findings))
		for _, f := range findings {
			out = append(out, syntax.Diagnostic{
				File:     file,
				Span:     syntax.Span{Start: src.Lines.LineStart(f.Line), End: src.Lines.LineEnd(f.Line)},
				Severity: severityOf(f.Severity),
				Kind:     syntax.KindScript,
				Message:  fmt.Sprintf("%s (%s)", f.Message, name),
			})
		}
		return out, nil
	}
}

func severityOf(s string) syntax.Severity {
	switch s {
	case "error":
		return syntax.SeverityError
	case "info":
		return syntax.SeverityInfo
	case "hint":
		return syntax.SeverityHint
	default:
		return syntax.SeverityWarning
	}
}
