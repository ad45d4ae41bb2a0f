package lectern

import (
	"context"
	"fmt"

	"github.com/jward/lectern/internal/analysis"
	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/vfs"
	"github.com/jward/lectern/internal/world"
)

// QueryBuilder answers editor queries against the latest revision, or the
// revision chosen with At. Every call builds its World from that snapshot;
// results are memoized by the engine and shared with the scheduler's
// compiles.
type QueryBuilder struct {
	ctx  context.Context
	e    *Engine
	snap *vfs.Snapshot
}

// Query returns a QueryBuilder whose calls stop when ctx is cancelled.
func (e *Engine) Query(ctx context.Context) *QueryBuilder {
	return &QueryBuilder{ctx: ctx, e: e}
}

// At returns a QueryBuilder reading the files as they were at rev. It fails
// with vfs.ErrRevisionEvicted once rev is no longer retained.
func (q *QueryBuilder) At(rev Revision) (*QueryBuilder, error) {
	snap, err := q.e.files.Snapshot(rev)
	if err != nil {
		return nil, fmt.Errorf("query at %d: %w", rev, err)
	}
	return &QueryBuilder{ctx: q.ctx, e: q.e, snap: snap}, nil
}

func (q *QueryBuilder) world() *world.World {
	snap := q.snap
	if snap == nil {
		snap = q.e.files.Current()
	}
	return q.e.builder.Build(snap, q.e.sched.Config())
}

// eval runs key and returns its value as T.
func eval[T any](q *QueryBuilder, op string, key query.Key) (T, error) {
	var zero T
	tok := query.NewToken(q.ctx)
	defer tok.Cancel()
	res, err := q.e.queries.Evaluate(tok, q.world(), key)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	v, ok := res.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result %T", op, res.Value)
	}
	return v, nil
}

// Source returns the parsed source of path.
func (q *QueryBuilder) Source(path string) (*Source, error) {
	src, err := q.world().Source(vfs.LocalFile(path))
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return src, nil
}

// SourceOf returns the parsed source of any file, including package files.
func (q *QueryBuilder) SourceOf(id FileID) (*Source, error) {
	src, err := q.world().Source(id)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return src, nil
}

// Compile compiles the document rooted at entry.
func (q *QueryBuilder) Compile(entry string) (*Compiled, error) {
	return eval[*Compiled](q, "compile", analysis.CompileKey(vfs.LocalFile(entry)))
}

// Diagnostics returns the problems found in path alone: parse errors,
// embedded code checks and lint scripts.
func (q *QueryBuilder) Diagnostics(path string) ([]Diagnostic, error) {
	return eval[[]Diagnostic](q, "diagnostics", analysis.DiagnosticsKey(vfs.LocalFile(path)))
}

// Symbols returns the outline of path.
func (q *QueryBuilder) Symbols(path string) ([]*Symbol, error) {
	return eval[[]*Symbol](q, "symbols", analysis.SymbolsKey(vfs.LocalFile(path)))
}

// Labels returns every label in the workspace.
func (q *QueryBuilder) Labels() ([]LabelInfo, error) {
	return eval[[]LabelInfo](q, "labels", analysis.LabelsKey())
}

// HoverAt returns the tooltip for the byte offset off in path, or nil.
func (q *QueryBuilder) HoverAt(path string, off int) (*Hover, error) {
	return eval[*Hover](q, "hover", analysis.HoverKey(vfs.LocalFile(path), off))
}

// CompletionsAt returns completion proposals for off in path.
func (q *QueryBuilder) CompletionsAt(path string, off int) ([]CompletionItem, error) {
	return eval[[]CompletionItem](q, "completion", analysis.CompletionKey(vfs.LocalFile(path), off))
}

// DefinitionAt returns where the name at off in path is defined, or nil.
func (q *QueryBuilder) DefinitionAt(path string, off int) (*Location, error) {
	return eval[*Location](q, "definition", analysis.DefinitionKey(vfs.LocalFile(path), off))
}

// SignatureAt describes the call enclosing off in path, or nil.
func (q *QueryBuilder) SignatureAt(path string, off int) (*SignatureHelp, error) {
	return eval[*SignatureHelp](q, "signature", analysis.SignatureKey(vfs.LocalFile(path), off))
}

// Script runs the lint script called name on path.
func (q *QueryBuilder) Script(name, path string) ([]Diagnostic, error) {
	return eval[[]Diagnostic](q, "script "+name, analysis.ScriptKey(name, vfs.LocalFile(path)))
}
