// Package lectern is the incremental core of a language server for a
// typesetting markup language. It keeps a revisioned store of workspace
// files, answers editor queries from a memoized, dependency-tracked query
// engine, compiles open documents in the background and streams rendered
// pages to preview viewers.
//
// # Pipeline
//
// Every edit produces a new revision of the file store:
//
//  1. Store: edits, saves and external changes commit immutable snapshots.
//     Earlier snapshots stay readable, so in-flight work never sees a torn
//     view of the workspace.
//
//  2. Invalidate: each commit drops exactly the memoized results that read
//     a changed file at a different fingerprint. Everything else is reused.
//
//  3. Compile: the scheduler debounces edits per document, cancels compiles
//     superseded by newer edits and publishes results in revision order.
//
//  4. Preview: published documents are rendered to frames and each viewer
//     receives the smallest list of frame operations that updates it.
//
// # Usage
//
//	e, err := lectern.New("path/to/workspace", lectern.WithFontDirs("/usr/share/fonts"))
//	if err != nil { ... }
//	defer e.Close()
//
//	err = e.Load(ctx)
//	e.Open("main.typ", content, lectern.OnType)
//
//	q := e.Query(ctx)
//	hover, err := q.HoverAt("main.typ", 42)
//
// # Query API
//
// The [QueryBuilder] returned by [Engine.Query] provides:
//
//   - [QueryBuilder.Compile] and [QueryBuilder.Diagnostics]: compiled
//     document and per-file problems.
//   - [QueryBuilder.HoverAt], [QueryBuilder.CompletionsAt],
//     [QueryBuilder.DefinitionAt] and [QueryBuilder.SignatureAt]: position
//     queries at byte offsets.
//   - [QueryBuilder.Symbols] and [QueryBuilder.Labels]: outline and
//     workspace labels.
//   - [QueryBuilder.Script]: user lint scripts written in Risor.
//
// Compile results are pushed rather than pulled: see [Engine.Publications]
// and [Engine.Preview].
package lectern
