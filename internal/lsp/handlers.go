package lsp

import (
	"context"
	"encoding/json"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/jward/lectern"
	"github.com/jward/lectern/internal/analysis"
	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

func (s *Server) query(ctx context.Context, req jsonrpc2.Request) (any, error) {
	q := s.engine.Query(ctx)
	if req.Method() == methodDocumentSymbol {
		var params protocol.DocumentSymbolParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
		}
		path, err := s.path(params.TextDocument.URI)
		if err != nil {
			return nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
		}
		return s.documentSymbols(q, path)
	}

	var params protocol.TextDocumentPositionParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	path, err := s.path(params.TextDocument.URI)
	if err != nil {
		return nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	src, err := q.Source(path)
	if err != nil {
		// Unknown documents have nothing to offer.
		return nil, nil
	}
	off := offsetOf(src, params.Position)

	switch req.Method() {
	case methodHover:
		return s.hover(q, src, path, off)
	case methodCompletion:
		return s.completion(q, path, off)
	case methodDefinition:
		return s.definition(q, path, off)
	case methodSignatureHelp:
		return s.signatureHelp(q, path, off)
	}
	return nil, jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+req.Method())
}

func (s *Server) hover(q *lectern.QueryBuilder, src *syntax.Source, path string, off int) (any, error) {
	h, err := q.HoverAt(path, off)
	if err != nil || h == nil {
		return nil, err
	}
	rng := toRange(src, h.Span)
	return &protocol.Hover{
		Contents: protocol.MarkupContent{Kind: protocol.Markdown, Value: h.Markdown},
		Range:    &rng,
	}, nil
}

func (s *Server) completion(q *lectern.QueryBuilder, path string, off int) (any, error) {
	items, err := q.CompletionsAt(path, off)
	if err != nil {
		return nil, err
	}
	list := &protocol.CompletionList{Items: make([]protocol.CompletionItem, 0, len(items))}
	for _, it := range items {
		item := protocol.CompletionItem{
			Label:      it.Label,
			Kind:       completionKind(it.Kind),
			Detail:     it.Detail,
			InsertText: it.Label,
		}
		if it.Doc != "" {
			item.Documentation = it.Doc
		}
		list.Items = append(list.Items, item)
	}
	return list, nil
}

func completionKind(k analysis.CompletionKind) protocol.CompletionItemKind {
	switch k {
	case analysis.CompletionFunction:
		return protocol.CompletionItemKindFunction
	case analysis.CompletionVariable:
		return protocol.CompletionItemKindVariable
	case analysis.CompletionLabel:
		return protocol.CompletionItemKindReference
	case analysis.CompletionFont:
		return protocol.CompletionItemKindValue
	case analysis.CompletionFile:
		return protocol.CompletionItemKindFile
	}
	return protocol.CompletionItemKindText
}

func (s *Server) definition(q *lectern.QueryBuilder, path string, off int) (any, error) {
	loc, err := q.DefinitionAt(path, off)
	if err != nil || loc == nil {
		return nil, err
	}
	u, ok := s.documentURI(loc.File)
	if !ok {
		return nil, nil
	}
	target, err := q.SourceOf(loc.File)
	if err != nil {
		return nil, nil
	}
	return []protocol.Location{{URI: u, Range: toRange(target, loc.Span)}}, nil
}

func (s *Server) signatureHelp(q *lectern.QueryBuilder, path string, off int) (any, error) {
	sig, err := q.SignatureAt(path, off)
	if err != nil || sig == nil {
		return nil, err
	}
	info := protocol.SignatureInformation{
		Label:      sig.Label,
		Parameters: make([]protocol.ParameterInformation, 0, len(sig.Params)),
	}
	if sig.Doc != "" {
		info.Documentation = sig.Doc
	}
	for _, p := range sig.Params {
		info.Parameters = append(info.Parameters, protocol.ParameterInformation{Label: p})
	}
	return &protocol.SignatureHelp{
		Signatures:      []protocol.SignatureInformation{info},
		ActiveParameter: uint32(sig.Active),
	}, nil
}

func (s *Server) documentSymbols(q *lectern.QueryBuilder, path string) (any, error) {
	src, err := q.Source(path)
	if err != nil {
		return nil, nil
	}
	syms, err := q.Symbols(path)
	if err != nil {
		return nil, err
	}
	return toSymbols(src, syms), nil
}

func toSymbols(src *syntax.Source, syms []*analysis.Symbol) []protocol.DocumentSymbol {
	out := make([]protocol.DocumentSymbol, 0, len(syms))
	for _, sym := range syms {
		ds := protocol.DocumentSymbol{
			Name:           sym.Name,
			Detail:         sym.Detail,
			Kind:           symbolKind(sym.Kind),
			Range:          toRange(src, sym.Span),
			SelectionRange: toRange(src, sym.Selection),
		}
		if len(sym.Children) > 0 {
			ds.Children = toSymbols(src, sym.Children)
		}
		out = append(out, ds)
	}
	return out
}

func symbolKind(k analysis.SymbolKind) protocol.SymbolKind {
	switch k {
	case analysis.SymbolHeading:
		return protocol.SymbolKindNamespace
	case analysis.SymbolFunction:
		return protocol.SymbolKindFunction
	case analysis.SymbolVariable:
		return protocol.SymbolKindVariable
	}
	return protocol.SymbolKindConstant
}

// publish forwards compile results as diagnostics until pubs closes.
func (s *Server) publish(ctx context.Context, pubs <-chan lectern.Publication) {
	for p := range pubs {
		if ctx.Err() != nil {
			return
		}
		s.report(ctx, p)
	}
}

// report sends the diagnostics of one publication grouped by file. Spans
// are mapped through the sources of the publication's revision. Files that
// held diagnostics from an earlier publication of the same document are
// cleared.
func (s *Server) report(ctx context.Context, p lectern.Publication) {
	q, err := s.engine.Query(ctx).At(p.Revision)
	if err != nil {
		s.log.Debug("publication revision evicted, mapping spans at latest", logging.Uint64("revision", uint64(p.Revision)), logging.Err(err))
		q = s.engine.Query(ctx)
	}
	byFile := map[vfs.FileID][]protocol.Diagnostic{p.File: {}}
	sources := make(map[vfs.FileID]*syntax.Source)
	for _, d := range p.Diagnostics {
		file := d.File
		if file == (vfs.FileID{}) {
			file = p.File
		}
		src, seen := sources[file]
		if !seen {
			src, _ = q.SourceOf(file)
			sources[file] = src
		}
		var rng protocol.Range
		if src != nil {
			rng = toRange(src, d.Span)
		}
		byFile[file] = append(byFile[file], protocol.Diagnostic{
			Range:    rng,
			Severity: protocol.DiagnosticSeverity(d.Severity),
			Code:     string(d.Kind),
			Source:   "lectern",
			Message:  d.Message,
		})
	}

	s.mu.Lock()
	for f := range s.reported[p.File] {
		if _, ok := byFile[f]; !ok {
			byFile[f] = nil
		}
	}
	now := make(map[vfs.FileID]bool, len(byFile))
	for f, diags := range byFile {
		if len(diags) > 0 {
			now[f] = true
		}
	}
	s.reported[p.File] = now
	conn := s.conn
	s.mu.Unlock()

	for f, diags := range byFile {
		u, ok := s.documentURI(f)
		if !ok {
			continue
		}
		if diags == nil {
			diags = []protocol.Diagnostic{}
		}
		err := conn.Notify(ctx, methodPublishDiagnostic, &protocol.PublishDiagnosticsParams{URI: u, Diagnostics: diags})
		if err != nil {
			s.log.Debug("publish diagnostics failed", logging.String("file", f.String()), logging.Err(err))
			return
		}
	}
}
