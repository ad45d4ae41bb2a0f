package lsp

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/jward/lectern"
	"github.com/jward/lectern/internal/fonts"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

const libText = "// Says hello.\n#let greet(name) = [Hi #name]\n"

const mainText = "#import \"lib.typ\": greet\n" +
	"= Intro\n" +
	"😀 #greet(\"x\")\n"

type harness struct {
	ctx    context.Context
	engine *lectern.Engine
	server *Server
	client jsonrpc2.Conn
	diags  chan protocol.PublishDiagnosticsParams
	root   string
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	mem := fonts.NewMemProvider()
	mem.Add(fonts.Info{Family: "Inria Serif"}, []byte("font"))
	e, err := lectern.New(root, lectern.WithFontProvider(mem), lectern.WithDebounce(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	serverSide, clientSide := net.Pipe()
	h := &harness{
		ctx:    ctx,
		engine: e,
		server: NewServer(e),
		diags: make(chan protocol.PublishDiagnosticsParams, 256),
		root:  root,
		done:  make(chan error, 1),
	}
	go func() { h.done <- h.server.Serve(ctx, serverSide) }()

	h.client = jsonrpc2.NewConn(jsonrpc2.NewStream(clientSide))
	h.client.Go(ctx, func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		if req.Method() == methodPublishDiagnostic {
			var p protocol.PublishDiagnosticsParams
			if json.Unmarshal(req.Params(), &p) == nil {
				h.diags <- p
			}
		}
		return reply(ctx, nil, nil)
	})

	t.Cleanup(func() {
		cancel()
		h.client.Close()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("server did not stop")
		}
		e.Close()
	})
	return h
}

func (h *harness) uri(path string) protocol.DocumentURI {
	return protocol.DocumentURI(uri.File(filepath.Join(h.root, path)))
}

func (h *harness) call(t *testing.T, method string, params, result any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	_, err := h.client.Call(ctx, method, params, result)
	return err
}

func (h *harness) notify(t *testing.T, method string, params any) {
	t.Helper()
	require.NoError(t, h.client.Notify(h.ctx, method, params))
}

func (h *harness) open(t *testing.T, path, text string) {
	t.Helper()
	h.notify(t, methodDidOpen, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: h.uri(path), LanguageID: "typst", Version: 1, Text: text},
	})
}

// awaitDiagnostics returns the first diagnostics notification for path that
// matches ok.
func (h *harness) awaitDiagnostics(t *testing.T, path string, ok func([]protocol.Diagnostic) bool) []protocol.Diagnostic {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case p := <-h.diags:
			if p.URI == h.uri(path) && ok(p.Diagnostics) {
				return p.Diagnostics
			}
		case <-timeout:
			t.Fatalf("no matching diagnostics for %s", path)
		}
	}
}

func (h *harness) initialize(t *testing.T) protocol.InitializeResult {
	t.Helper()
	var res protocol.InitializeResult
	require.NoError(t, h.call(t, methodInitialize, &protocol.InitializeParams{}, &res))
	h.notify(t, methodInitialized, &protocol.InitializedParams{})
	return res
}

func (h *harness) workspace(t *testing.T) {
	t.Helper()
	h.initialize(t)
	h.open(t, "lib.typ", libText)
	h.open(t, "main.typ", mainText)
	h.awaitDiagnostics(t, "main.typ", func(d []protocol.Diagnostic) bool { return len(d) == 0 })
}

func position(line, char uint32) protocol.Position {
	return protocol.Position{Line: line, Character: char}
}

func TestServer_Initialize(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t)
	require.NotNil(t, res.ServerInfo)
	assert.Equal(t, "lectern", res.ServerInfo.Name)
	assert.Equal(t, true, res.Capabilities.HoverProvider)
	assert.Equal(t, true, res.Capabilities.DefinitionProvider)
	require.NotNil(t, res.Capabilities.CompletionProvider)
	assert.Contains(t, res.Capabilities.CompletionProvider.TriggerCharacters, "#")
	require.NotNil(t, res.Capabilities.SignatureHelpProvider)
}

func TestServer_DiagnosticsFollowEdits(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	h.open(t, "main.typ", "Hi ]\n")
	diags := h.awaitDiagnostics(t, "main.typ", func(d []protocol.Diagnostic) bool { return len(d) > 0 })
	assert.Equal(t, "parse", diags[0].Code)
	assert.Equal(t, "lectern", diags[0].Source)
	assert.Equal(t, protocol.DiagnosticSeverityError, diags[0].Severity)
	assert.Equal(t, position(0, 3), diags[0].Range.Start)

	h.notify(t, methodDidChange, &protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: h.uri("main.typ")}, Version: 2},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "Hi\n"}},
	})
	h.awaitDiagnostics(t, "main.typ", func(d []protocol.Diagnostic) bool { return len(d) == 0 })
}

func TestServer_Hover(t *testing.T) {
	h := newHarness(t)
	h.workspace(t)

	// The emoji is two UTF-16 units, so "greet" starts at column 4.
	var hover protocol.Hover
	require.NoError(t, h.call(t, methodHover, &protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: h.uri("main.typ")},
			Position:     position(2, 5),
		},
	}, &hover))
	assert.Equal(t, protocol.Markdown, hover.Contents.Kind)
	assert.Contains(t, hover.Contents.Value, "Says hello.")
	require.NotNil(t, hover.Range)
	assert.Equal(t, uint32(2), hover.Range.Start.Line)
}

func TestServer_Definition(t *testing.T) {
	h := newHarness(t)
	h.workspace(t)

	var locs []protocol.Location
	require.NoError(t, h.call(t, methodDefinition, &protocol.DefinitionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: h.uri("main.typ")},
			Position:     position(2, 5),
		},
	}, &locs))
	require.Len(t, locs, 1)
	assert.Equal(t, h.uri("lib.typ"), locs[0].URI)
	assert.Equal(t, position(1, 5), locs[0].Range.Start)
	assert.Equal(t, position(1, 10), locs[0].Range.End)
}

func TestServer_CompletionAndSignature(t *testing.T) {
	h := newHarness(t)
	h.workspace(t)

	var list protocol.CompletionList
	require.NoError(t, h.call(t, methodCompletion, &protocol.CompletionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: h.uri("main.typ")},
			Position:     position(2, 6),
		},
	}, &list))
	var labels []string
	for _, it := range list.Items {
		labels = append(labels, it.Label)
	}
	assert.Contains(t, labels, "greet")

	var sig protocol.SignatureHelp
	require.NoError(t, h.call(t, methodSignatureHelp, &protocol.SignatureHelpParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: h.uri("main.typ")},
			Position:     position(2, 11),
		},
	}, &sig))
	require.Len(t, sig.Signatures, 1)
	require.Len(t, sig.Signatures[0].Parameters, 1)
	assert.Equal(t, "name", sig.Signatures[0].Parameters[0].Label)
	assert.Equal(t, uint32(0), sig.ActiveParameter)
}

func TestServer_DocumentSymbols(t *testing.T) {
	h := newHarness(t)
	h.workspace(t)

	var syms []protocol.DocumentSymbol
	require.NoError(t, h.call(t, methodDocumentSymbol, &protocol.DocumentSymbolParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: h.uri("main.typ")},
	}, &syms))
	require.Len(t, syms, 1)
	assert.Equal(t, "Intro", syms[0].Name)
	assert.Equal(t, protocol.SymbolKindNamespace, syms[0].Kind)
	assert.Equal(t, uint32(1), syms[0].Range.Start.Line)
}

func TestServer_UnknownDocumentAndMethod(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	var hover *protocol.Hover
	require.NoError(t, h.call(t, methodHover, &protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: h.uri("absent.typ")},
		},
	}, &hover))
	assert.Nil(t, hover)

	err := h.call(t, "textDocument/rename", map[string]any{}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc2.MethodNotFound, rpcErr.Code)
}

func TestServer_PreviewCommands(t *testing.T) {
	h := newHarness(t)
	h.workspace(t)

	require.NoError(t, h.call(t, methodPinDocument, &PinParams{
		TextDocument: &protocol.TextDocumentIdentifier{URI: h.uri("main.typ")},
	}, nil))
	require.Eventually(t, func() bool {
		var ok bool
		err := h.call(t, methodScrollPreview, &ScrollParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: h.uri("main.typ")},
			Position:     position(2, 0),
		}, &ok)
		return err == nil && ok
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.call(t, methodPinDocument, &PinParams{}, nil))
	require.NoError(t, h.call(t, methodClearCache, nil, nil))

	err := h.call(t, methodPinDocument, &PinParams{
		TextDocument: &protocol.TextDocumentIdentifier{URI: "file:///elsewhere/main.typ"},
	}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc2.InvalidParams, rpcErr.Code)
}

func TestServer_ShutdownAndExit(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	require.NoError(t, h.call(t, methodShutdown, nil, nil))
	err := h.call(t, methodHover, &protocol.HoverParams{}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc2.InvalidRequest, rpcErr.Code)

	h.notify(t, methodExit, nil)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("server did not exit")
	}
}

func TestServer_CancelRequest(t *testing.T) {
	s := &Server{inflight: make(map[jsonrpc2.ID]context.CancelFunc)}
	numCtx, numCancel := context.WithCancel(context.Background())
	strCtx, strCancel := context.WithCancel(context.Background())
	defer numCancel()
	defer strCancel()
	s.inflight[jsonrpc2.NewNumberID(7)] = numCancel
	s.inflight[jsonrpc2.NewStringID("q")] = strCancel

	s.cancel(float64(8))
	s.cancel(true)
	assert.NoError(t, numCtx.Err())

	s.cancel(float64(7))
	assert.ErrorIs(t, numCtx.Err(), context.Canceled)
	assert.NoError(t, strCtx.Err())

	s.cancel("q")
	assert.ErrorIs(t, strCtx.Err(), context.Canceled)
}

func TestServer_DiagnosticsMappedAtPublishedRevision(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	notes := vfs.LocalFile("notes.typ")
	rev := h.engine.Write("notes.typ", []byte("Hi ]\n"))
	// Lines shift before the publication is reported.
	h.engine.Write("notes.typ", []byte("\n\n\nHi ]\n"))

	h.server.report(h.ctx, lectern.Publication{
		File:     notes,
		Entry:    notes,
		Revision: rev,
		Diagnostics: []lectern.Diagnostic{{
			File:     notes,
			Span:     syntax.Span{Start: 3, End: 4},
			Severity: syntax.SeverityError,
			Kind:     syntax.KindParse,
			Message:  "unexpected closing bracket",
		}},
	})

	got := h.awaitDiagnostics(t, "notes.typ", func(d []protocol.Diagnostic) bool { return len(d) == 1 })
	assert.Equal(t, position(0, 3), got[0].Range.Start)
	assert.Equal(t, position(0, 4), got[0].Range.End)
}
