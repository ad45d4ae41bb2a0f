// Package lsp speaks the editor protocol over JSON-RPC on top of a lectern
// Engine. Documents are synchronized in full; positions are converted
// between the protocol's UTF-16 columns and byte offsets.
package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"github.com/jward/lectern"
	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

const (
	methodInitialize        = "initialize"
	methodInitialized       = "initialized"
	methodShutdown          = "shutdown"
	methodExit              = "exit"
	methodCancelRequest     = "$/cancelRequest"
	methodDidOpen           = "textDocument/didOpen"
	methodDidChange         = "textDocument/didChange"
	methodDidSave           = "textDocument/didSave"
	methodDidClose          = "textDocument/didClose"
	methodHover             = "textDocument/hover"
	methodCompletion        = "textDocument/completion"
	methodDefinition        = "textDocument/definition"
	methodDocumentSymbol    = "textDocument/documentSymbol"
	methodSignatureHelp     = "textDocument/signatureHelp"
	methodPublishDiagnostic = "textDocument/publishDiagnostics"

	// Extensions for the preview and compile commands.
	methodScrollPreview = "lectern/scrollPreview"
	methodPinDocument   = "lectern/pinDocument"
	methodClearCache    = "lectern/clearCache"
)

// codeRequestCancelled is the protocol error code for a cancelled request.
const codeRequestCancelled jsonrpc2.Code = -32800

// ScrollParams asks preview viewers to show a source position.
type ScrollParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
	Position     protocol.Position               `json:"position"`
}

// PinParams pins the entry document; a nil TextDocument unpins.
type PinParams struct {
	TextDocument *protocol.TextDocumentIdentifier `json:"textDocument"`
}

// Server serves one editor connection.
type Server struct {
	engine  *lectern.Engine
	trigger lectern.Trigger
	log     *zap.Logger

	mu       sync.Mutex
	conn     jsonrpc2.Conn
	inflight map[jsonrpc2.ID]context.CancelFunc
	reported map[vfs.FileID]map[vfs.FileID]bool // document -> files holding its diagnostics
	shutdown bool
}

// Option configures a Server.
type Option func(*Server)

// WithTrigger sets when opened documents compile.
func WithTrigger(t lectern.Trigger) Option {
	return func(s *Server) { s.trigger = t }
}

// NewServer creates a Server for engine.
func NewServer(engine *lectern.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		trigger:  lectern.OnType,
		log:      logging.Named("lsp"),
		inflight: make(map[jsonrpc2.ID]context.CancelFunc),
		reported: make(map[vfs.FileID]map[vfs.FileID]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs the protocol over rwc until the client exits, the stream
// closes or ctx is done.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	pubs, stop := s.engine.Publications()
	defer stop()
	go s.publish(ctx, pubs)

	conn.Go(ctx, s.handle)
	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Close()
		<-conn.Done()
	}
	s.log.Debug("connection closed", logging.Err(conn.Err()))
	return nil
}

func (s *Server) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case methodInitialize:
		var params protocol.InitializeParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return replyParseError(ctx, reply, err)
		}
		return reply(ctx, s.initialize(), nil)
	case methodInitialized:
		return reply(ctx, nil, nil)
	case methodShutdown:
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		return reply(ctx, nil, nil)
	case methodExit:
		_ = reply(ctx, nil, nil)
		s.conn.Close()
		return nil
	case methodCancelRequest:
		var params protocol.CancelParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return replyParseError(ctx, reply, err)
		}
		s.cancel(params.ID)
		return reply(ctx, nil, nil)
	case methodDidOpen, methodDidChange, methodDidSave, methodDidClose:
		if err := s.sync(req); err != nil {
			s.log.Warn("document sync failed", logging.String("method", req.Method()), logging.Err(err))
		}
		return reply(ctx, nil, nil)
	case methodScrollPreview:
		var params ScrollParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return replyParseError(ctx, reply, err)
		}
		return reply(ctx, s.scroll(ctx, params), nil)
	case methodPinDocument:
		var params PinParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return replyParseError(ctx, reply, err)
		}
		return reply(ctx, nil, s.pin(params))
	case methodClearCache:
		s.engine.ClearCache()
		return reply(ctx, nil, nil)
	case methodHover, methodCompletion, methodDefinition, methodDocumentSymbol, methodSignatureHelp:
		s.mu.Lock()
		down := s.shutdown
		s.mu.Unlock()
		if down {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidRequest, "server is shutting down"))
		}
		s.async(ctx, reply, req)
		return nil
	}
	return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+req.Method()))
}

func replyParseError(ctx context.Context, reply jsonrpc2.Replier, err error) error {
	return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
}

func (s *Server) initialize() *protocol.InitializeResult {
	return &protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: &protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.TextDocumentSyncKindFull,
				Save:      &protocol.SaveOptions{IncludeText: true},
			},
			HoverProvider: true,
			CompletionProvider: &protocol.CompletionOptions{
				TriggerCharacters: []string{"#", "@", "\"", "."},
			},
			DefinitionProvider:     true,
			DocumentSymbolProvider: true,
			SignatureHelpProvider: &protocol.SignatureHelpOptions{
				TriggerCharacters: []string{"(", ","},
			},
		},
		ServerInfo: &protocol.ServerInfo{Name: "lectern"},
	}
}

// async answers a query on its own goroutine so a slow query does not hold
// up document sync. The request can be cancelled by id.
func (s *Server) async(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) {
	qctx, cancel := context.WithCancel(ctx)
	call, isCall := req.(*jsonrpc2.Call)
	if isCall {
		s.mu.Lock()
		s.inflight[call.ID()] = cancel
		s.mu.Unlock()
	}
	go func() {
		defer func() {
			if isCall {
				s.mu.Lock()
				delete(s.inflight, call.ID())
				s.mu.Unlock()
			}
			cancel()
		}()
		result, err := s.query(qctx, req)
		if qctx.Err() != nil && ctx.Err() == nil {
			err = jsonrpc2.NewError(codeRequestCancelled, "request cancelled")
			result = nil
		}
		if err := reply(ctx, result, err); err != nil {
			s.log.Debug("reply failed", logging.String("method", req.Method()), logging.Err(err))
		}
	}()
}

func (s *Server) cancel(id any) {
	var rid jsonrpc2.ID
	switch v := id.(type) {
	case float64:
		rid = jsonrpc2.NewNumberID(int32(v))
	case string:
		rid = jsonrpc2.NewStringID(v)
	default:
		return
	}
	s.mu.Lock()
	cancel, ok := s.inflight[rid]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// path maps a document URI to a workspace path.
func (s *Server) path(u protocol.DocumentURI) (string, error) {
	name := uri.URI(u).Filename()
	root := s.engine.Root()
	if root == "" {
		return strings.TrimPrefix(filepath.ToSlash(name), "/"), nil
	}
	rel, err := filepath.Rel(root, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("lsp: %s is outside the workspace", u)
	}
	return filepath.ToSlash(rel), nil
}

// documentURI maps a workspace file back to a URI. Package files have no
// editor location.
func (s *Server) documentURI(id vfs.FileID) (protocol.DocumentURI, bool) {
	if id.IsPackage() {
		return "", false
	}
	root := s.engine.Root()
	if root == "" {
		root = "/"
	}
	return protocol.DocumentURI(uri.File(filepath.Join(root, filepath.FromSlash(id.Path)))), true
}

func (s *Server) sync(req jsonrpc2.Request) error {
	switch req.Method() {
	case methodDidOpen:
		var params protocol.DidOpenTextDocumentParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return err
		}
		p, err := s.path(params.TextDocument.URI)
		if err != nil {
			return err
		}
		s.engine.Open(p, []byte(params.TextDocument.Text), s.trigger)
	case methodDidChange:
		var params protocol.DidChangeTextDocumentParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return err
		}
		if len(params.ContentChanges) == 0 {
			return nil
		}
		p, err := s.path(params.TextDocument.URI)
		if err != nil {
			return err
		}
		_, err = s.engine.Edit(p, []byte(params.ContentChanges[len(params.ContentChanges)-1].Text))
		return err
	case methodDidSave:
		var params protocol.DidSaveTextDocumentParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return err
		}
		p, err := s.path(params.TextDocument.URI)
		if err != nil {
			return err
		}
		var content []byte
		if params.Text != "" {
			content = []byte(params.Text)
		}
		_, err = s.engine.Save(p, content)
		return err
	case methodDidClose:
		var params protocol.DidCloseTextDocumentParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return err
		}
		p, err := s.path(params.TextDocument.URI)
		if err != nil {
			return err
		}
		return s.engine.CloseDocument(p)
	}
	return nil
}

func (s *Server) scroll(ctx context.Context, params ScrollParams) bool {
	p, err := s.path(params.TextDocument.URI)
	if err != nil {
		return false
	}
	src, err := s.engine.Query(ctx).Source(p)
	if err != nil {
		return false
	}
	return s.engine.ScrollPreview(p, offsetOf(src, params.Position))
}

func (s *Server) pin(params PinParams) error {
	if params.TextDocument == nil {
		s.engine.PinDocument("")
		return nil
	}
	p, err := s.path(params.TextDocument.URI)
	if err != nil {
		return jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	s.engine.PinDocument(p)
	return nil
}

func offsetOf(src *syntax.Source, pos protocol.Position) int {
	return src.Lines.Offset(syntax.Position{Line: int(pos.Line), Column: int(pos.Character)})
}

func toPosition(p syntax.Position) protocol.Position {
	return protocol.Position{Line: uint32(p.Line), Character: uint32(p.Column)}
}

func toRange(src *syntax.Source, span syntax.Span) protocol.Range {
	r := src.Lines.Range(span)
	return protocol.Range{Start: toPosition(r.Start), End: toPosition(r.End)}
}
