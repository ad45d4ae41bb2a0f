// Package analysis implements the query functions behind compilation and
// editor features. Every function reads its inputs through a query.Context so
// its result is invalidated exactly when an input it used changes.
package analysis

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/runtime"
	"github.com/jward/lectern/internal/vfs"
)

// Query kinds.
const (
	KindCompile     = "compile"
	KindDiagnostics = "diagnostics"
	KindSymbols     = "symbols"
	KindHover       = "hover"
	KindCompletion  = "completion"
	KindDefinition  = "definition"
	KindSignature   = "signature"
	KindLabels      = "labels"
	KindRaw         = "raw"

	scriptPrefix = "script:"
)

// CompileKey compiles the document rooted at entry.
func CompileKey(entry vfs.FileID) query.Key {
	return query.Key{Kind: KindCompile, Arg: entry.String()}
}

// DiagnosticsKey collects the file-local diagnostics of file.
func DiagnosticsKey(file vfs.FileID) query.Key {
	return query.Key{Kind: KindDiagnostics, Arg: file.String()}
}

func SymbolsKey(file vfs.FileID) query.Key {
	return query.Key{Kind: KindSymbols, Arg: file.String()}
}

func HoverKey(file vfs.FileID, off int) query.Key {
	return query.Key{Kind: KindHover, Arg: posArg(file, off)}
}

func CompletionKey(file vfs.FileID, off int) query.Key {
	return query.Key{Kind: KindCompletion, Arg: posArg(file, off)}
}

func DefinitionKey(file vfs.FileID, off int) query.Key {
	return query.Key{Kind: KindDefinition, Arg: posArg(file, off)}
}

func SignatureKey(file vfs.FileID, off int) query.Key {
	return query.Key{Kind: KindSignature, Arg: posArg(file, off)}
}

// LabelsKey lists the labels of every workspace file.
func LabelsKey() query.Key { return query.Key{Kind: KindLabels} }

// RawKey checks the raw code blocks of file.
func RawKey(file vfs.FileID) query.Key {
	return query.Key{Kind: KindRaw, Arg: file.String()}
}

// ScriptKey runs the named lint script against file.
func ScriptKey(name string, file vfs.FileID) query.Key {
	return query.Key{Kind: scriptPrefix + name, Arg: file.String()}
}

func posArg(file vfs.FileID, off int) string {
	return file.String() + "#" + strconv.Itoa(off)
}

func parsePosArg(arg string) (vfs.FileID, int, error) {
	i := strings.LastIndexByte(arg, '#')
	if i < 0 {
		return vfs.FileID{}, 0, fmt.Errorf("malformed position %q", arg)
	}
	off, err := strconv.Atoi(arg[i+1:])
	if err != nil {
		return vfs.FileID{}, 0, fmt.Errorf("malformed position %q: %w", arg, err)
	}
	return vfs.ParseFileID(arg[:i]), off, nil
}

// Analyzer owns the collaborators query functions need.
type Analyzer struct {
	compiler layout.Compiler
	runtime  *runtime.Runtime
	scripts  []string
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRuntime enables lint scripts. Every script the runtime lists runs as
// part of a file's diagnostics.
func WithRuntime(rt *runtime.Runtime) Option {
	return func(a *Analyzer) { a.runtime = rt }
}

// New creates an Analyzer compiling with compiler.
func New(compiler layout.Compiler, opts ...Option) *Analyzer {
	a := &Analyzer{compiler: compiler}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Scripts returns the lint scripts registered by Register.
func (a *Analyzer) Scripts() []string { return a.scripts }

// Register installs every query kind on e.
func (a *Analyzer) Register(e *query.Engine) error {
	e.Register(KindCompile, a.compile)
	e.Register(KindDiagnostics, a.diagnostics)
	e.Register(KindSymbols, symbols)
	e.Register(KindHover, hover)
	e.Register(KindCompletion, completion)
	e.Register(KindDefinition, definition)
	e.Register(KindSignature, signature)
	e.Register(KindLabels, labels)
	e.Register(KindRaw, raw)

	if a.runtime == nil {
		return nil
	}
	names, err := a.runtime.Scripts()
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	a.scripts = names
	for _, name := range names {
		e.Register(scriptPrefix+name, a.script(name))
	}
	return nil
}
