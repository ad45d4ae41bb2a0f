// Package runtime hosts user-supplied Risor lint scripts and checks code
// embedded in raw blocks against tree-sitter grammars.
package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
	"go.uber.org/zap"

	"github.com/jward/lectern/internal/logging"
)

const scriptExt = ".risor"

// Runtime loads scripts from a directory or an fs.FS and evaluates them in a
// Risor VM.
type Runtime struct {
	scriptsDir string
	fsys       fs.FS
	log        *zap.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithFS loads scripts and Risor imports from fsys instead of scriptsDir.
func WithFS(fsys fs.FS) Option {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// New creates a Runtime reading scripts from scriptsDir.
func New(scriptsDir string, opts ...Option) *Runtime {
	r := &Runtime{
		scriptsDir: scriptsDir,
		log:        logging.Named("runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Host is the workspace a lint script runs against.
type Host interface {
	// Read returns the text of a workspace file.
	Read(path string) (string, error)
	// Checkpoint returns an error once the script should stop.
	Checkpoint() error
}

// Finding is one problem reported by a lint script. Line is zero-based.
type Finding struct {
	Line     int
	Message  string
	Severity string
}

// ScriptPath returns the file a named lint script is loaded from.
func ScriptPath(name string) string { return name + scriptExt }

// Scripts lists the lint scripts available, by name. Files whose name starts
// with an underscore are import-only libraries and are not listed.
func (r *Runtime) Scripts() ([]string, error) {
	var entries []fs.DirEntry
	var err error
	switch {
	case r.fsys != nil:
		entries, err = fs.ReadDir(r.fsys, ".")
	case r.scriptsDir != "":
		entries, err = os.ReadDir(r.scriptsDir)
		if os.IsNotExist(err) {
			return nil, nil
		}
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runtime: list scripts: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || path.Ext(name) != scriptExt || strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, scriptExt))
	}
	sort.Strings(names)
	return names, nil
}

// Lint runs the named script with file_path set to file. The script reports
// problems through report(line, message[, severity]).
func (r *Runtime) Lint(ctx context.Context, name string, host Host, file string) ([]Finding, error) {
	src, err := r.LoadScript(ScriptPath(name))
	if err != nil {
		return nil, err
	}
	var findings []Finding
	globals := map[string]any{
		"file_path":  file,
		"read":       makeReadFn(host),
		"checkpoint": makeCheckpointFn(host),
		"report":     makeReportFn(&findings),
		"lines":      makeLinesFn(),
	}
	if _, err := r.eval(ctx, src, name, globals); err != nil {
		return nil, err
	}
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Line < findings[j].Line })
	return findings, nil
}

// RunSource evaluates Risor source with the standard globals plus extra and
// returns the value of its last expression.
func (r *Runtime) RunSource(ctx context.Context, source string, extra map[string]any) (object.Object, error) {
	return r.eval(ctx, source, "<inline>", extra)
}

func (r *Runtime) eval(ctx context.Context, source, label string, extra map[string]any) (object.Object, error) {
	globals := r.buildGlobals(extra)

	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	result, err := risor.Eval(ctx, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return result, nil
}

// buildImporter lets scripts import sibling modules. Returns nil when no
// script source is configured.
func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{scriptExt},
		})
	}
	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{scriptExt},
		})
	}
	return nil
}

// LoadScript reads a script relative to the configured source.
func (r *Runtime) LoadScript(p string) (string, error) {
	if r.fsys != nil {
		fsPath := strings.TrimPrefix(filepath.ToSlash(p), "/")
		data, err := fs.ReadFile(r.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("runtime: loading script %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := p
	if !filepath.IsAbs(p) {
		fullPath = filepath.Join(r.scriptsDir, p)
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

// buildGlobals constructs the globals every script sees. Parsed trees live
// only as long as one evaluation.
func (r *Runtime) buildGlobals(extra map[string]any) map[string]any {
	ss := newSourceStore()
	globals := map[string]any{
		"parse_src":  makeParseSrcFn(ss),
		"node_text":  makeNodeTextFn(ss),
		"node_child": makeNodeChildFn(),
		"query":      makeQueryFn(ss),
		"log":        mustProxy(&logObject{log: r.log}),
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
