package lectern

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jward/lectern/internal/analysis"
	"github.com/jward/lectern/internal/fonts"
	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/markup"
	"github.com/jward/lectern/internal/packages"
	"github.com/jward/lectern/internal/preview"
	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/runtime"
	"github.com/jward/lectern/internal/scheduler"
	"github.com/jward/lectern/internal/store"
	"github.com/jward/lectern/internal/vfs"
	"github.com/jward/lectern/internal/world"
)

// SourceExt is the extension of workspace source files.
const SourceExt = ".typ"

// DefaultPollInterval is how often Watch scans the workspace.
const DefaultPollInterval = time.Second

// Engine ties the file store, query engine, compile scheduler and preview
// hub together for one workspace.
type Engine struct {
	root     string
	catalog  *store.Store
	files    *vfs.Store
	disk     *vfs.DiskProvider
	bank     *fonts.Bank
	registry *packages.Registry
	builder  *world.Builder
	queries  *query.Engine
	sched    *scheduler.Scheduler
	hub      *preview.Hub
	log      *zap.Logger

	// Collected by options before the components are built.
	fontProviders    []fonts.Provider
	packageProviders []packages.Provider
	scriptsDir       string
	scriptsFS        fs.FS
	compiler         layout.Compiler
	queryOpts        []query.Option
	schedOpts        []scheduler.Option
	hubOpts          []preview.Option
	retention        int

	stopPreview func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithFontDirs adds directories scanned for font files.
func WithFontDirs(dirs ...string) Option {
	return func(e *Engine) {
		if len(dirs) > 0 {
			e.fontProviders = append(e.fontProviders, fonts.NewDirProvider(dirs...))
		}
	}
}

// WithFontProvider adds a font provider.
func WithFontProvider(p fonts.Provider) Option {
	return func(e *Engine) { e.fontProviders = append(e.fontProviders, p) }
}

// WithPackageDirs adds local package directories laid out as
// namespace/name/version.
func WithPackageDirs(dirs ...string) Option {
	return func(e *Engine) {
		if len(dirs) > 0 {
			e.packageProviders = append(e.packageProviders, packages.NewLocalProvider(dirs...))
		}
	}
}

// WithPackageProvider adds a package provider, consulted after the ones
// added before it.
func WithPackageProvider(p packages.Provider) Option {
	return func(e *Engine) { e.packageProviders = append(e.packageProviders, p) }
}

// WithScriptsDir loads lint scripts from dir.
func WithScriptsDir(dir string) Option {
	return func(e *Engine) { e.scriptsDir = dir }
}

// WithScriptsFS loads lint scripts from fsys instead of a directory. This
// allows scripts to be embedded with go:embed.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) { e.scriptsFS = fsys }
}

// WithCompiler replaces the built-in markup compiler.
func WithCompiler(c layout.Compiler) Option {
	return func(e *Engine) { e.compiler = c }
}

// WithDebounce sets the quiet period between the last edit and a compile.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) { e.schedOpts = append(e.schedOpts, scheduler.WithDebounce(d)) }
}

// WithWorkers bounds concurrent compiles.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.schedOpts = append(e.schedOpts, scheduler.WithWorkers(n)) }
}

// WithConfig sets the initial compile configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.schedOpts = append(e.schedOpts, scheduler.WithConfig(cfg)) }
}

// WithCacheCapacity bounds the number of memoized query results.
func WithCacheCapacity(n int) Option {
	return func(e *Engine) { e.queryOpts = append(e.queryOpts, query.WithCapacity(n)) }
}

// WithFailureTTL sets how long a failed query is remembered.
func WithFailureTTL(d time.Duration) Option {
	return func(e *Engine) { e.queryOpts = append(e.queryOpts, query.WithFailureTTL(d)) }
}

// WithRetention sets how many past revisions stay readable.
func WithRetention(n int) Option {
	return func(e *Engine) { e.retention = n }
}

// WithPreviewOutbox sets how far a preview viewer may fall behind before it
// is resent every frame.
func WithPreviewOutbox(n int) Option {
	return func(e *Engine) { e.hubOpts = append(e.hubOpts, preview.WithOutbox(n)) }
}

// WithPreviewJump is called when a viewer clicks a frame position that maps
// back to source.
func WithPreviewJump(fn func(path string, off int)) Option {
	return func(e *Engine) {
		e.hubOpts = append(e.hubOpts, preview.WithJump(func(id vfs.FileID, off int) {
			fn(id.Path, off)
		}))
	}
}

// New creates an Engine for the workspace under root. root may be empty for
// a purely in-memory workspace fed through Open and Edit. Call Load to read
// fonts and workspace files.
func New(root string, opts ...Option) (*Engine, error) {
	catalog, err := store.NewStore("")
	if err != nil {
		return nil, fmt.Errorf("lectern: create catalog: %w", err)
	}
	if err := catalog.Migrate(); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("lectern: migrate catalog: %w", err)
	}

	e := &Engine{
		root:      root,
		catalog:   catalog,
		retention: vfs.DefaultRetention,
		log:       logging.Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.compiler == nil {
		e.compiler = markup.NewCompiler()
	}

	storeOpts := []vfs.StoreOption{vfs.WithRetention(e.retention)}
	if root != "" {
		e.disk = vfs.NewDiskProvider(root, SourceExt)
		storeOpts = append(storeOpts, vfs.WithReader(e.disk))
	}
	e.files = vfs.NewStore(storeOpts...)
	e.bank = fonts.NewBank(catalog, e.fontProviders...)
	e.registry = packages.NewRegistry(catalog, e.packageProviders...)
	e.builder = world.NewBuilder(markup.NewParser(), e.bank, e.registry)
	e.queries = query.New(e.queryOpts...)

	var analysisOpts []analysis.Option
	if e.scriptsFS != nil || e.scriptsDir != "" {
		var rtOpts []runtime.Option
		if e.scriptsFS != nil {
			rtOpts = append(rtOpts, runtime.WithFS(e.scriptsFS))
		}
		analysisOpts = append(analysisOpts, analysis.WithRuntime(runtime.New(e.scriptsDir, rtOpts...)))
	}
	if err := analysis.New(e.compiler, analysisOpts...).Register(e.queries); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("lectern: register queries: %w", err)
	}

	e.sched = scheduler.New(e.files, e.builder, e.queries, e.schedOpts...)
	e.hub = preview.NewHub(e.hubOpts...)

	e.files.OnCommit(e.committed)
	e.registry.OnFetch(e.fetched)

	pubs, stop := e.sched.Subscribe()
	e.stopPreview = stop
	e.wg.Add(1)
	go e.forward(pubs)

	return e, nil
}

// committed drops query results made stale by a commit and reschedules the
// documents that read the changed files. File fingerprints do not depend on
// the configuration, so an empty one is enough to compare them.
func (e *Engine) committed(c vfs.Commit) {
	e.queries.Invalidate(e.builder.Build(e.files.Current(), world.Config{}), c.Changed)
	e.sched.Touch(c.Changed)
}

// fetched treats the files of a newly fetched package as changed: results
// that found them absent are recomputed.
func (e *Engine) fetched(pkg *packages.Package) {
	ids := make([]vfs.FileID, 0, len(pkg.Files))
	for p := range pkg.Files {
		ids = append(ids, vfs.PackageFile(pkg.Spec.String(), p))
	}
	e.log.Debug("package fetched", logging.String("package", pkg.Spec.String()), logging.Int("files", len(ids)))
	e.queries.Invalidate(e.builder.Build(e.files.Current(), world.Config{}), ids)
	e.sched.Touch(ids)
}

// forward renders compiled documents into the preview. While a document is
// pinned only its compiles are shown.
func (e *Engine) forward(pubs <-chan scheduler.Publication) {
	defer e.wg.Done()
	for p := range pubs {
		if pinned, ok := e.sched.Pinned(); ok && p.Entry != pinned {
			continue
		}
		e.hub.Publish(p.Document, p.Revision)
	}
}

// Load reads the installed fonts and every workspace source file.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.bank.Load(ctx); err != nil {
		return fmt.Errorf("lectern: load fonts: %w", err)
	}
	if e.disk == nil {
		return nil
	}
	rev, err := e.disk.Load(e.files)
	if err != nil {
		return fmt.Errorf("lectern: load workspace: %w", err)
	}
	e.log.Info("workspace loaded",
		logging.String("root", e.root),
		logging.Int("files", e.files.Current().Len()),
		logging.Uint64("revision", uint64(rev)))
	return nil
}

// ReloadFonts rescans font providers. Results that resolved fonts are
// recomputed on next use.
func (e *Engine) ReloadFonts(ctx context.Context) error {
	if err := e.bank.Load(ctx); err != nil {
		return fmt.Errorf("lectern: reload fonts: %w", err)
	}
	e.sched.SetConfig(e.sched.Config())
	return nil
}

// Watch polls the workspace for external changes until ctx is done.
func (e *Engine) Watch(ctx context.Context, interval time.Duration) error {
	if e.disk == nil {
		return fmt.Errorf("lectern: watch: engine has no workspace root")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return e.disk.Watch(ctx, interval, func(paths []string) {
		rev := e.files.External(paths...)
		e.log.Debug("external changes", logging.Int("files", len(paths)), logging.Uint64("revision", uint64(rev)))
	})
}

// Close stops compiles and preview sessions and releases the catalog.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.sched.Stop()
		e.stopPreview()
		e.wg.Wait()
		e.hub.Shutdown()
		err = e.catalog.Close()
	})
	return err
}

// Root returns the workspace root, or "" for an in-memory workspace.
func (e *Engine) Root() string { return e.root }

// Revision returns the latest file store revision.
func (e *Engine) Revision() Revision { return e.files.Revision() }

// Files lists the live workspace files.
func (e *Engine) Files() []FileID { return e.files.Current().Files() }

// Open starts tracking an editor buffer for path.
func (e *Engine) Open(path string, content []byte, trigger Trigger) Revision {
	return e.sched.Open(vfs.LocalFile(path), content, trigger)
}

// Edit replaces the buffer content of an open document.
func (e *Engine) Edit(path string, content []byte) (Revision, error) {
	return e.sched.Edit(vfs.LocalFile(path), content)
}

// Save records that path was written to disk. A nil content keeps the
// buffer as the saved text.
func (e *Engine) Save(path string, content []byte) (Revision, error) {
	return e.sched.Save(vfs.LocalFile(path), content)
}

// CloseDocument stops tracking the buffer for path; the disk version shows
// through again.
func (e *Engine) CloseDocument(path string) error {
	return e.sched.Close(vfs.LocalFile(path))
}

// Flush compiles an open document now, skipping the debounce.
func (e *Engine) Flush(path string) error {
	return e.sched.Flush(vfs.LocalFile(path))
}

// Write changes a workspace file without an editor buffer, as a tool
// writing to disk would.
func (e *Engine) Write(path string, content []byte) Revision {
	return e.files.WriteDisk(vfs.LocalFile(path), content)
}

// Remove deletes a workspace file.
func (e *Engine) Remove(path string) Revision {
	return e.files.Delete(vfs.LocalFile(path))
}

// State reports the compile state of an open document.
func (e *Engine) State(path string) scheduler.State {
	return e.sched.State(vfs.LocalFile(path))
}

// PinDocument makes every compile use path as its entry file. An empty path
// unpins.
func (e *Engine) PinDocument(path string) {
	if path == "" {
		e.sched.Pin(vfs.FileID{})
		return
	}
	e.sched.Pin(vfs.LocalFile(path))
}

// SetConfig changes the compile configuration and recompiles open
// documents. Cached results for the old configuration stay valid for it.
func (e *Engine) SetConfig(cfg Config) { e.sched.SetConfig(cfg) }

// Config returns the compile configuration.
func (e *Engine) Config() Config { return e.sched.Config() }

// ClearCache drops every memoized query result and parse.
func (e *Engine) ClearCache() {
	e.queries.Clear()
	e.builder.Forget()
	e.log.Info("caches cleared")
}

// Stats reports query cache counters.
func (e *Engine) Stats() Stats { return e.queries.Stats() }

// Publications streams compile results. The returned function ends the
// subscription.
func (e *Engine) Publications() (<-chan Publication, func()) {
	return e.sched.Subscribe()
}

// Preview returns the hub streaming rendered frames to viewers.
func (e *Engine) Preview() *preview.Hub { return e.hub }

// ScrollPreview asks viewers to show the frame produced from off in path.
func (e *Engine) ScrollPreview(path string, off int) bool {
	return e.hub.ScrollAll(vfs.LocalFile(path), off)
}

// Fonts lists the installed font faces.
func (e *Engine) Fonts() ([]FontInfo, error) { return e.bank.List() }

// Packages lists the package versions available in namespace.
func (e *Engine) Packages(ctx context.Context, namespace string) ([]PackageSpec, error) {
	return e.registry.List(ctx, namespace)
}
