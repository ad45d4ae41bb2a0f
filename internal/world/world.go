// Package world builds the per-revision compilation context: an immutable
// facade over a VFS snapshot, the font bank, package resolution and injected
// configuration.
package world

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/jward/lectern/internal/fonts"
	"github.com/jward/lectern/internal/packages"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// ErrResolution matches every *ResolutionError.
var ErrResolution = errors.New("world: unresolved import")

// ResolutionError is an import that could not be resolved from a file.
type ResolutionError struct {
	Path string
	From vfs.FileID
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unresolved import %q: %v", e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

var errEscapesRoot = errors.New("path escapes its root")

// ListingID is a pseudo file whose fingerprint covers the set of live files.
// Depending on it invalidates a result whenever a file is added or removed.
var ListingID = vfs.FileID{Package: "$workspace"}

// Config is injected configuration that affects compilation results.
type Config struct {
	Inputs      map[string]string
	DefaultFont string
}

// Fingerprint is a stable digest of the configuration.
func (c Config) Fingerprint() string {
	keys := make([]string, 0, len(c.Inputs))
	for k := range c.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "font:%s\n", c.DefaultFont)
	for _, k := range keys {
		fmt.Fprintf(h, "input:%s=%s\n", k, c.Inputs[k])
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

// Builder creates Worlds and owns the parse cache they share.
type Builder struct {
	parser   syntax.Parser
	bank     *fonts.Bank
	registry *packages.Registry

	mu     sync.Mutex
	parsed map[vfs.FileID]*syntax.Source
}

// NewBuilder creates a Builder. bank and registry may be nil, in which case
// every font or package lookup fails.
func NewBuilder(parser syntax.Parser, bank *fonts.Bank, registry *packages.Registry) *Builder {
	return &Builder{
		parser:   parser,
		bank:     bank,
		registry: registry,
		parsed:   make(map[vfs.FileID]*syntax.Source),
	}
}

// Build returns a World over snap. It does no parsing up front.
func (b *Builder) Build(snap *vfs.Snapshot, cfg Config) *World {
	fp := cfg.Fingerprint()
	if b.bank != nil {
		fp += "/" + b.bank.Fingerprint()
	}
	return &World{b: b, snap: snap, cfg: cfg, cfgFP: fp}
}

// parse returns the cached parse of rec, parsing on a content change.
func (b *Builder) parse(rec *vfs.FileRecord) *syntax.Source {
	b.mu.Lock()
	src, ok := b.parsed[rec.ID]
	b.mu.Unlock()
	if ok && src.Hash == rec.Hash {
		return src
	}
	src = b.parser.Parse(rec.ID, rec.Content)
	b.mu.Lock()
	b.parsed[rec.ID] = src
	b.mu.Unlock()
	return src
}

// Forget drops cached parses.
func (b *Builder) Forget() {
	b.mu.Lock()
	b.parsed = make(map[vfs.FileID]*syntax.Source)
	b.mu.Unlock()
}

// World is an immutable compilation context for one snapshot and
// configuration. Worlds are safe for concurrent use.
type World struct {
	b     *Builder
	snap  *vfs.Snapshot
	cfg   Config
	cfgFP string
}

// Revision returns the snapshot revision.
func (w *World) Revision() vfs.Revision { return w.snap.Revision() }

// Snapshot returns the underlying snapshot.
func (w *World) Snapshot() *vfs.Snapshot { return w.snap }

// Config returns the injected configuration.
func (w *World) Config() Config { return w.cfg }

// ConfigFingerprint identifies the configuration and font set.
func (w *World) ConfigFingerprint() string { return w.cfgFP }

// Generation identifies the World's inputs as a whole. Worlds with the same
// generation are interchangeable.
func (w *World) Generation() string {
	return fmt.Sprintf("%d/%s", w.snap.Revision(), w.cfgFP)
}

// Files returns every live workspace and package file in the snapshot.
func (w *World) Files() []vfs.FileID { return w.snap.Files() }

// packageFile returns a file of a fetched package not yet present in the
// snapshot.
func (w *World) packageFile(id vfs.FileID) (*vfs.FileRecord, bool) {
	if !id.IsPackage() || w.b.registry == nil {
		return nil, false
	}
	spec, err := packages.ParseSpec(id.Package)
	if err != nil {
		return nil, false
	}
	pkg, ok := w.b.registry.Cached(spec)
	if !ok {
		return nil, false
	}
	data, ok := pkg.Files[id.Path]
	if !ok {
		return nil, false
	}
	return &vfs.FileRecord{ID: id, Content: data, Hash: vfs.HashContent(data), Origin: vfs.OriginPackage}, true
}

// File returns the live record for id.
func (w *World) File(id vfs.FileID) (*vfs.FileRecord, error) {
	rec, err := w.snap.Read(id)
	if errors.Is(err, vfs.ErrNotFound) {
		if pr, ok := w.packageFile(id); ok {
			return pr, nil
		}
	}
	return rec, err
}

// Fingerprint returns the fingerprint of id as seen by this World.
func (w *World) Fingerprint(id vfs.FileID) string {
	if id == ListingID {
		h := sha256.New()
		for _, f := range w.snap.Files() {
			fmt.Fprintln(h, f.String())
		}
		return fmt.Sprintf("%x", h.Sum(nil))
	}
	if rec, ok := w.snap.Lookup(id); ok {
		return rec.Fingerprint()
	}
	if pr, ok := w.packageFile(id); ok {
		return pr.Fingerprint()
	}
	return "absent"
}

// Source returns the parsed source of id. Parse problems are reported in
// Source.Errors; the error is only for unreadable or missing files.
func (w *World) Source(id vfs.FileID) (*syntax.Source, error) {
	rec, err := w.File(id)
	if err != nil {
		return nil, err
	}
	return w.b.parse(rec), nil
}

// ResolveImport resolves an import path written in from. Package imports
// ("@ns/name:version") fetch through the registry and resolve to the
// package entry file. The candidate FileID is returned even on failure so
// callers can depend on its later appearance.
func (w *World) ResolveImport(ctx context.Context, p string, from vfs.FileID) (vfs.FileID, error) {
	if strings.HasPrefix(p, "@") {
		return w.resolvePackage(ctx, p, from)
	}

	var target string
	if strings.HasPrefix(p, "/") {
		target = path.Clean(p[1:])
	} else {
		target = path.Join(from.Dir(), p)
	}
	if target == ".." || strings.HasPrefix(target, "../") {
		return vfs.FileID{}, &ResolutionError{Path: p, From: from, Err: errEscapesRoot}
	}
	id := vfs.FileID{Package: from.Package, Path: vfs.CleanPath(target)}
	if _, err := w.File(id); err != nil {
		return id, &ResolutionError{Path: p, From: from, Err: err}
	}
	return id, nil
}

func (w *World) resolvePackage(ctx context.Context, p string, from vfs.FileID) (vfs.FileID, error) {
	spec, err := packages.ParseSpec(p)
	if err != nil {
		return vfs.FileID{}, &ResolutionError{Path: p, From: from, Err: err}
	}
	candidate := vfs.PackageFile(spec.String(), packages.DefaultEntry)
	if w.b.registry == nil {
		return candidate, &ResolutionError{Path: p, From: from, Err: packages.ErrNotFound}
	}
	pkg, err := w.b.registry.Fetch(ctx, spec)
	if err != nil {
		return candidate, &ResolutionError{Path: p, From: from, Err: err}
	}
	return vfs.PackageFile(spec.String(), pkg.Entry), nil
}

// Font resolves a font query.
func (w *World) Font(q fonts.Query) (*fonts.Handle, error) {
	if w.b.bank == nil {
		return nil, fmt.Errorf("fonts: family %q: %w", q.Family, fonts.ErrNotFound)
	}
	return w.b.bank.Find(q)
}

// FontFamilies lists the installed families.
func (w *World) FontFamilies() ([]string, error) {
	if w.b.bank == nil {
		return nil, nil
	}
	return w.b.bank.Families()
}
