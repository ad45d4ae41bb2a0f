package packages

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/store"
)

// Registry fetches packages from an ordered list of providers. Successful
// fetches are cached for the life of the registry; concurrent fetches of the
// same spec share one download.
type Registry struct {
	providers []Provider
	catalog   *store.Store

	mu      sync.Mutex
	entries map[Spec]*fetch
	hooks   []func(*Package)
}

type fetch struct {
	done chan struct{}
	pkg  *Package
	err  error
}

// NewRegistry creates a registry recording fetched and listed packages in
// catalog.
func NewRegistry(catalog *store.Store, providers ...Provider) *Registry {
	return &Registry{
		providers: providers,
		catalog:   catalog,
		entries:   make(map[Spec]*fetch),
	}
}

// OnFetch registers fn to be called once for every newly fetched package.
func (r *Registry) OnFetch(fn func(*Package)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Cached returns a previously fetched package without fetching.
func (r *Registry) Cached(spec Spec) (*Package, bool) {
	r.mu.Lock()
	e, ok := r.entries[spec]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.done:
		return e.pkg, e.err == nil
	default:
		return nil, false
	}
}

// Fetch returns the package for spec, trying providers in order. Failed
// fetches are not cached. A caller waiting on another caller's fetch that was
// cancelled fetches again under its own context.
func (r *Registry) Fetch(ctx context.Context, spec Spec) (*Package, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[spec]
		if !ok {
			break
		}
		r.mu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil && isCancellation(e.err) && ctx.Err() == nil {
			continue
		}
		return e.pkg, e.err
	}
	e := &fetch{done: make(chan struct{})}
	r.entries[spec] = e
	r.mu.Unlock()

	e.pkg, e.err = r.fetch(ctx, spec)

	r.mu.Lock()
	if e.err != nil {
		delete(r.entries, spec)
	}
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	close(e.done)

	if e.err != nil {
		return nil, e.err
	}
	for _, fn := range hooks {
		fn(e.pkg)
	}
	return e.pkg, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Registry) fetch(ctx context.Context, spec Spec) (*Package, error) {
	for _, p := range r.providers {
		pkg, err := p.Fetch(ctx, spec)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.catalog != nil {
			if _, err := r.catalog.InsertPackage(&store.Package{
				Namespace: spec.Namespace,
				Name:      spec.Name,
				Version:   spec.Version,
				Source:    pkg.Source,
				Path:      pkg.Path,
				Entry:     pkg.Entry,
			}); err != nil {
				logging.Named("packages").Warn("catalog package", logging.String("spec", spec.String()), logging.Err(err))
			}
		}
		return pkg, nil
	}
	return nil, fmt.Errorf("packages: %s: %w", spec, ErrNotFound)
}

// List returns the package versions available in namespace from every
// provider that can enumerate, ordered by name and version.
func (r *Registry) List(ctx context.Context, namespace string) ([]Spec, error) {
	for _, p := range r.providers {
		l, ok := p.(Lister)
		if !ok {
			continue
		}
		specs, err := l.List(ctx, namespace)
		if err != nil {
			return nil, err
		}
		for _, s := range specs {
			known, err := r.catalog.PackageByVersion(s.Namespace, s.Name, s.Version)
			if err != nil {
				return nil, fmt.Errorf("packages: %w", err)
			}
			if known != nil {
				continue
			}
			if _, err := r.catalog.InsertPackage(&store.Package{
				Namespace: s.Namespace,
				Name:      s.Name,
				Version:   s.Version,
				Source:    p.Name(),
			}); err != nil {
				return nil, fmt.Errorf("packages: %w", err)
			}
		}
	}
	rows, err := r.catalog.PackagesByNamespace(namespace)
	if err != nil {
		return nil, fmt.Errorf("packages: %w", err)
	}
	specs := make([]Spec, 0, len(rows))
	for _, row := range rows {
		specs = append(specs, Spec{Namespace: row.Namespace, Name: row.Name, Version: row.Version})
	}
	return specs, nil
}
