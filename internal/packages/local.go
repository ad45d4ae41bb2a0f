package packages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jward/lectern/internal/logging"
)

// LocalProvider serves packages laid out as namespace/name/version under one
// or more data directories.
type LocalProvider struct {
	dirs []string
}

// NewLocalProvider creates a provider over dirs, searched in order.
func NewLocalProvider(dirs ...string) *LocalProvider {
	return &LocalProvider{dirs: dirs}
}

func (*LocalProvider) Name() string { return "local" }

// Fetch reads every file of the package. Hidden directories are skipped.
func (p *LocalProvider) Fetch(ctx context.Context, spec Spec) (*Package, error) {
	for _, dir := range p.dirs {
		root := filepath.Join(dir, spec.Namespace, spec.Name, spec.Version)
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		pkg := &Package{Spec: spec, Source: p.Name(), Path: root, Files: make(map[string][]byte)}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			pkg.Files[filepath.ToSlash(rel)] = data
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("packages: read %s: %w", spec, err)
		}
		pkg.Entry = DefaultEntry
		if manifest, ok := pkg.Files["typst.toml"]; ok {
			pkg.Entry = manifestEntry(manifest)
		}
		return pkg, nil
	}
	return nil, fmt.Errorf("packages: %s: %w", spec, ErrNotFound)
}

// List returns every package version in namespace. Unreadable entries and
// malformed versions are logged and skipped.
func (p *LocalProvider) List(_ context.Context, namespace string) ([]Spec, error) {
	log := logging.Named("packages")
	var specs []Spec
	for _, dir := range p.dirs {
		nsDir := filepath.Join(dir, namespace)
		names, err := os.ReadDir(nsDir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn("read local package namespace", logging.String("dir", nsDir), logging.Err(err))
			}
			continue
		}
		for _, name := range names {
			if !name.IsDir() || strings.HasPrefix(name.Name(), ".") {
				continue
			}
			versions, err := os.ReadDir(filepath.Join(nsDir, name.Name()))
			if err != nil {
				log.Warn("read package versions", logging.String("package", name.Name()), logging.Err(err))
				continue
			}
			for _, v := range versions {
				if !v.IsDir() || strings.HasPrefix(v.Name(), ".") {
					continue
				}
				if !ValidVersion(v.Name()) {
					log.Debug("skip package version", logging.String("version", v.Name()))
					continue
				}
				specs = append(specs, Spec{Namespace: namespace, Name: name.Name(), Version: v.Name()})
			}
		}
	}
	return specs, nil
}
