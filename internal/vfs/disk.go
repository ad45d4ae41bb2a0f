package vfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// skipDirs are directories never loaded from a workspace.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"target":       true,
}

// DiskProvider reads, writes and watches files under a workspace root. It
// implements the Reader capability used by Store.External.
type DiskProvider struct {
	root string
	exts map[string]bool
}

// NewDiskProvider creates a provider rooted at root. Only files with one of
// exts are listed and watched; an empty list means every file.
func NewDiskProvider(root string, exts ...string) *DiskProvider {
	p := &DiskProvider{root: root}
	if len(exts) > 0 {
		p.exts = make(map[string]bool, len(exts))
		for _, e := range exts {
			p.exts[e] = true
		}
	}
	return p
}

// Root returns the workspace root.
func (p *DiskProvider) Root() string { return p.root }

func (p *DiskProvider) abs(path string) string {
	return filepath.Join(p.root, filepath.FromSlash(CleanPath(path)))
}

// Read returns the content of a workspace-relative path.
func (p *DiskProvider) Read(path string) ([]byte, error) {
	return os.ReadFile(p.abs(path))
}

// Write stores content at a workspace-relative path.
func (p *DiskProvider) Write(path string, data []byte) error {
	full := p.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("vfs: create dir: %w", err)
	}
	return os.WriteFile(full, data, 0o644)
}

func (p *DiskProvider) wanted(name string) bool {
	return p.exts == nil || p.exts[filepath.Ext(name)]
}

// List walks the root and returns workspace-relative paths of matching
// files. Hidden directories and dependency directories are skipped.
func (p *DiskProvider) List() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != p.root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if !p.wanted(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vfs: walk %s: %w", p.root, err)
	}
	return paths, nil
}

// Load reads every listed file into the store as one commit.
func (p *DiskProvider) Load(s *Store) (Revision, error) {
	paths, err := p.List()
	if err != nil {
		return s.Revision(), err
	}
	changes := make([]Change, 0, len(paths))
	for _, path := range paths {
		id := LocalFile(path)
		data, err := p.Read(path)
		if err != nil {
			changes = append(changes, Change{ID: id, Err: err})
			continue
		}
		changes = append(changes, Change{ID: id, Content: data, Origin: OriginDisk})
	}
	return s.Apply(changes...), nil
}

// Watch polls the root every interval and calls fn with the paths that were
// created, modified or removed since the previous scan. It returns when ctx
// is done.
func (p *DiskProvider) Watch(ctx context.Context, interval time.Duration, fn func(paths []string)) error {
	if interval <= 0 {
		interval = time.Second
	}
	state, err := p.scan()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := p.scan()
			if err != nil {
				continue
			}
			var changed []string
			for path, mtime := range next {
				if old, ok := state[path]; !ok || old != mtime {
					changed = append(changed, path)
				}
			}
			for path := range state {
				if _, ok := next[path]; !ok {
					changed = append(changed, path)
				}
			}
			state = next
			if len(changed) > 0 {
				fn(changed)
			}
		}
	}
}

// scan returns path -> modification time (plus size, to catch same-second
// rewrites) for every listed file.
func (p *DiskProvider) scan() (map[string]int64, error) {
	paths, err := p.List()
	if err != nil {
		return nil, err
	}
	state := make(map[string]int64, len(paths))
	for _, path := range paths {
		info, err := os.Stat(p.abs(path))
		if err != nil {
			continue
		}
		state[path] = info.ModTime().UnixNano() ^ info.Size()
	}
	return state, nil
}
