// Package fonts is the font boundary: pluggable providers that list and load
// font faces, and a Bank that resolves family queries against a catalog.
package fonts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/image/font/sfnt"

	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/store"
)

// ErrNotFound is returned when no installed face matches a query.
var ErrNotFound = errors.New("fonts: font not found")

// Info describes one face. ID is provider-local.
type Info struct {
	ID       string
	Provider string
	Family   string
	Style    string
	Weight   int
	Path     string
}

// Provider lists and loads fonts.
type Provider interface {
	Name() string
	ListFonts(ctx context.Context) ([]Info, error)
	LoadFont(ctx context.Context, id string) ([]byte, error)
}

// --- Directory provider ---

// DirProvider serves TrueType and OpenType files found under directories.
type DirProvider struct {
	dirs []string
}

// NewDirProvider creates a provider scanning dirs recursively.
func NewDirProvider(dirs ...string) *DirProvider {
	return &DirProvider{dirs: dirs}
}

func (*DirProvider) Name() string { return "dir" }

// ListFonts parses the name table of every font file. Unparseable files are
// skipped.
func (p *DirProvider) ListFonts(ctx context.Context) ([]Info, error) {
	var infos []Info
	for _, dir := range p.dirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".ttf", ".otf":
			default:
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			info, err := Describe(data)
			if err != nil {
				logging.L().Debug("skip font", logging.String("path", path), logging.Err(err))
				return nil
			}
			info.ID = path
			info.Provider = p.Name()
			info.Path = path
			infos = append(infos, info)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("fonts: scan %s: %w", dir, err)
		}
	}
	return infos, nil
}

// LoadFont reads the font file with the given id.
func (p *DirProvider) LoadFont(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(id)
	if err != nil {
		return nil, fmt.Errorf("fonts: load %s: %w", id, err)
	}
	return data, nil
}

// Describe reads family and style from a font's name table.
func Describe(data []byte) (Info, error) {
	f, err := sfnt.Parse(data)
	if err != nil {
		return Info{}, err
	}
	var buf sfnt.Buffer
	family, err := f.Name(&buf, sfnt.NameIDFamily)
	if err != nil {
		return Info{}, err
	}
	style, err := f.Name(&buf, sfnt.NameIDSubfamily)
	if err != nil || style == "" {
		style = "Regular"
	}
	return Info{Family: family, Style: style, Weight: weightOf(style)}, nil
}

func weightOf(style string) int {
	s := strings.ToLower(style)
	switch {
	case strings.Contains(s, "thin"):
		return 100
	case strings.Contains(s, "light"):
		return 300
	case strings.Contains(s, "medium"):
		return 500
	case strings.Contains(s, "semibold"):
		return 600
	case strings.Contains(s, "black"):
		return 900
	case strings.Contains(s, "bold"):
		return 700
	default:
		return 400
	}
}

// --- Memory provider ---

// MemProvider serves fonts held in memory.
type MemProvider struct {
	mu    sync.RWMutex
	infos []Info
	data  map[string][]byte
}

// NewMemProvider creates an empty provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{data: make(map[string][]byte)}
}

// Add registers a face. The ID defaults to "family/style".
func (p *MemProvider) Add(info Info, data []byte) {
	if info.Style == "" {
		info.Style = "Regular"
	}
	if info.Weight == 0 {
		info.Weight = weightOf(info.Style)
	}
	if info.ID == "" {
		info.ID = info.Family + "/" + info.Style
	}
	info.Provider = p.Name()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos = append(p.infos, info)
	p.data[info.ID] = data
}

func (*MemProvider) Name() string { return "memory" }

func (p *MemProvider) ListFonts(context.Context) ([]Info, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Info(nil), p.infos...), nil
}

func (p *MemProvider) LoadFont(_ context.Context, id string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.data[id]
	if !ok {
		return nil, fmt.Errorf("fonts: load %s: %w", id, ErrNotFound)
	}
	return data, nil
}

// --- Bank ---

// Query selects a face. Empty Style and zero Weight match anything.
type Query struct {
	Family string
	Style  string
	Weight int
}

// Bank resolves queries against the catalog filled from its providers.
type Bank struct {
	catalog   *store.Store
	providers map[string]Provider
	order     []string

	mu   sync.Mutex
	gen  uint64
	data map[string][]byte
}

// NewBank creates a bank over catalog. Call Load to populate it.
func NewBank(catalog *store.Store, providers ...Provider) *Bank {
	b := &Bank{
		catalog:   catalog,
		providers: make(map[string]Provider),
		data:      make(map[string][]byte),
	}
	for _, p := range providers {
		b.providers[p.Name()] = p
		b.order = append(b.order, p.Name())
	}
	return b
}

// Load refreshes the catalog from every provider.
func (b *Bank) Load(ctx context.Context) error {
	for _, name := range b.order {
		infos, err := b.providers[name].ListFonts(ctx)
		if err != nil {
			return err
		}
		if err := b.catalog.DeleteFontsByProvider(name); err != nil {
			return fmt.Errorf("fonts: %w", err)
		}
		for _, info := range infos {
			if _, err := b.catalog.InsertFont(&store.Font{
				Provider: name,
				Key:      info.ID,
				Family:   info.Family,
				Style:    info.Style,
				Weight:   info.Weight,
				Path:     info.Path,
			}); err != nil {
				return fmt.Errorf("fonts: %w", err)
			}
		}
	}
	b.mu.Lock()
	b.gen++
	b.data = make(map[string][]byte)
	b.mu.Unlock()
	return nil
}

// Fingerprint changes whenever the set of fonts may have changed.
func (b *Bank) Fingerprint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("fonts:%d", b.gen)
}

// Find returns the face best matching q: an exact style match first, then
// the closest weight.
func (b *Bank) Find(q Query) (*Handle, error) {
	rows, err := b.catalog.FontsByFamily(q.Family)
	if err != nil {
		return nil, fmt.Errorf("fonts: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("fonts: family %q: %w", q.Family, ErrNotFound)
	}
	best := rows[0]
	bestScore := score(best, q)
	for _, f := range rows[1:] {
		if s := score(f, q); s < bestScore {
			best, bestScore = f, s
		}
	}
	return &Handle{Info: infoOf(best), bank: b}, nil
}

func score(f *store.Font, q Query) int {
	s := 0
	if q.Style != "" && !strings.EqualFold(f.Style, q.Style) {
		s += 10000
	}
	want := q.Weight
	if want == 0 {
		want = 400
	}
	d := f.Weight - want
	if d < 0 {
		d = -d
	}
	return s + d
}

func infoOf(f *store.Font) Info {
	return Info{ID: f.Key, Provider: f.Provider, Family: f.Family, Style: f.Style, Weight: f.Weight, Path: f.Path}
}

// List returns every installed face ordered by family.
func (b *Bank) List() ([]Info, error) {
	rows, err := b.catalog.Fonts()
	if err != nil {
		return nil, fmt.Errorf("fonts: %w", err)
	}
	infos := make([]Info, 0, len(rows))
	for _, f := range rows {
		infos = append(infos, infoOf(f))
	}
	return infos, nil
}

// Families returns the installed family names, sorted.
func (b *Bank) Families() ([]string, error) {
	fams, err := b.catalog.Families()
	if err != nil {
		return nil, fmt.Errorf("fonts: %w", err)
	}
	sort.Strings(fams)
	return fams, nil
}

func (b *Bank) load(ctx context.Context, info Info) ([]byte, error) {
	key := info.Provider + "\x00" + info.ID
	b.mu.Lock()
	data, ok := b.data[key]
	b.mu.Unlock()
	if ok {
		return data, nil
	}
	p, ok := b.providers[info.Provider]
	if !ok {
		return nil, fmt.Errorf("fonts: unknown provider %q: %w", info.Provider, ErrNotFound)
	}
	data, err := p.LoadFont(ctx, info.ID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.data[key] = data
	b.mu.Unlock()
	return data, nil
}

// Handle is a resolved face. Its bytes are loaded on first use.
type Handle struct {
	Info
	bank *Bank
}

// Data returns the font file bytes.
func (h *Handle) Data(ctx context.Context) ([]byte, error) {
	return h.bank.load(ctx, h.Info)
}
