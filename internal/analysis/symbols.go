package analysis

import (
	"sort"

	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// SymbolKind classifies document symbols.
type SymbolKind int

const (
	SymbolHeading SymbolKind = iota + 1
	SymbolFunction
	SymbolVariable
	SymbolLabel
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolHeading:
		return "heading"
	case SymbolFunction:
		return "function"
	case SymbolVariable:
		return "variable"
	default:
		return "label"
	}
}

// Symbol is an outline entry. Headings contain the symbols that follow them
// up to the next heading of the same or a higher level.
type Symbol struct {
	Name      string
	Kind      SymbolKind
	Detail    string
	Span      syntax.Span
	Selection syntax.Span
	Children  []*Symbol
}

type outlineItem struct {
	sym   *Symbol
	level int
}

func symbols(c *query.Context, key query.Key) (any, error) {
	src, err := c.Source(vfs.ParseFileID(key.Arg))
	if err != nil {
		return []*Symbol(nil), nil
	}
	var items []outlineItem
	for _, h := range src.Headings {
		items = append(items, outlineItem{
			sym:   &Symbol{Name: h.Text, Kind: SymbolHeading, Span: h.Span, Selection: h.Span},
			level: h.Level,
		})
	}
	for _, l := range src.Lets {
		s := &Symbol{Name: l.Name, Kind: SymbolVariable, Span: l.Span, Selection: l.NameSpan}
		if l.Func {
			s.Kind = SymbolFunction
			s.Detail = letSignature(l)
		}
		items = append(items, outlineItem{sym: s})
	}
	for _, l := range src.Labels {
		items = append(items, outlineItem{
			sym: &Symbol{Name: "<" + l.Name + ">", Kind: SymbolLabel, Span: l.Span, Selection: l.Span},
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].sym.Span.Start < items[j].sym.Span.Start })

	var roots []*Symbol
	var stack []outlineItem
	for _, it := range items {
		if it.level > 0 {
			for len(stack) > 0 && stack[len(stack)-1].level >= it.level {
				stack = stack[:len(stack)-1]
			}
		}
		if len(stack) == 0 {
			roots = append(roots, it.sym)
		} else {
			parent := stack[len(stack)-1].sym
			parent.Children = append(parent.Children, it.sym)
		}
		if it.level > 0 {
			stack = append(stack, it)
		}
	}
	return roots, nil
}

// LabelInfo is a label defined somewhere in the workspace.
type LabelInfo struct {
	Name string
	File vfs.FileID
	Span syntax.Span
	// Title is the text of the heading carrying the label, if any.
	Title string
}

func labels(c *query.Context, _ query.Key) (any, error) {
	var out []LabelInfo
	for _, id := range c.Files() {
		if id.IsPackage() {
			continue
		}
		if err := c.Checkpoint(); err != nil {
			return nil, err
		}
		src, err := c.Source(id)
		if err != nil {
			continue
		}
		titles := make(map[string]string)
		for _, h := range src.Headings {
			if h.Label != "" {
				titles[h.Label] = h.Text
			}
		}
		for _, l := range src.Labels {
			out = append(out, LabelInfo{Name: l.Name, File: id, Span: l.Span, Title: titles[l.Name]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].File.String() < out[j].File.String()
	})
	return out, nil
}

// findLabel returns the first workspace label called name.
func findLabel(c *query.Context, name string) (*LabelInfo, error) {
	v, err := c.Query(LabelsKey())
	if err != nil {
		return nil, err
	}
	for _, l := range v.([]LabelInfo) {
		if l.Name == name {
			return &l, nil
		}
	}
	return nil, nil
}
