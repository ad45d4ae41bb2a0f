package analysis

import (
	"path"
	"sort"
	"strings"

	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// CompletionKind classifies completion items.
type CompletionKind int

const (
	CompletionFunction CompletionKind = iota + 1
	CompletionVariable
	CompletionLabel
	CompletionFont
	CompletionFile
)

// CompletionItem is one proposal. Replace is the span the label replaces.
type CompletionItem struct {
	Label   string
	Kind    CompletionKind
	Detail  string
	Doc     string
	Replace syntax.Span
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '-' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func completion(c *query.Context, key query.Key) (any, error) {
	file, off, err := parsePosArg(key.Arg)
	if err != nil {
		return nil, err
	}
	src, err := c.Source(file)
	if err != nil || off < 0 || off > len(src.Text) {
		return []CompletionItem(nil), nil
	}
	lineStart := src.Lines.LineStart(src.Lines.Line(off))
	prefix := src.Text[lineStart:off]

	if strings.Count(prefix, `"`)%2 == 1 {
		q := strings.LastIndexByte(prefix, '"')
		replace := syntax.Span{Start: lineStart + q + 1, End: off}
		partial := prefix[q+1:]
		before := strings.TrimRight(prefix[:q], " \t")
		trimmed := strings.TrimSpace(prefix)
		switch {
		case strings.HasSuffix(before, "font:"):
			return fontItems(c, partial, replace)
		case strings.HasPrefix(trimmed, "#import") || strings.HasPrefix(trimmed, "#include"):
			return fileItems(c, file, partial, replace), nil
		}
		return []CompletionItem(nil), nil
	}

	j := off
	for j > lineStart && isIdentByte(src.Text[j-1]) {
		j--
	}
	if j == lineStart {
		return []CompletionItem(nil), nil
	}
	partial := src.Text[j:off]
	replace := syntax.Span{Start: j, End: off}
	switch src.Text[j-1] {
	case '#':
		return codeItems(c, src, partial, replace)
	case '@':
		return labelItems(c, partial, replace)
	}
	return []CompletionItem(nil), nil
}

func codeItems(c *query.Context, src *syntax.Source, partial string, replace syntax.Span) ([]CompletionItem, error) {
	seen := make(map[string]bool)
	var items []CompletionItem
	addLet := func(l syntax.Let) {
		if seen[l.Name] || !strings.HasPrefix(l.Name, partial) {
			return
		}
		seen[l.Name] = true
		item := CompletionItem{Label: l.Name, Kind: CompletionVariable, Doc: l.Doc, Replace: replace}
		if l.Func {
			item.Kind = CompletionFunction
			item.Detail = letSignature(l)
		}
		items = append(items, item)
	}

	for _, l := range src.Lets {
		addLet(l)
	}
	for _, imp := range src.Imports {
		if imp.Include || len(imp.Names) == 0 {
			continue
		}
		if err := c.Checkpoint(); err != nil {
			return nil, err
		}
		target, err := c.ResolveImport(imp.Path, src.ID)
		if err != nil {
			continue
		}
		dep, err := c.Source(target)
		if err != nil {
			continue
		}
		for _, l := range dep.Lets {
			if importsName(imp, l.Name) {
				addLet(l)
			}
		}
	}
	for name, b := range Builtins {
		if seen[name] || !strings.HasPrefix(name, partial) {
			continue
		}
		seen[name] = true
		items = append(items, CompletionItem{Label: name, Kind: CompletionFunction, Detail: b.Signature(), Doc: b.Doc, Replace: replace})
	}
	sortItems(items)
	return items, nil
}

func labelItems(c *query.Context, partial string, replace syntax.Span) ([]CompletionItem, error) {
	v, err := c.Query(LabelsKey())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var items []CompletionItem
	for _, l := range v.([]LabelInfo) {
		if seen[l.Name] || !strings.HasPrefix(l.Name, partial) {
			continue
		}
		seen[l.Name] = true
		items = append(items, CompletionItem{Label: l.Name, Kind: CompletionLabel, Detail: l.Title, Doc: l.File.String(), Replace: replace})
	}
	return items, nil
}

func fontItems(c *query.Context, partial string, replace syntax.Span) ([]CompletionItem, error) {
	families, err := c.World().FontFamilies()
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(partial)
	var items []CompletionItem
	for _, f := range families {
		if strings.HasPrefix(strings.ToLower(f), lower) {
			items = append(items, CompletionItem{Label: f, Kind: CompletionFont, Replace: replace})
		}
	}
	sortItems(items)
	return items, nil
}

// fileItems proposes workspace files as import paths relative to from.
func fileItems(c *query.Context, from vfs.FileID, partial string, replace syntax.Span) []CompletionItem {
	dir := from.Dir()
	var items []CompletionItem
	for _, id := range c.Files() {
		if id.IsPackage() || id == from || path.Ext(id.Path) != ".typ" {
			continue
		}
		rel := "/" + id.Path
		switch {
		case dir == ".":
			rel = id.Path
		case strings.HasPrefix(id.Path, dir+"/"):
			rel = id.Path[len(dir)+1:]
		}
		if strings.HasPrefix(rel, partial) {
			items = append(items, CompletionItem{Label: rel, Kind: CompletionFile, Replace: replace})
		}
	}
	sortItems(items)
	return items
}

func sortItems(items []CompletionItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
}
