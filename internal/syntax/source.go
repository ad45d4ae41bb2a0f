// Package syntax defines the parsed-source contract shared between the
// compiler and the analysis layer: nodes with byte spans, line indexing and
// the diagnostic taxonomy.
package syntax

import "github.com/jward/lectern/internal/vfs"

// Parser turns file content into a Source. Parsing never fails as a whole;
// malformed input is reported through Source.Errors.
type Parser interface {
	Parse(id vfs.FileID, content []byte) *Source
}

// Source is the parse result of one file. It is immutable and may be shared
// between worlds built from the same content.
type Source struct {
	ID    vfs.FileID
	Text  string
	Hash  string
	Lines *LineIndex

	Headings []Heading
	Lets     []Let
	Imports  []Import
	Refs     []Ref
	Labels   []Label
	Raws     []Raw
	Fonts    []FontSet
	Calls    []Call
	Idents   []Ident
	Blocks   []Block

	Errors []*ParseError
}

// Fatal reports whether the source could not be parsed at all.
func (s *Source) Fatal() bool {
	for _, e := range s.Errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// Let returns the binding called name, or nil.
func (s *Source) Let(name string) *Let {
	for i := range s.Lets {
		if s.Lets[i].Name == name {
			return &s.Lets[i]
		}
	}
	return nil
}

// Heading is a section heading.
type Heading struct {
	Level int
	Text  string
	Label string
	Span  Span
}

// Let is a named binding, optionally a function with parameters. Doc holds
// the comment lines directly above it.
type Let struct {
	Name     string
	Func     bool
	Params   []string
	Doc      string
	Body     string
	Span     Span
	NameSpan Span
}

// Import is an import or include directive. Names is empty for a bare
// import and holds "*" for a wildcard.
type Import struct {
	Path     string
	Names    []string
	Include  bool
	Span     Span
	PathSpan Span
}

// Ref is a reference to a label ("@name").
type Ref struct {
	Name string
	Span Span
}

// Label attaches a name to the preceding element ("<name>").
type Label struct {
	Name string
	Span Span
}

// Raw is a fenced raw code block.
type Raw struct {
	Lang      string
	Code      string
	Span      Span
	CodeStart int
}

// FontSet is a font family selection that applies to the rest of the file.
type FontSet struct {
	Family string
	Span   Span
}

// Call is a function call. Close is -1 when the argument list is not
// closed; Commas holds the offsets of top-level argument separators.
type Call struct {
	Name     string
	NameSpan Span
	Open     int
	Close    int
	Commas   []int
}

// Ident is a bare identifier reference in code position ("#name").
type Ident struct {
	Name string
	Span Span
}

// BlockKind is the layout role of a block.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockHeading
	BlockRaw
	BlockSpace
	BlockBreak
	BlockInclude
)

// Block is one laid-out line of the file in document order. Include blocks
// refer to Imports[Import].
type Block struct {
	Kind   BlockKind
	Level  int
	Text   string
	Span   Span
	Import int
}
