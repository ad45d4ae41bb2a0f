package runtime

import (
	"context"
	"errors"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// ErrUnsupportedLanguage is returned for fence tags without a grammar.
var ErrUnsupportedLanguage = errors.New("runtime: unsupported language")

// maxCodeErrors caps the problems reported for one block.
const maxCodeErrors = 8

// CodeError is a syntax problem in embedded code. Offsets are byte offsets
// into the code.
type CodeError struct {
	Start   int
	End     int
	Message string
}

func parseTree(ctx context.Context, src []byte, tag string) (*sitter.Tree, *sitter.Language, error) {
	lang, ok := ParserForLanguage(tag)
	if !ok {
		return nil, nil, fmt.Errorf("%w %q", ErrUnsupportedLanguage, tag)
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	return tree, lang, nil
}

// CheckCode parses code with the grammar for tag and returns its syntax
// errors in source order.
func CheckCode(ctx context.Context, tag string, code []byte) ([]CodeError, error) {
	tree, _, err := parseTree(ctx, code, tag)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	lang, _ := LanguageForFence(tag)
	if lang == "" {
		lang = tag
	}
	var errs []CodeError
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if len(errs) >= maxCodeErrors {
			return
		}
		switch {
		case n.IsMissing():
			errs = append(errs, CodeError{
				Start:   int(n.StartByte()),
				End:     int(n.EndByte()),
				Message: fmt.Sprintf("missing %q in %s code", n.Type(), lang),
			})
			return
		case n.Type() == "ERROR":
			errs = append(errs, CodeError{
				Start:   int(n.StartByte()),
				End:     int(n.EndByte()),
				Message: fmt.Sprintf("syntax error in %s code", lang),
			})
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(tree.RootNode())
	return errs, nil
}
