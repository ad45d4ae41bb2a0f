package runtime

import (
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/php"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"
)

// fenceToLanguage maps raw-block fence tags to canonical language names.
var fenceToLanguage = map[string]string{
	"go":         "go",
	"golang":     "go",
	"ts":         "typescript",
	"typescript": "typescript",
	"js":         "javascript",
	"javascript": "javascript",
	"py":         "python",
	"python":     "python",
	"rs":         "rust",
	"rust":       "rust",
	"c":          "c",
	"h":          "c",
	"cpp":        "cpp",
	"c++":        "cpp",
	"cc":         "cpp",
	"java":       "java",
	"php":        "php",
	"rb":         "ruby",
	"ruby":       "ruby",
}

var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		langToGrammar = map[string]*sitter.Language{
			"go":         golang.GetLanguage(),
			"typescript": ts.GetLanguage(),
			"javascript": javascript.GetLanguage(),
			"python":     python.GetLanguage(),
			"rust":       rust.GetLanguage(),
			"c":          c.GetLanguage(),
			"cpp":        cpp.GetLanguage(),
			"java":       java.GetLanguage(),
			"php":        php.GetLanguage(),
			"ruby":       ruby.GetLanguage(),
		}
	})
}

// LanguageForFence returns the canonical language for a raw-block fence tag.
// Tags are matched case-insensitively.
func LanguageForFence(tag string) (string, bool) {
	lang, ok := fenceToLanguage[strings.ToLower(strings.TrimSpace(tag))]
	return lang, ok
}

// ParserForLanguage returns the tree-sitter grammar for a canonical language
// name or fence tag.
func ParserForLanguage(lang string) (*sitter.Language, bool) {
	initGrammars()
	if canonical, ok := LanguageForFence(lang); ok {
		lang = canonical
	}
	l, ok := langToGrammar[lang]
	return l, ok
}
