// Package markup is the reference compiler for the Typst-like markup subset
// the server understands: headings, let bindings, imports and includes,
// font settings, labels and references, function calls and raw fences.
package markup

import (
	"strings"
	"unicode/utf8"

	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

// Parser implements syntax.Parser.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser { return &Parser{} }

// Parse parses content. Invalid UTF-8 yields a single fatal error and no
// nodes.
func (*Parser) Parse(id vfs.FileID, content []byte) *syntax.Source {
	text := string(content)
	src := &syntax.Source{
		ID:    id,
		Text:  text,
		Hash:  vfs.HashContent(content),
		Lines: syntax.NewLineIndex(text),
	}
	if !utf8.Valid(content) {
		off := 0
		for off < len(content) {
			r, size := utf8.DecodeRune(content[off:])
			if r == utf8.RuneError && size <= 1 {
				break
			}
			off += size
		}
		src.Errors = append(src.Errors, &syntax.ParseError{
			File:    id,
			Span:    syntax.Span{Start: off, End: off + 1},
			Message: "file is not valid utf-8",
			Fatal:   true,
		})
		return src
	}

	p := &parser{src: src, text: text}
	p.run()
	return src
}

type parser struct {
	src  *syntax.Source
	text string
	pos  int

	brackets []int  // offsets of open content blocks
	doc      []string
}

func (p *parser) errorf(start, end int, msg string) {
	p.src.Errors = append(p.src.Errors, &syntax.ParseError{
		File:    p.src.ID,
		Span:    syntax.Span{Start: start, End: end},
		Message: msg,
	})
}

func (p *parser) run() {
	for p.pos < len(p.text) {
		p.line()
	}
	for _, off := range p.brackets {
		p.errorf(off, off+1, "unclosed delimiter")
	}
}

// lineEnd returns the offset of the newline ending the line at start, or the
// end of text.
func (p *parser) lineEnd(start int) int {
	if i := strings.IndexByte(p.text[start:], '\n'); i >= 0 {
		return start + i
	}
	return len(p.text)
}

func next(end, n int) int {
	if end < n {
		return end + 1
	}
	return n
}

func (p *parser) line() {
	start := p.pos
	end := p.lineEnd(start)
	line := p.text[start:end]
	trimmed := strings.TrimSpace(line)
	indent := strings.Index(line, trimmed)
	if trimmed == "" {
		indent = 0
	}
	body := start + indent
	p.pos = next(end, len(p.text))

	inBlock := len(p.brackets) > 0
	switch {
	case trimmed == "":
		p.doc = nil
		p.block(syntax.BlockSpace, 0, "", start, end)
	case strings.HasPrefix(trimmed, "```") && !inBlock:
		p.doc = nil
		p.raw(body, end, strings.TrimSpace(trimmed[3:]))
	case strings.HasPrefix(trimmed, "//"):
		p.doc = append(p.doc, strings.TrimSpace(strings.TrimPrefix(trimmed, "//")))
	case strings.HasPrefix(trimmed, "=") && !inBlock && headingLevel(trimmed) > 0:
		p.doc = nil
		p.heading(body, end, headingLevel(trimmed))
	case strings.HasPrefix(trimmed, "#let ") || trimmed == "#let":
		p.let(body, end)
		p.doc = nil
	case strings.HasPrefix(trimmed, "#import"):
		p.doc = nil
		p.importDirective(body, end, len("#import"), false)
	case strings.HasPrefix(trimmed, "#include"):
		p.doc = nil
		p.importDirective(body, end, len("#include"), true)
	case strings.HasPrefix(trimmed, "#set "):
		p.doc = nil
		p.set(body, end)
	case trimmed == "#pagebreak()":
		p.doc = nil
		p.inline(body, end)
		p.block(syntax.BlockBreak, 0, "", body, end)
	default:
		p.doc = nil
		p.inline(body, end)
		p.block(syntax.BlockText, 0, strings.TrimRight(line[indent:], " \t\r"), body, end)
	}
}

func (p *parser) block(kind syntax.BlockKind, level int, text string, start, end int) {
	p.src.Blocks = append(p.src.Blocks, syntax.Block{
		Kind:  kind,
		Level: level,
		Text:  text,
		Span:  syntax.Span{Start: start, End: end},
	})
}

func headingLevel(s string) int {
	n := 0
	for n < len(s) && s[n] == '=' {
		n++
	}
	if n < len(s) && s[n] != ' ' {
		return 0
	}
	return n
}

func (p *parser) heading(start, end, level int) {
	p.inline(start+level, end)
	text := strings.TrimSpace(p.text[start+level : end])
	label := ""
	if strings.HasSuffix(text, ">") {
		if i := strings.LastIndexByte(text, '<'); i >= 0 && isIdent(text[i+1:len(text)-1]) {
			label = text[i+1 : len(text)-1]
			text = strings.TrimSpace(text[:i])
		}
	}
	p.src.Headings = append(p.src.Headings, syntax.Heading{
		Level: level,
		Text:  text,
		Label: label,
		Span:  syntax.Span{Start: start, End: end},
	})
	p.block(syntax.BlockHeading, level, text, start, end)
}

// raw consumes a fenced block starting at the fence line.
func (p *parser) raw(start, fenceEnd int, lang string) {
	codeStart := next(fenceEnd, len(p.text))
	off := codeStart
	for off < len(p.text) {
		end := p.lineEnd(off)
		if strings.TrimSpace(p.text[off:end]) == "```" {
			code := p.text[codeStart:off]
			p.rawLines(codeStart, off)
			p.src.Raws = append(p.src.Raws, syntax.Raw{
				Lang:      lang,
				Code:      code,
				Span:      syntax.Span{Start: start, End: end},
				CodeStart: codeStart,
			})
			p.pos = next(end, len(p.text))
			return
		}
		off = next(end, len(p.text))
	}
	p.errorf(start, fenceEnd, "unterminated raw block")
	p.rawLines(codeStart, len(p.text))
	p.src.Raws = append(p.src.Raws, syntax.Raw{
		Lang:      lang,
		Code:      p.text[codeStart:],
		Span:      syntax.Span{Start: start, End: len(p.text)},
		CodeStart: codeStart,
	})
	p.pos = len(p.text)
}

func (p *parser) rawLines(start, end int) {
	for off := start; off < end; {
		e := p.lineEnd(off)
		if e > end {
			e = end
		}
		p.block(syntax.BlockRaw, 0, p.text[off:e], off, e)
		off = e + 1
	}
}

func (p *parser) let(start, end int) {
	i := skipSpace(p.text, start+len("#let"), end)
	nameStart := i
	i = scanIdent(p.text, i, end)
	if i == nameStart {
		p.errorf(nameStart, nameStart+1, "expected identifier")
		return
	}
	let := syntax.Let{
		Name:     p.text[nameStart:i],
		NameSpan: syntax.Span{Start: nameStart, End: i},
		Doc:      strings.Join(p.doc, "\n"),
	}

	if i < end && p.text[i] == '(' {
		close := strings.IndexByte(p.text[i:end], ')')
		if close < 0 {
			p.errorf(i, i+1, "unclosed delimiter")
			return
		}
		let.Func = true
		for _, param := range strings.Split(p.text[i+1:i+close], ",") {
			if param = strings.TrimSpace(param); param != "" {
				let.Params = append(let.Params, param)
			}
		}
		i += close + 1
	}

	i = skipSpace(p.text, i, end)
	if i >= end || p.text[i] != '=' {
		p.errorf(i, i+1, "expected '='")
		return
	}
	bodyStart := skipSpace(p.text, i+1, end)
	bodyEnd := end
	if bodyStart < end && p.text[bodyStart] == '[' {
		if m := matchBracket(p.text, bodyStart); m >= 0 {
			bodyEnd = p.lineEnd(m)
			p.pos = next(bodyEnd, len(p.text))
		}
	}
	p.inline(bodyStart, bodyEnd)
	let.Body = strings.TrimSpace(p.text[bodyStart:bodyEnd])
	let.Span = syntax.Span{Start: start, End: bodyEnd}
	p.src.Lets = append(p.src.Lets, let)
}

func (p *parser) importDirective(start, end, kw int, include bool) {
	i := skipSpace(p.text, start+kw, end)
	if i >= end || p.text[i] != '"' {
		p.errorf(i, i+1, "expected string")
		return
	}
	close := strings.IndexByte(p.text[i+1:end], '"')
	if close < 0 {
		p.errorf(i, i+1, "unclosed string")
		return
	}
	imp := syntax.Import{
		Path:     p.text[i+1 : i+1+close],
		Include:  include,
		PathSpan: syntax.Span{Start: i + 1, End: i + 1 + close},
		Span:     syntax.Span{Start: start, End: end},
	}
	rest := strings.TrimSpace(p.text[i+2+close : end])
	if !include && strings.HasPrefix(rest, ":") {
		for _, n := range strings.Split(rest[1:], ",") {
			n = strings.TrimSpace(n)
			if n == "*" || isIdent(n) {
				imp.Names = append(imp.Names, n)
			} else if n != "" {
				p.errorf(imp.Span.Start, imp.Span.End, "invalid import name "+n)
			}
		}
	}
	p.src.Imports = append(p.src.Imports, imp)
	if include {
		p.src.Blocks = append(p.src.Blocks, syntax.Block{
			Kind:   syntax.BlockInclude,
			Span:   imp.Span,
			Import: len(p.src.Imports) - 1,
		})
	}
}

func (p *parser) set(start, end int) {
	nameStart := skipSpace(p.text, start+len("#set"), end)
	open := scanIdent(p.text, nameStart, end)
	if open == nameStart || open >= end || p.text[open] != '(' {
		p.errorf(start, end, "expected set rule")
		return
	}
	callsBefore := len(p.src.Calls)
	p.call(nameStart, open, end)
	call := p.src.Calls[callsBefore]
	if call.Name != "text" || call.Close < 0 {
		return
	}
	args := p.text[call.Open+1 : call.Close]
	k := strings.Index(args, "font:")
	if k < 0 {
		return
	}
	j := skipSpace(args, k+len("font:"), len(args))
	if j >= len(args) || args[j] != '"' {
		return
	}
	closeQuote := strings.IndexByte(args[j+1:], '"')
	if closeQuote < 0 {
		return
	}
	base := call.Open + 1 + j + 1
	p.src.Fonts = append(p.src.Fonts, syntax.FontSet{
		Family: args[j+1 : j+1+closeQuote],
		Span:   syntax.Span{Start: base, End: base + closeQuote},
	})
}

// inline scans markup between start and end for content blocks, labels,
// references and code expressions.
func (p *parser) inline(start, end int) {
	t := p.text
	for i := start; i < end; i++ {
		switch c := t[i]; c {
		case '\\':
			i++
		case '`':
			if j := strings.IndexByte(t[i+1:end], '`'); j >= 0 {
				i += j + 1
			}
		case '[':
			p.brackets = append(p.brackets, i)
		case ']':
			if len(p.brackets) == 0 {
				p.errorf(i, i+1, "unexpected closing bracket")
				continue
			}
			p.brackets = p.brackets[:len(p.brackets)-1]
		case '<':
			j := scanIdent(t, i+1, end)
			if j > i+1 && j < end && t[j] == '>' {
				p.src.Labels = append(p.src.Labels, syntax.Label{Name: t[i+1 : j], Span: syntax.Span{Start: i, End: j + 1}})
				i = j
			}
		case '@':
			if i > 0 && isIdentByte(t[i-1]) {
				continue
			}
			j := scanIdent(t, i+1, end)
			if j > i+1 {
				p.src.Refs = append(p.src.Refs, syntax.Ref{Name: t[i+1 : j], Span: syntax.Span{Start: i, End: j}})
				i = j - 1
			}
		case '#':
			j := scanIdent(t, i+1, end)
			if j == i+1 {
				continue
			}
			if j < end && t[j] == '(' {
				i = p.call(i+1, j, end) - 1
				continue
			}
			p.src.Idents = append(p.src.Idents, syntax.Ident{Name: t[i+1 : j], Span: syntax.Span{Start: i + 1, End: j}})
			i = j - 1
		}
	}
}

// call parses an argument list opening at open and returns the offset after
// it. Argument lists end at the line end.
func (p *parser) call(nameStart, open, end int) int {
	c := syntax.Call{
		Name:     p.text[nameStart:open],
		NameSpan: syntax.Span{Start: nameStart, End: open},
		Open:     open,
		Close:    -1,
	}
	depth := 0
	i := open
	for ; i < end; i++ {
		switch p.text[i] {
		case '"':
			j := strings.IndexByte(p.text[i+1:end], '"')
			if j < 0 {
				p.errorf(i, i+1, "unclosed string")
				p.src.Calls = append(p.src.Calls, c)
				return end
			}
			i += j + 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				c.Close = i
				p.src.Calls = append(p.src.Calls, c)
				return i + 1
			}
		case ',':
			if depth == 1 {
				c.Commas = append(c.Commas, i)
			}
		}
	}
	p.errorf(open, open+1, "unclosed delimiter")
	p.src.Calls = append(p.src.Calls, c)
	return end
}

// matchBracket returns the offset of the bracket closing the one at open,
// or -1.
func matchBracket(t string, open int) int {
	depth := 0
	for i := open; i < len(t); i++ {
		switch t[i] {
		case '\\':
			i++
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func skipSpace(t string, i, end int) int {
	for i < end && (t[i] == ' ' || t[i] == '\t') {
		i++
	}
	return i
}

func scanIdent(t string, i, end int) int {
	for i < end && isIdentByte(t[i]) {
		i++
	}
	return i
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '-' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isIdent(s string) bool {
	return s != "" && scanIdent(s, 0, len(s)) == len(s)
}
