package syntax

import (
	"fmt"

	"github.com/jward/lectern/internal/vfs"
)

// Severity of a diagnostic. Values match the editor protocol.
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
	SeverityInfo
	SeverityHint
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	default:
		return "hint"
	}
}

// Kind classifies where a diagnostic came from.
type Kind string

const (
	KindParse      Kind = "parse"
	KindResolution Kind = "resolution"
	KindFont       Kind = "font"
	KindIO         Kind = "io"
	KindInternal   Kind = "internal"
	KindRaw        Kind = "raw"
	KindScript     Kind = "script"
)

// Diagnostic is one reported problem located in a file.
type Diagnostic struct {
	File     vfs.FileID
	Span     Span
	Severity Severity
	Kind     Kind
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d-%d: %s[%s]: %s", d.File, d.Span.Start, d.Span.End, d.Severity, d.Kind, d.Message)
}

// ParseError describes malformed source. A fatal error means the text could
// not be tokenized at all and the Source carries no nodes.
type ParseError struct {
	File    vfs.FileID
	Span    Span
	Message string
	Fatal   bool
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Span.Start, e.Message)
}

// Diagnostic converts the error into a reportable diagnostic.
func (e *ParseError) Diagnostic() Diagnostic {
	return Diagnostic{
		File:     e.File,
		Span:     e.Span,
		Severity: SeverityError,
		Kind:     KindParse,
		Message:  e.Message,
	}
}
