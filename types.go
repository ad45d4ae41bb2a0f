package lectern

import (
	"github.com/jward/lectern/internal/analysis"
	"github.com/jward/lectern/internal/fonts"
	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/packages"
	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/scheduler"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
	"github.com/jward/lectern/internal/world"
)

// Public aliases for the internal types used by the Engine and QueryBuilder
// APIs. They are identical to the internal types, so no conversion is needed.

type FileID = vfs.FileID
type Revision = vfs.Revision
type Span = syntax.Span
type Position = syntax.Position
type Diagnostic = syntax.Diagnostic
type Source = syntax.Source
type Document = layout.Document
type Compiled = analysis.Compiled
type Hover = analysis.Hover
type Location = analysis.Location
type CompletionItem = analysis.CompletionItem
type SignatureHelp = analysis.SignatureHelp
type Symbol = analysis.Symbol
type LabelInfo = analysis.LabelInfo
type Publication = scheduler.Publication
type Trigger = scheduler.Trigger
type Config = world.Config
type FontInfo = fonts.Info
type PackageSpec = packages.Spec
type Stats = query.Stats

// Compile triggers.
const (
	OnType = scheduler.OnType
	OnSave = scheduler.OnSave
	Never  = scheduler.Never
)
