// Package scripts holds the lint scripts shipped with lectern. They run
// when no scripts directory is configured.
package scripts

import "embed"

// FS contains the built-in lint scripts.
//
//go:embed *.risor
var FS embed.FS
