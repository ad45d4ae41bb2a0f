package scripts_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/lectern/internal/runtime"
	"github.com/jward/lectern/scripts"
)

type fileHost map[string]string

func (h fileHost) Read(path string) (string, error) {
	text, ok := h[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return text, nil
}

func (fileHost) Checkpoint() error { return nil }

func TestScripts_Listed(t *testing.T) {
	t.Parallel()
	names, err := runtime.New("", runtime.WithFS(scripts.FS)).Scripts()
	require.NoError(t, err)
	assert.Equal(t, []string{"duplicate_functions", "long_lines", "markers"}, names)
}

func TestMarkers(t *testing.T) {
	t.Parallel()
	rt := runtime.New("", runtime.WithFS(scripts.FS))
	host := fileHost{"main.typ": "= Intro\nTODO: expand\ntext\nFIXME and TODO\n"}

	findings, err := rt.Lint(context.Background(), "markers", host, "main.typ")
	require.NoError(t, err)
	assert.Equal(t, []runtime.Finding{
		{Line: 1, Message: "TODO marker", Severity: "info"},
		{Line: 3, Message: "FIXME marker", Severity: "warning"},
	}, findings)
}

func TestLongLines(t *testing.T) {
	t.Parallel()
	rt := runtime.New("", runtime.WithFS(scripts.FS))
	host := fileHost{"main.typ": "short\n" + strings.Repeat("x", 121) + "\n" + strings.Repeat("y", 120) + "\n"}

	findings, err := rt.Lint(context.Background(), "long_lines", host, "main.typ")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, 1, findings[0].Line)
	assert.Equal(t, "hint", findings[0].Severity)
}

func TestDuplicateFunctions(t *testing.T) {
	t.Parallel()
	rt := runtime.New("", runtime.WithFS(scripts.FS))
	doc := "= Listing\n" +
		"```go\n" +
		"package main\n\n" +
		"func run() {}\n\n" +
		"func stop() {}\n\n" +
		"func run() {}\n" +
		"```\n" +
		"```python\n" +
		"def run():\n" +
		"    pass\n" +
		"```\n" +
		"```text\n" +
		"func run() {}\n" +
		"func run() {}\n" +
		"```\n"
	host := fileHost{"main.typ": doc}

	findings, err := rt.Lint(context.Background(), "duplicate_functions", host, "main.typ")
	require.NoError(t, err)
	assert.Equal(t, []runtime.Finding{
		{Line: 1, Message: "function run defined twice in go block", Severity: "warning"},
	}, findings)
}

func TestDuplicateFunctions_UnclosedBlockIgnored(t *testing.T) {
	t.Parallel()
	rt := runtime.New("", runtime.WithFS(scripts.FS))
	host := fileHost{"main.typ": "```go\nfunc a() {}\nfunc a() {}\n"}

	findings, err := rt.Lint(context.Background(), "duplicate_functions", host, "main.typ")
	require.NoError(t, err)
	assert.Empty(t, findings)
}
