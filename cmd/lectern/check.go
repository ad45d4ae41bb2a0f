package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jward/lectern"
	"github.com/jward/lectern/internal/syntax"
)

var checkCmd = &cobra.Command{
	Use:   "check [file...]",
	Short: "Compile documents and report diagnostics",
	Long:  "Compiles each entry file (default main.typ) against the workspace and prints its diagnostics, including lint script findings. Exits non-zero when any error is reported. Line and column numbers are 0-based.",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, err := openEngine(ctx)
	if err != nil {
		return outputError(cmd, "check", err)
	}
	defer engine.Close()

	if len(args) == 0 {
		args = []string{"main.typ"}
	}
	var checks []CLICheck
	errCount := 0
	q := engine.Query(ctx)
	for _, arg := range args {
		path, err := workspacePath(engine.Root(), arg)
		if err != nil {
			return outputError(cmd, "check", err)
		}
		compiled, err := q.Compile(path)
		if err != nil {
			return outputError(cmd, "check", fmt.Errorf("compiling %s: %w", path, err))
		}
		check := CLICheck{Entry: path, Diagnostics: []CLIDiagnostic{}}
		if compiled.Document != nil {
			check.Pages = len(compiled.Document.Pages)
		}
		local, err := q.Diagnostics(path)
		if err != nil {
			return outputError(cmd, "check", fmt.Errorf("checking %s: %w", path, err))
		}
		failed := false
		seen := make(map[lectern.Diagnostic]bool)
		all := append(append([]lectern.Diagnostic(nil), compiled.Diagnostics...), local...)
		for _, d := range all {
			if seen[d] {
				continue
			}
			seen[d] = true
			failed = failed || d.Severity == syntax.SeverityError
			check.Diagnostics = append(check.Diagnostics, diagnosticToCLI(q, d))
		}
		if failed {
			errCount++
		}
		checks = append(checks, check)
	}

	if err := outputResult(cmd, CLIResult{Command: "check", Results: checks}); err != nil {
		return err
	}
	if errCount > 0 {
		errorHandled = true
		return fmt.Errorf("%d of %d documents failed to compile", errCount, len(args))
	}
	return nil
}

// diagnosticToCLI converts a diagnostic to line/column form. Diagnostics in
// files that cannot be read keep zero positions.
func diagnosticToCLI(q *lectern.QueryBuilder, d lectern.Diagnostic) CLIDiagnostic {
	out := CLIDiagnostic{
		File:     d.File.String(),
		Severity: d.Severity.String(),
		Kind:     string(d.Kind),
		Message:  d.Message,
	}
	if src, err := q.SourceOf(d.File); err == nil {
		r := src.Lines.Range(d.Span)
		out.StartLine, out.StartCol = r.Start.Line, r.Start.Column
		out.EndLine, out.EndCol = r.End.Line, r.End.Column
	}
	return out
}
