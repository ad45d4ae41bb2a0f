package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// formatChecksText prints diagnostics as "file:line:col: severity[kind]: message"
// followed by a one-line summary per entry.
func formatChecksText(w io.Writer, checks []CLICheck) {
	for _, c := range checks {
		for _, d := range c.Diagnostics {
			fmt.Fprintf(w, "%s:%d:%d: %s[%s]: %s\n", d.File, d.StartLine, d.StartCol, d.Severity, d.Kind, d.Message)
		}
		fmt.Fprintf(w, "%s: %d pages, %d diagnostics\n", c.Entry, c.Pages, len(c.Diagnostics))
	}
}

// formatFontsText formats CLIFont results as aligned columns.
func formatFontsText(w io.Writer, fonts []CLIFont) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tSTYLE\tWEIGHT\tPROVIDER\tPATH")
	for _, f := range fonts {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", f.Family, f.Style, f.Weight, f.Provider, f.Path)
	}
	tw.Flush()
}

// formatPackagesText prints one package spec per line.
func formatPackagesText(w io.Writer, pkgs []CLIPackage) {
	for _, p := range pkgs {
		fmt.Fprintln(w, p.Spec)
	}
}

// outputResultText dispatches to the appropriate text formatter based on the
// result type.
func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case []CLICheck:
		formatChecksText(w, v)
	case []CLIFont:
		formatFontsText(w, v)
	case []CLIPackage:
		formatPackagesText(w, v)
	case nil:
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

// outputResult writes a CLIResult to the command's output in the selected
// format.
func outputResult(cmd *cobra.Command, result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(cmd.OutOrStdout(), result)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(cmd *cobra.Command, command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
