package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jward/lectern"
	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/packages"
	"github.com/jward/lectern/scripts"
)

var (
	flagRoot        string
	flagFormat      string
	flagLogLevel    string
	flagFontDirs    []string
	flagPackageDirs []string
	flagScriptsDir  string
	flagInputs      []string

	flagS3Bucket   string
	flagS3Prefix   string
	flagS3Endpoint string
	flagS3Region   string
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

var rootCmd = &cobra.Command{
	Use:           "lectern",
	Short:         "Incremental language server for typesetting markup",
	Long:          "Lectern compiles markup documents incrementally, answers editor queries over the language server protocol and streams live previews to the browser.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(flagFormat); err != nil {
			return err
		}
		return logging.Init(logging.Config{Level: flagLogLevel, Format: "console"})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagRoot, "root", "", "workspace root (default: nearest directory containing .git)")
	pf.StringVar(&flagFormat, "format", "text", "output format: json|text")
	pf.StringVar(&flagLogLevel, "log-level", "warn", "log level: debug|info|warn|error")
	pf.StringSliceVar(&flagFontDirs, "font-dir", nil, "directory to search for fonts (repeatable)")
	pf.StringSliceVar(&flagPackageDirs, "package-dir", nil, "local package directory laid out as namespace/name/version (repeatable)")
	pf.StringVar(&flagScriptsDir, "scripts-dir", "", "directory of Risor lint scripts (default: built-in scripts)")
	pf.StringArrayVar(&flagInputs, "input", nil, "document input as key=value (repeatable)")
	pf.StringVar(&flagS3Bucket, "package-bucket", "", "S3 bucket mirroring packages")
	pf.StringVar(&flagS3Prefix, "package-prefix", "", "key prefix inside the package bucket")
	pf.StringVar(&flagS3Endpoint, "package-endpoint", "", "S3-compatible endpoint URL")
	pf.StringVar(&flagS3Region, "package-region", "us-east-1", "region of the package bucket")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fontsCmd)
	rootCmd.AddCommand(packagesCmd)
}

// openEngine builds and loads an engine from the persistent flags.
func openEngine(ctx context.Context, extra ...lectern.Option) (*lectern.Engine, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	inputs, err := parseInputs(flagInputs)
	if err != nil {
		return nil, err
	}

	var opts []lectern.Option
	if len(flagFontDirs) > 0 {
		opts = append(opts, lectern.WithFontDirs(flagFontDirs...))
	}
	if len(flagPackageDirs) > 0 {
		opts = append(opts, lectern.WithPackageDirs(flagPackageDirs...))
	}
	if flagS3Bucket != "" {
		p, err := packages.NewS3Provider(ctx, packages.S3Config{
			Endpoint: flagS3Endpoint,
			Bucket:   flagS3Bucket,
			Prefix:   flagS3Prefix,
			Region:   flagS3Region,
		})
		if err != nil {
			return nil, fmt.Errorf("package bucket: %w", err)
		}
		opts = append(opts, lectern.WithPackageProvider(p))
	}
	// Script source: --scripts-dir overrides the built-in lint scripts.
	if flagScriptsDir != "" {
		opts = append(opts, lectern.WithScriptsDir(flagScriptsDir))
	} else {
		opts = append(opts, lectern.WithScriptsFS(scripts.FS))
	}
	if len(inputs) > 0 {
		opts = append(opts, lectern.WithConfig(lectern.Config{Inputs: inputs}))
	}
	opts = append(opts, extra...)

	engine, err := lectern.New(root, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	if err := engine.Load(ctx); err != nil {
		engine.Close()
		return nil, fmt.Errorf("loading workspace: %w", err)
	}
	return engine, nil
}

// resolveRoot returns the absolute workspace root from --root or the
// current directory.
func resolveRoot() (string, error) {
	if flagRoot != "" {
		abs, err := filepath.Abs(flagRoot)
		if err != nil {
			return "", fmt.Errorf("resolving path %q: %w", flagRoot, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("directory not found: %s", abs)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("not a directory: %s", abs)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}
	return findWorkspaceRoot(cwd), nil
}

// findWorkspaceRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findWorkspaceRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// workspacePath converts a file argument to a slash path relative to root.
func workspacePath(root, file string) (string, error) {
	abs := file
	if !filepath.IsAbs(file) {
		var err error
		if abs, err = filepath.Abs(file); err != nil {
			return "", fmt.Errorf("resolving file path %q: %w", file, err)
		}
		// Arguments that do not exist relative to the cwd are taken as
		// workspace paths.
		if _, err := os.Stat(abs); err != nil {
			abs = filepath.Join(root, file)
		}
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the workspace %s", file, root)
	}
	return filepath.ToSlash(rel), nil
}

// parseInputs parses key=value pairs.
func parseInputs(pairs []string) (map[string]string, error) {
	inputs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q: want key=value", p)
		}
		inputs[k] = v
	}
	return inputs, nil
}
