package main

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results"`
	Error   string `json:"error,omitempty"`
}

// CLICheck is the outcome of compiling one entry file.
type CLICheck struct {
	Entry       string          `json:"entry"`
	Pages       int             `json:"pages"`
	Diagnostics []CLIDiagnostic `json:"diagnostics"`
}

// CLIDiagnostic is a JSON-friendly diagnostic with 0-based positions.
type CLIDiagnostic struct {
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	StartCol  int    `json:"start_col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
	Severity  string `json:"severity"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// CLIFont is a JSON-friendly font face.
type CLIFont struct {
	Family   string `json:"family"`
	Style    string `json:"style,omitempty"`
	Weight   int    `json:"weight"`
	Provider string `json:"provider"`
	Path     string `json:"path,omitempty"`
}

// CLIPackage is a JSON-friendly package version.
type CLIPackage struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Spec      string `json:"spec"`
}
