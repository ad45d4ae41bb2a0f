// Package packages is the package boundary: specs of the form
// "@namespace/name:version", providers that fetch package contents, and a
// Registry that caches fetches and catalogs what is available.
package packages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jward/lectern/internal/logging"
)

var (
	// ErrNotFound is returned when no provider has the requested package.
	ErrNotFound = errors.New("packages: package not found")

	// ErrInvalidSpec is returned for malformed package specs.
	ErrInvalidSpec = errors.New("packages: invalid package spec")
)

// DefaultEntry is the entry file used when a manifest names none.
const DefaultEntry = "lib.typ"

// Spec identifies one package version.
type Spec struct {
	Namespace string
	Name      string
	Version   string
}

// ParseSpec parses "@namespace/name:version".
func ParseSpec(s string) (Spec, error) {
	rest, ok := strings.CutPrefix(s, "@")
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q must start with @", ErrInvalidSpec, s)
	}
	ns, rest, ok := strings.Cut(rest, "/")
	if !ok || ns == "" {
		return Spec{}, fmt.Errorf("%w: %q is missing a namespace", ErrInvalidSpec, s)
	}
	name, version, ok := strings.Cut(rest, ":")
	if !ok || name == "" {
		return Spec{}, fmt.Errorf("%w: %q is missing a version", ErrInvalidSpec, s)
	}
	if !ValidVersion(version) {
		return Spec{}, fmt.Errorf("%w: %q has an invalid version", ErrInvalidSpec, s)
	}
	return Spec{Namespace: ns, Name: name, Version: version}, nil
}

// ValidVersion reports whether v is a major.minor.patch version.
func ValidVersion(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 32); err != nil {
			return false
		}
	}
	return true
}

func (s Spec) String() string {
	return "@" + s.Namespace + "/" + s.Name + ":" + s.Version
}

// Package is the fetched content of one package version. Files are keyed by
// slash paths relative to the package root.
type Package struct {
	Spec   Spec
	Entry  string
	Source string
	Path   string
	Files  map[string][]byte
}

// Provider fetches packages. Fetch returns an error wrapping ErrNotFound when
// the provider does not have the package.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, spec Spec) (*Package, error)
}

// Lister is implemented by providers that can enumerate a namespace.
type Lister interface {
	List(ctx context.Context, namespace string) ([]Spec, error)
}

// manifest is the subset of typst.toml the registry reads.
type manifest struct {
	Package struct {
		Name       string `toml:"name"`
		Version    string `toml:"version"`
		Entrypoint string `toml:"entrypoint"`
	} `toml:"package"`
}

// manifestEntry reads the entrypoint from a typst.toml manifest. A malformed
// manifest or one without an entrypoint yields DefaultEntry.
func manifestEntry(data []byte) string {
	var m manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		logging.Named("packages").Warn("malformed package manifest", logging.Err(err))
		return DefaultEntry
	}
	if m.Package.Entrypoint == "" {
		return DefaultEntry
	}
	return m.Package.Entrypoint
}
