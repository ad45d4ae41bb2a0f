package store

// Font is one face known to a font provider. Key is the provider-local
// identifier passed back to LoadFont.
type Font struct {
	ID       int64
	Provider string
	Key      string
	Family   string
	Style    string
	Weight   int
	Path     string
}

// Package is one package version available from a provider.
type Package struct {
	ID        int64
	Namespace string
	Name      string
	Version   string
	Source    string
	Path      string
	Entry     string
}
