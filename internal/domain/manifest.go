package domain

// PermEntry is one canonicalised permission declaration: a name and whether
// it is required or optional. The loader collapses four distinct input
// shapes (lone string, string array, object array, map) down to a set of
// these (spec §4.3 point 4).
type PermEntry struct {
	Name     string
	Required bool
}

// Content names the source artifact of a target and its declared MIME type.
type Content struct {
	Src  string
	Type string
}

// Target is one runnable sub-unit of a manifest: a service, UI, or binding
// (spec glossary "target").
type Target struct {
	Name                string
	Content             Content
	RequiredPermissions map[string]PermEntry
	RequiredConfigs      []string
}

// Plug is a directory inside one package exported into a named importer
// package's namespace (spec glossary "plug").
type Plug struct {
	Name  string // exported relative path inside the package
	Value string // importer package id
}

// Binding is a `provided-binding` declaration: a path inside the package
// that is loaded as a shared library by other packages (spec §4.5 rule 3).
type Binding struct {
	Path string
}

// Manifest is the canonical, in-memory form every package's declaration is
// normalised into, regardless of whether it arrived as afmpkg YAML or
// legacy widget XML (spec §3 "Manifest (canonical)").
type Manifest struct {
	ID          string
	Version     string
	Name        string
	Description string

	Targets  []Target
	Plugs    []Plug
	Bindings []Binding

	// FileProperties maps a path relative to the package root to the
	// file-properties override key naming its PathType (spec §4.5 rule 4).
	FileProperties map[string]string

	RequiredPermissions map[string]PermEntry

	// Derived fields, computed once by Normalize and never re-derived
	// except to confirm idempotence.
	Ver          string // first two dotted components of Version, lowercased
	IDUnderscore string // ID with dashes replaced by underscores
	IDAVer       string // typically equal to ID
}
