package domain

// PathType is the closed classification every node in a package's file
// tree carries once the classifier has run (spec §3, §4.5, §6).
type PathType int

const (
	// Unset means "not yet classified". Never observed after Classify returns.
	Unset PathType = iota
	Unknown
	Conf
	Data
	Exec
	Http
	Icon
	Id
	Lib
	Plug
	Public
	PublicExec
	PublicLib
	// Default labels content that belongs to no detected package root.
	Default
)

var pathTypeNames = map[PathType]string{
	Unset:      "Unset",
	Unknown:    "Unknown",
	Conf:       "Conf",
	Data:       "Data",
	Exec:       "Exec",
	Http:       "Http",
	Icon:       "Icon",
	Id:         "Id",
	Lib:        "Lib",
	Plug:       "Plug",
	Public:     "Public",
	PublicExec: "PublicExec",
	PublicLib:  "PublicLib",
	Default:    "Default",
}

// String renders the PathType's name, matching the table in spec §6.
func (t PathType) String() string {
	if name, ok := pathTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// DirectoryKeywordType maps the predefined directory-name keywords of the
// classifier's default pass (spec §4.5 rule 6) to the PathType a directory
// of that name implies for its descendants.
var DirectoryKeywordType = map[string]PathType{
	"etc":    Conf,
	"bin":    Exec,
	"lib":    Lib,
	"public": Public,
	"htdocs": Http,
	"icons":  Icon,
	"plugs":  Plug,
}

// IsPublicish reports whether t is one of the four types that trigger the
// classifier's public-propagation pass (spec §4.5 rule 7).
func (t PathType) IsPublicish() bool {
	switch t {
	case Plug, Public, PublicExec, PublicLib:
		return true
	default:
		return false
	}
}

// IsExecutable reports whether t requires the DAC pass to chmod 0755.
func (t PathType) IsExecutable() bool {
	return t == Exec || t == PublicExec
}

// FileProperty is the name used in a manifest's file-properties map to
// assign an explicit PathType override (spec §4.5 rule 4, §6).
type FileProperty string

var filePropertyTypes = map[FileProperty]PathType{
	"id":          Id,
	"lib":         Lib,
	"conf":        Conf,
	"exec":        Exec,
	"icon":        Icon,
	"data":        Data,
	"http":        Http,
	"public":      Public,
	"public-exec": PublicExec,
	"public-lib":  PublicLib,
	"plug":        Plug,
}

// ResolveFileProperty maps the key of a file-properties entry to its
// PathType, reporting false for unrecognised keys.
func ResolveFileProperty(key string) (PathType, bool) {
	t, ok := filePropertyTypes[FileProperty(key)]
	return t, ok
}
