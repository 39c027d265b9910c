// Package manifest loads a package's declaration — afmpkg YAML by default,
// legacy W3C widget XML behind the legacywidget build tag — into the
// canonical domain.Manifest shape every downstream component consumes,
// validating the invariants spec §4.3 requires before any field is trusted.
package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"gopkg.in/yaml.v3"
)

var idCharset = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// rawManifest mirrors the YAML shape before validation; permission and
// target fields are left as `any` so canonicalizePerms can fold the four
// accepted input shapes before the typed decode.
type rawManifest struct {
	RPManifest string    `yaml:"rp-manifest"`
	ID         string    `yaml:"id"`
	Version    string    `yaml:"version"`
	Name       string    `yaml:"name"`
	Description string   `yaml:"description"`
	Targets    []rawTarget `yaml:"targets"`
	Plugs      []rawPlug   `yaml:"plugs"`
	Bindings   []rawBinding `yaml:"provided-binding"`
	FileProps  map[string]string `yaml:"file-properties"`
	ReqPerms   any       `yaml:"required-permissions"`
}

type rawTarget struct {
	Target      string  `yaml:"target"`
	TargetHash  string  `yaml:"#target"`
	Content     rawContent `yaml:"content"`
	ReqPerms    any     `yaml:"required-permissions"`
	ReqConfigs  []string `yaml:"required-configs"`
}

type rawContent struct {
	Src  string `yaml:"src"`
	Type string `yaml:"type"`
}

type rawPlug struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type rawBinding struct {
	Path string `yaml:"path"`
}

// LoadYAML parses afmpkg manifest YAML data and returns a validated,
// normalized canonical Manifest (spec §4.3).
func LoadYAML(data []byte) (*domain.Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, domain.BadInput{Field: "manifest", Reason: "invalid YAML: " + err.Error()}
	}
	return validate(&raw)
}

func validate(raw *rawManifest) (*domain.Manifest, error) {
	if raw.RPManifest != "1" {
		return nil, domain.BadInput{Field: "rp-manifest", Reason: `must equal "1"`}
	}
	if raw.ID == "" || !idCharset.MatchString(raw.ID) {
		return nil, domain.BadInput{Field: "id", Reason: "must be nonempty and match [A-Za-z0-9._-]+"}
	}
	if raw.Version == "" || !idCharset.MatchString(raw.Version) {
		return nil, domain.BadInput{Field: "version", Reason: "must be nonempty and match [A-Za-z0-9._-]+"}
	}

	topPerms, err := canonicalizePerms(raw.ReqPerms)
	if err != nil {
		return nil, domain.BadInput{Field: "required-permissions", Reason: err.Error()}
	}

	targets := make([]domain.Target, 0, len(raw.Targets))
	for i, rt := range raw.Targets {
		name := rt.TargetHash
		if name == "" {
			name = rt.Target
		}
		if name == "" {
			return nil, domain.BadInput{Field: fmt.Sprintf("targets[%d]", i), Reason: "missing target/#target"}
		}
		perms, err := canonicalizePerms(rt.ReqPerms)
		if err != nil {
			return nil, domain.BadInput{Field: fmt.Sprintf("targets[%d].required-permissions", i), Reason: err.Error()}
		}
		targets = append(targets, domain.Target{
			Name: name,
			Content: domain.Content{
				Src:  rt.Content.Src,
				Type: rt.Content.Type,
			},
			RequiredPermissions: perms,
			RequiredConfigs:     rt.ReqConfigs,
		})
	}

	plugs := make([]domain.Plug, 0, len(raw.Plugs))
	for _, rp := range raw.Plugs {
		plugs = append(plugs, domain.Plug{Name: rp.Name, Value: rp.Value})
	}

	bindings := make([]domain.Binding, 0, len(raw.Bindings))
	for _, rb := range raw.Bindings {
		bindings = append(bindings, domain.Binding{Path: rb.Path})
	}

	m := &domain.Manifest{
		ID:                  raw.ID,
		Version:             raw.Version,
		Name:                raw.Name,
		Description:         raw.Description,
		Targets:             targets,
		Plugs:               plugs,
		Bindings:            bindings,
		FileProperties:      raw.FileProps,
		RequiredPermissions: topPerms,
	}
	Normalize(m)
	return m, nil
}

// canonicalizePerms folds the four permission-declaration shapes spec §4.3
// rule 4 accepts — a lone string, a string array, an array of {name,value}
// objects, or a {name: value-or-object} map — into one canonical
// map[string]domain.PermEntry. Any other shape is rejected.
func canonicalizePerms(raw any) (map[string]domain.PermEntry, error) {
	out := map[string]domain.PermEntry{}
	if raw == nil {
		return out, nil
	}

	add := func(name string, required bool) {
		out[name] = domain.PermEntry{Name: name, Required: required}
	}

	switch v := raw.(type) {
	case string:
		add(v, true)

	case []any:
		for _, item := range v {
			switch e := item.(type) {
			case string:
				add(e, true)
			case map[string]any:
				name, required, err := permObject(e)
				if err != nil {
					return nil, err
				}
				add(name, required)
			default:
				return nil, fmt.Errorf("unrecognised permission array element shape: %T", item)
			}
		}

	case map[string]any:
		for name, val := range v {
			switch e := val.(type) {
			case string:
				add(name, e != "optional")
			case map[string]any:
				_, required, err := permObject(e)
				if err != nil {
					return nil, err
				}
				add(name, required)
			default:
				return nil, fmt.Errorf("unrecognised permission map value shape for %q: %T", name, val)
			}
		}

	default:
		return nil, fmt.Errorf("unrecognised permission declaration shape: %T", raw)
	}

	return out, nil
}

func permObject(obj map[string]any) (name string, required bool, err error) {
	n, ok := obj["name"].(string)
	if !ok || n == "" {
		return "", false, fmt.Errorf("permission object missing name")
	}
	required = true
	if val, ok := obj["value"].(string); ok {
		required = val != "optional"
	}
	return n, required, nil
}

// Normalize computes Ver, IDUnderscore, and IDAVer from ID and Version.
// It is idempotent: calling it again on an already-normalized Manifest
// produces byte-identical derived fields (spec §4.3).
func Normalize(m *domain.Manifest) {
	m.IDUnderscore = strings.ReplaceAll(m.ID, "-", "_")
	m.IDAVer = m.ID
	m.Ver = firstTwoComponents(m.Version)
}

func firstTwoComponents(version string) string {
	parts := strings.SplitN(strings.ToLower(version), ".", 3)
	if len(parts) <= 2 {
		return strings.ToLower(version)
	}
	return parts[0] + "." + parts[1]
}
