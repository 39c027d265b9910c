//go:build legacywidget

package manifest

import (
	"encoding/xml"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
)

// widgetConfig mirrors the subset of the W3C widget config.xml schema this
// installer understands: enough to translate into the same canonical
// rawManifest the YAML path validates, so the rest of the pipeline never
// branches on package kind.
type widgetConfig struct {
	XMLName xml.Name      `xml:"widget"`
	ID      string        `xml:"id,attr"`
	Version string        `xml:"version,attr"`
	Name    string        `xml:"name"`
	Description string    `xml:"description"`
	Content struct {
		Src  string `xml:"src,attr"`
		Type string `xml:"type,attr"`
	} `xml:"content"`
	Feature []widgetFeature `xml:"feature"`
}

type widgetFeature struct {
	Name   string       `xml:"name,attr"`
	Param  []widgetParam `xml:"param"`
	Required string     `xml:"required,attr"`
}

type widgetParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// LoadXML parses a legacy config.xml widget manifest and returns the same
// canonical Manifest shape LoadYAML produces (spec §4.3, §9 "Legacy widget
// support").
func LoadXML(data []byte) (*domain.Manifest, error) {
	var w widgetConfig
	if err := xml.Unmarshal(data, &w); err != nil {
		return nil, domain.BadInput{Field: "config.xml", Reason: "invalid XML: " + err.Error()}
	}

	raw := &rawManifest{
		RPManifest: "1",
		ID:         w.ID,
		Version:    w.Version,
		Name:       w.Name,
		Description: w.Description,
		Targets: []rawTarget{{
			TargetHash: "main",
			Content: rawContent{
				Src:  w.Content.Src,
				Type: w.Content.Type,
			},
		}},
	}

	perms := map[string]any{}
	for _, f := range w.Feature {
		if f.Name == "" {
			continue
		}
		value := "required"
		if f.Required == "false" {
			value = "optional"
		}
		perms[f.Name] = value
	}
	raw.ReqPerms = perms

	return validate(raw)
}
