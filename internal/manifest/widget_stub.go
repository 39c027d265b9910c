//go:build !legacywidget

package manifest

import "github.com/iotbzh/afmpkg-installer/internal/domain"

// LoadXML is unavailable unless built with -tags legacywidget (spec §9
// "Legacy widget support" is an explicit compile-time feature flag).
func LoadXML(data []byte) (*domain.Manifest, error) {
	return nil, domain.ErrNotSupported{Kind: "legacy widget config.xml (build without -tags legacywidget)"}
}
