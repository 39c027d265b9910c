// Package units implements the Unit Emitter component: expanding a
// manifest's targets, augmented with allocated AFID/port metadata, into an
// ordered list of systemd-style unit descriptors (spec §4.6).
package units

import (
	"fmt"
	"io"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/iotbzh/afmpkg-installer/internal/domain"
)

// Descriptor mirrors spec §3's unit tuple before it crosses into
// domain.UnitDescriptor for the SetUnits collaborator call.
type Descriptor struct {
	Scope   domain.UnitScope
	Type    domain.UnitType
	Name    string
	Content string
}

// Metadata carries the per-request allocation state the emitter needs but
// does not own: the next AFID to hand out (process-wide monotonic counter,
// injected by the orchestrator rather than kept as package state) and the
// install mode (Uninstall uses synthetic afid=0/port=0, spec §4.7).
type Metadata struct {
	NextAFID func() int
	Mode     domain.InstallMode
	TransID  string
	RedpakID string
}

const httpPortBase = 29000

// execContentTypes are the MIME types the original widget installer treated
// as native executables (wgtpkg-install.c's exec_type_strings); a target
// declaring one of these runs as a system-scope service, while everything
// else (HTTP/UI content) runs user-scoped.
var execContentTypes = map[string]bool{
	"application/x-executable":   true,
	"application/vnd.agl.native": true,
}

func scopeFor(t domain.Target) domain.UnitScope {
	if execContentTypes[t.Content.Type] {
		return domain.ScopeSystem
	}
	return domain.ScopeUser
}

// Emit allocates an AFID (and derived HTTP port) per target and serializes
// a service unit, plus a matching socket unit for targets that declare an
// HTTP content type, following spec §4.6 and §4.7's uninstall special case.
func Emit(m *domain.Manifest, meta Metadata) ([]Descriptor, error) {
	if meta.NextAFID == nil {
		return nil, fmt.Errorf("units: Metadata.NextAFID is required")
	}

	var out []Descriptor
	for _, t := range m.Targets {
		afid, port := allocate(meta)

		svc, err := serviceUnit(m, t, afid, meta)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)

		if servesHTTP(t) {
			out = append(out, socketUnit(m, t, port))
		}
	}
	return out, nil
}

func allocate(meta Metadata) (afid, port int) {
	if meta.Mode == domain.ModeUninstall {
		return 0, 0
	}
	afid = meta.NextAFID()
	return afid, httpPortBase + afid
}

func servesHTTP(t domain.Target) bool {
	return t.Content.Type == "text/html" || t.Content.Type == "application/http"
}

func serviceUnit(m *domain.Manifest, t domain.Target, afid int, meta Metadata) (Descriptor, error) {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", fmt.Sprintf("%s target %s", m.ID, t.Name)),
		unit.NewUnitOption("Service", "ExecStart", execStart(t)),
		unit.NewUnitOption("Service", "Environment", fmt.Sprintf("AFMPKG_TRANSID=%s", meta.TransID)),
		unit.NewUnitOption("Service", "Environment", fmt.Sprintf("AFMPKG_REDPAKID=%s", meta.RedpakID)),
		unit.NewUnitOption("Service", "Environment", fmt.Sprintf("AFM_ID=%s", m.ID)),
		unit.NewUnitOption("Service", "Environment", fmt.Sprintf("AFM_AFID=%d", afid)),
	}

	content, err := serialize(opts)
	if err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		Scope:   scopeFor(t),
		Type:    domain.UnitService,
		Name:    unitName(m, t, "service"),
		Content: content,
	}, nil
}

func socketUnit(m *domain.Manifest, t domain.Target, port int) Descriptor {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", fmt.Sprintf("%s target %s HTTP socket", m.ID, t.Name)),
		unit.NewUnitOption("Socket", "ListenStream", fmt.Sprintf("%d", port)),
		unit.NewUnitOption("Install", "WantedBy", "sockets.target"),
	}
	content, _ := serialize(opts) // NewUnitOption never produces values Serialize can fail on
	return Descriptor{
		Scope:   scopeFor(t),
		Type:    domain.UnitSocket,
		Name:    unitName(m, t, "socket"),
		Content: content,
	}
}

func execStart(t domain.Target) string {
	return "/usr/bin/afm-exec " + t.Content.Src
}

func unitName(m *domain.Manifest, t domain.Target, kind string) string {
	return fmt.Sprintf("afm@%s-%s.%s", m.IDUnderscore, t.Name, kind)
}

func serialize(opts []*unit.UnitOption) (string, error) {
	data, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return "", fmt.Errorf("units: serialize: %w", err)
	}
	return string(data), nil
}
