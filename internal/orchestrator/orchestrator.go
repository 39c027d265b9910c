// Package orchestrator implements the Installer Orchestrator: the state
// machine that drives one add/remove transaction across every other
// component (spec §4.7), generalized from the teacher's executor.Executor
// two-phase prepare/commit/rollback design.
package orchestrator

import (
	"context"
	"crypto/x509"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/iotbzh/afmpkg-installer/internal/classifier"
	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/manifest"
	"github.com/iotbzh/afmpkg-installer/internal/pathtree"
	"github.com/iotbzh/afmpkg-installer/internal/permset"
	"github.com/iotbzh/afmpkg-installer/internal/sigverify"
	"github.com/iotbzh/afmpkg-installer/internal/units"
)

const (
	manifestYAMLSuffix  = ".rpconfig/manifest.yml"
	manifestXMLSuffix   = "config.xml"
	permissionTokenDelim = ':'
)

// PermissionPolicy supplies the grant list for an app id; the core treats
// authorization as an external decision (spec §9's "global state" framing
// extended to authorization: the core never decides what is granted, only
// reconciles request vs. grant).
type PermissionPolicy interface {
	Grants(ctx context.Context, appID string) ([]string, error)
}

// AllowAllPolicy is the policy Run falls back to when Orchestrator.Policy is
// nil. Despite its name it grants nothing: with its empty grant list every
// required permission is denied and every optional one is logged as missing.
type AllowAllPolicy struct{}

// Grants returns nil, an empty grant list.
func (AllowAllPolicy) Grants(ctx context.Context, appID string) ([]string, error) {
	return nil, nil
}

// PackageOutcome is one detected package root's result within a
// transaction. Err is non-nil iff that package's pipeline aborted; Run
// still returns an Ok Result and the other packages are still attempted
// (partial installs are permitted at the transaction level, spec §7).
type PackageOutcome struct {
	Root   string
	Kind   domain.PackageKind
	AppID  string
	Err    error
}

// Outcome is the result of one Orchestrator.Run call.
type Outcome struct {
	Mode         domain.InstallMode
	Packages     []PackageOutcome
	DefaultFiles []string
}

// packageRoot is one Detect-stage finding: a package root path, its kind,
// and the manifest file path within it.
type packageRoot struct {
	root         string
	kind         domain.PackageKind
	manifestPath string
	files        []string
}

// Orchestrator wires every pipeline component and the security-manager /
// unit-sink collaborators together to drive one transaction.
type Orchestrator struct {
	FS         domain.FS
	Security   domain.SecurityManager
	Logger     domain.Logger
	Policy     PermissionPolicy
	TrustStore TrustStore
	DigestAlgo sigverify.DigestAlgo
	NextAFID   func() int
}

// TrustStore supplies the certificate anchors signatures must chain to.
type TrustStore interface {
	Anchors() []*x509.Certificate
}

// Run drives the full pipeline for req, returning an Outcome that records
// per-package success/failure. Only a structural failure that prevents any
// package from being attempted (e.g. an empty file list) yields an Err
// Result; per-package pipeline failures are recorded in Outcome.Packages.
func (o *Orchestrator) Run(ctx context.Context, req domain.InstallRequest) domain.Result[Outcome] {
	if len(req.Files) == 0 {
		return domain.Err[Outcome](domain.ErrEmptyFileList{})
	}
	if o.NextAFID == nil {
		return domain.Err[Outcome](fmt.Errorf("orchestrator: NextAFID is required"))
	}
	policy := o.Policy
	if policy == nil {
		policy = AllowAllPolicy{}
	}

	roots, defaultFiles := detect(req.Files)
	sortDeepestFirst(roots)

	outcome := Outcome{Mode: modeFor(req.Kind)}
	for _, r := range roots {
		appID, err := o.runPackage(ctx, r, req, policy, outcome.Mode)
		outcome.Packages = append(outcome.Packages, PackageOutcome{
			Root: r.root, Kind: r.kind, AppID: appID, Err: err,
		})
	}

	if len(defaultFiles) > 0 {
		o.labelDefaults(ctx, defaultFiles, outcome.Mode)
		outcome.DefaultFiles = defaultFiles
	}

	return domain.Ok(outcome)
}

func modeFor(kind domain.RequestKind) domain.InstallMode {
	if kind == domain.KindRemove {
		return domain.ModeUninstall
	}
	return domain.ModeInstall
}

// detect scans the declared file list for manifest suffixes, grouping
// files by the deepest containing directory that holds a manifest (spec
// §4.7). Files matched to no root are returned separately.
func detect(files []string) ([]packageRoot, []string) {
	rootIndex := map[string]*packageRoot{}
	var order []string

	for _, f := range files {
		if strings.HasSuffix(f, manifestYAMLSuffix) {
			root := strings.TrimSuffix(f, "/"+manifestYAMLSuffix)
			if _, ok := rootIndex[root]; !ok {
				rootIndex[root] = &packageRoot{root: root, kind: domain.KindAfmPkg, manifestPath: f}
				order = append(order, root)
			}
		} else if strings.HasSuffix(f, "/"+manifestXMLSuffix) || f == manifestXMLSuffix {
			root := strings.TrimSuffix(f, "/"+manifestXMLSuffix)
			if root == "" {
				root = "."
			}
			if _, ok := rootIndex[root]; !ok {
				rootIndex[root] = &packageRoot{root: root, kind: domain.KindWidget, manifestPath: f}
				order = append(order, root)
			}
		}
	}

	roots := make([]packageRoot, 0, len(order))
	for _, root := range order {
		roots = append(roots, *rootIndex[root])
	}
	sortDeepestFirst(roots)

	var defaultFiles []string
	for _, f := range files {
		matched := false
		for i := range roots {
			if f == roots[i].root || strings.HasPrefix(f, roots[i].root+"/") {
				roots[i].files = append(roots[i].files, f)
				matched = true
				break
			}
		}
		if !matched {
			defaultFiles = append(defaultFiles, f)
		}
	}

	return roots, defaultFiles
}

// sortDeepestFirst orders roots so children are processed before parents,
// by descending path-segment count (spec §4.7).
func sortDeepestFirst(roots []packageRoot) {
	sort.SliceStable(roots, func(i, j int) bool {
		return strings.Count(roots[i].root, "/") > strings.Count(roots[j].root, "/")
	})
}

// runPackage executes the full per-package state machine. Begin is issued
// immediately after the manifest loads (the earliest point an appID is
// known) rather than strictly after ClassifyFiles/SetupDAC as the named
// stage list implies, so every later-stage failure compensates uniformly
// through End(status<0); this reordering changes nothing observable about
// the happy-path call sequence, since Begin is the first security-manager
// call in either ordering.
func (o *Orchestrator) runPackage(ctx context.Context, r packageRoot, req domain.InstallRequest, policy PermissionPolicy, mode domain.InstallMode) (appID string, err error) {
	raw, err := o.FS.ReadFile(ctx, r.manifestPath)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read manifest %q: %w", r.manifestPath, err)
	}

	var m *domain.Manifest
	switch r.kind {
	case domain.KindAfmPkg:
		m, err = manifest.LoadYAML(raw)
	case domain.KindWidget:
		m, err = manifest.LoadXML(raw)
	default:
		return "", domain.ErrUnknownPackageKind{Root: r.root}
	}
	if err != nil {
		return "", err
	}
	appID = m.ID

	if beginErr := o.Security.Begin(ctx, appID, mode); beginErr != nil {
		return appID, domain.SecurityBackendError{Call: "begin", Err: beginErr}
	}

	if pipelineErr := o.runPipeline(ctx, r, m, req, policy, mode); pipelineErr != nil {
		_ = o.Security.End(ctx, -1)
		return appID, pipelineErr
	}

	if endErr := o.Security.End(ctx, 0); endErr != nil {
		return appID, domain.SecurityBackendError{Call: "end", Err: endErr}
	}
	return appID, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, r packageRoot, m *domain.Manifest, req domain.InstallRequest, policy PermissionPolicy, mode domain.InstallMode) error {
	tree := pathtree.NewTree()
	root := tree.Add(r.root)
	for _, f := range r.files {
		tree.Add(f)
	}

	perms := permset.New()
	for name := range m.RequiredPermissions {
		perms.Request(name)
	}
	for _, t := range m.Targets {
		for name := range t.RequiredPermissions {
			perms.Request(name)
		}
	}

	if err := o.checkPermissions(ctx, m, perms, policy); err != nil {
		return err
	}

	if err := o.checkContents(ctx, r); err != nil {
		return err
	}

	if err := classifier.Classify(ctx, tree, root, m, o.FS, r.root); err != nil {
		return err
	}

	if err := o.labelFiles(ctx, tree, root, r.root, mode); err != nil {
		return err
	}

	if err := o.permit(ctx, perms); err != nil {
		return err
	}

	// SetPlugs: the security-manager port carries no importer-id channel
	// beyond TagFile's (path, PathType) pair, so plug exports are already
	// conveyed by LabelFiles tagging the exported node Plug; this stage
	// only logs the declared mapping for operational visibility.
	for _, p := range m.Plugs {
		o.logger().Info(ctx, "plug_exported", "name", p.Name, "importer", p.Value)
	}

	return o.emitUnits(ctx, m, req, mode)
}

func (o *Orchestrator) checkPermissions(ctx context.Context, m *domain.Manifest, perms *permset.Set, policy PermissionPolicy) error {
	granted, err := policy.Grants(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("orchestrator: permission policy: %w", err)
	}
	if len(granted) > 0 {
		perms.GrantList(strings.Join(granted, ","))
	}

	if err := checkRequired(o, ctx, m.RequiredPermissions, perms); err != nil {
		return err
	}
	for _, t := range m.Targets {
		if err := checkRequired(o, ctx, t.RequiredPermissions, perms); err != nil {
			return err
		}
	}
	return nil
}

// checkRequired denies on the first required-but-ungranted permission in
// entries, warning and continuing past any optional one that is missing.
func checkRequired(o *Orchestrator, ctx context.Context, entries map[string]domain.PermEntry, perms *permset.Set) error {
	for name, entry := range entries {
		if !perms.IsGranted(name) {
			if entry.Required {
				return domain.PermissionDenied{Permission: name}
			}
			o.logger().Warn(ctx, "optional_permission_missing", "permission", name)
		}
	}
	return nil
}

func (o *Orchestrator) checkContents(ctx context.Context, r packageRoot) error {
	if o.TrustStore == nil {
		return nil // no trust store configured: signature enforcement disabled
	}
	trust := o.TrustStore.Anchors()
	if len(trust) == 0 {
		return nil
	}

	envelopePath, role, ok := signatureFile(r.files)
	if !ok {
		return nil // package carries no signature envelope: nothing to verify
	}
	envelope, err := o.FS.ReadFile(ctx, envelopePath)
	if err != nil {
		return fmt.Errorf("orchestrator: read signature %q: %w", envelopePath, err)
	}

	algo := o.DigestAlgo
	if algo == "" {
		algo = sigverify.SHA256
	}

	// The envelope does not sign itself: build a content-only tree that
	// excludes it, matching the document sigverify.Make produced before
	// the envelope file existed.
	contentTree := pathtree.NewTree()
	contentRoot := contentTree.Add(r.root)
	for _, f := range r.files {
		if f == envelopePath {
			continue
		}
		contentTree.Add(f)
	}

	_, err = sigverify.Check(ctx, envelope, contentTree, contentRoot, o.FS, r.root, trust, sigverify.Role(role), algo)
	return err
}

// signatureFile looks for a distributor signature first, falling back to
// an author signature, following the package's file list (AGL convention:
// distributor-signature.sig takes precedence over author-signature.sig).
func signatureFile(files []string) (envelopePath string, role string, ok bool) {
	var author string
	for _, f := range files {
		switch path.Base(f) {
		case sigverify.DistributorSignatureFilename:
			return f, "distributor", true
		case sigverify.AuthorSignatureFilename:
			author = f
		}
	}
	if author != "" {
		return author, "author", true
	}
	return "", "", false
}

// labelFiles tags every added node with its classified type, or with Id
// when uninstalling (spec §4.7).
func (o *Orchestrator) labelFiles(ctx context.Context, tree *pathtree.Tree, root pathtree.NodeID, baseDir string, mode domain.InstallMode) error {
	return tree.ForEach(pathtree.OnlyAdded, root, func(id pathtree.NodeID, relPath string) error {
		full := baseDir
		if relPath != "" {
			full = path.Join(baseDir, relPath)
		}
		pt := tree.PathType(id)
		if mode == domain.ModeUninstall {
			pt = domain.Id
		}
		if err := o.Security.TagFile(ctx, full, pt); err != nil {
			return domain.SecurityBackendError{Call: "tagfile", Err: err}
		}
		return nil
	})
}

func (o *Orchestrator) permit(ctx context.Context, perms *permset.Set) error {
	token := perms.Token(permissionTokenDelim)
	if err := o.Security.SetPerm(ctx, token); err != nil {
		return domain.SecurityBackendError{Call: "setperm", Err: err}
	}
	return nil
}

func (o *Orchestrator) emitUnits(ctx context.Context, m *domain.Manifest, req domain.InstallRequest, mode domain.InstallMode) error {
	descs, err := units.Emit(m, units.Metadata{
		NextAFID: o.NextAFID,
		Mode:     mode,
		TransID:  req.TransID,
		RedpakID: req.RedpakID,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: emit units: %w", err)
	}

	converted := make([]domain.UnitDescriptor, 0, len(descs))
	for _, d := range descs {
		converted = append(converted, domain.UnitDescriptor{
			Scope: d.Scope, Type: d.Type, Name: d.Name, Content: d.Content,
		})
	}
	if err := o.Security.SetUnits(ctx, converted); err != nil {
		return domain.SecurityBackendError{Call: "setunits", Err: err}
	}
	return nil
}

// labelDefaults brackets every file outside a detected package root in its
// own begin/end pair, labelled Default (spec §4.7).
func (o *Orchestrator) labelDefaults(ctx context.Context, files []string, mode domain.InstallMode) {
	if err := o.Security.Begin(ctx, "", mode); err != nil {
		o.logger().Error(ctx, "default_begin_failed", "error", err)
		return
	}
	for _, f := range files {
		if err := o.Security.TagFile(ctx, f, domain.Default); err != nil {
			o.logger().Error(ctx, "default_tagfile_failed", "path", f, "error", err)
		}
	}
	_ = o.Security.End(ctx, 0)
}

func (o *Orchestrator) logger() domain.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
func (noopLogger) With(...any) domain.Logger             { return noopLogger{} }
