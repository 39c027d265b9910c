// Package sigverify implements the Signature Verifier component: producing
// and checking the PKCS#7-signed digest manifest that accompanies an
// afmpkg's file tree (spec §4.4, §3 "Signed Digest Manifest").
package sigverify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/pathtree"
	"go.mozilla.org/pkcs7"
)

// Role is the signer's declared capacity, carried in the envelope's header
// line so Check can cross-check it against the caller's expectation.
type Role string

const (
	RoleAuthor     Role = "author"
	RoleDistributor Role = "distributor"
)

// Signature envelope filenames. The AGL convention prefers a distributor
// signature over an author signature when a package carries both; neither
// file is itself a member of the tree it signs (spec §4.4's "the envelope
// does not sign itself" invariant).
const (
	AuthorSignatureFilename      = "author-signature.sig"
	DistributorSignatureFilename = "distributor-signature.sig"
)

// IsSignatureFilename reports whether name (a file base name) is one of
// the recognised signature envelope filenames.
func IsSignatureFilename(name string) bool {
	return name == AuthorSignatureFilename || name == DistributorSignatureFilename
}

// DigestAlgo selects the hash function used for per-file digests.
type DigestAlgo string

const (
	SHA224 DigestAlgo = "sha224"
	SHA256 DigestAlgo = "sha256"
	SHA384 DigestAlgo = "sha384"
	SHA512 DigestAlgo = "sha512"
)

var cryptoHash = map[DigestAlgo]crypto.Hash{
	SHA224: crypto.SHA224,
	SHA256: crypto.SHA256,
	SHA384: crypto.SHA384,
	SHA512: crypto.SHA512,
}

var pkcs7DigestOID = map[DigestAlgo][]int{
	SHA224: {2, 16, 840, 1, 101, 3, 4, 2, 4},
	SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// AllowedDomain is the permission domain a trusted signer's certificate
// attributes grant; spec §4.4's "on success yields an allowed-domain spec
// derived from certificate attributes". The certificate's Subject
// organization conveys this for the reference implementation's trust
// model.
type AllowedDomain struct {
	Role         Role
	Organization string
}

// fileRef is one line of the canonical file-list + digest document: a
// relative path and its hex digest.
type fileRef struct {
	path   string
	digest string
}

func canonicalFileList(tree *pathtree.Tree, root pathtree.NodeID) []pathtree.NodeID {
	var nodes []pathtree.NodeID
	_ = tree.ForEach(pathtree.OnlyAdded|pathtree.Silent, root, func(id pathtree.NodeID, _ string) error {
		nodes = append(nodes, id)
		return nil
	})
	return nodes
}

// buildDocument renders the canonical file-list + per-file digest document
// the PKCS#7 envelope signs: one "path digest" line per tree entry,
// ascending by path, byte-wise (spec §4.4).
func buildDocument(ctx context.Context, tree *pathtree.Tree, root pathtree.NodeID, fs domain.FS, baseDir string, algo DigestAlgo) ([]byte, error) {
	h, ok := cryptoHash[algo]
	if !ok {
		return nil, fmt.Errorf("sigverify: unsupported digest algorithm %q", algo)
	}

	nodes := canonicalFileList(tree, root)
	refs := make([]fileRef, 0, len(nodes))
	for _, id := range nodes {
		path := tree.Path(id, root)
		data, err := fs.ReadFile(ctx, filepath.Join(baseDir, path))
		if err != nil {
			return nil, fmt.Errorf("sigverify: read %q: %w", path, err)
		}
		sum := h.New()
		sum.Write(data)
		refs = append(refs, fileRef{path: path, digest: fmt.Sprintf("%x", sum.Sum(nil))})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].path < refs[j].path })

	var b bytes.Buffer
	for _, r := range refs {
		b.WriteString(r.path)
		b.WriteByte(' ')
		b.WriteString(r.digest)
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

func parseDocument(doc []byte) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(string(doc), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

// Make signs the canonical file-list + digest document of tree with key and
// chain (leaf certificate first), embedding role and algo so Check can
// cross-validate them (spec §4.4).
func Make(ctx context.Context, tree *pathtree.Tree, root pathtree.NodeID, fs domain.FS, baseDir string, role Role, algo DigestAlgo, key crypto.Signer, chain []*x509.Certificate) ([]byte, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("sigverify: empty certificate chain")
	}
	document, err := buildDocument(ctx, tree, root, fs, baseDir, algo)
	if err != nil {
		return nil, err
	}

	sd, err := pkcs7.NewSignedData(document)
	if err != nil {
		return nil, fmt.Errorf("sigverify: new signed data: %w", err)
	}
	if oid, ok := pkcs7DigestOID[algo]; ok {
		sd.SetDigestAlgorithm(oid)
	}

	var parents []*x509.Certificate
	if len(chain) > 1 {
		parents = chain[1:]
	}
	signerConfig := pkcs7.SignerInfoConfig{}
	if err := sd.AddSignerChain(chain[0], anyKey(key), parents, signerConfig); err != nil {
		return nil, fmt.Errorf("sigverify: add signer: %w", err)
	}

	p7Bytes, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("sigverify: finish: %w", err)
	}

	return encodeEnvelope(role, p7Bytes), nil
}

// anyKey narrows crypto.Signer to the concrete type pkcs7.AddSignerChain
// expects (an *rsa.PrivateKey in the common case on this platform).
func anyKey(key crypto.Signer) crypto.PrivateKey {
	if rk, ok := key.(*rsa.PrivateKey); ok {
		return rk
	}
	return key
}

const roleHeaderPrefix = "AFMPKG-ROLE:"

// encodeEnvelope prefixes the PKCS#7 bytes with a role header line so Check
// can read the declared role without parsing into the signed content (the
// document itself has no room for metadata beyond file digests).
func encodeEnvelope(role Role, p7Bytes []byte) []byte {
	var b bytes.Buffer
	b.WriteString(roleHeaderPrefix)
	b.WriteString(string(role))
	b.WriteByte('\n')
	b.Write(p7Bytes)
	return b.Bytes()
}

func decodeEnvelope(envelope []byte) (Role, []byte, error) {
	idx := bytes.IndexByte(envelope, '\n')
	if idx < 0 || !bytes.HasPrefix(envelope, []byte(roleHeaderPrefix)) {
		return "", nil, domain.BadSignature{Reason: "missing role header"}
	}
	role := Role(strings.TrimPrefix(string(envelope[:idx]), roleHeaderPrefix))
	return role, envelope[idx+1:], nil
}

// Check verifies envelope against tree: every embedded file reference must
// resolve to a tree path with a matching digest, every tree path must be
// referenced, and the signing certificate must chain to one of trust
// (spec §4.4's two-sided invariant). expectedRole, if nonempty, must match
// the envelope's declared role.
func Check(ctx context.Context, envelope []byte, tree *pathtree.Tree, root pathtree.NodeID, fs domain.FS, baseDir string, trust []*x509.Certificate, expectedRole Role, algo DigestAlgo) (AllowedDomain, error) {
	role, p7Bytes, err := decodeEnvelope(envelope)
	if err != nil {
		return AllowedDomain{}, err
	}
	if expectedRole != "" && role != expectedRole {
		return AllowedDomain{}, domain.BadSignature{Reason: fmt.Sprintf("role mismatch: envelope declares %q, expected %q", role, expectedRole)}
	}

	p7, err := pkcs7.Parse(p7Bytes)
	if err != nil {
		return AllowedDomain{}, domain.BadSignature{Reason: "PKCS#7 parse failure", Err: err}
	}

	if err := p7.Verify(); err != nil {
		return AllowedDomain{}, domain.BadSignature{Reason: "signature verification failed", Err: err}
	}

	if len(p7.Certificates) == 0 {
		return AllowedDomain{}, domain.BadSignature{Reason: "no signer certificate embedded"}
	}
	signer := p7.Certificates[0]

	pool := x509.NewCertPool()
	for _, anchor := range trust {
		pool.AddCert(anchor)
	}
	chains, err := signer.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	if err != nil || len(chains) == 0 {
		return AllowedDomain{}, domain.BadSignature{Reason: "signer certificate does not chain to a trust anchor", Err: err}
	}

	references := parseDocument(p7.Content)
	if err := crossCheck(references, tree, root); err != nil {
		return AllowedDomain{}, err
	}
	if _, err := recomputeAndCompare(ctx, references, fs, baseDir, algo); err != nil {
		return AllowedDomain{}, err
	}

	return AllowedDomain{Role: role, Organization: firstOrEmpty(signer.Subject.Organization)}, nil
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// rejectURI enforces spec §4.4: any reference whose URI has a scheme,
// authority, query, or a leading "/" is refused outright.
func rejectURI(ref string) error {
	if strings.Contains(ref, "://") {
		return domain.BadSignature{Reason: fmt.Sprintf("reference %q has a scheme", ref)}
	}
	if strings.Contains(ref, "?") {
		return domain.BadSignature{Reason: fmt.Sprintf("reference %q has a query", ref)}
	}
	if strings.HasPrefix(ref, "/") {
		return domain.BadSignature{Reason: fmt.Sprintf("reference %q has a leading slash", ref)}
	}
	if strings.HasPrefix(ref, "//") {
		return domain.BadSignature{Reason: fmt.Sprintf("reference %q has an authority", ref)}
	}
	return nil
}

func crossCheck(references map[string]string, tree *pathtree.Tree, root pathtree.NodeID) error {
	for ref := range references {
		if err := rejectURI(ref); err != nil {
			return err
		}
	}

	treePaths := map[string]bool{}
	for _, id := range canonicalFileList(tree, root) {
		treePaths[tree.Path(id, root)] = true
	}

	for ref := range references {
		if !treePaths[ref] {
			return domain.BadSignature{Reason: fmt.Sprintf("reference %q does not resolve to a tree file", ref)}
		}
	}
	for path := range treePaths {
		if _, ok := references[path]; !ok {
			return domain.BadSignature{Reason: fmt.Sprintf("tree file %q is unreferenced", path)}
		}
	}
	return nil
}

func recomputeAndCompare(ctx context.Context, references map[string]string, fs domain.FS, baseDir string, algo DigestAlgo) (int, error) {
	h, ok := cryptoHash[algo]
	if !ok {
		return 0, fmt.Errorf("sigverify: unsupported digest algorithm %q", algo)
	}
	checked := 0
	for path, wantDigest := range references {
		data, err := fs.ReadFile(ctx, filepath.Join(baseDir, path))
		if err != nil {
			return checked, domain.BadSignature{Reason: fmt.Sprintf("cannot read %q for digest recomputation", path), Err: err}
		}
		sum := h.New()
		sum.Write(data)
		got := fmt.Sprintf("%x", sum.Sum(nil))
		if got != wantDigest {
			return checked, domain.BadSignature{Reason: fmt.Sprintf("digest mismatch for %q: want %s got %s", path, wantDigest, got)}
		}
		checked++
	}
	return checked, nil
}

// ParseAlgo maps a configuration string to a DigestAlgo, defaulting to
// SHA256 for an empty input (spec §4.4).
func ParseAlgo(s string) (DigestAlgo, error) {
	switch DigestAlgo(strings.ToLower(s)) {
	case "":
		return SHA256, nil
	case SHA224, SHA256, SHA384, SHA512:
		return DigestAlgo(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("sigverify: unknown digest algorithm %q", s)
	}
}
