package sigverify_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotbzh/afmpkg-installer/internal/adapters"
	"github.com/iotbzh/afmpkg-installer/internal/pathtree"
	"github.com/iotbzh/afmpkg-installer/internal/sigverify"
	"github.com/stretchr/testify/require"
)

func selfSignedCA(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"afmpkg-test"}, CommonName: "afmpkg-test-root"},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func buildTree(t *testing.T, fs *adapters.MemFS, files map[string]string) (*pathtree.Tree, pathtree.NodeID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fs.MkdirAll(ctx, "/pkg", 0755))
	tree := pathtree.NewTree()
	root := tree.Add("/pkg")
	for name, content := range files {
		full := "/pkg/" + name
		require.NoError(t, fs.MkdirAll(ctx, filepath.Dir(full), 0755))
		require.NoError(t, fs.WriteFile(ctx, full, []byte(content), 0644))
		tree.Add(full)
	}
	return tree, root
}

func TestMakeAndCheckRoundTrip(t *testing.T) {
	cert, key := selfSignedCA(t)
	fs := adapters.NewMemFS()
	tree, root := buildTree(t, fs, map[string]string{
		"bin/app": "binary contents",
		"etc/app.conf": "key=value",
	})

	envelope, err := sigverify.Make(context.Background(), tree, root, fs, "/pkg", sigverify.RoleAuthor, sigverify.SHA256, key, []*x509.Certificate{cert})
	require.NoError(t, err)

	domainResult, err := sigverify.Check(context.Background(), envelope, tree, root, fs, "/pkg", []*x509.Certificate{cert}, sigverify.RoleAuthor, sigverify.SHA256)
	require.NoError(t, err)
	require.Equal(t, sigverify.RoleAuthor, domainResult.Role)
}

func TestCheckFailsOnUntrustedAnchor(t *testing.T) {
	cert, key := selfSignedCA(t)
	otherCert, _ := selfSignedCA(t)
	fs := adapters.NewMemFS()
	tree, root := buildTree(t, fs, map[string]string{"bin/app": "x"})

	envelope, err := sigverify.Make(context.Background(), tree, root, fs, "/pkg", sigverify.RoleAuthor, sigverify.SHA256, key, []*x509.Certificate{cert})
	require.NoError(t, err)

	_, err = sigverify.Check(context.Background(), envelope, tree, root, fs, "/pkg", []*x509.Certificate{otherCert}, sigverify.RoleAuthor, sigverify.SHA256)
	require.Error(t, err)
}

func TestCheckFailsOnUnreferencedFile(t *testing.T) {
	cert, key := selfSignedCA(t)
	fs := adapters.NewMemFS()
	tree, root := buildTree(t, fs, map[string]string{"bin/app": "x"})

	envelope, err := sigverify.Make(context.Background(), tree, root, fs, "/pkg", sigverify.RoleAuthor, sigverify.SHA256, key, []*x509.Certificate{cert})
	require.NoError(t, err)

	// Add a file to the tree after signing: now unreferenced by the envelope.
	require.NoError(t, fs.WriteFile(context.Background(), "/pkg/extra", []byte("y"), 0644))
	tree.Add("/pkg/extra")

	_, err = sigverify.Check(context.Background(), envelope, tree, root, fs, "/pkg", []*x509.Certificate{cert}, sigverify.RoleAuthor, sigverify.SHA256)
	require.Error(t, err)
}

func TestCheckFailsOnRoleMismatch(t *testing.T) {
	cert, key := selfSignedCA(t)
	fs := adapters.NewMemFS()
	tree, root := buildTree(t, fs, map[string]string{"bin/app": "x"})

	envelope, err := sigverify.Make(context.Background(), tree, root, fs, "/pkg", sigverify.RoleDistributor, sigverify.SHA256, key, []*x509.Certificate{cert})
	require.NoError(t, err)

	_, err = sigverify.Check(context.Background(), envelope, tree, root, fs, "/pkg", []*x509.Certificate{cert}, sigverify.RoleAuthor, sigverify.SHA256)
	require.Error(t, err)
}

func TestParseAlgoDefaultsToSHA256(t *testing.T) {
	algo, err := sigverify.ParseAlgo("")
	require.NoError(t, err)
	require.Equal(t, sigverify.SHA256, algo)

	_, err = sigverify.ParseAlgo("md5")
	require.Error(t, err)
}
