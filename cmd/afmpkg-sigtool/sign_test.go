package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTestCA(t *testing.T, dir string) (keyPath, certPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "sigtool-test", Organization: []string{"afmpkg-test"}},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyPath = filepath.Join(dir, "key.pem")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0600))

	certPath = filepath.Join(dir, "cert.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0644))

	return keyPath, certPath
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	pkgDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(pkgDir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "bin", "run"), []byte("binary"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "config.xml"), []byte("<widget/>"), 0644))

	certDir := t.TempDir()
	keyPath, certPath := writeTestCA(t, certDir)

	envelopePath := filepath.Join(pkgDir, ".rpconfig", "author-signature.sig")

	signCmd := NewRootCommand("dev", "none", "unknown")
	signCmd.SetArgs([]string{"sign", "--root", pkgDir, "--key", keyPath, "--cert", certPath, "--role", "author", "--out", envelopePath})
	var signOut bytes.Buffer
	signCmd.SetOut(&signOut)
	require.NoError(t, signCmd.Execute())
	require.FileExists(t, envelopePath)

	verifyCmd := NewRootCommand("dev", "none", "unknown")
	verifyCmd.SetArgs([]string{"verify", "--root", pkgDir, "--envelope", envelopePath, "--trust-dir", certDir, "--role", "author"})
	var verifyOut bytes.Buffer
	verifyCmd.SetOut(&verifyOut)
	require.NoError(t, verifyCmd.Execute())
	require.Contains(t, verifyOut.String(), "organization=\"afmpkg-test\"")
}

func TestVerifyFailsWithUntrustedAnchor(t *testing.T) {
	pkgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "file.txt"), []byte("data"), 0644))

	signerDir := t.TempDir()
	keyPath, certPath := writeTestCA(t, signerDir)

	envelopePath := filepath.Join(pkgDir, ".rpconfig", "author-signature.sig")
	signCmd := NewRootCommand("dev", "none", "unknown")
	signCmd.SetArgs([]string{"sign", "--root", pkgDir, "--key", keyPath, "--cert", certPath, "--out", envelopePath})
	require.NoError(t, signCmd.Execute())

	otherTrustDir := t.TempDir()
	writeTestCA(t, otherTrustDir)

	verifyCmd := NewRootCommand("dev", "none", "unknown")
	verifyCmd.SetArgs([]string{"verify", "--root", pkgDir, "--envelope", envelopePath, "--trust-dir", otherTrustDir})
	require.Error(t, verifyCmd.Execute())
}
