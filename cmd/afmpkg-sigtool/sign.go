package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iotbzh/afmpkg-installer/internal/adapters"
	"github.com/iotbzh/afmpkg-installer/internal/sigverify"
	"github.com/spf13/cobra"
)

type signFlags struct {
	root    string
	key     string
	cert    string
	role    string
	algo    string
	outFile string
}

func newSignCommand() *cobra.Command {
	var f signFlags

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a package tree's digest manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, f)
		},
	}

	pf := cmd.Flags()
	pf.StringVar(&f.root, "root", "", "package directory to sign (required)")
	pf.StringVar(&f.key, "key", "", "PEM-encoded PKCS#1 RSA private key (required)")
	pf.StringVar(&f.cert, "cert", "", "PEM-encoded certificate chain, leaf first (required)")
	pf.StringVar(&f.role, "role", "author", "signer role: author or distributor")
	pf.StringVar(&f.algo, "algo", "sha256", "digest algorithm: sha224, sha256, sha384, sha512")
	pf.StringVar(&f.outFile, "out", "", "output envelope path (default: <root>/.rpconfig/<role>-signature.sig)")
	_ = cmd.MarkFlagRequired("root")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("cert")

	return cmd
}

func runSign(cmd *cobra.Command, f signFlags) error {
	ctx := context.Background()
	fs := &adapters.OSFilesystem{}

	tree, root, err := buildTree(ctx, fs, f.root)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	algo, err := sigverify.ParseAlgo(f.algo)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	key, err := loadRSAKey(f.key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	chain, err := loadCertChain(f.cert)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	envelope, err := sigverify.Make(ctx, tree, root, fs, f.root, sigverify.Role(f.role), algo, key, chain)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	out := f.outFile
	if out == "" {
		out = filepath.Join(f.root, ".rpconfig", f.role+"-signature.sig")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := os.WriteFile(out, envelope, 0644); err != nil {
		return fmt.Errorf("sign: write %s: %w", out, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
	return nil
}

func loadRSAKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s does not hold a signing key", path)
	}
	return signer, nil
}

func loadCertChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return chain, nil
}
