package main

import (
	"context"
	"fmt"
	"os"

	"github.com/iotbzh/afmpkg-installer/internal/adapters"
	"github.com/iotbzh/afmpkg-installer/internal/sigverify"
	"github.com/spf13/cobra"
)

type verifyFlags struct {
	root     string
	envelope string
	trustDir string
	role     string
	algo     string
}

func newVerifyCommand() *cobra.Command {
	var f verifyFlags

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a package tree's digest manifest against its signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, f)
		},
	}

	pf := cmd.Flags()
	pf.StringVar(&f.root, "root", "", "package directory to check (required)")
	pf.StringVar(&f.envelope, "envelope", "", "signature envelope file (required)")
	pf.StringVar(&f.trustDir, "trust-dir", "", "directory of PEM trust-anchor certificates (required)")
	pf.StringVar(&f.role, "role", "", "expected signer role; empty accepts any")
	pf.StringVar(&f.algo, "algo", "sha256", "digest algorithm: sha224, sha256, sha384, sha512")
	_ = cmd.MarkFlagRequired("root")
	_ = cmd.MarkFlagRequired("envelope")
	_ = cmd.MarkFlagRequired("trust-dir")

	return cmd
}

func runVerify(cmd *cobra.Command, f verifyFlags) error {
	ctx := context.Background()
	fs := &adapters.OSFilesystem{}

	tree, root, err := buildTree(ctx, fs, f.root)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	algo, err := sigverify.ParseAlgo(f.algo)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	envelope, err := os.ReadFile(f.envelope)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	trust, err := adapters.LoadFileTrustStore(f.trustDir)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	domainInfo, err := sigverify.Check(ctx, envelope, tree, root, fs, f.root, trust.Anchors(), sigverify.Role(f.role), algo)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OK role=%s organization=%q\n", domainInfo.Role, domainInfo.Organization)
	return nil
}
