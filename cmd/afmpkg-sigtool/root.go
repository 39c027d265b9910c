package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCommand builds afmpkg-sigtool's cobra command tree.
func NewRootCommand(version, commit, date string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "afmpkg-sigtool",
		Short: "Sign and verify an afmpkg file tree's digest manifest",
		Long: `afmpkg-sigtool builds the canonical file-list + digest document for
an afmpkg package tree, signs it with a PKCS#7 detached signature, and
can check a signature the same way afmpkgd does at install time.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n\n", err)
		_ = cmd.Usage()
		return err
	})

	rootCmd.AddCommand(newSignCommand())
	rootCmd.AddCommand(newVerifyCommand())

	return rootCmd
}
