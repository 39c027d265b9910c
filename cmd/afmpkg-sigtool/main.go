// Command afmpkg-sigtool produces and checks the signed digest manifest
// that accompanies an afmpkg file tree (spec §3 "Signed Digest Manifest",
// §4.4), as an offline packaging-time utility separate from the daemon.
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := NewRootCommand(version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "afmpkg-sigtool: %v\n", err)
		os.Exit(1)
	}
}
