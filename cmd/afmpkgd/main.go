// Command afmpkgd is the Application Framework Management package
// installer daemon: it binds the install socket and serves the Request
// Protocol until told to stop (spec §4.10, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iotbzh/afmpkg-installer/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx := setupSignalHandler()

	rootCmd := NewRootCommand(version, commit, date)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "afmpkgd: %v\n", err)
		var exitErr *server.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// setupSignalHandler returns a context canceled on SIGINT/SIGTERM, so the
// accept loop unwinds through its normal ctx.Done() path instead of the
// process dying mid-transaction.
func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx
}
