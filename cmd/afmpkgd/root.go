package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/iotbzh/afmpkg-installer/internal/adapters"
	"github.com/iotbzh/afmpkg-installer/internal/config"
	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/ledger"
	"github.com/iotbzh/afmpkg-installer/internal/orchestrator"
	"github.com/iotbzh/afmpkg-installer/internal/server"
	"github.com/iotbzh/afmpkg-installer/internal/sigverify"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath     string
	socket         string
	strict         bool
	noStrict       bool
	trustDir       string
	forever        bool
	maxWorkers     int
	securityHelper    string
	permissionsHelper string
	logLevel          string
	logFormat         string
}

var flags rootFlags

// NewRootCommand builds afmpkgd's cobra command tree.
func NewRootCommand(version, commit, date string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "afmpkgd",
		Short: "Application Framework Management package installer daemon",
		Long: `afmpkgd serves the afmpkg install/remove Request Protocol over a
Unix domain socket: for the file list of an already unpacked package
tree it verifies the signed digest manifest, reconciles requested
permissions against a permission policy, and hands file labels and the
systemd unit descriptors each installed app needs to an external
security manager.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n\n", err)
		_ = cmd.Usage()
		return err
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "/etc/afmpkgd/config.toml", "path to the TOML configuration file")
	pf.StringVarP(&flags.socket, "socket", "s", "", "install socket address, \"@name\" for the abstract namespace (overrides config)")
	pf.BoolVar(&flags.strict, "strict", false, "reject any connecting peer whose uid is not 0 (overrides config)")
	pf.BoolVar(&flags.noStrict, "no-strict", false, "disable peer-uid enforcement (overrides config)")
	pf.StringVar(&flags.trustDir, "trust-dir", "", "directory of PEM trust-anchor certificates (overrides config)")
	pf.BoolVar(&flags.forever, "forever", false, "disable idle shutdown; run until signaled")
	pf.IntVar(&flags.maxWorkers, "max-workers", 0, "bound concurrently served connections (overrides config)")
	pf.StringVar(&flags.securityHelper, "security-helper", "", "path to the security-manager-cli helper binary")
	pf.StringVar(&flags.permissionsHelper, "permissions-helper", "", "path to a helper binary that prints an app's granted permissions")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn, or error (overrides config)")
	pf.StringVar(&flags.logFormat, "log-format", "", "text or json (overrides config)")

	return rootCmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader("AFMPKG", flags.configPath)

	overrides := map[string]any{
		"socket":      flags.socket,
		"trust-dir":   flags.trustDir,
		"forever":     flags.forever,
		"max-workers": flags.maxWorkers,
	}
	if flags.strict {
		overrides["strict"] = true
	}
	if flags.noStrict {
		overrides["strict"] = false
	}

	cfg, err := loader.Load(overrides)
	if err != nil {
		return fmt.Errorf("afmpkgd: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}

	var logger *adapters.SlogLogger
	if cfg.Logging.Format == "json" {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: adapters.ParseLogLevel(cfg.Logging.Level)})
		logger = adapters.NewSlogLogger(slog.New(handler))
	} else {
		logger = adapters.NewConsoleLogger(os.Stderr, cfg.Logging.Level)
	}

	digestAlgo, err := sigverify.ParseAlgo(cfg.Security.DigestAlgo)
	if err != nil {
		return fmt.Errorf("afmpkgd: %w", err)
	}

	trust, err := adapters.LoadFileTrustStore(cfg.Security.TrustDir)
	if err != nil {
		return fmt.Errorf("afmpkgd: %w", err)
	}

	afid := 0
	orch := &orchestrator.Orchestrator{
		FS:         &adapters.OSFilesystem{},
		Logger:     logger,
		TrustStore: trust,
		DigestAlgo: digestAlgo,
		NextAFID:   func() int { afid++; return afid },
	}
	if flags.securityHelper != "" {
		orch.Security = adapters.NewExternalSecurityManager(flags.securityHelper)
	} else {
		orch.Security = adapters.NoopSecurityManager{}
	}
	if flags.permissionsHelper != "" {
		orch.Policy = adapters.NewExternalPermissionPolicy(flags.permissionsHelper)
	}

	srv := &server.Server{
		Config:       cfg,
		Orchestrator: orch,
		Ledger:       ledger.New(domain.SystemClock{}, cfg.Ledger.TTLSeconds),
		Logger:       logger,
	}

	logger.Info(cmd.Context(), "starting", "socket", cfg.Socket.Address, "strict", cfg.Security.Strict)
	return srv.Serve(cmd.Context())
}
