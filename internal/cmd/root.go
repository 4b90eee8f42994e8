// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotandev/cilpatch/internal/config"
	"github.com/dotandev/cilpatch/internal/journal"
	"github.com/dotandev/cilpatch/internal/logger"
	"github.com/dotandev/cilpatch/internal/shutdown"
	"github.com/dotandev/cilpatch/internal/telemetry"
)

const shutdownTimeout = 3 * time.Second

// InterruptExitCode is the conventional 128+SIGINT status.
const InterruptExitCode = 130

// ErrInterrupted is returned by Execute when the run was cancelled by a
// signal. Output written by an interrupted patch is never partial.
var ErrInterrupted = stderrors.New("interrupted")

func IsInterrupted(err error) bool {
	return stderrors.Is(err, ErrInterrupted)
}

// Global flag variables
var (
	LogJSONFlag  bool
	LogLevelFlag string
)

// app holds what PersistentPreRunE sets up for one invocation.
var app struct {
	cfg      *config.Config
	journal  *journal.Store
	shutdown *shutdown.Coordinator
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cilpatch",
	Short: "Patch NuGet.exe to run on .NET without the .NET Framework",
	Long: `cilpatch rewrites a managed module so that references to .NET Framework
APIs missing from modern .NET point at stub declarations in a companion stub
module, and applies targeted fixes to known NuGet methods.

Examples:
  cilpatch patch NuGet.exe                       Patch in place with shims.dll
  cilpatch patch NuGet.exe -o out.exe --dry-run  Preview the changes
  cilpatch inspect NuGet.exe NuGet.CommandLine.Command OutputNuGetVersion
  cilpatch providers                             List credential providers
  cilpatch certsync /etc/ssl/certs/ca-certificates.crt`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.Context())
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line. It returns ErrInterrupted when ctx was
// cancelled.
func Execute(ctx context.Context) error {
	setContext(rootCmd, ctx)
	err := rootCmd.ExecuteContext(ctx)
	if terr := teardown(); err == nil {
		err = terr
	}
	if err != nil && (stderrors.Is(err, context.Canceled) || ctx.Err() != nil) {
		return ErrInterrupted
	}
	return err
}

// setContext hands ctx to every command. Cobra only fills in a subcommand's
// context when it has none, so a reused command tree would otherwise keep the
// context of its first run.
func setContext(c *cobra.Command, ctx context.Context) {
	c.SetContext(ctx)
	for _, sub := range c.Commands() {
		setContext(sub, ctx)
	}
}

func setup(ctx context.Context) error {
	if LogJSONFlag {
		logger.SetOutput(nil, true)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if LogLevelFlag != "" {
		cfg.LogLevel = LogLevelFlag
		if err := (config.LogLevelValidator{}).Validate(cfg); err != nil {
			return err
		}
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.Logger.Debug("Configuration loaded", "config", cfg.String())

	app.cfg = cfg
	app.shutdown = shutdown.NewCoordinator()

	stop, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.TelemetryEnabled,
		ExporterURL: cfg.TelemetryEndpoint,
		Version:     Version,
	})
	if err != nil {
		logger.Logger.Warn("Telemetry disabled", "error", err)
	} else {
		app.shutdown.Register("telemetry", stop)
	}
	return nil
}

// openJournal opens the configured journal once per invocation. It returns
// nil when no journal is configured.
func openJournal() (*journal.Store, error) {
	if app.journal != nil || app.cfg == nil || app.cfg.JournalPath == "" {
		return app.journal, nil
	}
	path := app.cfg.JournalPath
	if !filepath.IsAbs(path) {
		dir, err := config.GetConfigPath()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, path)
	}
	store, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	app.journal = store
	app.shutdown.RegisterCloser("journal", store)
	return store, nil
}

func teardown() error {
	c := app.shutdown
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := c.Run(ctx)
	app.shutdown, app.journal = nil, nil
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&LogJSONFlag, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&LogLevelFlag, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Patching Commands:"},
		&cobra.Group{ID: "host", Title: "Host Environment Commands:"},
		&cobra.Group{ID: "utility", Title: "Utility Commands:"},
	)
}
