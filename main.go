// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/dotandev/cilpatch/internal/cmd"
	"github.com/dotandev/cilpatch/internal/config"
	"github.com/dotandev/cilpatch/internal/crashreport"
)

// Build-time variables injected via -ldflags.
var (
	version   = "dev"
	commitSHA = ""
)

func main() {
	cmd.Version = version

	cfg, err := config.Load()
	if err != nil {
		// Reported again by the command itself.
		cfg = config.DefaultConfig()
	}
	reporter := crashreport.New(crashreport.Config{
		Enabled:   cfg.CrashReporting,
		SentryDSN: cfg.CrashSentryDSN,
		Endpoint:  cfg.CrashEndpoint,
		Version:   version,
		CommitSHA: commitSHA,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := func() int {
		defer reporter.HandlePanic(ctx, "cilpatch")
		return run(ctx, func() error { return cmd.Execute(ctx) }, reporter, os.Stderr)
	}()
	stop()
	os.Exit(code)
}

// sender is the part of crashreport.Reporter used by run.
type sender interface {
	IsEnabled() bool
	Send(ctx context.Context, err error, stack []byte, command string) error
}

func run(ctx context.Context, execute func() error, reporter sender, stderr io.Writer) int {
	err := execute()
	switch {
	case err == nil:
		return 0
	case cmd.IsInterrupted(err):
		fmt.Fprintln(stderr, "Interrupted. Shutting down...")
		return cmd.InterruptExitCode
	default:
		if reporter != nil && reporter.IsEnabled() {
			_ = reporter.Send(context.WithoutCancel(ctx), err, debug.Stack(), "cilpatch")
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}
