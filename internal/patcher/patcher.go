// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package patcher runs a whole patch: load the primary and stub modules,
// rewrite, then write the result.
package patcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dotandev/cilpatch/internal/config"
	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/journal"
	"github.com/dotandev/cilpatch/internal/logger"
	"github.com/dotandev/cilpatch/internal/module"
	"github.com/dotandev/cilpatch/internal/resolver"
	"github.com/dotandev/cilpatch/internal/rewrite"
	"github.com/dotandev/cilpatch/internal/telemetry"
)

// Options describes one patch run.
type Options struct {
	// Input is the module to patch.
	Input string
	// Output defaults to Input (in-place patch).
	Output string
	// Stubs defaults to the configured stub module path.
	Stubs string
	// Rules is a rule file. Defaults to the configured rules, then the
	// embedded rule set.
	Rules string
	// FixVersion enables the version rules.
	FixVersion bool
	// DryRun stops before writing.
	DryRun bool
}

// Result is the outcome of a run.
type Result struct {
	Report   *rewrite.Report
	Output   string
	Written  bool
	Duration time.Duration
}

// Patcher runs patch passes with one configuration.
type Patcher struct {
	cfg     *config.Config
	journal *journal.Store
}

// New creates a patcher. A nil config uses config.DefaultConfig; a nil
// journal disables run recording.
func New(cfg *config.Config, j *journal.Store) *Patcher {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Patcher{cfg: cfg, journal: j}
}

// Run patches opts.Input. Any error aborts before the output is touched.
func (p *Patcher) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Output == "" {
		opts.Output = opts.Input
	}
	if opts.Stubs == "" {
		opts.Stubs = p.cfg.ResolveStubsPath()
	}
	if opts.Rules == "" {
		opts.Rules = p.cfg.RulesPath
	}

	ctx, span := telemetry.GetTracer().Start(ctx, "patch_module")
	span.SetAttributes(
		attribute.String("patch.input", opts.Input),
		attribute.String("patch.output", opts.Output),
		attribute.String("patch.stubs", opts.Stubs),
		attribute.Bool("patch.dry_run", opts.DryRun),
	)
	defer span.End()

	res, err := p.run(ctx, opts)
	if res != nil {
		res.Duration = time.Since(start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Logger.Error("Patch failed", "input", opts.Input, "error", err)
	}
	p.record(ctx, opts, res, err, time.Since(start))
	return res, err
}

func (p *Patcher) run(ctx context.Context, opts Options) (*Result, error) {
	tracer := telemetry.GetTracer()

	_, loadSpan := tracer.Start(ctx, "load_modules")
	primary, stubs, rules, err := p.load(opts)
	endSpan(loadSpan, err)
	if err != nil {
		return nil, err
	}

	rctx, rewriteSpan := tracer.Start(ctx, "rewrite_module")
	r := resolver.New(primary, stubs, resolver.Options{
		Namespace: p.cfg.StubNamespace,
		Ambiguity: p.cfg.Ambiguity,
	})
	rw := rewrite.New(primary, r, rules, rewrite.Options{
		Version:     primary.Version,
		Suffix:      p.cfg.VersionSuffix,
		SkipVersion: !opts.FixVersion,
	})
	report, err := rw.Run(rctx)
	if err == nil {
		rewriteSpan.SetAttributes(
			attribute.Int("rewrite.substitutions", report.Substitutions()),
			attribute.Int("rewrite.rules_applied", len(report.Applied)),
			attribute.Bool("rewrite.changed", report.Changed),
		)
	}
	endSpan(rewriteSpan, err)
	if err != nil {
		return nil, err
	}

	res := &Result{Report: report, Output: opts.Output}
	logger.Logger.Info("Module rewritten",
		"module", report.Module,
		"version", report.Version,
		"substitutions", report.Substitutions(),
		"rules_applied", len(report.Applied),
		"changed", report.Changed,
	)
	if opts.DryRun {
		logger.Logger.Info("Dry run, output not written", "output", opts.Output)
		return res, nil
	}

	_, writeSpan := tracer.Start(ctx, "write_module")
	err = primary.Write(opts.Output)
	endSpan(writeSpan, err)
	if err != nil {
		return nil, err
	}
	res.Written = true
	logger.Logger.Info("Module written", "output", opts.Output)
	return res, nil
}

func (p *Patcher) load(opts Options) (*module.Module, *module.Module, *rewrite.RuleSet, error) {
	primary, err := module.Load(opts.Input, module.Options{})
	if err != nil {
		return nil, nil, nil, err
	}
	stubs, err := module.Load(opts.Stubs, module.Options{ReadOnly: true})
	if err != nil {
		return nil, nil, nil, errors.WrapStubModule(opts.Stubs, err)
	}
	rules := rewrite.DefaultRules()
	if opts.Rules != "" {
		if rules, err = rewrite.LoadRules(opts.Rules); err != nil {
			return nil, nil, nil, err
		}
	}
	logger.Logger.Debug("Modules loaded",
		"primary", primary.Name,
		"version", primary.Version,
		"stubs", stubs.Name,
		"rules", rules.Source,
	)
	return primary, stubs, rules, nil
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// record writes the run to the journal. Journal failures are logged only.
func (p *Patcher) record(ctx context.Context, opts Options, res *Result, runErr error, took time.Duration) {
	if p.journal == nil {
		return
	}
	run := &journal.Run{
		Input:    opts.Input,
		Output:   opts.Output,
		Stubs:    opts.Stubs,
		Duration: took,
	}
	switch {
	case runErr != nil:
		run.Status = journal.StatusFailed
		run.Error = runErr.Error()
	case opts.DryRun:
		run.Status = journal.StatusDryRun
	case res.Report.Changed:
		run.Status = journal.StatusPatched
	default:
		run.Status = journal.StatusUnchanged
	}
	if res != nil && res.Report != nil {
		run.Module = res.Report.Module
		run.Version = res.Report.Version
		run.Substitutions = res.Report.Substitutions()
		for _, r := range res.Report.Applied {
			run.Applied = append(run.Applied, r.Rule)
		}
		for _, r := range res.Report.Skipped {
			run.Skipped = append(run.Skipped, r.Rule)
		}
	}
	if err := p.journal.Record(ctx, run); err != nil {
		logger.Logger.Warn("Failed to record run", "error", err)
	}
}
