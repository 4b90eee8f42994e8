// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package rewrite edits the method bodies and type hierarchy of a module:
// targeted rules fix known methods by name, then every call, base type and
// interface that has a stub declaration is redirected to it.
package rewrite

import (
	"context"
	"strings"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/config"
	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/logger"
	"github.com/dotandev/cilpatch/internal/module"
	"github.com/dotandev/cilpatch/internal/resolver"
)

// Options configures a rewrite pass.
type Options struct {
	// Version is the fix-target version written by version rules.
	Version string
	// Suffix follows the version. Defaults to config.DefaultVersionSuffix.
	Suffix string
	// SkipVersion disables rules marked as version rules.
	SkipVersion bool
}

// Rewriter runs one pass over a module.
type Rewriter struct {
	module   *module.Module
	resolver *resolver.Resolver
	rules    *RuleSet
	opts     Options
	vars     *strings.Replacer
}

// New creates a rewriter. A nil rule set uses DefaultRules and a nil
// resolver disables substitution.
func New(m *module.Module, r *resolver.Resolver, rules *RuleSet, opts Options) *Rewriter {
	if rules == nil {
		rules = DefaultRules()
	}
	if opts.Suffix == "" {
		opts.Suffix = config.DefaultVersionSuffix
	}
	if opts.Version == "" {
		opts.Version = m.Version
	}
	return &Rewriter{
		module:   m,
		resolver: r,
		rules:    rules,
		opts:     opts,
		vars:     strings.NewReplacer("{version}", opts.Version, "{suffix}", opts.Suffix),
	}
}

// Run applies the targeted rules in order, then substitutes stub references
// in every type and method body.
func (rw *Rewriter) Run(ctx context.Context) (*Report, error) {
	report := &Report{Module: rw.module.Name, Version: rw.opts.Version}

	applied := make(map[string]bool)
	for _, rule := range rw.rules.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := RuleResult{Rule: rule.Name, Target: rule.Target()}
		reason, err := rw.apply(rule, applied)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			res.Reason = reason
			report.Skipped = append(report.Skipped, res)
			continue
		}
		applied[rule.Name] = true
		report.Applied = append(report.Applied, res)
		logger.Logger.Info("Rule applied", "rule", rule.Name, "target", rule.Target())
	}

	if rw.resolver != nil {
		if err := rw.substitute(ctx, report); err != nil {
			return nil, err
		}
	}

	report.Changed = rw.module.Modified()
	logger.Logger.Debug("Rewrite pass finished",
		"module", report.Module,
		"calls", len(report.Calls),
		"base_types", len(report.BaseTypes),
		"interfaces", len(report.Interfaces),
		"applied", len(report.Applied),
		"skipped", len(report.Skipped),
		"changed", report.Changed,
	)
	return report, nil
}

// apply runs one rule. A non-empty reason means the rule did not apply.
func (rw *Rewriter) apply(rule *Rule, applied map[string]bool) (string, error) {
	switch {
	case !rule.IsEnabled():
		logger.Logger.Debug("Rule disabled", "rule", rule.Name)
		return "disabled", nil
	case rule.Version && rw.opts.SkipVersion:
		logger.Logger.Debug("Version rule skipped", "rule", rule.Name)
		return "version fix-up disabled", nil
	case rule.FallbackFor != "" && applied[rule.FallbackFor]:
		logger.Logger.Debug("Fallback rule not needed", "rule", rule.Name, "primary", rule.FallbackFor)
		return "superseded by " + rule.FallbackFor, nil
	}
	if ok, reason := rule.Admits(rw.module.Version); !ok {
		logger.Logger.Info("Rule not applicable", "rule", rule.Name, "reason", reason)
		return reason, nil
	}

	body, reason, err := rw.targetBody(rule)
	if err != nil || reason != "" {
		return reason, err
	}

	found := false
	switch rule.Kind {
	case KindReplace:
		repl, err := rule.replacement(rw.vars)
		if err != nil {
			return "", errors.WrapRules(rw.rules.Source, err)
		}
		if m, ok := MatchSequence(body, rule.Match); ok {
			ReplaceSequence(body, m, repl)
			found = true
		}
	case KindVersionFixup:
		found = FixVersion(body, rule.Call, rw.vars.Replace(rule.Value))
	case KindEarlyReturn:
		found = EarlyReturn(body, rule.Anchor)
	}
	if !found {
		logger.Logger.Warn("Patch pattern not found", "rule", rule.Name, "target", rule.Target())
		return "pattern not found", nil
	}
	return "", nil
}

func (rw *Rewriter) targetBody(rule *Rule) (*cil.Body, string, error) {
	td := rw.module.FindType(rule.Type)
	if td == nil {
		logger.Logger.Warn("Patch target type not found", "rule", rule.Name, "type", rule.Type)
		return nil, "type not found", nil
	}
	md := td.Method(rule.Method)
	if md == nil || !md.HasBody() {
		logger.Logger.Warn("Patch target method not found", "rule", rule.Name, "target", rule.Target())
		return nil, "method not found", nil
	}
	body, err := md.Body()
	if err != nil {
		return nil, "", err
	}
	return body, "", nil
}

func isCall(op *cil.OpCode) bool {
	return op == cil.Call || op == cil.Callvirt || op == cil.Calli
}

// substitute redirects base types, interfaces and call operands that have
// stub declarations.
func (rw *Rewriter) substitute(ctx context.Context, report *Report) error {
	for _, td := range rw.module.Types() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rw.substituteHierarchy(td, report); err != nil {
			return err
		}
		for _, md := range td.Methods() {
			if !md.HasBody() {
				continue
			}
			body, err := md.Body()
			if err != nil {
				return err
			}
			for ins := body.First(); ins != nil; ins = ins.Next() {
				if !isCall(ins.OpCode) {
					continue
				}
				mt, ok := ins.Operand.(module.Method)
				if !ok {
					continue
				}
				stub, ok, err := rw.resolver.ResolveMethod(mt)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				ins.Operand = stub
				report.Calls = append(report.Calls, Substitution{Site: md.FullName(), From: mt.FullName(), To: stub.FullName()})
				logger.Logger.Debug("Call redirected", "method", md.FullName(), "from", mt.FullName(), "to", stub.FullName())
			}
		}
	}
	return nil
}

func (rw *Rewriter) substituteHierarchy(td *module.TypeDef, report *Report) error {
	if bt := td.BaseType(); bt != nil {
		stub, ok, err := rw.resolver.ResolveType(bt)
		if err != nil {
			return err
		}
		if ok {
			if err := td.SetBaseType(stub); err != nil {
				return err
			}
			report.BaseTypes = append(report.BaseTypes, Substitution{Site: td.FullName(), From: bt.FullName(), To: stub.FullName()})
			logger.Logger.Debug("Base type redirected", "type", td.FullName(), "to", stub.FullName())
		}
	}
	for i, it := range td.Interfaces() {
		stub, ok, err := rw.resolver.ResolveType(it)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := td.SetInterface(i, stub); err != nil {
			return err
		}
		report.Interfaces = append(report.Interfaces, Substitution{Site: td.FullName(), From: it.FullName(), To: stub.FullName()})
		logger.Logger.Debug("Interface redirected", "type", td.FullName(), "to", stub.FullName())
	}
	return nil
}
