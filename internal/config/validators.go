// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/dotandev/cilpatch/internal/errors"
)

// Validator validates a specific aspect of the configuration.
type Validator interface {
	Validate(cfg *Config) error
}

// NamespaceValidator checks the stub namespace prefix.
type NamespaceValidator struct{}

func (v NamespaceValidator) Validate(cfg *Config) error {
	ns := cfg.StubNamespace
	if strings.TrimSpace(ns) == "" {
		return errors.WrapConfigError("stub_namespace cannot be empty", nil)
	}
	if strings.HasPrefix(ns, ".") || strings.HasSuffix(ns, ".") || strings.Contains(ns, "..") {
		return errors.WrapConfigError(fmt.Sprintf("stub_namespace %q is not a dotted namespace", ns), nil)
	}
	if strings.ContainsAny(ns, " \t/") {
		return errors.WrapConfigError(fmt.Sprintf("stub_namespace %q contains whitespace or '/'", ns), nil)
	}
	return nil
}

// AmbiguityValidator checks the stub ambiguity policy.
type AmbiguityValidator struct{}

func (v AmbiguityValidator) Validate(cfg *Config) error {
	if !validAmbiguity[string(cfg.Ambiguity)] {
		return errors.WrapConfigError(fmt.Sprintf("ambiguity %q must be one of: first, last, error", cfg.Ambiguity), nil)
	}
	return nil
}

// TelemetryValidator requires an endpoint when export is on.
type TelemetryValidator struct{}

func (v TelemetryValidator) Validate(cfg *Config) error {
	if cfg.TelemetryEnabled && cfg.TelemetryEndpoint == "" {
		return errors.WrapConfigError("telemetry_endpoint is required when telemetry is enabled", nil)
	}
	return nil
}

// LogLevelValidator checks that the log level is a known value.
type LogLevelValidator struct{}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

func (v LogLevelValidator) Validate(cfg *Config) error {
	if cfg.LogLevel == "" {
		return nil
	}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return errors.WrapConfigError("log_level must be one of: debug, info, warn, error", nil)
	}
	return nil
}

// DefaultValidators returns the standard set of validators.
func DefaultValidators() []Validator {
	return []Validator{
		NamespaceValidator{},
		AmbiguityValidator{},
		TelemetryValidator{},
		LogLevelValidator{},
	}
}

// RunValidators executes each validator against the config, returning the
// first error encountered.
func RunValidators(cfg *Config, validators []Validator) error {
	for _, v := range validators {
		if err := v.Validate(cfg); err != nil {
			return err
		}
	}
	return nil
}
