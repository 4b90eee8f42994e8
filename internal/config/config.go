// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dotandev/cilpatch/internal/errors"
)

// Ambiguity selects what the resolver does when more than one stub method
// matches a reference.
type Ambiguity string

const (
	AmbiguityFirst Ambiguity = "first"
	AmbiguityLast  Ambiguity = "last"
	AmbiguityError Ambiguity = "error"
)

var validAmbiguity = map[string]bool{
	string(AmbiguityFirst): true,
	string(AmbiguityLast):  true,
	string(AmbiguityError): true,
}

const (
	// DefaultStubNamespace prefixes the full name of every stubbed type.
	DefaultStubNamespace = "NuGet.NetFxStubs"
	// DefaultVersionSuffix is appended to the fixed-up version string.
	DefaultVersionSuffix = "(https://github.com/abock/nuget-native-cli)"
	// DefaultStubsFile is looked up next to the executable.
	DefaultStubsFile = "shims.dll"
)

// Config represents the general configuration for cilpatch
type Config struct {
	StubsPath     string    `json:"stubs_path,omitempty"`
	StubNamespace string    `json:"stub_namespace,omitempty"`
	VersionSuffix string    `json:"version_suffix,omitempty"`
	Ambiguity     Ambiguity `json:"ambiguity,omitempty"`
	RulesPath     string    `json:"rules_path,omitempty"`
	LogLevel      string    `json:"log_level,omitempty"`
	// JournalPath enables the sqlite run journal when set.
	JournalPath string `json:"journal_path,omitempty"`
	// TelemetryEnabled turns on OTLP/HTTP trace export of pipeline spans.
	TelemetryEnabled  bool   `json:"telemetry_enabled,omitempty"`
	TelemetryEndpoint string `json:"telemetry_endpoint,omitempty"`
	// CrashReporting opts in to crash reports. Nothing is sent unless
	// CrashSentryDSN or CrashEndpoint is also set.
	CrashReporting bool   `json:"crash_reporting,omitempty"`
	CrashSentryDSN string `json:"crash_sentry_dsn,omitempty"`
	CrashEndpoint  string `json:"crash_endpoint,omitempty"`
}

// GetConfigPath returns the directory holding cilpatch configuration.
func GetConfigPath() (string, error) {
	if dir := os.Getenv("CILPATCH_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.WrapConfigError("failed to get home directory", err)
	}
	return filepath.Join(home, ".cilpatch"), nil
}

// GetGeneralConfigPath returns the path to the general configuration file
func GetGeneralConfigPath() (string, error) {
	configDir, err := GetConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.json"), nil
}

// Load builds the effective configuration: defaults, then the JSON config
// file, then CILPATCH_* environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath, err := GetGeneralConfigPath()
	if err != nil {
		return nil, err
	}
	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WrapConfigError("failed to read config file", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.WrapConfigError("failed to parse config file", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.StubsPath = getEnv("CILPATCH_STUBS", c.StubsPath)
	c.StubNamespace = getEnv("CILPATCH_STUB_NAMESPACE", c.StubNamespace)
	c.VersionSuffix = getEnv("CILPATCH_VERSION_SUFFIX", c.VersionSuffix)
	c.Ambiguity = Ambiguity(getEnv("CILPATCH_AMBIGUITY", string(c.Ambiguity)))
	c.RulesPath = getEnv("CILPATCH_RULES", c.RulesPath)
	c.LogLevel = getEnv("CILPATCH_LOG_LEVEL", c.LogLevel)
	c.JournalPath = getEnv("CILPATCH_JOURNAL", c.JournalPath)
	c.TelemetryEndpoint = getEnv("CILPATCH_OTLP_ENDPOINT", c.TelemetryEndpoint)

	c.CrashEndpoint = getEnv("CILPATCH_CRASH_ENDPOINT", c.CrashEndpoint)
	c.CrashSentryDSN = getEnv("CILPATCH_SENTRY_DSN", c.CrashSentryDSN)

	switch strings.ToLower(os.Getenv("CILPATCH_TELEMETRY")) {
	case "1", "true", "yes":
		c.TelemetryEnabled = true
	case "0", "false", "no":
		c.TelemetryEnabled = false
	}
}

// SaveConfig saves the configuration to disk (JSON format)
func SaveConfig(config *Config) error {
	configPath, err := GetGeneralConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return errors.WrapConfigError("failed to create config directory", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return errors.WrapConfigError("failed to marshal config", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return errors.WrapConfigError("failed to write config file", err)
	}
	return nil
}

// Validate runs DefaultValidators.
func (c *Config) Validate() error {
	return RunValidators(c, DefaultValidators())
}

// ResolveStubsPath returns the configured stub module path, or the default
// file colocated with the running executable.
func (c *Config) ResolveStubsPath() string {
	if c.StubsPath != "" {
		return c.StubsPath
	}
	exe, err := os.Executable()
	if err != nil {
		return DefaultStubsFile
	}
	return filepath.Join(filepath.Dir(exe), DefaultStubsFile)
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Stubs: %s, Namespace: %s, Ambiguity: %s, Rules: %s, LogLevel: %s}",
		c.StubsPath, c.StubNamespace, c.Ambiguity, c.RulesPath, c.LogLevel,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func DefaultConfig() *Config {
	return &Config{
		StubNamespace: DefaultStubNamespace,
		VersionSuffix: DefaultVersionSuffix,
		Ambiguity:     AmbiguityFirst,
		LogLevel:      "info",
	}
}
