// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultStubNamespace, cfg.StubNamespace)
	assert.Equal(t, DefaultVersionSuffix, cfg.VersionSuffix)
	assert.Equal(t, AmbiguityFirst, cfg.Ambiguity)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"last wins policy", func(c *Config) { c.Ambiguity = AmbiguityLast }, false},
		{"error policy", func(c *Config) { c.Ambiguity = AmbiguityError }, false},
		{"unknown policy", func(c *Config) { c.Ambiguity = "random" }, true},
		{"empty namespace", func(c *Config) { c.StubNamespace = " " }, true},
		{"trailing dot namespace", func(c *Config) { c.StubNamespace = "NuGet.NetFxStubs." }, true},
		{"telemetry without endpoint", func(c *Config) { c.TelemetryEnabled = true }, true},
		{"telemetry with endpoint", func(c *Config) {
			c.TelemetryEnabled = true
			c.TelemetryEndpoint = "localhost:4318"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CILPATCH_CONFIG_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"stubs_path": "/opt/stubs/shims.dll",
		"ambiguity": "last",
		"log_level": "debug"
	}`), 0600))
	t.Setenv("CILPATCH_AMBIGUITY", "error")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/opt/stubs/shims.dll", cfg.StubsPath)
	assert.Equal(t, AmbiguityError, cfg.Ambiguity)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultStubNamespace, cfg.StubNamespace)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CILPATCH_CONFIG_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().StubNamespace, cfg.StubNamespace)
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CILPATCH_CONFIG_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{"), 0600))

	_, err := Load()
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Setenv("CILPATCH_CONFIG_DIR", filepath.Join(t.TempDir(), "nested"))

	cfg := DefaultConfig()
	cfg.RulesPath = "rules.yaml"
	require.NoError(t, SaveConfig(cfg))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "rules.yaml", loaded.RulesPath)
}

func TestResolveStubsPath(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultStubsFile, filepath.Base(cfg.ResolveStubsPath()))

	cfg.StubsPath = "/tmp/custom.dll"
	assert.Equal(t, "/tmp/custom.dll", cfg.ResolveStubsPath())
}
