// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/cilpatch/internal/errors"
)

func TestNamespaceValidator(t *testing.T) {
	tests := []struct {
		ns      string
		wantErr bool
	}{
		{"NuGet.NetFxStubs", false},
		{"Stubs", false},
		{"", true},
		{".Stubs", true},
		{"Stubs.", true},
		{"A..B", true},
		{"A B", true},
		{"A/B", true},
	}
	for _, tt := range tests {
		t.Run(tt.ns, func(t *testing.T) {
			err := NamespaceValidator{}.Validate(&Config{StubNamespace: tt.ns})
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLogLevelValidator(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warn", "Warning", "error"} {
		assert.NoError(t, LogLevelValidator{}.Validate(&Config{LogLevel: lvl}), lvl)
	}
	assert.ErrorIs(t, LogLevelValidator{}.Validate(&Config{LogLevel: "verbose"}), errors.ErrConfig)
}

type rejectAll struct{ called *int }

func (r rejectAll) Validate(*Config) error {
	*r.called++
	return errors.WrapConfigError("rejected", nil)
}

func TestRunValidatorsStopsOnFirstError(t *testing.T) {
	calls := 0
	err := RunValidators(DefaultConfig(), []Validator{AmbiguityValidator{}, rejectAll{&calls}, rejectAll{&calls}})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "rejected")
}

func TestRunValidatorsAllPass(t *testing.T) {
	assert.NoError(t, RunValidators(DefaultConfig(), DefaultValidators()))
	assert.NoError(t, RunValidators(&Config{}, nil))
}
