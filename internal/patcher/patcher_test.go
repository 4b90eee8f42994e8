// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package patcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/config"
	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/journal"
	"github.com/dotandev/cilpatch/internal/module"
	"github.com/dotandev/cilpatch/internal/testmodule"
)

type fixture struct {
	dir, input, stubs string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:   dir,
		input: filepath.Join(dir, "NuGet.exe"),
		stubs: filepath.Join(dir, config.DefaultStubsFile),
	}
	require.NoError(t, os.WriteFile(f.input, testmodule.NuGet("6.2.1"), 0o755))
	require.NoError(t, os.WriteFile(f.stubs, testmodule.Stubs(), 0o644))
	return f
}

func instructions(t *testing.T, path, typeName, method string) []string {
	t.Helper()
	m, err := module.Load(path, module.Options{ReadOnly: true})
	require.NoError(t, err)
	b, err := m.FindType(typeName).Method(method).Body()
	require.NoError(t, err)
	var out []string
	for _, ins := range b.Instructions() {
		out = append(out, ins.String())
	}
	return out
}

func TestRunPatchesInPlace(t *testing.T) {
	f := newFixture(t)
	res, err := New(nil, nil).Run(context.Background(), Options{Input: f.input, Stubs: f.stubs, FixVersion: true})
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, f.input, res.Output)
	assert.True(t, res.Report.Changed)
	assert.Equal(t, 3, res.Report.Substitutions())

	assert.Equal(t, []string{
		"ldstr 6.2.1 (https://github.com/abock/nuget-native-cli)",
		"stloc.1",
		"ldloc.1",
		"call System.Void System.Console::WriteLine(System.String)",
		"ret",
	}, instructions(t, f.input, testmodule.CommandType, "OutputNuGetVersion"))
	assert.Equal(t, testmodule.Stubs(), mustRead(t, f.stubs))
}

func TestRunPatchesCompilerLayout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.input, testmodule.NuGetCompiled("6.2.1"), 0o755))

	res, err := New(nil, nil).Run(context.Background(), Options{Input: f.input, Stubs: f.stubs, FixVersion: true})
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, 3, res.Report.Substitutions())

	assert.Contains(t, instructions(t, f.input, testmodule.ProgramType, "Main"),
		"call System.String NuGet.NetFxStubs.System.Environment::GetEnvironmentVariable(System.String)")
	assert.Equal(t, "ldstr 6.2.1 (https://github.com/abock/nuget-native-cli)",
		instructions(t, f.input, testmodule.CommandType, "OutputNuGetVersion")[0])
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := New(nil, nil)
	_, err := p.Run(context.Background(), Options{Input: f.input, Stubs: f.stubs, FixVersion: true})
	require.NoError(t, err)
	once := mustRead(t, f.input)

	res, err := p.Run(context.Background(), Options{Input: f.input, Stubs: f.stubs, FixVersion: true})
	require.NoError(t, err)
	assert.False(t, res.Report.Changed)
	assert.Equal(t, once, mustRead(t, f.input))
}

func TestRunWithSeparateOutput(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "patched.exe")
	_, err := New(nil, nil).Run(context.Background(), Options{Input: f.input, Output: out, Stubs: f.stubs})
	require.NoError(t, err)

	assert.Equal(t, testmodule.NuGet("6.2.1"), mustRead(t, f.input))
	assert.Contains(t, instructions(t, out, testmodule.CommandType, "OutputNuGetVersion"),
		"callvirt System.String System.Reflection.Assembly::get_Location()")
	assert.Contains(t, instructions(t, out, testmodule.ProgramType, "Main"),
		"call System.String NuGet.NetFxStubs.System.Environment::GetEnvironmentVariable(System.String)")
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	res, err := New(nil, nil).Run(context.Background(), Options{Input: f.input, Stubs: f.stubs, FixVersion: true, DryRun: true})
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.True(t, res.Report.Changed)
	assert.Equal(t, testmodule.NuGet("6.2.1"), mustRead(t, f.input))
}

func TestRunErrorsLeaveInputUntouched(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f fixture) (Options, *config.Config)
		wantErr error
	}{
		{
			name: "missing stubs",
			setup: func(t *testing.T, f fixture) (Options, *config.Config) {
				return Options{Input: f.input, Stubs: filepath.Join(f.dir, "absent.dll")}, nil
			},
			wantErr: errors.ErrStubModule,
		},
		{
			name: "stubs not a PE image",
			setup: func(t *testing.T, f fixture) (Options, *config.Config) {
				require.NoError(t, os.WriteFile(f.stubs, []byte("not a module"), 0o644))
				return Options{Input: f.input, Stubs: f.stubs}, nil
			},
			wantErr: errors.ErrStubModule,
		},
		{
			name: "bad rules",
			setup: func(t *testing.T, f fixture) (Options, *config.Config) {
				rules := filepath.Join(f.dir, "rules.yaml")
				require.NoError(t, os.WriteFile(rules, []byte("rules:\n  - name: x\n"), 0o644))
				return Options{Input: f.input, Stubs: f.stubs, Rules: rules}, nil
			},
			wantErr: errors.ErrRules,
		},
		{
			name: "ambiguous stubs with error policy",
			setup: func(t *testing.T, f fixture) (Options, *config.Config) {
				require.NoError(t, os.WriteFile(f.stubs, ambiguousStubs(), 0o644))
				cfg := config.DefaultConfig()
				cfg.Ambiguity = config.AmbiguityError
				return Options{Input: f.input, Stubs: f.stubs}, cfg
			},
			wantErr: errors.ErrAmbiguousStub,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			opts, cfg := tt.setup(t, f)
			_, err := New(cfg, nil).Run(context.Background(), opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, testmodule.NuGet("6.2.1"), mustRead(t, f.input))
		})
	}
}

func TestRunIsJournaled(t *testing.T) {
	f := newFixture(t)
	store, err := journal.Open(filepath.Join(f.dir, journal.DefaultFile))
	require.NoError(t, err)
	defer store.Close()

	p := New(nil, store)
	ctx := context.Background()
	_, err = p.Run(ctx, Options{Input: f.input, Stubs: f.stubs, FixVersion: true, DryRun: true})
	require.NoError(t, err)
	_, err = p.Run(ctx, Options{Input: f.input, Stubs: filepath.Join(f.dir, "absent.dll")})
	require.Error(t, err)

	runs, err := store.List(ctx, journal.ListParams{Input: f.input})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	statuses := []string{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []string{journal.StatusDryRun, journal.StatusFailed}, statuses)
	for _, r := range runs {
		if r.Status == journal.StatusDryRun {
			assert.Equal(t, "6.2.1", r.Version)
			assert.Equal(t, []string{"nuget-version", "extension-locator-early-return"}, r.Applied)
			assert.Equal(t, 3, r.Substitutions)
		} else {
			assert.Contains(t, r.Error, "absent.dll")
		}
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// ambiguousStubs declares GetEnvironmentVariable twice with one signature.
func ambiguousStubs() []byte {
	b := testmodule.New(testmodule.StubsName)
	b.TypeDef(testmodule.StubNamespace+".System", "Environment", 0)
	body := new(testmodule.IL).Op(cil.Ldnull).Op(cil.Ret).Body()
	sig := testmodule.MethodSig(false, testmodule.String, testmodule.String)
	b.Method("GetEnvironmentVariable", sig, body, "first")
	b.Method("GetEnvironmentVariable", sig, body, "second")
	return b.Bytes()
}
