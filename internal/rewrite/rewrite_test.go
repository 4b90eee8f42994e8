// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package rewrite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/module"
	"github.com/dotandev/cilpatch/internal/resolver"
	"github.com/dotandev/cilpatch/internal/rewrite"
	"github.com/dotandev/cilpatch/internal/testmodule"
)

const fixedVersion = "6.2.1 (https://github.com/abock/nuget-native-cli)"

func parse(t *testing.T, data []byte, readOnly bool) *module.Module {
	t.Helper()
	m, err := module.Parse(data, "", module.Options{ReadOnly: readOnly})
	require.NoError(t, err)
	return m
}

func bodyOf(t *testing.T, m *module.Module, typeName, name string) *cil.Body {
	t.Helper()
	td := m.FindType(typeName)
	require.NotNil(t, td, typeName)
	md := td.Method(name)
	require.NotNil(t, md, name)
	b, err := md.Body()
	require.NoError(t, err)
	return b
}

func strs(b *cil.Body) []string {
	var out []string
	for _, ins := range b.Instructions() {
		out = append(out, ins.String())
	}
	return out
}

func roundTrip(t *testing.T, m *module.Module) *module.Module {
	t.Helper()
	data, err := m.Bytes()
	require.NoError(t, err)
	return parse(t, data, false)
}

// scenarioModule holds one method whose body is exactly the five
// instructions that read the version from the assembly file.
func scenarioModule() []byte {
	b := testmodule.New(testmodule.PrimaryName)
	corlib := b.AssemblyRef("mscorlib", [4]uint16{4, 0, 0, 0})
	object := b.TypeRef(corlib, "System", "Object")
	assembly := b.TypeRef(corlib, "System.Reflection", "Assembly")
	fvi := b.TypeRef(corlib, "System.Diagnostics", "FileVersionInfo")

	il := new(testmodule.IL).
		Tok(cil.Call, b.MemberRef(assembly, "GetExecutingAssembly", testmodule.MethodSig(false, testmodule.Class(assembly)))).
		Tok(cil.Callvirt, b.MemberRef(assembly, "get_Location", testmodule.MethodSig(true, testmodule.String))).
		Tok(cil.Call, b.MemberRef(fvi, "GetVersionInfo", testmodule.MethodSig(false, testmodule.Class(fvi), testmodule.String))).
		Tok(cil.Callvirt, b.MemberRef(fvi, "get_FileVersion", testmodule.MethodSig(true, testmodule.String))).
		Op(cil.Stloc1)

	b.TypeDef("NuGet.CommandLine", "Command", object)
	locals := b.StandAloneSig(testmodule.LocalSig(testmodule.String, testmodule.String))
	b.Method("OutputNuGetVersion", testmodule.MethodSig(true, testmodule.Void), il.FatBody(8, locals))
	return b.Bytes()
}

func TestVersionScenario(t *testing.T) {
	m := parse(t, scenarioModule(), false)
	rw := rewrite.New(m, nil, nil, rewrite.Options{Version: "6.2.1"})

	report, err := rw.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, "nuget-version", report.Applied[0].Rule)
	assert.True(t, report.Changed)

	want := []string{"ldstr " + fixedVersion, "stloc.1"}
	assert.Equal(t, want, strs(bodyOf(t, m, testmodule.CommandType, "OutputNuGetVersion")))

	out := roundTrip(t, m)
	assert.Equal(t, want, strs(bodyOf(t, out, testmodule.CommandType, "OutputNuGetVersion")))
}

func TestFullPass(t *testing.T) {
	m := parse(t, testmodule.NuGet("6.2.1"), false)
	stubs := parse(t, testmodule.Stubs(), true)
	rw := rewrite.New(m, resolver.New(m, stubs, resolver.Options{}), nil, rewrite.Options{})

	report, err := rw.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "6.2.1", report.Version)
	assert.True(t, report.Changed)

	var applied []string
	for _, r := range report.Applied {
		applied = append(applied, r.Rule)
	}
	assert.Equal(t, []string{"nuget-version", "extension-locator-early-return"}, applied)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "superseded by nuget-version", report.Skipped[0].Reason)

	require.Len(t, report.Calls, 1)
	assert.Equal(t, "System.String NuGet.NetFxStubs.System.Environment::GetEnvironmentVariable(System.String)", report.Calls[0].To)
	require.Len(t, report.BaseTypes, 1)
	assert.Equal(t, testmodule.ProviderType, report.BaseTypes[0].Site)
	require.Len(t, report.Interfaces, 1)
	assert.Equal(t, "NuGet.NetFxStubs.System.Net.IWebProxy", report.Interfaces[0].To)
	assert.Equal(t, 3, report.Substitutions())

	out := roundTrip(t, m)
	assert.Equal(t, []string{
		"ldstr " + fixedVersion,
		"stloc.1",
		"ldloc.1",
		"call System.Void System.Console::WriteLine(System.String)",
		"ret",
	}, strs(bodyOf(t, out, testmodule.CommandType, "OutputNuGetVersion")))
	assert.Equal(t, []string{
		"ldstr NUGET_HOME",
		"call System.String NuGet.NetFxStubs.System.Environment::GetEnvironmentVariable(System.String)",
		"call System.Void System.Console::WriteLine(System.String)",
		"ret",
	}, strs(bodyOf(t, out, testmodule.ProgramType, "Main")))
	assert.Equal(t, "NuGet.NetFxStubs.System.Configuration.ProviderBase",
		out.FindType(testmodule.ProviderType).BaseType().FullName())
}

func TestPassIsIdempotent(t *testing.T) {
	pass := func(data []byte) ([]byte, *rewrite.Report) {
		m := parse(t, data, false)
		stubs := parse(t, testmodule.Stubs(), true)
		report, err := rewrite.New(m, resolver.New(m, stubs, resolver.Options{}), nil, rewrite.Options{}).
			Run(context.Background())
		require.NoError(t, err)
		out, err := m.Bytes()
		require.NoError(t, err)
		return out, report
	}

	once, first := pass(testmodule.NuGet("6.2.1"))
	assert.True(t, first.Changed)
	twice, second := pass(once)
	assert.False(t, second.Changed)
	assert.Empty(t, second.Applied)
	assert.Zero(t, second.Substitutions())
	assert.Equal(t, once, twice)
}

func TestUnmatchedModuleIsUnchanged(t *testing.T) {
	b := testmodule.New("Plain")
	b.TypeDef("Plain", "Type", 0)
	b.Method("Run", testmodule.MethodSig(false, testmodule.Void), new(testmodule.IL).Op(cil.Ret).Body())
	data := b.Bytes()

	m := parse(t, data, false)
	stubs := parse(t, testmodule.Stubs(), true)
	report, err := rewrite.New(m, resolver.New(m, stubs, resolver.Options{}), nil, rewrite.Options{}).
		Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Changed)
	assert.Len(t, report.Skipped, 3)
	for _, s := range report.Skipped {
		assert.Equal(t, "type not found", s.Reason)
	}

	out, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestSkipVersion(t *testing.T) {
	m := parse(t, testmodule.NuGet("6.2.1"), false)
	report, err := rewrite.New(m, nil, nil, rewrite.Options{SkipVersion: true}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Applied, 1)
	assert.Equal(t, "extension-locator-early-return", report.Applied[0].Rule)
	for _, s := range report.Skipped {
		assert.Equal(t, "version fix-up disabled", s.Reason)
	}
	assert.Contains(t, strs(bodyOf(t, m, testmodule.CommandType, "OutputNuGetVersion")),
		"callvirt System.String System.Reflection.Assembly::get_Location()")
}

func TestVersionConstraint(t *testing.T) {
	rules, err := rewrite.ParseRules([]byte(`
rules:
  - name: old-only
    type: NuGet.CommandLine.ExtensionLocator
    method: FindAll
    kind: early-return
    anchor: NuGet.CommandLine.Program
    when: "< 5.0"
`), "test")
	require.NoError(t, err)

	m := parse(t, testmodule.NuGet("6.2.1"), false)
	report, err := rewrite.New(m, nil, rules, rewrite.Options{}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Skipped, 1)
	assert.Contains(t, report.Skipped[0].Reason, "does not satisfy")
	assert.False(t, report.Changed)
}

func TestMissingPatternIsReported(t *testing.T) {
	rules, err := rewrite.ParseRules([]byte(`
rules:
  - name: absent
    type: NuGet.CommandLine.Program
    method: Main
    kind: replace
    match: [nop, nop]
    replace: [{op: ret}]
`), "test")
	require.NoError(t, err)

	m := parse(t, testmodule.NuGet("6.2.1"), false)
	report, err := rewrite.New(m, nil, rules, rewrite.Options{}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "pattern not found", report.Skipped[0].Reason)
	assert.Equal(t, "NuGet.CommandLine.Program::Main", report.Skipped[0].Target)
}

func TestRunHonoursCancellation(t *testing.T) {
	m := parse(t, testmodule.NuGet("6.2.1"), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rewrite.New(m, nil, nil, rewrite.Options{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
