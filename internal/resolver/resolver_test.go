// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/config"
	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/module"
	"github.com/dotandev/cilpatch/internal/resolver"
	"github.com/dotandev/cilpatch/internal/testmodule"
)

func load(t *testing.T, data []byte, readOnly bool) *module.Module {
	t.Helper()
	m, err := module.Parse(data, "", module.Options{ReadOnly: readOnly})
	require.NoError(t, err)
	return m
}

// callees returns the method operands of a body in order.
func callees(t *testing.T, m *module.Module, typeName, name string) []module.Method {
	t.Helper()
	md := m.FindType(typeName).Method(name)
	require.NotNil(t, md)
	body, err := md.Body()
	require.NoError(t, err)
	var out []module.Method
	for _, ins := range body.Instructions() {
		if mt, ok := ins.Operand.(module.Method); ok {
			out = append(out, mt)
		}
	}
	return out
}

// ambiguousStubs defines two GetEnvironmentVariable(string) overloads that
// differ only by parameter name.
func ambiguousStubs() []byte {
	b := testmodule.New(testmodule.StubsName)
	b.TypeDef(testmodule.StubNamespace+".System", "Environment", 0)
	body := new(testmodule.IL).Op(cil.Ldnull).Op(cil.Ret).Body()
	sig := testmodule.MethodSig(false, testmodule.String, testmodule.String)
	b.Method("GetEnvironmentVariable", sig, body, "first")
	b.Method("GetEnvironmentVariable", sig, body, "second")
	return b.Bytes()
}

func TestResolveType(t *testing.T) {
	primary := load(t, testmodule.NuGet("6.2.1"), false)
	stubs := load(t, testmodule.Stubs(), true)
	r := resolver.New(primary, stubs, resolver.Options{})

	proxy := primary.FindType(testmodule.ProxyType)
	iface := proxy.Interfaces()[0]
	assert.Equal(t, "NuGet.NetFxStubs.System.Net.IWebProxy", r.StubName(iface))

	got, ok, err := r.ResolveType(iface)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "NuGet.NetFxStubs.System.Net.IWebProxy", got.FullName())
	assert.Equal(t, primary, got.Module())

	_, ok, err = r.ResolveType(proxy.BaseType())
	require.NoError(t, err)
	assert.False(t, ok, "System.Object has no stub")

	_, ok, err = r.ResolveType(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveMethod(t *testing.T) {
	primary := load(t, testmodule.NuGet("6.2.1"), false)
	stubs := load(t, testmodule.Stubs(), true)
	r := resolver.New(primary, stubs, resolver.Options{})

	calls := callees(t, primary, testmodule.ProgramType, "Main")
	require.Len(t, calls, 2)
	getEnv, writeLine := calls[0], calls[1]

	tests := []struct {
		name   string
		method module.Method
		want   string
	}{
		{
			name:   "exact match",
			method: getEnv,
			want:   "System.String NuGet.NetFxStubs.System.Environment::GetEnvironmentVariable(System.String)",
		},
		{
			name:   "parameter type differs",
			method: writeLine,
		},
		{
			name:   "declaring type has no stub",
			method: callees(t, primary, testmodule.CommandType, "OutputNuGetVersion")[0],
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := r.ResolveMethod(tt.method)
			require.NoError(t, err)
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, got.FullName())
			assert.Equal(t, primary, got.Module())
		})
	}
}

func TestResolveMethodIsMemoized(t *testing.T) {
	primary := load(t, testmodule.NuGet("6.2.1"), false)
	stubs := load(t, testmodule.Stubs(), true)
	r := resolver.New(primary, stubs, resolver.Options{})

	getEnv := callees(t, primary, testmodule.ProgramType, "Main")[0]
	first, ok, err := r.ResolveMethod(getEnv)
	require.NoError(t, err)
	require.True(t, ok)
	second, _, err := r.ResolveMethod(getEnv)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestStubLookupLeavesPrimaryUntouched(t *testing.T) {
	primary := load(t, testmodule.NuGet("6.2.1"), false)
	stubs := load(t, testmodule.Stubs(), true)
	r := resolver.New(primary, stubs, resolver.Options{})

	getEnv := callees(t, primary, testmodule.ProgramType, "Main")[0]
	def, ok, err := r.StubMethod(getEnv)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stubs, def.Module())

	_, ok = r.StubType(primary.FindType(testmodule.ProviderType).BaseType())
	assert.True(t, ok)
	assert.False(t, primary.Modified())
}

func TestAmbiguityPolicy(t *testing.T) {
	tests := []struct {
		policy  config.Ambiguity
		want    string
		wantErr error
	}{
		{policy: "", want: "first"},
		{policy: config.AmbiguityFirst, want: "first"},
		{policy: config.AmbiguityLast, want: "second"},
		{policy: config.AmbiguityError, wantErr: errors.ErrAmbiguousStub},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			primary := load(t, testmodule.NuGet("6.2.1"), false)
			stubs := load(t, ambiguousStubs(), true)
			r := resolver.New(primary, stubs, resolver.Options{Ambiguity: tt.policy})

			getEnv := callees(t, primary, testmodule.ProgramType, "Main")[0]
			def, ok, err := r.StubMethod(getEnv)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []string{tt.want}, def.ParamNames)
		})
	}
}

func TestCustomNamespace(t *testing.T) {
	primary := load(t, testmodule.NuGet("6.2.1"), false)
	stubs := load(t, testmodule.Stubs(), true)
	r := resolver.New(primary, stubs, resolver.Options{Namespace: "Other.Stubs"})

	iface := primary.FindType(testmodule.ProxyType).Interfaces()[0]
	_, ok := r.StubType(iface)
	assert.False(t, ok)
}
