// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package credprovider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(parts...)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o755))
	return path
}

func TestDiscover(t *testing.T) {
	base := t.TempDir()
	custom := filepath.Join(base, "custom")
	global := filepath.Join(base, "global")
	tool := filepath.Join(base, "tool")

	c1 := touch(t, custom, "CredentialProvider.Foo.exe")
	touch(t, custom, "readme.txt")
	g1 := touch(t, global, "Bar", "CredentialProvider.Bar.exe")
	g2 := touch(t, global, "Baz", "net6", "CredentialProvider.Baz.exe")
	t1 := touch(t, tool, "CredentialProvider.Tool.exe")
	touch(t, tool, "plugins", "CredentialProvider.Nested.exe")
	touch(t, tool, "NuGet.exe")

	got := Discover(Options{
		CustomPaths: []string{filepath.Join(base, "missing"), custom},
		GlobalRoot:  global,
		ToolDir:     tool,
	})
	assert.Equal(t, []string{c1, g1, g2, t1}, got)
}

func TestDiscoverNothing(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no roots", Options{}},
		{"missing roots", Options{CustomPaths: []string{"/nonexistent/a"}, GlobalRoot: "/nonexistent/b", ToolDir: "/nonexistent/c"}},
		{"empty root", Options{GlobalRoot: t.TempDir()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, Discover(tt.opts))
		})
	}
}

func TestDiscoverCustomPattern(t *testing.T) {
	dir := t.TempDir()
	want := touch(t, dir, "MyProvider.dll")
	touch(t, dir, "CredentialProvider.exe")
	assert.Equal(t, []string{want}, Discover(Options{ToolDir: dir, Pattern: "*Provider.dll"}))
}

func TestSplitPaths(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a;b", []string{"a", "b"}},
		{" a ;; b;", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitPaths(tt.in))
		})
	}
}

func TestDefaultOptionsReadsEnvironment(t *testing.T) {
	t.Setenv(EnvPaths, "/x;/y")
	opts := DefaultOptions()
	assert.Equal(t, []string{"/x", "/y"}, opts.CustomPaths)
	assert.NotEmpty(t, opts.ToolDir)
}
