// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package crashreport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collector(t *testing.T, got *Report, ua *string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if ua != nil {
			*ua = r.Header.Get("User-Agent")
		}
		if got != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewEndpoint(t *testing.T) {
	t.Setenv(envEndpoint, "")
	assert.Empty(t, New(Config{}).cfg.Endpoint)
	assert.Equal(t, "http://a", New(Config{Endpoint: "http://a"}).cfg.Endpoint)

	t.Setenv(envEndpoint, "http://b")
	assert.Equal(t, "http://b", New(Config{Endpoint: "http://a"}).cfg.Endpoint)
}

func TestIsEnabled(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		enabled  bool
		endpoint string
		want     bool
	}{
		{"config on", "", true, "http://x", true},
		{"config off", "", false, "http://x", false},
		{"env yes", "yes", false, "http://x", true},
		{"env 1", "1", false, "http://x", true},
		{"env no overrides config", "no", true, "http://x", false},
		{"no sink", "true", true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(envOptIn, tt.env)
			t.Setenv(envEndpoint, "")
			t.Setenv(envSentryDSN, "")
			r := New(Config{Enabled: tt.enabled, Endpoint: tt.endpoint})
			assert.Equal(t, tt.want, r.IsEnabled())
		})
	}
}

func TestSendNoOpWhenDisabled(t *testing.T) {
	t.Setenv(envOptIn, "")
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	r := New(Config{Enabled: false, Endpoint: srv.URL})
	require.NoError(t, r.Send(context.Background(), errors.New("boom"), nil, "cilpatch patch"))
	assert.False(t, called)
}

func TestSendPostsPayload(t *testing.T) {
	t.Setenv(envOptIn, "")
	var got Report
	var ua string
	srv := collector(t, &got, &ua, http.StatusAccepted)

	r := New(Config{Enabled: true, Endpoint: srv.URL, Version: "1.2.0", CommitSHA: "abc"})
	err := r.Send(context.Background(), errors.New("boom"), []byte("goroutine 1"), "cilpatch patch")
	require.NoError(t, err)

	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Equal(t, "goroutine 1", got.StackTrace)
	assert.Equal(t, "cilpatch patch", got.Command)
	assert.Equal(t, "1.2.0", got.Version)
	assert.Equal(t, "abc", got.CommitSHA)
	assert.NotEmpty(t, got.OS)
	assert.NotEmpty(t, got.CrashTime)
	assert.Equal(t, "cilpatch/1.2.0", ua)
}

func TestSendReportsSinkFailures(t *testing.T) {
	t.Setenv(envOptIn, "")
	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := collector(t, nil, nil, status)
			err := New(Config{Enabled: true, Endpoint: srv.URL}).Send(context.Background(), errors.New("x"), nil, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "crashreport")
		})
	}

	err := New(Config{Enabled: true, Endpoint: "http://127.0.0.1:1"}).Send(context.Background(), errors.New("x"), nil, "")
	assert.Error(t, err)
}

func TestBuildReportNilError(t *testing.T) {
	r := New(Config{Version: "dev"})
	report := r.buildReport(nil, nil, "cilpatch inspect")
	assert.Empty(t, report.ErrorMessage)
	assert.Empty(t, report.StackTrace)
	assert.Equal(t, "cilpatch inspect", report.Command)
}

func TestHandlePanic(t *testing.T) {
	t.Setenv(envOptIn, "")
	var got Report
	srv := collector(t, &got, nil, http.StatusOK)
	r := New(Config{Enabled: true, Endpoint: srv.URL})

	assert.NotPanics(t, func() {
		defer r.HandlePanic(context.Background(), "cilpatch patch")
	})

	assert.PanicsWithValue(t, "bad image", func() {
		defer r.HandlePanic(context.Background(), "cilpatch patch")
		panic("bad image")
	})
	assert.Equal(t, "bad image", got.ErrorMessage)
	assert.Contains(t, got.StackTrace, "goroutine")
}

func TestScrubPaths(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"stub module /home/dev/tools/shims.dll: not found", "stub module shims.dll: not found"},
		{`open C:\Users\dev\NuGet.exe: access denied`, "open NuGet.exe: access denied"},
		{"rename /tmp/out/NuGet.exe.tmp /tmp/out/NuGet.exe", "rename NuGet.exe.tmp NuGet.exe"},
		{"no paths here", "no paths here"},
		{"root /", "root /"},
		{"type NuGet.Outer/Inner not found", "type NuGet.Outer/Inner not found"},
		{`stubs "/opt/shims.dll"`, `stubs "shims.dll"`},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, scrubPaths(tt.in))
		})
	}
}

func TestBuildReportScrubsPaths(t *testing.T) {
	r := New(Config{})
	report := r.buildReport(errors.New("invalid image /srv/build/NuGet.exe"), nil, "cilpatch patch")
	assert.Equal(t, "invalid image NuGet.exe", report.ErrorMessage)
}
