// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package updater

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name        string
		current     string
		latest      string
		newer       bool
		expectError bool
	}{
		{"older version", "v1.0.0", "v1.1.0", true, false},
		{"major bump", "1.2.3", "v2.0.0", true, false},
		{"prerelease to stable", "v1.0.0-alpha", "v1.0.0", true, false},
		{"same version", "v1.0.0", "v1.0.0", false, false},
		{"newer local", "v2.0.0", "v1.0.0", false, false},
		{"dev build", "dev", "v9.9.9", false, false},
		{"bad latest", "v1.0.0", "latest", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompareVersions(tt.current, tt.latest)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.newer, got)
		})
	}
}

func releaseServer(t *testing.T, tag string, status int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "cilpatch-cli", r.Header.Get("User-Agent"))
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(GitHubRelease{TagName: tag})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCheckFetchesAndCaches(t *testing.T) {
	srv, hits := releaseServer(t, "v1.2.0", http.StatusOK)
	dir := t.TempDir()
	c := NewChecker("v1.0.0", dir).WithURL(srv.URL)

	st, err := c.Check(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", st.Latest)
	assert.True(t, st.Newer)
	assert.False(t, st.Cached)
	assert.FileExists(t, filepath.Join(dir, cacheFileName))

	st, err = c.Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, st.Cached)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	_, err = c.Check(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestCheckIgnoresStaleCache(t *testing.T) {
	srv, hits := releaseServer(t, "v1.0.0", http.StatusOK)
	dir := t.TempDir()
	data, err := json.Marshal(CacheData{LastCheck: time.Now().Add(-2 * CheckInterval), LatestVersion: "v0.1.0"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, cacheFileName), data, 0o644))

	st, err := NewChecker("v1.0.0", dir).WithURL(srv.URL).Check(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", st.Latest)
	assert.False(t, st.Newer)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestCheckErrors(t *testing.T) {
	srv, _ := releaseServer(t, "v1.0.0", http.StatusForbidden)
	_, err := NewChecker("v1.0.0", t.TempDir()).WithURL(srv.URL).Check(context.Background(), false)
	assert.Error(t, err)

	empty, _ := releaseServer(t, "", http.StatusOK)
	_, err = NewChecker("v1.0.0", t.TempDir()).WithURL(empty.URL).Check(context.Background(), false)
	assert.Error(t, err)
}

func TestCheckOptOut(t *testing.T) {
	t.Setenv(EnvNoCheck, "1")
	srv, hits := releaseServer(t, "v9.0.0", http.StatusOK)
	st, err := NewChecker("v1.0.0", t.TempDir()).WithURL(srv.URL).Check(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, st.Disabled)
	assert.Zero(t, atomic.LoadInt32(hits))
}

func TestGetCacheDir(t *testing.T) {
	assert.Contains(t, getCacheDir(), "cilpatch")
}
