// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package updater checks GitHub for a newer cilpatch release.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/dotandev/cilpatch/internal/logger"
)

const (
	// GitHubAPIURL is the endpoint for fetching the latest release
	GitHubAPIURL = "https://api.github.com/repos/dotandev/cilpatch/releases/latest"
	// CheckInterval is how often we check for updates (24 hours)
	CheckInterval = 24 * time.Hour
	// RequestTimeout is the maximum time to wait for GitHub API
	RequestTimeout = 5 * time.Second
	// EnvNoCheck disables update checks when set.
	EnvNoCheck = "CILPATCH_NO_UPDATE_CHECK"

	cacheFileName = "last_update_check"
)

// Checker handles update checking logic
type Checker struct {
	currentVersion string
	cacheDir       string
	url            string
	client         *http.Client
}

// GitHubRelease represents the GitHub API response for a release
type GitHubRelease struct {
	TagName string `json:"tag_name"`
}

// CacheData stores the last check timestamp and latest version
type CacheData struct {
	LastCheck     time.Time `json:"last_check"`
	LatestVersion string    `json:"latest_version"`
}

// Status is the outcome of a check.
type Status struct {
	Current  string
	Latest   string
	Newer    bool
	Cached   bool
	Disabled bool
}

// NewChecker creates a checker that caches results in cacheDir. An empty
// cacheDir uses the user cache directory.
func NewChecker(currentVersion, cacheDir string) *Checker {
	if cacheDir == "" {
		cacheDir = getCacheDir()
	}
	return &Checker{
		currentVersion: currentVersion,
		cacheDir:       cacheDir,
		url:            GitHubAPIURL,
		client:         &http.Client{Timeout: RequestTimeout},
	}
}

// WithURL points the checker at another release endpoint.
func (c *Checker) WithURL(url string) *Checker {
	c.url = url
	return c
}

// Check returns the latest release, using the cached answer when it is
// younger than CheckInterval unless force is set.
func (c *Checker) Check(ctx context.Context, force bool) (Status, error) {
	st := Status{Current: c.currentVersion}
	if os.Getenv(EnvNoCheck) != "" {
		st.Disabled = true
		return st, nil
	}

	if cache, ok := c.readCache(); ok && !force && time.Since(cache.LastCheck) < CheckInterval {
		st.Latest, st.Cached = cache.LatestVersion, true
	} else {
		ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
		defer cancel()
		latest, err := c.fetchLatestVersion(ctx)
		if err != nil {
			return st, err
		}
		st.Latest = latest
		if err := c.updateCache(latest); err != nil {
			logger.Logger.Debug("Failed to cache update check", "error", err)
		}
	}

	newer, err := CompareVersions(c.currentVersion, st.Latest)
	if err != nil {
		return st, err
	}
	st.Newer = newer
	return st, nil
}

func (c *Checker) readCache() (CacheData, bool) {
	var cache CacheData
	data, err := os.ReadFile(filepath.Join(c.cacheDir, cacheFileName))
	if err != nil {
		return cache, false
	}
	if err := json.Unmarshal(data, &cache); err != nil {
		return cache, false
	}
	return cache, true
}

// fetchLatestVersion calls GitHub API to get the latest release
func (c *Checker) fetchLatestVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "cilpatch-cli")
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var release GitHubRelease
	if err := json.Unmarshal(body, &release); err != nil {
		return "", err
	}
	if release.TagName == "" {
		return "", fmt.Errorf("release has no tag")
	}
	return release.TagName, nil
}

// CompareVersions reports whether latest is newer than current. Development
// builds never need an update.
func CompareVersions(current, latest string) (bool, error) {
	current = strings.TrimPrefix(current, "v")
	latest = strings.TrimPrefix(latest, "v")

	if current == "dev" || current == "" {
		return false, nil
	}

	currentVer, err := version.NewVersion(current)
	if err != nil {
		return false, err
	}
	latestVer, err := version.NewVersion(latest)
	if err != nil {
		return false, err
	}
	return latestVer.GreaterThan(currentVer), nil
}

func (c *Checker) updateCache(latestVersion string) error {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(CacheData{LastCheck: time.Now(), LatestVersion: latestVersion})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cacheDir, cacheFileName), data, 0o644)
}

// getCacheDir returns the appropriate cache directory for the platform
func getCacheDir() string {
	if cacheDir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cacheDir, "cilpatch")
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".cache", "cilpatch")
	}
	return filepath.Join(os.TempDir(), "cilpatch")
}
