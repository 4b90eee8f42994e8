// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package credprovider locates NuGet credential provider executables.
package credprovider

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dotandev/cilpatch/internal/logger"
)

const (
	// EnvPaths lists extra search roots separated by ';'.
	EnvPaths = "NUGET_CREDENTIALPROVIDERS_PATH"
	// DefaultPattern matches provider executables.
	DefaultPattern = "CredentialProvider*.exe"
)

// Options selects where Discover looks.
type Options struct {
	// CustomPaths and GlobalRoot are searched recursively.
	CustomPaths []string
	GlobalRoot  string
	// ToolDir is searched without descending into subdirectories.
	ToolDir string
	// Pattern defaults to DefaultPattern.
	Pattern string
}

// DefaultOptions reads EnvPaths, uses ~/.nuget/CredentialProviders as the
// global root and the directory of the running executable as ToolDir.
func DefaultOptions() Options {
	opts := Options{CustomPaths: SplitPaths(os.Getenv(EnvPaths))}
	if home, err := os.UserHomeDir(); err == nil {
		opts.GlobalRoot = filepath.Join(home, ".nuget", "CredentialProviders")
	}
	if exe, err := os.Executable(); err == nil {
		opts.ToolDir = filepath.Dir(exe)
	}
	return opts
}

// SplitPaths splits a ';'-separated list, dropping empty entries.
func SplitPaths(list string) []string {
	var out []string
	for _, p := range strings.Split(list, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Discover returns provider paths in search order: custom paths, the global
// root, then the tool directory. Missing directories are skipped.
func Discover(opts Options) []string {
	pattern := opts.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}

	var found []string
	roots := append(append([]string(nil), opts.CustomPaths...), opts.GlobalRoot)
	for _, root := range roots {
		if !isDir(root) {
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.Logger.Debug("Skipping unreadable path", "path", path, "error", err)
				return nil
			}
			if !d.IsDir() && matches(pattern, d.Name()) {
				found = append(found, path)
			}
			return nil
		})
	}

	if isDir(opts.ToolDir) {
		entries, err := os.ReadDir(opts.ToolDir)
		if err != nil {
			logger.Logger.Debug("Skipping unreadable tool directory", "path", opts.ToolDir, "error", err)
		}
		for _, e := range entries {
			if !e.IsDir() && matches(pattern, e.Name()) {
				found = append(found, filepath.Join(opts.ToolDir, e.Name()))
			}
		}
	}

	logger.Logger.Debug("Credential providers discovered", "count", len(found))
	return found
}

func matches(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
