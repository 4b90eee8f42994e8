// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package crashreport sends opt-in crash reports for the cilpatch CLI.
//
// Two sinks are supported and may be used together: Sentry (SentryDSN or
// CILPATCH_SENTRY_DSN) and a JSON POST to Endpoint (or CILPATCH_CRASH_ENDPOINT).
// Reporting is off unless crash_reporting is set in the config file or
// CILPATCH_CRASH_REPORTING is true. Reports carry the error message, stack
// trace, platform and build versions only. File paths in the message are
// reduced to their base name and module contents are never sent.
package crashreport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	defaultTimeout = 5 * time.Second

	envOptIn     = "CILPATCH_CRASH_REPORTING"
	envEndpoint  = "CILPATCH_CRASH_ENDPOINT"
	envSentryDSN = "CILPATCH_SENTRY_DSN"
)

// Report is the payload delivered to every sink.
type Report struct {
	Version   string `json:"version"`
	CommitSHA string `json:"commit_sha,omitempty"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
	// CrashTime is RFC 3339, UTC.
	CrashTime    string `json:"crash_time"`
	ErrorMessage string `json:"error_message"`
	StackTrace   string `json:"stack_trace,omitempty"`
	// Command is the cobra command path, e.g. "cilpatch patch".
	Command string `json:"command,omitempty"`
}

// Config controls crash reporter behaviour.
type Config struct {
	Enabled   bool
	SentryDSN string
	Endpoint  string
	// Version and CommitSHA are injected from build-time ldflags.
	Version   string
	CommitSHA string
}

type sink interface {
	name() string
	send(ctx context.Context, report Report) error
}

// Reporter dispatches crash reports to all configured sinks.
type Reporter struct {
	cfg   Config
	sinks []sink
}

// New creates a Reporter from cfg. CILPATCH_SENTRY_DSN and
// CILPATCH_CRASH_ENDPOINT override the corresponding fields. A DSN that
// Sentry rejects leaves only the endpoint sink.
func New(cfg Config) *Reporter {
	if dsn := os.Getenv(envSentryDSN); dsn != "" {
		cfg.SentryDSN = dsn
	}
	if ep := os.Getenv(envEndpoint); ep != "" {
		cfg.Endpoint = ep
	}

	r := &Reporter{cfg: cfg}
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: "cilpatch@" + cfg.Version,
		}); err == nil {
			r.sinks = append(r.sinks, sentrySink{})
		}
	}
	if cfg.Endpoint != "" {
		r.sinks = append(r.sinks, &httpSink{
			url:       cfg.Endpoint,
			userAgent: "cilpatch/" + cfg.Version,
			client:    &http.Client{Timeout: defaultTimeout},
		})
	}
	return r
}

// IsEnabled reports whether crash reporting is opted in and has a sink.
// CILPATCH_CRASH_REPORTING takes precedence over Config.Enabled.
func (r *Reporter) IsEnabled() bool {
	if len(r.sinks) == 0 {
		return false
	}
	switch os.Getenv(envOptIn) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return r.cfg.Enabled
}

// Send builds a Report and dispatches it to every sink. It returns nil when
// reporting is disabled.
func (r *Reporter) Send(ctx context.Context, err error, stack []byte, command string) error {
	if !r.IsEnabled() {
		return nil
	}
	report := r.buildReport(err, stack, command)

	var errs []error
	for _, s := range r.sinks {
		if sendErr := s.send(ctx, report); sendErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name(), sendErr))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("crashreport: %w", errors.Join(errs...))
	}
	return nil
}

// HandlePanic is deferred at the top of main. A panic in flight is reported
// and then re-raised.
func (r *Reporter) HandlePanic(ctx context.Context, command string) {
	v := recover()
	if v == nil {
		return
	}
	panicErr, ok := v.(error)
	if !ok {
		panicErr = fmt.Errorf("%v", v)
	}
	_ = r.Send(ctx, panicErr, debug.Stack(), command)
	panic(v)
}

func (r *Reporter) buildReport(err error, stack []byte, command string) Report {
	msg := ""
	if err != nil {
		msg = scrubPaths(err.Error())
	}
	goVersion := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
	}
	return Report{
		Version:      r.cfg.Version,
		CommitSHA:    r.cfg.CommitSHA,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		GoVersion:    goVersion,
		CrashTime:    time.Now().UTC().Format(time.RFC3339),
		ErrorMessage: msg,
		StackTrace:   string(stack),
		Command:      command,
	}
}

// pathPattern matches absolute Unix and drive-letter Windows paths that
// start a word, so nested type names like Outer/Inner are left alone.
var pathPattern = regexp.MustCompile(`(^|[\s"'=(])((?:[A-Za-z]:\\|/)[^\s:"')]+)`)

// scrubPaths replaces absolute paths with their base name.
func scrubPaths(msg string) string {
	return pathPattern.ReplaceAllStringFunc(msg, func(m string) string {
		sub := pathPattern.FindStringSubmatch(m)
		lead, p := sub[1], sub[2]
		trimmed := strings.TrimRight(p, `/\`)
		base := trimmed[strings.LastIndexAny(trimmed, `/\`)+1:]
		if base == "" {
			return m
		}
		return lead + base
	})
}

type sentrySink struct{}

func (sentrySink) name() string { return "sentry" }

func (sentrySink) send(_ context.Context, report Report) error {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("os", report.OS)
		scope.SetTag("arch", report.Arch)
		scope.SetTag("go_version", report.GoVersion)
		scope.SetTag("command", report.Command)
		scope.SetExtra("stack_trace", report.StackTrace)
		scope.SetExtra("commit_sha", report.CommitSHA)
		sentry.CaptureMessage(report.ErrorMessage)
	})
	if !sentry.Flush(defaultTimeout) {
		return errors.New("flush timed out")
	}
	return nil
}

type httpSink struct {
	url       string
	userAgent string
	client    *http.Client
}

func (s *httpSink) name() string { return "endpoint" }

func (s *httpSink) send(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
