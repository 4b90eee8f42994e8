// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package journal keeps a SQLite ledger of patch runs.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/logger"
	_ "modernc.org/sqlite"
)

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1

	// DefaultFile is the journal file name inside the config directory.
	DefaultFile = "journal.db"

	StatusPatched   = "patched"
	StatusUnchanged = "unchanged"
	StatusDryRun    = "dry-run"
	StatusFailed    = "failed"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one recorded patch run.
type Run struct {
	ID            int64         `json:"id"`
	Input         string        `json:"input"`
	Output        string        `json:"output"`
	Stubs         string        `json:"stubs"`
	Module        string        `json:"module"`
	Version       string        `json:"version"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	Applied       []string      `json:"applied"`
	Skipped       []string      `json:"skipped"`
	Substitutions int           `json:"substitutions"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Store handles database operations
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WrapJournal(fmt.Errorf("failed to create journal dir: %w", err))
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.WrapJournal(fmt.Errorf("failed to open db: %w", err))
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0o600); err != nil {
		logger.Logger.Warn("Failed to set journal permissions", "error", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		input TEXT NOT NULL,
		output TEXT,
		stubs TEXT,
		module TEXT,
		version TEXT,
		status TEXT NOT NULL,
		error_msg TEXT,
		applied TEXT,
		skipped TEXT,
		substitutions INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL,
		schema_version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_input ON runs(input);
	CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return errors.WrapJournal(fmt.Errorf("failed to init schema: %w", err))
	}
	return nil
}

// Path returns the journal file location.
func (s *Store) Path() string { return s.path }

// Record persists a run and assigns its ID.
func (s *Store) Record(ctx context.Context, run *Run) error {
	if run.Input == "" {
		return errors.WrapJournal(fmt.Errorf("run input is required"))
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now()
	}
	applied, _ := json.Marshal(run.Applied)
	skipped, _ := json.Marshal(run.Skipped)

	query := `
	INSERT INTO runs (input, output, stubs, module, version, status, error_msg,
		applied, skipped, substitutions, duration_ns, timestamp, schema_version)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		run.Input, run.Output, run.Stubs, run.Module, run.Version, run.Status, run.Error,
		string(applied), string(skipped), run.Substitutions, int64(run.Duration),
		run.Timestamp.UTC().Format(timeLayout), SchemaVersion,
	)
	if err != nil {
		return errors.WrapJournal(fmt.Errorf("failed to insert run: %w", err))
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return errors.WrapJournal(err)
	}

	logger.Logger.Debug("Run recorded", "id", run.ID, "input", run.Input, "status", run.Status)
	return nil
}

// ListParams filters List.
type ListParams struct {
	Input  string
	Status string
	Limit  int
}

// List returns recorded runs, newest first.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Run, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	query := `SELECT id, input, output, stubs, module, version, status, error_msg,
		applied, skipped, substitutions, duration_ns, timestamp FROM runs WHERE 1=1`
	var args []any
	if params.Input != "" {
		query += " AND input = ?"
		args = append(args, params.Input)
	}
	if params.Status != "" {
		query += " AND status = ?"
		args = append(args, params.Status)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, params.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapJournal(fmt.Errorf("query failed: %w", err))
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run              Run
			applied, skipped string
			duration         int64
			ts               string
			output, stubs    sql.NullString
			module, version  sql.NullString
			errMsg           sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Input, &output, &stubs, &module, &version, &run.Status, &errMsg,
			&applied, &skipped, &run.Substitutions, &duration, &ts); err != nil {
			return nil, errors.WrapJournal(fmt.Errorf("failed to scan run: %w", err))
		}
		run.Output, run.Stubs, run.Module, run.Version, run.Error = output.String, stubs.String, module.String, version.String, errMsg.String
		run.Duration = time.Duration(duration)
		if run.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, errors.WrapJournal(fmt.Errorf("failed to parse timestamp: %w", err))
		}
		_ = json.Unmarshal([]byte(applied), &run.Applied)
		_ = json.Unmarshal([]byte(skipped), &run.Skipped)
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapJournal(err)
	}
	return runs, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
