// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/logger"
)

// DestructiveOp represents a type of destructive SQL operation.
type DestructiveOp string

const (
	OpDelete   DestructiveOp = "DELETE"
	OpDrop     DestructiveOp = "DROP"
	OpAlter    DestructiveOp = "ALTER"
	OpTruncate DestructiveOp = "TRUNCATE"
	OpUpdate   DestructiveOp = "UPDATE"
	OpSafe     DestructiveOp = ""
)

// ClassifySQL returns the destructive operation type for a SQL statement.
// Returns OpSafe if the statement is not destructive.
func ClassifySQL(query string) DestructiveOp {
	normalized := strings.ToUpper(strings.TrimSpace(query))
	for _, op := range []DestructiveOp{OpDelete, OpDrop, OpAlter, OpTruncate, OpUpdate} {
		if strings.HasPrefix(normalized, string(op)) {
			return op
		}
	}
	return OpSafe
}

// PruneOptions bounds the journal. Zero values disable each limit.
type PruneOptions struct {
	MaxAge  time.Duration
	MaxRuns int
	// DryRun counts what would be removed without deleting anything.
	DryRun bool
}

const (
	pruneExpired = `DELETE FROM runs WHERE timestamp < ?`
	pruneExcess  = `DELETE FROM runs WHERE id IN (SELECT id FROM runs ORDER BY timestamp ASC, id ASC LIMIT ?)`
	countExpired = `SELECT COUNT(*) FROM runs WHERE timestamp < ?`
)

// Prune removes runs older than MaxAge, then the oldest runs beyond MaxRuns.
// It returns the number of runs removed, or that would be removed.
func (s *Store) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	removed := 0

	if opts.MaxAge > 0 {
		cutoff := time.Now().Add(-opts.MaxAge).UTC().Format(timeLayout)
		n, err := s.destructive(ctx, opts.DryRun, pruneExpired, countExpired, cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	if opts.MaxRuns > 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count); err != nil {
			return removed, errors.WrapJournal(fmt.Errorf("failed to count runs: %w", err))
		}
		if opts.DryRun {
			count -= removed
		}
		if excess := count - opts.MaxRuns; excess > 0 {
			n, err := s.destructive(ctx, opts.DryRun, pruneExcess, "", excess)
			if err != nil {
				return removed, err
			}
			if opts.DryRun {
				n = excess
			}
			removed += n
		}
	}

	if removed > 0 {
		logger.Logger.Debug("Journal pruned", "removed", removed, "dry_run", opts.DryRun)
	}
	return removed, nil
}

// destructive runs query, or in dry-run mode logs it and evaluates count
// instead.
func (s *Store) destructive(ctx context.Context, dryRun bool, query, count string, args ...any) (int, error) {
	if dryRun {
		if op := ClassifySQL(query); op != OpSafe {
			logger.Logger.Warn("[DRY-RUN] destructive SQL detected",
				"operation", string(op),
				"query", query,
				"args", fmt.Sprintf("%v", args),
			)
		}
		if count == "" {
			return 0, nil
		}
		var n int
		if err := s.db.QueryRowContext(ctx, count, args...).Scan(&n); err != nil {
			return 0, errors.WrapJournal(err)
		}
		return n, nil
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.WrapJournal(fmt.Errorf("prune failed: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
