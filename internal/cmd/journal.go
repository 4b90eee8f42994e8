// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/journal"
)

var (
	journalInputFlag  string
	journalStatusFlag string
	journalLimitFlag  int
	journalJSONFlag   bool

	pruneMaxAgeFlag  time.Duration
	pruneMaxRunsFlag int
	pruneDryRunFlag  bool
)

var journalCmd = &cobra.Command{
	Use:     "journal",
	GroupID: "utility",
	Short:   "Inspect the record of patch runs",
	Long: `Every patch run is recorded when journal_path (or CILPATCH_JOURNAL) is set.
Relative paths are resolved against the cilpatch config directory.`,
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := requireJournal()
		if err != nil {
			return err
		}
		runs, err := store.List(cmd.Context(), journal.ListParams{
			Input:  journalInputFlag,
			Status: journalStatusFlag,
			Limit:  journalLimitFlag,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if journalJSONFlag {
			return writeJSON(out, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, faint("No runs recorded"))
			return nil
		}
		for _, r := range runs {
			status := ok(r.Status)
			if r.Status == journal.StatusFailed {
				status = warn(r.Status)
			}
			fmt.Fprintf(out, "%4d  %s  %-9s  %s %s\n", r.ID, r.Timestamp.Local().Format(time.DateTime), status, r.Input, faint(r.Version))
			if r.Error != "" {
				fmt.Fprintf(out, "      %s\n", r.Error)
			}
		}
		return nil
	},
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := requireJournal()
		if err != nil {
			return err
		}
		n, err := store.Prune(cmd.Context(), journal.PruneOptions{
			MaxAge:  pruneMaxAgeFlag,
			MaxRuns: pruneMaxRunsFlag,
			DryRun:  pruneDryRunFlag,
		})
		if err != nil {
			return err
		}
		verb := "Removed"
		if pruneDryRunFlag {
			verb = "Would remove"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d runs\n", verb, n)
		return nil
	},
}

func requireJournal() (*journal.Store, error) {
	store, err := openJournal()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.WrapConfigError("journal_path is not configured", nil)
	}
	return store, nil
}

func init() {
	journalListCmd.Flags().StringVar(&journalInputFlag, "input", "", "Only runs for this module path")
	journalListCmd.Flags().StringVar(&journalStatusFlag, "status", "", "Only runs with this status")
	journalListCmd.Flags().IntVar(&journalLimitFlag, "limit", 20, "Maximum runs to show")
	journalListCmd.Flags().BoolVar(&journalJSONFlag, "json", false, "Print runs as JSON")

	journalPruneCmd.Flags().DurationVar(&pruneMaxAgeFlag, "max-age", 30*24*time.Hour, "Remove runs older than this")
	journalPruneCmd.Flags().IntVar(&pruneMaxRunsFlag, "max-runs", 1000, "Keep at most this many runs")
	journalPruneCmd.Flags().BoolVar(&pruneDryRunFlag, "dry-run", false, "Only count the runs that would be removed")

	journalCmd.AddCommand(journalListCmd, journalPruneCmd)
	rootCmd.AddCommand(journalCmd)
}
