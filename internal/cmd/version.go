// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotandev/cilpatch/internal/config"
	"github.com/dotandev/cilpatch/internal/updater"
)

var (
	// Version will be set by the main package
	Version = "dev"

	versionCheckFlag bool
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: "utility",
	Short:   "Print the version number of cilpatch",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cilpatch version %s\n", Version)
		if !versionCheckFlag {
			return nil
		}

		dir, err := config.GetConfigPath()
		if err != nil {
			return err
		}
		st, err := updater.NewChecker(Version, dir).Check(cmd.Context(), false)
		if err != nil {
			return fmt.Errorf("update check failed: %w", err)
		}
		switch {
		case st.Disabled:
			fmt.Fprintf(out, "Update checks are disabled (%s)\n", updater.EnvNoCheck)
		case st.Newer:
			fmt.Fprintf(out, "%s A new version (%s) is available\n", warn("!"), st.Latest)
		default:
			fmt.Fprintf(out, "%s Up to date (latest %s)\n", ok("✓"), st.Latest)
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheckFlag, "check", false, "Check GitHub for a newer release")
	rootCmd.AddCommand(versionCmd)
}
