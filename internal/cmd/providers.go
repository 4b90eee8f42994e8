// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotandev/cilpatch/internal/credprovider"
)

var (
	providersRootFlag    string
	providersToolDirFlag string
)

var providersCmd = &cobra.Command{
	Use:     "providers",
	GroupID: "host",
	Short:   "List discovered NuGet credential providers",
	Long: `Search for CredentialProvider*.exe in the directories listed by
NUGET_CREDENTIALPROVIDERS_PATH (';'-separated) and the global root, both
recursively, then in the tool directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := credprovider.DefaultOptions()
		if providersRootFlag != "" {
			opts.GlobalRoot = providersRootFlag
		}
		if providersToolDirFlag != "" {
			opts.ToolDir = providersToolDirFlag
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, bold("Discovered Credential Providers:"))
		paths := credprovider.Discover(opts)
		if len(paths) == 0 {
			fmt.Fprintln(out, faint("  <none>"))
			return nil
		}
		for _, p := range paths {
			fmt.Fprintf(out, "  %s\n", p)
		}
		return nil
	},
}

func init() {
	providersCmd.Flags().StringVar(&providersRootFlag, "root", "", "Global providers root (default: ~/.nuget/CredentialProviders)")
	providersCmd.Flags().StringVar(&providersToolDirFlag, "tool-dir", "", "Tool directory (default: the cilpatch directory)")
	rootCmd.AddCommand(providersCmd)
}
