// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

// moduleExtensions restricts shell file completion for module arguments.
var moduleExtensions = []string{"exe", "dll"}

var completionCmd = &cobra.Command{
	Use:     "completion [bash|zsh|fish|powershell]",
	GroupID: "utility",
	Short:   "Generate completion script for your shell",
	Long: `Print a completion script for the given shell.

  $ source <(cilpatch completion bash)
  $ cilpatch completion zsh > "${fpath[1]}/_cilpatch"
  $ cilpatch completion fish > ~/.config/fish/completions/cilpatch.fish
  PS> cilpatch completion powershell | Out-String | Invoke-Expression

Module arguments of patch and inspect complete to .exe and .dll files.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
	},
}

// completeModuleArg completes the first positional argument to module files
// and leaves the rest to the command.
func completeModuleArg(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return moduleExtensions, cobra.ShellCompDirectiveFilterFileExt
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
