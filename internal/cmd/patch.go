// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotandev/cilpatch/internal/patcher"
)

var (
	patchOutputFlag     string
	patchStubsFlag      string
	patchRulesFlag      string
	patchDryRunFlag     bool
	patchFixVersionFlag bool
	patchJSONFlag       bool
)

var patchCmd = &cobra.Command{
	Use:     "patch <module>",
	GroupID: "core",
	Short:   "Redirect .NET Framework references to stubs and apply targeted fixes",
	Long: `Load a managed module and a stub module, redirect every call, base type and
interface that has a stub declaration, apply the targeted rules, and write the
result. The module is patched in place unless --output is given.`,
	Example: `  cilpatch patch NuGet.exe
  cilpatch patch NuGet.exe -o NuGet.patched.exe --stubs ./shims.dll
  cilpatch patch NuGet.exe --dry-run --json`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeModuleArg,
	RunE:              runPatch,
}

func runPatch(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}

	res, err := patcher.New(app.cfg, j).Run(cmd.Context(), patcher.Options{
		Input:      args[0],
		Output:     patchOutputFlag,
		Stubs:      patchStubsFlag,
		Rules:      patchRulesFlag,
		FixVersion: patchFixVersionFlag,
		DryRun:     patchDryRunFlag,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if patchJSONFlag {
		return writeJSON(out, res.Report)
	}
	printReport(out, res.Report)
	switch {
	case res.Written:
		fmt.Fprintf(out, "%s Wrote %s (%d substitutions)\n", ok("✓"), res.Output, res.Report.Substitutions())
	case patchDryRunFlag:
		fmt.Fprintf(out, "%s Dry run, %s not written\n", warn("!"), res.Output)
	}
	return nil
}

func init() {
	patchCmd.Flags().StringVarP(&patchOutputFlag, "output", "o", "", "Output path (default: patch in place)")
	patchCmd.Flags().StringVar(&patchStubsFlag, "stubs", "", "Stub module (default: shims.dll next to cilpatch)")
	patchCmd.Flags().StringVar(&patchRulesFlag, "rules", "", "YAML rule set replacing the built-in rules")
	patchCmd.Flags().BoolVar(&patchDryRunFlag, "dry-run", false, "Rewrite in memory without writing")
	patchCmd.Flags().BoolVar(&patchFixVersionFlag, "fix-version", true, "Apply the version rules")
	patchCmd.Flags().BoolVar(&patchJSONFlag, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(patchCmd)
}
