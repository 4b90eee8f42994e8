// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotandev/cilpatch/internal/module"
)

var inspectDisasmFlag bool

var inspectCmd = &cobra.Command{
	Use:     "inspect <module> <type> <method>",
	GroupID: "core",
	Short:   "Print the instructions of a method",
	Long: `Print one instruction per line in the form matched by replace rules
("opcode" or "opcode operand"). Every overload with the given name is printed.`,
	Example: `  cilpatch inspect NuGet.exe NuGet.CommandLine.Command OutputNuGetVersion
  cilpatch inspect NuGet.exe NuGet.CommandLine.ExtensionLocator FindAll --disasm`,
	Args:              cobra.ExactArgs(3),
	ValidArgsFunction: completeModuleArg,
	RunE:              runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	m, err := module.Load(args[0], module.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	td := m.FindType(args[1])
	if td == nil {
		return fmt.Errorf("type %s not found in %s", args[1], m.Name)
	}

	out := cmd.OutOrStdout()
	found := false
	for _, md := range td.Methods() {
		if md.Name() != args[2] {
			continue
		}
		found = true
		fmt.Fprintln(out, bold(md.FullName()))
		if !md.HasBody() {
			fmt.Fprintln(out, faint("  <no body>"))
			continue
		}
		body, err := md.Body()
		if err != nil {
			return err
		}
		body.UpdateOffsets()
		for _, ins := range body.Instructions() {
			if inspectDisasmFlag {
				fmt.Fprintf(out, "  %s\n", ins.Disasm())
			} else {
				fmt.Fprintf(out, "  %s\n", ins.String())
			}
		}
	}
	if !found {
		return fmt.Errorf("method %s::%s not found in %s", args[1], args[2], m.Name)
	}
	return nil
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectDisasmFlag, "disasm", false, "Prefix offsets and show branch targets")
	rootCmd.AddCommand(inspectCmd)
}
