// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/dotandev/cilpatch/internal/rewrite"
)

var (
	ok     = color.New(color.FgGreen).SprintFunc()
	warn   = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	accent = color.New(color.FgCyan).SprintFunc()
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSubstitutions(w io.Writer, title string, subs []rewrite.Substitution) {
	if len(subs) == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%d)\n", bold(title), len(subs))
	for _, s := range subs {
		fmt.Fprintf(w, "  %s\n    %s -> %s\n", faint(s.Site), s.From, accent(s.To))
	}
}

func printReport(w io.Writer, r *rewrite.Report) {
	fmt.Fprintf(w, "%s %s (version %s)\n", bold("Module"), r.Module, r.Version)

	for _, a := range r.Applied {
		fmt.Fprintf(w, "%s %s %s\n", ok("✓"), a.Rule, faint(a.Target))
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "%s %s %s: %s\n", warn("-"), s.Rule, faint(s.Target), s.Reason)
	}

	printSubstitutions(w, "Calls", r.Calls)
	printSubstitutions(w, "Base types", r.BaseTypes)
	printSubstitutions(w, "Interfaces", r.Interfaces)

	if !r.Changed {
		fmt.Fprintln(w, warn("Module unchanged"))
	}
}
