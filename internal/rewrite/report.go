// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package rewrite

// Substitution records one reference redirected to a stub.
type Substitution struct {
	Site string `json:"site"`
	From string `json:"from"`
	To   string `json:"to"`
}

// RuleResult is the outcome of one targeted rule.
type RuleResult struct {
	Rule   string `json:"rule"`
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

// Report summarizes a rewrite pass.
type Report struct {
	Module  string `json:"module"`
	Version string `json:"version"`

	Calls      []Substitution `json:"calls,omitempty"`
	BaseTypes  []Substitution `json:"base_types,omitempty"`
	Interfaces []Substitution `json:"interfaces,omitempty"`

	Applied []RuleResult `json:"applied,omitempty"`
	Skipped []RuleResult `json:"skipped,omitempty"`

	// Changed is false when writing the module would reproduce its bytes.
	Changed bool `json:"changed"`
}

// Substitutions returns the total number of redirected references.
func (r *Report) Substitutions() int {
	return len(r.Calls) + len(r.BaseTypes) + len(r.Interfaces)
}
