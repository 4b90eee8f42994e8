// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/errors"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Kind selects what a rule does to its method.
type Kind string

const (
	// KindReplace swaps the first window matching Match for Replace.
	KindReplace Kind = "replace"
	// KindVersionFixup blanks the call to Call and loads Value in its place.
	KindVersionFixup Kind = "version-fixup"
	// KindEarlyReturn returns local 0 at the ldtoken Anchor after a finally
	// block.
	KindEarlyReturn Kind = "early-return"
)

// Instr is one replacement instruction. Operand strings may use {version}
// and {suffix}.
type Instr struct {
	Op      string  `yaml:"op"`
	Operand *string `yaml:"operand,omitempty"`
}

// Rule is a targeted rewrite of one method.
type Rule struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Type        string `yaml:"type"`
	Method      string `yaml:"method"`
	Kind        Kind   `yaml:"kind"`
	// When is a version constraint the module file version must satisfy.
	When string `yaml:"when,omitempty"`
	// Version marks rules that write the fix-target version into the module.
	Version bool `yaml:"version,omitempty"`
	// FallbackFor names a rule this one only runs after, and only when that
	// rule did not apply.
	FallbackFor string `yaml:"fallback_for,omitempty"`

	Match   []string `yaml:"match,omitempty"`
	Replace []Instr  `yaml:"replace,omitempty"`
	Call    string   `yaml:"call,omitempty"`
	Value   string   `yaml:"value,omitempty"`
	Anchor  string   `yaml:"anchor,omitempty"`

	constraint version.Constraints
}

// RuleSet is an ordered list of rules read from one source.
type RuleSet struct {
	Source string  `yaml:"-"`
	Rules  []*Rule `yaml:"rules"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRules, "built-in rules")
	if err != nil {
		panic(err)
	}
	return rs
}

// LoadRules reads a rule set from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapRules(path, err)
	}
	return ParseRules(data, path)
}

// ParseRules decodes and validates a YAML rule set. Unknown keys are
// rejected.
func ParseRules(data []byte, source string) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	rs := &RuleSet{Source: source}
	if err := dec.Decode(rs); err != nil && err != io.EOF {
		return nil, errors.WrapRules(source, err)
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r == nil {
			return nil, errors.WrapRules(source, fmt.Errorf("rule %d is empty", i+1))
		}
		if err := r.validate(); err != nil {
			return nil, errors.WrapRules(source, fmt.Errorf("rule %d (%s): %w", i+1, r.Name, err))
		}
		if seen[r.Name] {
			return nil, errors.WrapRules(source, fmt.Errorf("rule %d: duplicate name %q", i+1, r.Name))
		}
		if r.FallbackFor != "" && !seen[r.FallbackFor] {
			return nil, errors.WrapRules(source, fmt.Errorf("rule %d (%s): fallback_for %q must name an earlier rule", i+1, r.Name, r.FallbackFor))
		}
		seen[r.Name] = true
	}
	return rs, nil
}

// Find returns the rule named name, or nil.
func (rs *RuleSet) Find(name string) *Rule {
	for _, r := range rs.Rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Type == "" || r.Method == "" {
		return fmt.Errorf("type and method are required")
	}
	if r.When != "" {
		c, err := version.NewConstraint(r.When)
		if err != nil {
			return fmt.Errorf("when: %w", err)
		}
		r.constraint = c
	}

	switch r.Kind {
	case KindReplace:
		if len(r.Match) == 0 {
			return fmt.Errorf("replace rules need a match sequence")
		}
		if _, err := r.replacement(strings.NewReplacer()); err != nil {
			return err
		}
	case KindVersionFixup:
		if r.Call == "" {
			r.Call = LocationCall
		}
		if r.Value == "" {
			r.Value = "{version} {suffix}"
		}
	case KindEarlyReturn:
		if r.Anchor == "" {
			return fmt.Errorf("early-return rules need an anchor type")
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}

// IsEnabled reports whether the rule is switched on. Rules are enabled
// unless they say otherwise.
func (r *Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Target returns "Type::Method".
func (r *Rule) Target() string { return r.Type + "::" + r.Method }

// Admits checks the rule's version constraint against a module file version.
// When the rule does not apply the reason says why.
func (r *Rule) Admits(fileVersion string) (bool, string) {
	if r.constraint == nil {
		return true, ""
	}
	v, err := version.NewVersion(fileVersion)
	if err != nil {
		return false, fmt.Sprintf("module version %q cannot be compared with %q", fileVersion, r.When)
	}
	if !r.constraint.Check(v) {
		return false, fmt.Sprintf("module version %s does not satisfy %q", v, r.When)
	}
	return true, ""
}

// replacement builds the rule's replacement instructions with operands
// expanded by vars.
func (r *Rule) replacement(vars *strings.Replacer) ([]*cil.Instruction, error) {
	out := make([]*cil.Instruction, 0, len(r.Replace))
	for i, in := range r.Replace {
		ins, err := in.build(vars)
		if err != nil {
			return nil, fmt.Errorf("replace[%d]: %w", i, err)
		}
		out = append(out, ins)
	}
	return out, nil
}

func (in Instr) build(vars *strings.Replacer) (*cil.Instruction, error) {
	op, ok := cil.Lookup(in.Op)
	if !ok {
		return nil, fmt.Errorf("unknown opcode %q", in.Op)
	}
	if op.Operand == cil.InlineNone {
		if in.Operand != nil {
			return nil, fmt.Errorf("%s takes no operand", op.Name)
		}
		return cil.New(op, nil), nil
	}
	if in.Operand == nil {
		return nil, fmt.Errorf("%s needs an operand", op.Name)
	}
	s := vars.Replace(*in.Operand)

	switch op.Operand {
	case cil.InlineString:
		return cil.New(op, s), nil
	case cil.ShortInlineI:
		if op == cil.LdcI4S {
			n, err := strconv.ParseInt(s, 0, 8)
			return cil.New(op, int8(n)), err
		}
		n, err := strconv.ParseUint(s, 0, 8)
		return cil.New(op, uint8(n)), err
	case cil.InlineI:
		n, err := strconv.ParseInt(s, 0, 32)
		return cil.New(op, int32(n)), err
	case cil.InlineI8:
		n, err := strconv.ParseInt(s, 0, 64)
		return cil.New(op, n), err
	case cil.ShortInlineR:
		f, err := strconv.ParseFloat(s, 32)
		return cil.New(op, float32(f)), err
	case cil.InlineR:
		f, err := strconv.ParseFloat(s, 64)
		return cil.New(op, f), err
	case cil.ShortInlineVar, cil.InlineVar:
		n, err := index(s, "V_", op.Operand == cil.ShortInlineVar)
		return cil.New(op, cil.Local{Index: n}), err
	case cil.ShortInlineArg, cil.InlineArg:
		n, err := index(s, "A_", op.Operand == cil.ShortInlineArg)
		return cil.New(op, cil.Arg{Index: n}), err
	}
	return nil, fmt.Errorf("%s operands cannot be written in rules", op.Name)
}

func index(s, prefix string, short bool) (int, error) {
	bits := 16
	if short {
		bits = 8
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, prefix), 10, bits)
	return int(n), err
}
