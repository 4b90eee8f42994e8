// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package rewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/rewrite"
	"github.com/dotandev/cilpatch/internal/testmodule"
)

func newBody(ins ...*cil.Instruction) *cil.Body {
	b := cil.NewBody()
	b.Append(ins...)
	b.UpdateOffsets()
	return b
}

func TestMatchSequence(t *testing.T) {
	tests := []struct {
		name      string
		body      []*cil.Instruction
		sigs      []string
		wantIndex int
	}{
		{
			name:      "false start advances by one",
			body:      []*cil.Instruction{cil.New(cil.Nop, nil), cil.New(cil.Nop, nil), cil.New(cil.Ret, nil)},
			sigs:      []string{"nop", "ret"},
			wantIndex: 1,
		},
		{
			name:      "operands are compared as text",
			body:      []*cil.Instruction{cil.New(cil.Ldstr, "a"), cil.New(cil.Ldstr, "b"), cil.New(cil.Pop, nil)},
			sigs:      []string{"ldstr b", "pop"},
			wantIndex: 1,
		},
		{
			name:      "first of several matches",
			body:      []*cil.Instruction{cil.New(cil.Pop, nil), cil.New(cil.Pop, nil), cil.New(cil.Pop, nil)},
			sigs:      []string{"pop"},
			wantIndex: 0,
		},
		{
			name:      "window runs past the end",
			body:      []*cil.Instruction{cil.New(cil.Nop, nil), cil.New(cil.Ret, nil)},
			sigs:      []string{"ret", "nop"},
			wantIndex: -1,
		},
		{
			name:      "empty pattern",
			body:      []*cil.Instruction{cil.New(cil.Ret, nil)},
			sigs:      nil,
			wantIndex: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBody(tt.body...)
			m, ok := rewrite.MatchSequence(b, tt.sigs)
			if tt.wantIndex < 0 {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantIndex, b.Index(m.Start))
			assert.Len(t, m.Instructions(), len(tt.sigs))
		})
	}
}

func TestReplaceSequence(t *testing.T) {
	target := cil.New(cil.Ldnull, nil)
	br := cil.New(cil.BrS, target)
	b := newBody(br, cil.New(cil.Nop, nil), target, cil.New(cil.Pop, nil), cil.New(cil.Ret, nil))

	m, ok := rewrite.MatchSequence(b, []string{"ldnull", "pop"})
	require.True(t, ok)
	first := cil.New(cil.Ldstr, "x")
	rewrite.ReplaceSequence(b, m, []*cil.Instruction{first, cil.New(cil.Pop, nil), cil.New(cil.Nop, nil)})

	assert.Equal(t, []string{`br.s IL_0003: ldstr "x"`, "nop", "ldstr x", "pop", "nop", "ret"}, strs(updated(b)))
	assert.Same(t, first, br.Operand)
}

func TestReplaceSequenceWithNothing(t *testing.T) {
	b := newBody(cil.New(cil.Nop, nil), cil.New(cil.Nop, nil), cil.New(cil.Ret, nil))
	m, ok := rewrite.MatchSequence(b, []string{"nop", "nop"})
	require.True(t, ok)
	rewrite.ReplaceSequence(b, m, nil)
	assert.Equal(t, []string{"ret"}, strs(b))
}

func updated(b *cil.Body) *cil.Body {
	b.UpdateOffsets()
	return b
}

func TestFixVersion(t *testing.T) {
	m := parse(t, testmodule.NuGet("6.2.1"), false)
	b := bodyOf(t, m, testmodule.CommandType, "OutputNuGetVersion")

	require.True(t, rewrite.FixVersion(b, rewrite.LocationCall, fixedVersion))
	want := []string{
		"nop", "nop", "nop",
		"ldstr " + fixedVersion,
		"stloc.1",
		"ldloc.1",
		"call System.Void System.Console::WriteLine(System.String)",
		"ret",
	}
	assert.Equal(t, want, strs(b))
	assert.NotContains(t, strs(b), "callvirt "+rewrite.LocationCall)

	out := roundTrip(t, m)
	assert.Equal(t, want, strs(bodyOf(t, out, testmodule.CommandType, "OutputNuGetVersion")))
}

func TestFixVersionWithoutCall(t *testing.T) {
	m := parse(t, testmodule.NuGet("6.2.1"), false)
	b := bodyOf(t, m, testmodule.ProgramType, "Main")
	before := strs(b)

	assert.False(t, rewrite.FixVersion(b, rewrite.LocationCall, fixedVersion))
	assert.Equal(t, before, strs(b))
	assert.False(t, b.Modified())
}

func TestEarlyReturn(t *testing.T) {
	m := parse(t, testmodule.NuGet("6.2.1"), false)
	b := bodyOf(t, m, testmodule.LocatorType, "FindAll")

	require.True(t, rewrite.EarlyReturn(b, testmodule.ProgramType))
	b.UpdateOffsets()
	want := []string{
		"ldnull",
		"stloc.0",
		"nop",
		"leave.s IL_0006: ldloc.0",
		"endfinally",
		"ldloc.0",
		"ret",
	}
	assert.Equal(t, want, strs(b))
	assert.Equal(t, cil.Ret, b.Last().OpCode)
	require.Len(t, b.Handlers, 1)

	out := roundTrip(t, m)
	got := bodyOf(t, out, testmodule.LocatorType, "FindAll")
	assert.Equal(t, want, strs(got))
	require.Len(t, got.Handlers, 1)
	assert.Equal(t, "ldloc.0", got.Handlers[0].HandlerEnd.String())
}

func TestEarlyReturnNeedsFinallyBeforeAnchor(t *testing.T) {
	tests := []struct {
		name   string
		anchor string
	}{
		{"other anchor type", "NuGet.CommandLine.Command"},
		{"unknown anchor type", "Nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := parse(t, testmodule.NuGet("6.2.1"), false)
			b := bodyOf(t, m, testmodule.LocatorType, "FindAll")
			assert.False(t, rewrite.EarlyReturn(b, tt.anchor))
			assert.False(t, b.Modified())
		})
	}

	b := newBody(cil.New(cil.Nop, nil), cil.New(cil.Ldtoken, nil), cil.New(cil.Ret, nil))
	assert.False(t, rewrite.EarlyReturn(b, testmodule.ProgramType))
}
