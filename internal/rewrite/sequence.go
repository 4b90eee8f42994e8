// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"github.com/dotandev/cilpatch/internal/cil"
)

// Match is a contiguous window of a body.
type Match struct {
	Start *cil.Instruction
	Len   int
}

// Instructions returns the matched instructions in order.
func (m Match) Instructions() []*cil.Instruction {
	out := make([]*cil.Instruction, 0, m.Len)
	for i, n := m.Start, 0; i != nil && n < m.Len; i, n = i.Next(), n+1 {
		out = append(out, i)
	}
	return out
}

// MatchSequence finds the first window of body whose instruction strings
// equal signatures. Candidate windows start at every instruction in turn.
func MatchSequence(body *cil.Body, signatures []string) (Match, bool) {
	if body == nil || len(signatures) == 0 {
		return Match{}, false
	}
	for start := body.First(); start != nil; start = start.Next() {
		if matchesAt(start, signatures) {
			return Match{Start: start, Len: len(signatures)}, true
		}
	}
	return Match{}, false
}

func matchesAt(start *cil.Instruction, signatures []string) bool {
	ins := start
	for _, sig := range signatures {
		if ins == nil || ins.String() != sig {
			return false
		}
		ins = ins.Next()
	}
	return true
}

// ReplaceSequence deletes the matched window and splices replacement in at
// its position. Branches into the window's first instruction land on the
// first replacement instruction.
func ReplaceSequence(body *cil.Body, m Match, replacement []*cil.Instruction) {
	if m.Start == nil || m.Len == 0 {
		return
	}
	if len(replacement) == 0 {
		body.RemoveRange(m.Start, m.Len)
		return
	}

	rest := m.Start.Next()
	body.Replace(m.Start, replacement[0])
	prev := replacement[0]
	for _, ins := range replacement[1:] {
		body.InsertAfter(prev, ins)
		prev = ins
	}
	body.RemoveRange(rest, m.Len-1)
}
