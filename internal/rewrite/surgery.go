// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/module"
)

// LocationCall is the call whose result the version fix-up replaces.
const LocationCall = "System.String System.Reflection.Assembly::get_Location()"

// FixVersion finds the first callvirt of call and overwrites the window
// around it: the previous instruction, the call and the next one become nop
// and the one after that loads value. It reports whether the window was
// found.
func FixVersion(body *cil.Body, call, value string) bool {
	if body == nil {
		return false
	}
	for ins := body.First(); ins != nil; ins = ins.Next() {
		if ins.OpCode != cil.Callvirt {
			continue
		}
		mt, ok := ins.Operand.(module.Method)
		if !ok || mt.FullName() != call {
			continue
		}
		prev, next := ins.Prev(), ins.Next()
		if prev == nil || next == nil || next.Next() == nil {
			return false
		}
		for _, n := range []*cil.Instruction{prev, ins, next} {
			n.OpCode, n.Operand = cil.Nop, nil
		}
		next.Next().OpCode, next.Next().Operand = cil.Ldstr, value
		return true
	}
	return false
}

// EarlyReturn turns the ldtoken anchor that follows an endfinally and loads
// anchorType into "ldloc.0; ret" and drops everything after. It reports
// whether the anchor was found.
func EarlyReturn(body *cil.Body, anchorType string) bool {
	if body == nil {
		return false
	}
	for ins := body.First(); ins != nil; ins = ins.Next() {
		if ins.OpCode != cil.Ldtoken || ins.Prev() == nil || ins.Prev().OpCode != cil.Endfinally {
			continue
		}
		t, ok := ins.Operand.(module.Type)
		if !ok || t.FullName() != anchorType {
			continue
		}
		next := ins.Next()
		if next == nil {
			return false
		}
		ins.OpCode, ins.Operand = cil.Ldloc0, nil
		next.OpCode, next.Operand = cil.Ret, nil
		if tail := next.Next(); tail != nil {
			body.Truncate(tail)
		}
		return true
	}
	return false
}
