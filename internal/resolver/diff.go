// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"fmt"
	"strings"

	"github.com/dotandev/cilpatch/internal/module"
)

// sigDifference is one position where a reference and a stub disagree.
// A and B are empty when the position is absent on that side.
type sigDifference struct {
	A, B string
}

type methodDifferences struct {
	HasThis *[2]bool
	Return  *sigDifference
	Params  []*sigDifference
}

func (d *methodDifferences) empty() bool {
	if d.HasThis != nil || d.Return != nil {
		return false
	}
	for _, p := range d.Params {
		if p != nil {
			return false
		}
	}
	return true
}

func (d *methodDifferences) String() string {
	var parts []string
	if d.HasThis != nil {
		parts = append(parts, fmt.Sprintf("hasthis: %t != %t", d.HasThis[0], d.HasThis[1]))
	}
	if d.Return != nil {
		parts = append(parts, fmt.Sprintf("return: %s != %s", d.Return.A, d.Return.B))
	}
	for i, p := range d.Params {
		if p != nil {
			parts = append(parts, fmt.Sprintf("param %d: %s != %s", i, orAbsent(p.A), orAbsent(p.B)))
		}
	}
	return strings.Join(parts, "; ")
}

func orAbsent(s string) string {
	if s == "" {
		return "<absent>"
	}
	return s
}

// sameType compares signature types by full name. Each side renders names
// in its own module, so a reference and a stub agree whenever they name the
// same type.
func sameType(a, b module.TypeSig) bool {
	return a.FullName() == b.FullName()
}

// diffMethods compares a reference with a stub candidate. Parameter lists of
// different lengths differ at every position past the shorter one.
func diffMethods(a, b module.Method) *methodDifferences {
	d := &methodDifferences{}
	if a.HasThis() != b.HasThis() {
		d.HasThis = &[2]bool{a.HasThis(), b.HasThis()}
	}
	if ar, br := a.ReturnType(), b.ReturnType(); !sameType(ar, br) {
		d.Return = &sigDifference{A: ar.FullName(), B: br.FullName()}
	}

	ap, bp := a.Params(), b.Params()
	n := max(len(ap), len(bp))
	d.Params = make([]*sigDifference, n)
	for i := 0; i < n; i++ {
		switch {
		case i >= len(ap):
			d.Params[i] = &sigDifference{B: bp[i].FullName()}
		case i >= len(bp):
			d.Params[i] = &sigDifference{A: ap[i].FullName()}
		case !sameType(ap[i], bp[i]):
			d.Params[i] = &sigDifference{A: ap[i].FullName(), B: bp[i].FullName()}
		}
	}
	return d
}
