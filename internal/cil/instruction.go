// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package cil models CIL method bodies as doubly linked instruction lists and
// converts them from and to their binary encoding.
package cil

import (
	"fmt"
	"strconv"
	"strings"
)

// Instruction is one element of a method body. OpCode and Operand may be
// changed in place; Prev and Next are maintained by Body.
type Instruction struct {
	Offset  int
	OpCode  *OpCode
	Operand any

	prev, next *Instruction
	body       *Body
}

// New creates a detached instruction.
func New(op *OpCode, operand any) *Instruction {
	return &Instruction{OpCode: op, Operand: operand}
}

func (i *Instruction) Prev() *Instruction { return i.prev }
func (i *Instruction) Next() *Instruction { return i.next }

// Local is a local variable operand.
type Local struct {
	Index int
}

func (l Local) String() string { return "V_" + strconv.Itoa(l.Index) }

// Arg is an argument operand. Name is empty for unnamed parameters.
type Arg struct {
	Index int
	Name  string
}

func (a Arg) String() string {
	if a.Name != "" {
		return a.Name
	}
	return "A_" + strconv.Itoa(a.Index)
}

// Label returns the IL_xxxx label of the instruction's offset.
func (i *Instruction) Label() string {
	return fmt.Sprintf("IL_%04x", i.Offset)
}

// String returns the instruction signature used for pattern matching: the
// opcode name, followed by a space and the operand text when an operand is
// present.
func (i *Instruction) String() string {
	if i.Operand == nil {
		return i.OpCode.Name
	}
	return i.OpCode.Name + " " + operandText(i.Operand)
}

// Disasm returns the labelled listing form "IL_0000: opcode operand" with
// branch targets rendered as labels.
func (i *Instruction) Disasm() string {
	var b strings.Builder
	b.WriteString(i.Label())
	b.WriteString(": ")
	b.WriteString(i.OpCode.Name)
	if i.Operand == nil {
		return b.String()
	}
	b.WriteByte(' ')
	switch v := i.Operand.(type) {
	case *Instruction:
		if v == nil {
			b.WriteString("IL_end")
			break
		}
		b.WriteString(v.Label())
	case []*Instruction:
		b.WriteString(labels(v))
	case string:
		b.WriteString(strconv.Quote(v))
	default:
		b.WriteString(operandText(v))
	}
	return b.String()
}

func operandText(v any) string {
	switch o := v.(type) {
	case *Instruction:
		if o == nil {
			return "IL_end"
		}
		return o.Disasm()
	case []*Instruction:
		return labels(o)
	case string:
		return o
	case float32:
		return strconv.FormatFloat(float64(o), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(o, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

func labels(targets []*Instruction) string {
	parts := make([]string, len(targets))
	for n, t := range targets {
		if t == nil {
			parts[n] = "IL_end"
			continue
		}
		parts[n] = t.Label()
	}
	return strings.Join(parts, ",")
}

// CallSite is implemented by call operands (method references and
// standalone signatures) so stack effects can be computed.
type CallSite interface {
	CallShape() (params int, hasThis bool, returnsValue bool)
}
