// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cil

import (
	"github.com/dotandev/cilpatch/internal/metadata"
)

// HandlerType is the kind of an exception clause.
type HandlerType uint32

const (
	HandlerCatch   HandlerType = 0
	HandlerFilter  HandlerType = 1
	HandlerFinally HandlerType = 2
	HandlerFault   HandlerType = 4
)

// ExceptionHandler is one exception clause. End boundaries are exclusive; a
// nil end means the end of the body.
type ExceptionHandler struct {
	Type         HandlerType
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
	FilterStart  *Instruction
	CatchType    any
}

// Body is a method body: a doubly linked instruction list plus header data.
// The list is always gap free; removing an instruction retargets branches
// and exception clause boundaries that pointed at it to its successor.
type Body struct {
	MaxStack    int
	InitLocals  bool
	LocalVarSig metadata.Token
	Handlers    []*ExceptionHandler

	first, last *Instruction
	count       int

	snapshot []instrState
	handlers []ExceptionHandler
	header   [3]any
}

type instrState struct {
	ins     *Instruction
	op      *OpCode
	operand any
}

// NewBody returns an empty body.
func NewBody() *Body { return &Body{} }

func (b *Body) First() *Instruction { return b.first }
func (b *Body) Last() *Instruction  { return b.last }
func (b *Body) Len() int            { return b.count }

// Instructions returns the instructions in order.
func (b *Body) Instructions() []*Instruction {
	out := make([]*Instruction, 0, b.count)
	for i := b.first; i != nil; i = i.next {
		out = append(out, i)
	}
	return out
}

// At returns the instruction at position n, or nil.
func (b *Body) At(n int) *Instruction {
	if n < 0 || n >= b.count {
		return nil
	}
	i := b.first
	for ; n > 0; n-- {
		i = i.next
	}
	return i
}

// Index returns the position of ins, or -1.
func (b *Body) Index(ins *Instruction) int {
	n := 0
	for i := b.first; i != nil; i = i.next {
		if i == ins {
			return n
		}
		n++
	}
	return -1
}

func (b *Body) attach(ins *Instruction) {
	if ins.body != nil {
		panic("cil: instruction already belongs to a body")
	}
	ins.body = b
	b.count++
}

// Append adds ins at the end.
func (b *Body) Append(ins ...*Instruction) {
	for _, i := range ins {
		b.attach(i)
		i.prev = b.last
		i.next = nil
		if b.last != nil {
			b.last.next = i
		} else {
			b.first = i
		}
		b.last = i
	}
}

// InsertBefore inserts ins before mark. A nil mark appends.
func (b *Body) InsertBefore(mark, ins *Instruction) {
	if mark == nil {
		b.Append(ins)
		return
	}
	if mark.body != b {
		return
	}
	b.attach(ins)
	ins.next = mark
	ins.prev = mark.prev
	if mark.prev != nil {
		mark.prev.next = ins
	} else {
		b.first = ins
	}
	mark.prev = ins
}

// InsertAfter inserts ins after mark. A nil mark prepends.
func (b *Body) InsertAfter(mark, ins *Instruction) {
	if mark == nil {
		b.InsertBefore(b.first, ins)
		return
	}
	if mark.body != b {
		return
	}
	if mark.next == nil {
		b.Append(ins)
		return
	}
	b.InsertBefore(mark.next, ins)
}

// Remove unlinks ins. Branches and exception clause boundaries targeting it
// move to its successor (nil at the end of the body); clauses that become
// empty are dropped.
func (b *Body) Remove(ins *Instruction) {
	if ins == nil || ins.body != b {
		return
	}
	succ := ins.next
	b.unlink(ins)
	b.retarget(ins, succ)
	b.pruneHandlers()
}

func (b *Body) unlink(ins *Instruction) {
	if ins.prev != nil {
		ins.prev.next = ins.next
	} else {
		b.first = ins.next
	}
	if ins.next != nil {
		ins.next.prev = ins.prev
	} else {
		b.last = ins.prev
	}
	ins.prev, ins.next, ins.body = nil, nil, nil
	b.count--
}

// Replace puts repl in the position of old; references to old now point at
// repl.
func (b *Body) Replace(old, repl *Instruction) {
	if old == nil || old.body != b {
		return
	}
	b.InsertBefore(old, repl)
	b.unlink(old)
	b.retarget(old, repl)
}

// RemoveRange removes n instructions starting at from.
func (b *Body) RemoveRange(from *Instruction, n int) {
	for ; n > 0 && from != nil; n-- {
		next := from.next
		b.Remove(from)
		from = next
	}
}

// Truncate removes from and every instruction after it.
func (b *Body) Truncate(from *Instruction) {
	if from == nil || from.body != b {
		return
	}
	for b.last != nil {
		last := b.last
		b.Remove(last)
		if last == from {
			return
		}
	}
}

func (b *Body) retarget(old, repl *Instruction) {
	for i := b.first; i != nil; i = i.next {
		switch v := i.Operand.(type) {
		case *Instruction:
			if v == old {
				i.Operand = repl
			}
		case []*Instruction:
			for n, t := range v {
				if t == old {
					v[n] = repl
				}
			}
		}
	}
	for _, h := range b.Handlers {
		for _, p := range []**Instruction{&h.TryStart, &h.TryEnd, &h.HandlerStart, &h.HandlerEnd, &h.FilterStart} {
			if *p == old {
				*p = repl
			}
		}
	}
}

func (b *Body) pruneHandlers() {
	kept := b.Handlers[:0]
	for _, h := range b.Handlers {
		if h.TryStart == nil || h.HandlerStart == nil || h.TryStart == h.TryEnd || h.HandlerStart == h.HandlerEnd {
			continue
		}
		kept = append(kept, h)
	}
	b.Handlers = kept
}

// UpdateOffsets assigns byte offsets from the current opcodes and operands.
func (b *Body) UpdateOffsets() int {
	off := 0
	for i := b.first; i != nil; i = i.next {
		i.Offset = off
		off += i.Size()
	}
	return off
}

// Size returns the encoded size of the instruction.
func (i *Instruction) Size() int {
	n := i.OpCode.Size()
	if i.OpCode.Operand == InlineSwitch {
		targets, _ := i.Operand.([]*Instruction)
		return n + 4 + 4*len(targets)
	}
	return n + i.OpCode.OperandSize()
}

// MarkClean records the current state as unmodified.
func (b *Body) MarkClean() {
	b.snapshot = b.snapshot[:0]
	for i := b.first; i != nil; i = i.next {
		op := i.Operand
		if t, ok := op.([]*Instruction); ok {
			op = append([]*Instruction(nil), t...)
		}
		b.snapshot = append(b.snapshot, instrState{ins: i, op: i.OpCode, operand: op})
	}
	b.handlers = b.handlers[:0]
	for _, h := range b.Handlers {
		b.handlers = append(b.handlers, *h)
	}
	b.header = [3]any{b.MaxStack, b.InitLocals, b.LocalVarSig}
}

// Modified reports whether the body differs from its state at the last
// MarkClean, including in-place opcode or operand edits.
func (b *Body) Modified() bool {
	if b.count != len(b.snapshot) || len(b.Handlers) != len(b.handlers) {
		return true
	}
	if b.header != [3]any{b.MaxStack, b.InitLocals, b.LocalVarSig} {
		return true
	}
	n := 0
	for i := b.first; i != nil; i = i.next {
		s := b.snapshot[n]
		if s.ins != i || s.op != i.OpCode || !sameOperand(s.operand, i.Operand) {
			return true
		}
		n++
	}
	for n, h := range b.Handlers {
		o := b.handlers[n]
		if h.Type != o.Type || h.TryStart != o.TryStart || h.TryEnd != o.TryEnd ||
			h.HandlerStart != o.HandlerStart || h.HandlerEnd != o.HandlerEnd ||
			h.FilterStart != o.FilterStart || h.CatchType != o.CatchType {
			return true
		}
	}
	return false
}

func sameOperand(a, b any) bool {
	as, aok := a.([]*Instruction)
	bs, bok := b.([]*Instruction)
	if aok || bok {
		if aok != bok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	}
	return a == b
}
