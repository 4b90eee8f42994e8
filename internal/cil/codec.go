// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cil

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dotandev/cilpatch/internal/metadata"
)

// Resolver supplies operands for metadata tokens while decoding.
type Resolver interface {
	ResolveToken(tok metadata.Token) (any, error)
	ResolveString(tok metadata.Token) (string, error)
	ArgName(index int) string
}

// TokenProvider maps operands back to metadata tokens while encoding.
type TokenProvider interface {
	TokenOf(operand any) (metadata.Token, error)
	StringToken(s string) (metadata.Token, error)
}

const (
	tinyFormat     = 0x2
	fatFormat      = 0x3
	fatMoreSects   = 0x08
	fatInitLocals  = 0x10
	fatHeaderWords = 3

	sectEHTable   = 0x01
	sectFatFormat = 0x40
	sectMoreSects = 0x80

	smallClauseSize = 12
	fatClauseSize   = 24
)

// Decode parses a method body starting at raw[0]. raw may extend past the
// end of the body.
func Decode(raw []byte, res Resolver) (*Body, error) {
	le := binary.LittleEndian
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	b := NewBody()
	var codeStart, codeSize int
	var moreSects bool

	switch raw[0] & 0x3 {
	case tinyFormat:
		codeStart = 1
		codeSize = int(raw[0] >> 2)
		b.MaxStack = 8
	case fatFormat:
		if len(raw) < 12 {
			return nil, fmt.Errorf("truncated fat header")
		}
		flags := le.Uint16(raw)
		codeStart = int(flags>>12) * 4
		if codeStart < 12 {
			return nil, fmt.Errorf("fat header size %d too small", codeStart)
		}
		b.MaxStack = int(le.Uint16(raw[2:]))
		codeSize = int(le.Uint32(raw[4:]))
		b.LocalVarSig = metadata.Token(le.Uint32(raw[8:]))
		b.InitLocals = flags&fatInitLocals != 0
		moreSects = flags&fatMoreSects != 0
	default:
		return nil, fmt.Errorf("unknown body header format 0x%02X", raw[0])
	}
	if codeStart+codeSize > len(raw) {
		return nil, fmt.Errorf("code size %d overruns image", codeSize)
	}
	code := raw[codeStart : codeStart+codeSize]

	byOffset := make(map[int]*Instruction)
	type pending struct {
		ins     *Instruction
		targets []int
	}
	var branches []pending

	for pos := 0; pos < len(code); {
		start := pos
		var opc *OpCode
		if code[pos] == 0xFE {
			if pos+1 >= len(code) || int(code[pos+1]) >= len(twoByte) || twoByte[code[pos+1]] == nil {
				return nil, fmt.Errorf("unknown opcode at IL_%04x", start)
			}
			opc = twoByte[code[pos+1]]
			pos += 2
		} else {
			if int(code[pos]) >= len(oneByte) || oneByte[code[pos]] == nil {
				return nil, fmt.Errorf("unknown opcode 0x%02X at IL_%04x", code[pos], start)
			}
			opc = oneByte[code[pos]]
			pos++
		}

		need := opc.OperandSize()
		if pos+need > len(code) {
			return nil, fmt.Errorf("truncated operand of %s at IL_%04x", opc.Name, start)
		}
		ins := &Instruction{Offset: start, OpCode: opc}
		var err error

		switch opc.Operand {
		case InlineNone:
		case ShortInlineBrTarget:
			branches = append(branches, pending{ins, []int{pos + 1 + int(int8(code[pos]))}})
		case InlineBrTarget:
			branches = append(branches, pending{ins, []int{pos + 4 + int(int32(le.Uint32(code[pos:])))}})
		case ShortInlineI:
			if opc == LdcI4S {
				ins.Operand = int8(code[pos])
			} else {
				ins.Operand = code[pos]
			}
		case InlineI:
			ins.Operand = int32(le.Uint32(code[pos:]))
		case InlineI8:
			ins.Operand = int64(le.Uint64(code[pos:]))
		case ShortInlineR:
			ins.Operand = math.Float32frombits(le.Uint32(code[pos:]))
		case InlineR:
			ins.Operand = math.Float64frombits(le.Uint64(code[pos:]))
		case InlineString:
			ins.Operand, err = res.ResolveString(metadata.Token(le.Uint32(code[pos:])))
		case InlineMethod, InlineField, InlineType, InlineTok, InlineSig:
			ins.Operand, err = res.ResolveToken(metadata.Token(le.Uint32(code[pos:])))
		case InlineSwitch:
			n := int(le.Uint32(code[pos:]))
			if n < 0 || pos+4+4*n > len(code) {
				return nil, fmt.Errorf("truncated switch at IL_%04x", start)
			}
			end := pos + 4 + 4*n
			targets := make([]int, n)
			for k := 0; k < n; k++ {
				targets[k] = end + int(int32(le.Uint32(code[pos+4+4*k:])))
			}
			branches = append(branches, pending{ins, targets})
			need = 4 + 4*n
		case ShortInlineVar:
			ins.Operand = Local{Index: int(code[pos])}
		case InlineVar:
			ins.Operand = Local{Index: int(le.Uint16(code[pos:]))}
		case ShortInlineArg:
			idx := int(code[pos])
			ins.Operand = Arg{Index: idx, Name: res.ArgName(idx)}
		case InlineArg:
			idx := int(le.Uint16(code[pos:]))
			ins.Operand = Arg{Index: idx, Name: res.ArgName(idx)}
		}
		if err != nil {
			return nil, fmt.Errorf("IL_%04x %s: %w", start, opc.Name, err)
		}
		pos += need
		byOffset[start] = ins
		b.Append(ins)
	}

	target := func(off int) (*Instruction, error) {
		if off == codeSize {
			return nil, nil
		}
		if t, ok := byOffset[off]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("branch target IL_%04x is not an instruction boundary", off)
	}

	for _, p := range branches {
		if p.ins.OpCode.Operand == InlineSwitch {
			ts := make([]*Instruction, len(p.targets))
			for k, off := range p.targets {
				t, err := target(off)
				if err != nil {
					return nil, err
				}
				ts[k] = t
			}
			p.ins.Operand = ts
			continue
		}
		t, err := target(p.targets[0])
		if err != nil {
			return nil, err
		}
		p.ins.Operand = t
	}

	if moreSects {
		if err := decodeSections(b, raw, align4(codeStart+codeSize), target, res); err != nil {
			return nil, err
		}
	}

	b.MarkClean()
	return b, nil
}

func decodeSections(b *Body, raw []byte, pos int, target func(int) (*Instruction, error), res Resolver) error {
	le := binary.LittleEndian
	for {
		if pos+4 > len(raw) {
			return fmt.Errorf("truncated exception section")
		}
		kind := raw[pos]
		fat := kind&sectFatFormat != 0
		var size, clauseSize int
		if fat {
			size = int(uint32(raw[pos+1]) | uint32(raw[pos+2])<<8 | uint32(raw[pos+3])<<16)
			clauseSize = fatClauseSize
		} else {
			size = int(raw[pos+1])
			clauseSize = smallClauseSize
		}
		if pos+size > len(raw) || size < 4 {
			return fmt.Errorf("exception section size %d out of range", size)
		}

		if kind&sectEHTable != 0 {
			for c := pos + 4; c+clauseSize <= pos+size; c += clauseSize {
				var flags, tryOff, tryLen, hOff, hLen, extra uint32
				if fat {
					flags = le.Uint32(raw[c:])
					tryOff = le.Uint32(raw[c+4:])
					tryLen = le.Uint32(raw[c+8:])
					hOff = le.Uint32(raw[c+12:])
					hLen = le.Uint32(raw[c+16:])
					extra = le.Uint32(raw[c+20:])
				} else {
					flags = uint32(le.Uint16(raw[c:]))
					tryOff = uint32(le.Uint16(raw[c+2:]))
					tryLen = uint32(raw[c+4])
					hOff = uint32(le.Uint16(raw[c+5:]))
					hLen = uint32(raw[c+7])
					extra = le.Uint32(raw[c+8:])
				}

				h := &ExceptionHandler{Type: HandlerType(flags & 0x7)}
				var err error
				if h.TryStart, err = target(int(tryOff)); err != nil {
					return err
				}
				if h.TryEnd, err = target(int(tryOff + tryLen)); err != nil {
					return err
				}
				if h.HandlerStart, err = target(int(hOff)); err != nil {
					return err
				}
				if h.HandlerEnd, err = target(int(hOff + hLen)); err != nil {
					return err
				}
				switch h.Type {
				case HandlerCatch:
					if h.CatchType, err = res.ResolveToken(metadata.Token(extra)); err != nil {
						return err
					}
				case HandlerFilter:
					if h.FilterStart, err = target(int(extra)); err != nil {
						return err
					}
				}
				b.Handlers = append(b.Handlers, h)
			}
		}

		if kind&sectMoreSects == 0 {
			return nil
		}
		pos = align4(pos + size)
	}
}

// Encode serializes the body. Short branches whose target moved out of
// range are promoted to their long form and the max stack is recomputed.
func Encode(b *Body, tp TokenProvider) ([]byte, error) {
	le := binary.LittleEndian

	codeSize := b.UpdateOffsets()
	for changed := true; changed; {
		changed = false
		for i := b.first; i != nil; i = i.next {
			if i.OpCode.Operand != ShortInlineBrTarget {
				continue
			}
			t, _ := i.Operand.(*Instruction)
			if d := branchDelta(i, t, codeSize); d < math.MinInt8 || d > math.MaxInt8 {
				i.OpCode = LongForm(i.OpCode)
				changed = true
			}
		}
		if changed {
			codeSize = b.UpdateOffsets()
		}
	}
	b.MaxStack = ComputeMaxStack(b)

	code := make([]byte, 0, codeSize)
	for i := b.first; i != nil; i = i.next {
		if i.OpCode.Size() == 2 {
			code = append(code, 0xFE, byte(i.OpCode.Value))
		} else {
			code = append(code, byte(i.OpCode.Value))
		}
		var err error
		code, err = appendOperand(code, i, codeSize, tp)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", i.Label(), i.OpCode.Name, err)
		}
	}

	if codeSize < 64 && b.MaxStack <= 8 && b.LocalVarSig == 0 && len(b.Handlers) == 0 {
		return append([]byte{byte(codeSize<<2 | tinyFormat)}, code...), nil
	}

	flags := uint16(fatFormat | fatHeaderWords<<12)
	if b.InitLocals {
		flags |= fatInitLocals
	}
	if len(b.Handlers) > 0 {
		flags |= fatMoreSects
	}
	out := make([]byte, 12, 12+len(code))
	le.PutUint16(out, flags)
	le.PutUint16(out[2:], uint16(b.MaxStack))
	le.PutUint32(out[4:], uint32(codeSize))
	le.PutUint32(out[8:], uint32(b.LocalVarSig))
	out = append(out, code...)

	if len(b.Handlers) > 0 {
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		sect, err := encodeHandlers(b, codeSize, tp)
		if err != nil {
			return nil, err
		}
		out = append(out, sect...)
	}
	return out, nil
}

func branchDelta(i, target *Instruction, codeSize int) int {
	to := codeSize
	if target != nil {
		to = target.Offset
	}
	return to - (i.Offset + i.Size())
}

func appendOperand(code []byte, i *Instruction, codeSize int, tp TokenProvider) ([]byte, error) {
	le := binary.LittleEndian
	switch i.OpCode.Operand {
	case InlineNone:
		return code, nil
	case ShortInlineBrTarget:
		t, _ := i.Operand.(*Instruction)
		return append(code, byte(int8(branchDelta(i, t, codeSize)))), nil
	case InlineBrTarget:
		t, _ := i.Operand.(*Instruction)
		return le.AppendUint32(code, uint32(int32(branchDelta(i, t, codeSize)))), nil
	case InlineSwitch:
		targets, _ := i.Operand.([]*Instruction)
		code = le.AppendUint32(code, uint32(len(targets)))
		end := i.Offset + i.Size()
		for _, t := range targets {
			to := codeSize
			if t != nil {
				to = t.Offset
			}
			code = le.AppendUint32(code, uint32(int32(to-end)))
		}
		return code, nil
	case ShortInlineI:
		v, err := intOperand(i.Operand)
		return append(code, byte(v)), err
	case InlineI:
		v, err := intOperand(i.Operand)
		return le.AppendUint32(code, uint32(int32(v))), err
	case InlineI8:
		v, err := intOperand(i.Operand)
		return le.AppendUint64(code, uint64(v)), err
	case ShortInlineR:
		v, ok := i.Operand.(float32)
		if !ok {
			return nil, fmt.Errorf("operand %T is not float32", i.Operand)
		}
		return le.AppendUint32(code, math.Float32bits(v)), nil
	case InlineR:
		v, ok := i.Operand.(float64)
		if !ok {
			return nil, fmt.Errorf("operand %T is not float64", i.Operand)
		}
		return le.AppendUint64(code, math.Float64bits(v)), nil
	case InlineString:
		s, ok := i.Operand.(string)
		if !ok {
			return nil, fmt.Errorf("operand %T is not a string", i.Operand)
		}
		tok, err := tp.StringToken(s)
		return le.AppendUint32(code, uint32(tok)), err
	case InlineMethod, InlineField, InlineType, InlineTok, InlineSig:
		tok, err := tp.TokenOf(i.Operand)
		return le.AppendUint32(code, uint32(tok)), err
	case ShortInlineVar, InlineVar:
		l, ok := i.Operand.(Local)
		if !ok {
			return nil, fmt.Errorf("operand %T is not a local", i.Operand)
		}
		if i.OpCode.Operand == ShortInlineVar {
			return append(code, byte(l.Index)), nil
		}
		return le.AppendUint16(code, uint16(l.Index)), nil
	case ShortInlineArg, InlineArg:
		a, ok := i.Operand.(Arg)
		if !ok {
			return nil, fmt.Errorf("operand %T is not an argument", i.Operand)
		}
		if i.OpCode.Operand == ShortInlineArg {
			return append(code, byte(a.Index)), nil
		}
		return le.AppendUint16(code, uint16(a.Index)), nil
	}
	return nil, fmt.Errorf("unhandled operand type %d", i.OpCode.Operand)
}

func intOperand(v any) (int64, error) {
	switch n := v.(type) {
	case int8:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("operand %T is not an integer", v)
}

func encodeHandlers(b *Body, codeSize int, tp TokenProvider) ([]byte, error) {
	le := binary.LittleEndian
	off := func(i *Instruction) uint32 {
		if i == nil {
			return uint32(codeSize)
		}
		return uint32(i.Offset)
	}

	small := len(b.Handlers)*smallClauseSize+4 <= 0xFF
	for _, h := range b.Handlers {
		tryLen := off(h.TryEnd) - off(h.TryStart)
		hLen := off(h.HandlerEnd) - off(h.HandlerStart)
		if off(h.TryStart) > 0xFFFF || off(h.HandlerStart) > 0xFFFF || tryLen > 0xFF || hLen > 0xFF {
			small = false
		}
	}

	var out []byte
	if small {
		size := len(b.Handlers)*smallClauseSize + 4
		out = append(out, sectEHTable, byte(size), 0, 0)
	} else {
		size := len(b.Handlers)*fatClauseSize + 4
		out = append(out, sectEHTable|sectFatFormat, byte(size), byte(size>>8), byte(size>>16))
	}

	for _, h := range b.Handlers {
		var extra uint32
		switch h.Type {
		case HandlerCatch:
			tok, err := tp.TokenOf(h.CatchType)
			if err != nil {
				return nil, fmt.Errorf("catch type: %w", err)
			}
			extra = uint32(tok)
		case HandlerFilter:
			extra = off(h.FilterStart)
		}
		tryOff, hOff := off(h.TryStart), off(h.HandlerStart)
		tryLen, hLen := off(h.TryEnd)-tryOff, off(h.HandlerEnd)-hOff
		if small {
			out = le.AppendUint16(out, uint16(h.Type))
			out = le.AppendUint16(out, uint16(tryOff))
			out = append(out, byte(tryLen))
			out = le.AppendUint16(out, uint16(hOff))
			out = append(out, byte(hLen))
		} else {
			out = le.AppendUint32(out, uint32(h.Type))
			out = le.AppendUint32(out, tryOff)
			out = le.AppendUint32(out, tryLen)
			out = le.AppendUint32(out, hOff)
			out = le.AppendUint32(out, hLen)
		}
		out = le.AppendUint32(out, extra)
	}
	return out, nil
}

// ComputeMaxStack walks the body in order and returns the deepest evaluation
// stack reached. Handler entry points start with the exception object (catch
// and filter) or an empty stack (finally and fault).
func ComputeMaxStack(b *Body) int {
	stackAt := make(map[*Instruction]int)
	for _, h := range b.Handlers {
		switch h.Type {
		case HandlerCatch:
			stackAt[h.HandlerStart] = 1
		case HandlerFilter:
			stackAt[h.FilterStart] = 1
			stackAt[h.HandlerStart] = 1
		default:
			if _, ok := stackAt[h.HandlerStart]; !ok {
				stackAt[h.HandlerStart] = 0
			}
		}
	}

	stack, max := 0, 0
	for i := b.first; i != nil; i = i.next {
		if s, ok := stackAt[i]; ok {
			stack = s
		}
		if stack > max {
			max = stack
		}

		pop, push := stackEffect(i)
		stack -= pop
		if stack < 0 {
			stack = 0
		}
		stack += push
		if stack > max {
			max = stack
		}

		switch t := i.Operand.(type) {
		case *Instruction:
			if _, ok := stackAt[t]; !ok && t != nil {
				stackAt[t] = stack
			}
		case []*Instruction:
			for _, target := range t {
				if _, ok := stackAt[target]; !ok && target != nil {
					stackAt[target] = stack
				}
			}
		}

		switch i.OpCode.Flow {
		case FlowBranch, FlowReturn, FlowThrow:
			stack = 0
		}
	}
	return max
}

func stackEffect(i *Instruction) (pop, push int) {
	pop, push = i.OpCode.Pop, i.OpCode.Push
	if pop != varStack && push != varStack {
		return pop, push
	}
	if i.OpCode == Ret {
		return 0, 0
	}

	cs, ok := i.Operand.(CallSite)
	if !ok {
		return 0, 1
	}
	params, hasThis, returns := cs.CallShape()
	switch i.OpCode {
	case Newobj:
		return params, 1
	case Calli:
		pop = params + 1
	default:
		pop = params
	}
	if hasThis {
		pop++
	}
	if returns {
		push = 1
	} else {
		push = 0
	}
	return pop, push
}

func align4(n int) int { return (n + 3) &^ 3 }
