// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package testmodule

import (
	"encoding/binary"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/metadata"
)

// IL is a tiny assembler for method bodies.
type IL struct {
	code []byte
}

// Op emits an opcode without operand.
func (c *IL) Op(op *cil.OpCode) *IL {
	if op.Size() == 2 {
		c.code = append(c.code, 0xFE, byte(op.Value))
	} else {
		c.code = append(c.code, byte(op.Value))
	}
	return c
}

// Tok emits an opcode with a 4-byte token operand.
func (c *IL) Tok(op *cil.OpCode, tok metadata.Token) *IL {
	c.Op(op)
	c.code = binary.LittleEndian.AppendUint32(c.code, uint32(tok))
	return c
}

// I1 emits an opcode with a one-byte operand (short branches, ldc.i4.s,
// short local and argument forms).
func (c *IL) I1(op *cil.OpCode, v int8) *IL {
	c.Op(op)
	c.code = append(c.code, byte(v))
	return c
}

// Len returns the current code size.
func (c *IL) Len() int { return len(c.code) }

// Code returns the raw instruction bytes.
func (c *IL) Code() []byte { return append([]byte(nil), c.code...) }

// Body returns the code with a tiny header. The code must be under 64 bytes.
func (c *IL) Body() []byte {
	if len(c.code) >= 64 {
		return c.FatBody(8, 0)
	}
	return append([]byte{byte(len(c.code)<<2 | 0x2)}, c.code...)
}

// Clause is an exception clause in small format.
type Clause struct {
	Flags         uint16
	TryOffset     int
	TryLength     int
	HandlerOffset int
	HandlerLength int
	ClassToken    metadata.Token
}

// FatBody returns the code with a fat header and, when clauses are given, a
// small exception section.
func (c *IL) FatBody(maxStack int, localSig metadata.Token, clauses ...Clause) []byte {
	le := binary.LittleEndian
	out := make([]byte, 12, 12+len(c.code))
	flags := uint16(0x3 | 3<<12)
	if localSig != 0 {
		flags |= 0x10
	}
	if len(clauses) > 0 {
		flags |= 0x08
	}
	le.PutUint16(out, flags)
	le.PutUint16(out[2:], uint16(maxStack))
	le.PutUint32(out[4:], uint32(len(c.code)))
	le.PutUint32(out[8:], uint32(localSig))
	out = append(out, c.code...)
	if len(clauses) == 0 {
		return out
	}

	out = pad(out, 4)
	out = append(out, 0x01, byte(4+12*len(clauses)), 0, 0)
	for _, cl := range clauses {
		out = le.AppendUint16(out, cl.Flags)
		out = le.AppendUint16(out, uint16(cl.TryOffset))
		out = append(out, byte(cl.TryLength))
		out = le.AppendUint16(out, uint16(cl.HandlerOffset))
		out = append(out, byte(cl.HandlerLength))
		out = le.AppendUint32(out, uint32(cl.ClassToken))
	}
	return out
}

// MethodSig encodes a method signature.
func MethodSig(hasThis bool, ret *metadata.TypeSig, params ...*metadata.TypeSig) []byte {
	s := &metadata.MethodSig{Ret: ret, Params: params, Sentinel: -1}
	if hasThis {
		s.CallConv = metadata.CallConvHasThis
	}
	return metadata.EncodeMethodSig(s)
}

// LocalSig encodes a local variable signature.
func LocalSig(locals ...*metadata.TypeSig) []byte {
	out := []byte{0x07}
	out = metadata.AppendCompressedUint(out, uint32(len(locals)))
	for _, l := range locals {
		out = append(out, metadata.EncodeTypeSig(l)...)
	}
	return out
}

// Prim returns a primitive type signature.
func Prim(k metadata.ElementType) *metadata.TypeSig { return &metadata.TypeSig{Kind: k} }

// Class returns a class type signature for tok.
func Class(tok metadata.Token) *metadata.TypeSig {
	return &metadata.TypeSig{Kind: metadata.ElemClass, Token: tok}
}

// Void, String and Object are common primitives.
var (
	Void   = Prim(metadata.ElemVoid)
	String = Prim(metadata.ElemString)
	Object = Prim(metadata.ElemObject)
	Int32  = Prim(metadata.ElemI4)
)
