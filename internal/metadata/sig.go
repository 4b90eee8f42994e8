// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"fmt"

	"github.com/dotandev/cilpatch/internal/errors"
)

// ElementType is an ELEMENT_TYPE_* constant from ECMA-335 II.23.1.16.
type ElementType uint8

const (
	ElemEnd         ElementType = 0x00
	ElemVoid        ElementType = 0x01
	ElemBoolean     ElementType = 0x02
	ElemChar        ElementType = 0x03
	ElemI1          ElementType = 0x04
	ElemU1          ElementType = 0x05
	ElemI2          ElementType = 0x06
	ElemU2          ElementType = 0x07
	ElemI4          ElementType = 0x08
	ElemU4          ElementType = 0x09
	ElemI8          ElementType = 0x0A
	ElemU8          ElementType = 0x0B
	ElemR4          ElementType = 0x0C
	ElemR8          ElementType = 0x0D
	ElemString      ElementType = 0x0E
	ElemPtr         ElementType = 0x0F
	ElemByRef       ElementType = 0x10
	ElemValueType   ElementType = 0x11
	ElemClass       ElementType = 0x12
	ElemVar         ElementType = 0x13
	ElemArray       ElementType = 0x14
	ElemGenericInst ElementType = 0x15
	ElemTypedByRef  ElementType = 0x16
	ElemI           ElementType = 0x18
	ElemU           ElementType = 0x19
	ElemFnPtr       ElementType = 0x1B
	ElemObject      ElementType = 0x1C
	ElemSzArray     ElementType = 0x1D
	ElemMVar        ElementType = 0x1E
	ElemCModReqd    ElementType = 0x1F
	ElemCModOpt     ElementType = 0x20
	ElemSentinel    ElementType = 0x41
	ElemPinned      ElementType = 0x45
)

// Calling convention bits of a method signature.
const (
	CallConvDefault      = 0x00
	CallConvVarArg       = 0x05
	CallConvGeneric      = 0x10
	CallConvHasThis      = 0x20
	CallConvExplicitThis = 0x40
	callConvField        = 0x06
	callConvLocalSig     = 0x07
	callConvMask         = 0x0F
)

// DecodeCompressedUint reads an ECMA-335 compressed unsigned integer and
// returns it with the number of bytes consumed.
func DecodeCompressedUint(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.WrapMalformedMetadata("empty compressed integer")
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, errors.WrapMalformedMetadata("truncated compressed integer")
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, errors.WrapMalformedMetadata("truncated compressed integer")
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	}
	return 0, 0, errors.WrapMalformedMetadata(fmt.Sprintf("invalid compressed integer lead byte 0x%02X", b[0]))
}

// AppendCompressedUint appends v in compressed form.
func AppendCompressedUint(dst []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(dst, byte(v))
	case v < 0x4000:
		return append(dst, byte(v>>8)|0x80, byte(v))
	default:
		return append(dst, byte(v>>24)|0xC0, byte(v>>16), byte(v>>8), byte(v))
	}
}

// DecodeCompressedInt reads a compressed signed integer.
func DecodeCompressedInt(b []byte) (int32, int, error) {
	u, n, err := DecodeCompressedUint(b)
	if err != nil {
		return 0, 0, err
	}
	neg := u&1 != 0
	u >>= 1
	if !neg {
		return int32(u), n, nil
	}
	switch n {
	case 1:
		return int32(u) - 0x40, n, nil
	case 2:
		return int32(u) - 0x2000, n, nil
	default:
		return int32(u) - 0x10000000, n, nil
	}
}

// AppendCompressedInt appends v as a compressed signed integer.
func AppendCompressedInt(dst []byte, v int32) []byte {
	// The width is chosen from the value, not from the rotated encoding.
	switch {
	case v >= -0x40 && v < 0x40:
		u := uint32(v) & 0x7F
		return append(dst, byte((u<<1|u>>6)&0x7F))
	case v >= -0x2000 && v < 0x2000:
		u := uint32(v) & 0x3FFF
		x := (u<<1 | u>>13) & 0x3FFF
		return append(dst, byte(x>>8)|0x80, byte(x))
	default:
		u := uint32(v) & 0x1FFFFFFF
		x := (u<<1 | u>>28) & 0x1FFFFFFF
		return append(dst, byte(x>>24)|0xC0, byte(x>>16), byte(x>>8), byte(x))
	}
}

// DecodeTypeDefOrRefEncoded turns a TypeDefOrRefOrSpecEncoded value into a token.
func DecodeTypeDefOrRefEncoded(v uint32) (Token, error) {
	return DecodeCoded(TypeDefOrRef, v)
}

// TypeSig is a decoded type signature. Which fields are meaningful depends
// on Kind.
type TypeSig struct {
	Kind ElementType

	// Token is the type of CLASS and VALUETYPE, or the modifier type of
	// CMOD_REQD and CMOD_OPT.
	Token Token
	// Elem is the element of PTR, BYREF, SZARRAY, ARRAY, PINNED and custom
	// modifiers, and the generic type of GENERICINST.
	Elem *TypeSig
	// Args holds GENERICINST type arguments.
	Args []*TypeSig
	// Index is the generic parameter number of VAR and MVAR.
	Index uint32

	Rank     uint32
	Sizes    []uint32
	LoBounds []int32

	Method *MethodSig
}

// MethodSig is a decoded method (or standalone call site) signature.
type MethodSig struct {
	CallConv      byte
	GenericParams uint32
	Ret           *TypeSig
	Params        []*TypeSig
	// Sentinel is the index of the first vararg parameter, or -1.
	Sentinel int
}

func (s *MethodSig) HasThis() bool      { return s.CallConv&CallConvHasThis != 0 }
func (s *MethodSig) ExplicitThis() bool { return s.CallConv&CallConvExplicitThis != 0 }

type sigReader struct {
	b   []byte
	pos int
}

func (r *sigReader) readByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, errors.WrapMalformedMetadata("truncated signature")
	}
	c := r.b[r.pos]
	r.pos++
	return c, nil
}

func (r *sigReader) peekByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, errors.WrapMalformedMetadata("truncated signature")
	}
	return r.b[r.pos], nil
}

func (r *sigReader) readUint() (uint32, error) {
	v, n, err := DecodeCompressedUint(r.b[r.pos:])
	r.pos += n
	return v, err
}

func (r *sigReader) readInt() (int32, error) {
	v, n, err := DecodeCompressedInt(r.b[r.pos:])
	r.pos += n
	return v, err
}

func (r *sigReader) readToken() (Token, error) {
	v, err := r.readUint()
	if err != nil {
		return 0, err
	}
	return DecodeTypeDefOrRefEncoded(v)
}

// ParseMethodSig decodes a MethodDefSig, MethodRefSig or StandAloneMethodSig.
func ParseMethodSig(b []byte) (*MethodSig, error) {
	r := &sigReader{b: b}
	return r.methodSig()
}

func (r *sigReader) methodSig() (*MethodSig, error) {
	cc, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if cc&callConvMask == callConvField || cc&callConvMask == callConvLocalSig {
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("calling convention 0x%02X is not a method", cc))
	}
	sig := &MethodSig{CallConv: cc, Sentinel: -1}
	if cc&CallConvGeneric != 0 {
		if sig.GenericParams, err = r.readUint(); err != nil {
			return nil, err
		}
	}
	count, err := r.readUint()
	if err != nil {
		return nil, err
	}
	if sig.Ret, err = r.typeSig(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		c, err := r.peekByte()
		if err != nil {
			return nil, err
		}
		if ElementType(c) == ElemSentinel {
			r.pos++
			sig.Sentinel = int(i)
		}
		p, err := r.typeSig()
		if err != nil {
			return nil, err
		}
		sig.Params = append(sig.Params, p)
	}
	return sig, nil
}

// ParseFieldSig decodes a FieldSig.
func ParseFieldSig(b []byte) (*TypeSig, error) {
	r := &sigReader{b: b}
	cc, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if cc&callConvMask != callConvField {
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("calling convention 0x%02X is not a field", cc))
	}
	return r.typeSig()
}

// IsFieldSig reports whether a MemberRef signature describes a field.
func IsFieldSig(b []byte) bool {
	return len(b) > 0 && b[0]&callConvMask == callConvField
}

// ParseTypeSig decodes a bare type signature such as a TypeSpec blob.
func ParseTypeSig(b []byte) (*TypeSig, error) {
	r := &sigReader{b: b}
	return r.typeSig()
}

// ParseTypeSigPrefix decodes the type signature at the start of b and
// returns it with the number of bytes consumed.
func ParseTypeSigPrefix(b []byte) (*TypeSig, int, error) {
	r := &sigReader{b: b}
	t, err := r.typeSig()
	return t, r.pos, err
}

func (r *sigReader) typeSig() (*TypeSig, error) {
	c, err := r.readByte()
	if err != nil {
		return nil, err
	}
	t := &TypeSig{Kind: ElementType(c)}
	switch t.Kind {
	case ElemVoid, ElemBoolean, ElemChar, ElemI1, ElemU1, ElemI2, ElemU2, ElemI4, ElemU4,
		ElemI8, ElemU8, ElemR4, ElemR8, ElemString, ElemTypedByRef, ElemI, ElemU, ElemObject:
		return t, nil
	case ElemClass, ElemValueType:
		t.Token, err = r.readToken()
		return t, err
	case ElemCModReqd, ElemCModOpt:
		if t.Token, err = r.readToken(); err != nil {
			return nil, err
		}
		t.Elem, err = r.typeSig()
		return t, err
	case ElemPtr, ElemByRef, ElemSzArray, ElemPinned:
		t.Elem, err = r.typeSig()
		return t, err
	case ElemVar, ElemMVar:
		t.Index, err = r.readUint()
		return t, err
	case ElemGenericInst:
		if t.Elem, err = r.typeSig(); err != nil {
			return nil, err
		}
		n, err := r.readUint()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < n; i++ {
			a, err := r.typeSig()
			if err != nil {
				return nil, err
			}
			t.Args = append(t.Args, a)
		}
		return t, nil
	case ElemArray:
		if t.Elem, err = r.typeSig(); err != nil {
			return nil, err
		}
		if t.Rank, err = r.readUint(); err != nil {
			return nil, err
		}
		n, err := r.readUint()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < n; i++ {
			s, err := r.readUint()
			if err != nil {
				return nil, err
			}
			t.Sizes = append(t.Sizes, s)
		}
		if n, err = r.readUint(); err != nil {
			return nil, err
		}
		for i := uint32(0); i < n; i++ {
			lb, err := r.readInt()
			if err != nil {
				return nil, err
			}
			t.LoBounds = append(t.LoBounds, lb)
		}
		return t, nil
	case ElemFnPtr:
		t.Method, err = r.methodSig()
		return t, err
	}
	return nil, errors.WrapMalformedMetadata(fmt.Sprintf("unsupported element type 0x%02X in signature", c))
}

// EncodeMethodSig serializes a method signature.
func EncodeMethodSig(s *MethodSig) []byte {
	return appendMethodSig(nil, s)
}

func appendMethodSig(b []byte, s *MethodSig) []byte {
	b = append(b, s.CallConv)
	if s.CallConv&CallConvGeneric != 0 {
		b = AppendCompressedUint(b, s.GenericParams)
	}
	b = AppendCompressedUint(b, uint32(len(s.Params)))
	b = appendTypeSig(b, s.Ret)
	for i, p := range s.Params {
		if i == s.Sentinel {
			b = append(b, byte(ElemSentinel))
		}
		b = appendTypeSig(b, p)
	}
	return b
}

// EncodeFieldSig serializes a field signature.
func EncodeFieldSig(t *TypeSig) []byte {
	return appendTypeSig([]byte{callConvField}, t)
}

// EncodeTypeSig serializes a bare type signature.
func EncodeTypeSig(t *TypeSig) []byte {
	return appendTypeSig(nil, t)
}

func appendTypeSig(b []byte, t *TypeSig) []byte {
	b = append(b, byte(t.Kind))
	switch t.Kind {
	case ElemClass, ElemValueType:
		v, _ := EncodeCoded(TypeDefOrRef, t.Token)
		b = AppendCompressedUint(b, v)
	case ElemCModReqd, ElemCModOpt:
		v, _ := EncodeCoded(TypeDefOrRef, t.Token)
		b = AppendCompressedUint(b, v)
		b = appendTypeSig(b, t.Elem)
	case ElemPtr, ElemByRef, ElemSzArray, ElemPinned:
		b = appendTypeSig(b, t.Elem)
	case ElemVar, ElemMVar:
		b = AppendCompressedUint(b, t.Index)
	case ElemGenericInst:
		b = appendTypeSig(b, t.Elem)
		b = AppendCompressedUint(b, uint32(len(t.Args)))
		for _, a := range t.Args {
			b = appendTypeSig(b, a)
		}
	case ElemArray:
		b = appendTypeSig(b, t.Elem)
		b = AppendCompressedUint(b, t.Rank)
		b = AppendCompressedUint(b, uint32(len(t.Sizes)))
		for _, s := range t.Sizes {
			b = AppendCompressedUint(b, s)
		}
		b = AppendCompressedUint(b, uint32(len(t.LoBounds)))
		for _, lb := range t.LoBounds {
			b = AppendCompressedInt(b, lb)
		}
	case ElemFnPtr:
		b = appendMethodSig(b, t.Method)
	}
	return b
}

// MapTokens returns a deep copy of t with every type token passed through fn.
func (t *TypeSig) MapTokens(fn func(Token) (Token, error)) (*TypeSig, error) {
	if t == nil {
		return nil, nil
	}
	out := *t
	var err error
	if t.Kind == ElemClass || t.Kind == ElemValueType || t.Kind == ElemCModReqd || t.Kind == ElemCModOpt {
		if out.Token, err = fn(t.Token); err != nil {
			return nil, err
		}
	}
	if out.Elem, err = t.Elem.MapTokens(fn); err != nil {
		return nil, err
	}
	out.Args = nil
	for _, a := range t.Args {
		m, err := a.MapTokens(fn)
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, m)
	}
	if t.Method != nil {
		if out.Method, err = t.Method.MapTokens(fn); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// MapTokens returns a deep copy of s with every type token passed through fn.
func (s *MethodSig) MapTokens(fn func(Token) (Token, error)) (*MethodSig, error) {
	out := *s
	var err error
	if out.Ret, err = s.Ret.MapTokens(fn); err != nil {
		return nil, err
	}
	out.Params = make([]*TypeSig, len(s.Params))
	for i, p := range s.Params {
		if out.Params[i], err = p.MapTokens(fn); err != nil {
			return nil, err
		}
	}
	return &out, nil
}
