// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"testing"

	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressedUint(t *testing.T) {
	tests := []struct {
		value uint32
		enc   []byte
	}{
		{0x03, []byte{0x03}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x80, 0x80}},
		{0x2E57, []byte{0xAE, 0x57}},
		{0x3FFF, []byte{0xBF, 0xFF}},
		{0x4000, []byte{0xC0, 0x00, 0x40, 0x00}},
		{0x1FFFFFFF, []byte{0xDF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		enc := AppendCompressedUint(nil, tt.value)
		assert.Equal(t, tt.enc, enc, "encode 0x%X", tt.value)

		v, n, err := DecodeCompressedUint(tt.enc)
		require.NoError(t, err)
		assert.Equal(t, tt.value, v)
		assert.Equal(t, len(tt.enc), n)
	}

	_, _, err := DecodeCompressedUint([]byte{0xFF})
	assert.True(t, errors.Is(err, errors.ErrMalformedMetadata))
}

func TestCompressedInt(t *testing.T) {
	tests := []struct {
		value int32
		enc   []byte
	}{
		{3, []byte{0x06}},
		{-3, []byte{0x7B}},
		{64, []byte{0x80, 0x80}},
		{-64, []byte{0x01}},
		{8192, []byte{0xC0, 0x00, 0x40, 0x00}},
		{-8192, []byte{0x80, 0x01}},
		{268435455, []byte{0xDF, 0xFF, 0xFF, 0xFE}},
		{-268435456, []byte{0xC0, 0x00, 0x00, 0x01}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.enc, AppendCompressedInt(nil, tt.value), "encode %d", tt.value)
		v, _, err := DecodeCompressedInt(tt.enc)
		require.NoError(t, err)
		assert.Equal(t, tt.value, v)
	}
}

func TestCodedIndex(t *testing.T) {
	tok := NewToken(TableTypeRef, 5)
	v, err := EncodeCoded(TypeDefOrRef, tok)
	require.NoError(t, err)
	assert.Equal(t, uint32(5<<2|1), v)

	back, err := DecodeCoded(TypeDefOrRef, v)
	require.NoError(t, err)
	assert.Equal(t, tok, back)

	_, err = EncodeCoded(TypeDefOrRef, NewToken(TableMethodDef, 1))
	assert.Error(t, err)

	_, err = DecodeCoded(CustomAttributeType, 0)
	assert.Error(t, err, "tag 0 of CustomAttributeType is unused")
}

func TestMethodSigRoundTrip(t *testing.T) {
	// instance string Foo(int32, class [0x01000002][], !0)
	raw := []byte{0x20, 0x03, 0x0E, 0x08, 0x1D, 0x12, 0x09, 0x13, 0x00}
	sig, err := ParseMethodSig(raw)
	require.NoError(t, err)

	assert.True(t, sig.HasThis())
	assert.Equal(t, ElemString, sig.Ret.Kind)
	require.Len(t, sig.Params, 3)
	assert.Equal(t, ElemI4, sig.Params[0].Kind)
	assert.Equal(t, ElemSzArray, sig.Params[1].Kind)
	assert.Equal(t, NewToken(TableTypeRef, 2), sig.Params[1].Elem.Token)
	assert.Equal(t, ElemVar, sig.Params[2].Kind)

	assert.Equal(t, raw, EncodeMethodSig(sig))
}

func TestTypeSigGenericInstAndArray(t *testing.T) {
	// GENERICINST CLASS TypeRef(1) 1 STRING, then ARRAY I4 rank 2 sizes{} lo{0,0}
	gi := []byte{0x15, 0x12, 0x05, 0x01, 0x0E}
	sig, err := ParseTypeSig(gi)
	require.NoError(t, err)
	require.Len(t, sig.Args, 1)
	assert.Equal(t, gi, EncodeTypeSig(sig))

	arr := []byte{0x14, 0x08, 0x02, 0x00, 0x02, 0x00, 0x00}
	sig, err = ParseTypeSig(arr)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sig.Rank)
	assert.Equal(t, arr, EncodeTypeSig(sig))
}

func TestMapTokens(t *testing.T) {
	sig := &MethodSig{
		CallConv: CallConvDefault,
		Ret:      &TypeSig{Kind: ElemClass, Token: NewToken(TableTypeRef, 1)},
		Params:   []*TypeSig{{Kind: ElemSzArray, Elem: &TypeSig{Kind: ElemValueType, Token: NewToken(TableTypeDef, 3)}}},
		Sentinel: -1,
	}
	mapped, err := sig.MapTokens(func(tok Token) (Token, error) {
		return NewToken(TableTypeRef, tok.RID()+10), nil
	})
	require.NoError(t, err)

	assert.Equal(t, NewToken(TableTypeRef, 11), mapped.Ret.Token)
	assert.Equal(t, NewToken(TableTypeRef, 13), mapped.Params[0].Elem.Token)
	assert.Equal(t, NewToken(TableTypeRef, 1), sig.Ret.Token, "original untouched")
}

func TestFieldSig(t *testing.T) {
	raw := []byte{0x06, 0x11, 0x09}
	assert.True(t, IsFieldSig(raw))
	ft, err := ParseFieldSig(raw)
	require.NoError(t, err)
	assert.Equal(t, ElemValueType, ft.Kind)
	assert.Equal(t, raw, EncodeFieldSig(ft))

	_, err = ParseMethodSig(raw)
	assert.Error(t, err)
}

func TestHeapsAppendOnly(t *testing.T) {
	md := New("v4.0.30319")

	a := md.AddString("Alpha")
	b := md.AddString("Beta")
	assert.Equal(t, a, md.AddString("Alpha"))
	assert.NotEqual(t, a, b)

	s, err := md.String(a)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", s)

	blob := md.AddBlob([]byte{1, 2, 3})
	got, err := md.Blob(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	tok := md.AddUserString("héllo")
	assert.Equal(t, TableString, tok.Table())
	us, err := md.UserStrings.Get(tok.RID())
	require.NoError(t, err)
	assert.Equal(t, "héllo", us)
}

func TestStringHeapFindSkipsSuffixes(t *testing.T) {
	h := newStringHeap([]byte("\x00FooBar\x00Bar\x00"))
	off, ok := h.Find("Bar")
	require.True(t, ok)
	assert.Equal(t, uint32(8), off)

	_, ok = h.Find("oBar")
	assert.False(t, ok)
}

func TestAddRowRejectsSortedTables(t *testing.T) {
	md := New("v4.0.30319")
	_, err := md.AddRow(TableInterfaceImpl, Row{1, 1})
	assert.True(t, errors.Is(err, errors.ErrUnsupported))

	tok, err := md.AddRow(TableTypeRef, Row{0, md.AddString("Object"), md.AddString("System")})
	require.NoError(t, err)
	assert.Equal(t, NewToken(TableTypeRef, 1), tok)
	assert.True(t, md.Modified())
}

func TestBytesParseRoundTrip(t *testing.T) {
	md := New("v4.0.30319")
	md.Table(TableModule).Append(Row{0, md.AddString("test.dll"), md.GUIDs.Add([16]byte{1}), 0, 0})
	md.Table(TableTypeDef).Append(Row{0, md.AddString("<Module>"), 0, 0, 1, 1})
	scope := md.Table(TableAssemblyRef).Append(Row{4, 0, 0, 0, 0, 0, md.AddString("mscorlib"), 0, 0})
	scopeCoded, err := EncodeCoded(ResolutionScope, NewToken(TableAssemblyRef, scope))
	require.NoError(t, err)
	md.Table(TableTypeRef).Append(Row{scopeCoded, md.AddString("Object"), md.AddString("System")})
	md.AddUserString("hello")

	data := md.Bytes()
	back, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "v4.0.30319", back.Version)
	assert.Equal(t, 1, back.Table(TableTypeRef).Len())
	row, err := back.Row(NewToken(TableTypeRef, 1))
	require.NoError(t, err)
	name, err := back.String(row[TypeRefName])
	require.NoError(t, err)
	assert.Equal(t, "Object", name)

	scopeTok, err := DecodeColumn(ResolutionScope, row, TypeRefScope)
	require.NoError(t, err)
	assert.Equal(t, NewToken(TableAssemblyRef, 1), scopeTok)
	assert.False(t, back.Modified())

	assert.Equal(t, data, back.Bytes(), "re-serializing unchanged metadata is stable")
}

func TestParseRejectsUncompressedTables(t *testing.T) {
	md := New("v4.0.30319")
	md.streams[0].name = "#-"
	_, err := Parse(md.Bytes())
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}

func TestWideIndexes(t *testing.T) {
	var l layout
	l.rows[TableTypeRef] = 0x3FFF
	assert.Equal(t, 2, l.width(coded(TypeDefOrRef)))
	l.rows[TableTypeRef] = 0x4000
	assert.Equal(t, 4, l.width(coded(TypeDefOrRef)))
	assert.Equal(t, 2, l.width(idx(TableTypeRef)))
	l.rows[TableTypeRef] = 0x10000
	assert.Equal(t, 4, l.width(idx(TableTypeRef)))
}
