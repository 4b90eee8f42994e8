// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cil

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/cilpatch/internal/metadata"
)

type fakeMethod struct {
	name    string
	params  int
	hasThis bool
	returns bool
}

func (m *fakeMethod) String() string { return m.name }
func (m *fakeMethod) CallShape() (int, bool, bool) {
	return m.params, m.hasThis, m.returns
}

type fakeType string

// fakeModule resolves and allocates tokens from two fixed tables.
type fakeModule struct {
	operands map[metadata.Token]any
	strings  map[metadata.Token]string
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		operands: map[metadata.Token]any{
			0x0A000001: &fakeMethod{name: "System.Void System.Console::WriteLine(System.String)", params: 1},
			0x0A000002: &fakeMethod{name: "System.String System.String::Concat(System.String,System.String)", params: 2, returns: true},
			0x01000001: fakeType("System.Exception"),
		},
		strings: map[metadata.Token]string{0x70000001: "hello"},
	}
}

func (m *fakeModule) ResolveToken(tok metadata.Token) (any, error) {
	if v, ok := m.operands[tok]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown token %s", tok)
}

func (m *fakeModule) ResolveString(tok metadata.Token) (string, error) {
	if s, ok := m.strings[tok]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown string %s", tok)
}

func (m *fakeModule) ArgName(index int) string {
	if index == 0 {
		return "args"
	}
	return ""
}

func (m *fakeModule) TokenOf(v any) (metadata.Token, error) {
	for tok, o := range m.operands {
		if o == v {
			return tok, nil
		}
	}
	return 0, fmt.Errorf("no token for %v", v)
}

func (m *fakeModule) StringToken(s string) (metadata.Token, error) {
	for tok, v := range m.strings {
		if v == s {
			return tok, nil
		}
	}
	tok := metadata.NewToken(metadata.TableString, uint32(len(m.strings)+1))
	m.strings[tok] = s
	return tok, nil
}

func TestDecodeTinyBody(t *testing.T) {
	// ldstr "hello"; call WriteLine; ret
	raw := []byte{
		11<<2 | 0x2,
		0x72, 0x01, 0x00, 0x00, 0x70,
		0x28, 0x01, 0x00, 0x00, 0x0A,
		0x2A,
	}
	mod := newFakeModule()
	body, err := Decode(raw, mod)
	require.NoError(t, err)

	require.Equal(t, 3, body.Len())
	assert.Equal(t, "ldstr hello", body.At(0).String())
	assert.Equal(t, "call System.Void System.Console::WriteLine(System.String)", body.At(1).String())
	assert.Equal(t, "ret", body.At(2).String())
	assert.Equal(t, `IL_0000: ldstr "hello"`, body.At(0).Disasm())
	assert.Equal(t, 5, body.At(1).Offset)
	assert.False(t, body.Modified())

	out, err := Encode(body, mod)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"bad format", []byte{0x01}},
		{"overrun", []byte{10<<2 | 0x2, 0x00}},
		{"unknown opcode", []byte{1<<2 | 0x2, 0x24}},
		{"truncated operand", []byte{2<<2 | 0x2, 0x72, 0x01}},
		{"branch into operand", []byte{7<<2 | 0x2, 0x2B, 0x01, 0x72, 0x01, 0x00, 0x00, 0x70}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw, newFakeModule())
			assert.Error(t, err)
		})
	}
}

func TestOperandRendering(t *testing.T) {
	target := New(Ret, nil)
	body := NewBody()
	body.Append(
		New(Ldarg, Arg{Index: 0, Name: "args"}),
		New(LdargS, Arg{Index: 3}),
		New(LdlocS, Local{Index: 2}),
		New(LdcI4S, int8(-4)),
		New(BrS, target),
		target,
	)
	body.UpdateOffsets()

	assert.Equal(t, "ldarg args", body.At(0).String())
	assert.Equal(t, "ldarg.s A_3", body.At(1).String())
	assert.Equal(t, "ldloc.s V_2", body.At(2).String())
	assert.Equal(t, "ldc.i4.s -4", body.At(3).String())
	assert.Equal(t, "br.s IL_000c: ret", body.At(4).String())
	assert.Equal(t, "IL_000a: br.s IL_000c", body.At(4).Disasm())
}

func TestRemoveRetargetsBranches(t *testing.T) {
	body := NewBody()
	target := New(Nop, nil)
	after := New(Ldnull, nil)
	br := New(BrS, target)
	sw := New(Switch, []*Instruction{target, after})
	body.Append(br, sw, target, after, New(Ret, nil))
	body.MarkClean()

	body.Remove(target)

	assert.Equal(t, 4, body.Len())
	assert.Same(t, after, br.Operand)
	assert.Equal(t, []*Instruction{after, after}, sw.Operand)
	assert.True(t, body.Modified())
	assert.Equal(t, -1, body.Index(target))
	assert.Nil(t, target.Next())
}

func TestRemoveAtEndTargetsNil(t *testing.T) {
	body := NewBody()
	last := New(Ret, nil)
	br := New(BrS, last)
	body.Append(br, last)

	body.Remove(last)

	assert.Nil(t, br.Operand)
	assert.Equal(t, "br.s IL_end", br.String())
}

func TestReplaceAndInsert(t *testing.T) {
	body := NewBody()
	a, b, c := New(Nop, nil), New(Ldnull, nil), New(Ret, nil)
	body.Append(a, c)
	body.InsertAfter(a, b)
	require.Equal(t, []*Instruction{a, b, c}, body.Instructions())

	br := New(Br, b)
	body.InsertBefore(a, br)
	repl := New(Ldstr, "x")
	body.Replace(b, repl)
	assert.Same(t, repl, br.Operand)
	assert.Equal(t, []*Instruction{br, a, repl, c}, body.Instructions())

	body.Truncate(repl)
	assert.Equal(t, []*Instruction{br, a}, body.Instructions())
	assert.Same(t, a, body.Last())
}

func TestModifiedDetectsInPlaceEdits(t *testing.T) {
	raw := []byte{6<<2 | 0x2, 0x72, 0x01, 0x00, 0x00, 0x70, 0x2A}
	body, err := Decode(raw, newFakeModule())
	require.NoError(t, err)
	assert.False(t, body.Modified())

	body.At(0).Operand = "changed"
	assert.True(t, body.Modified())
	body.At(0).Operand = "hello"
	assert.False(t, body.Modified())

	body.At(1).OpCode = Nop
	assert.True(t, body.Modified())
}

func TestEncodePromotesShortBranches(t *testing.T) {
	body := NewBody()
	end := New(Ret, nil)
	body.Append(New(BrS, end))
	for n := 0; n < 200; n++ {
		body.Append(New(Nop, nil))
	}
	body.Append(end)

	out, err := Encode(body, newFakeModule())
	require.NoError(t, err)

	assert.Same(t, Br, body.First().OpCode)
	// fat header, then br with a 200 byte forward offset
	assert.Equal(t, byte(0x38), out[12])
	assert.Equal(t, []byte{200, 0, 0, 0}, out[13:17])
}

func TestComputeMaxStack(t *testing.T) {
	mod := newFakeModule()
	concat := mod.operands[0x0A000002]
	writeLine := mod.operands[0x0A000001]

	body := NewBody()
	body.Append(
		New(Ldstr, "a"),
		New(Ldstr, "b"),
		New(Call, concat),
		New(Call, writeLine),
		New(Ret, nil),
	)
	assert.Equal(t, 2, ComputeMaxStack(body))

	body = NewBody()
	body.Append(New(Ldnull, nil), New(Ldnull, nil), New(Ldnull, nil), New(Pop, nil), New(Ret, nil))
	assert.Equal(t, 3, ComputeMaxStack(body))
}

func TestExceptionHandlerRoundTrip(t *testing.T) {
	mod := newFakeModule()
	exc := mod.operands[0x01000001]

	body := NewBody()
	try := New(Nop, nil)
	end := New(Ret, nil)
	leave1 := New(LeaveS, end)
	handler := New(Pop, nil)
	leave2 := New(LeaveS, end)
	body.Append(try, leave1, handler, leave2, end)
	body.Handlers = append(body.Handlers, &ExceptionHandler{
		Type:         HandlerCatch,
		TryStart:     try,
		TryEnd:       handler,
		HandlerStart: handler,
		HandlerEnd:   end,
		CatchType:    exc,
	})

	raw, err := Encode(body, mod)
	require.NoError(t, err)
	assert.Equal(t, byte(0x3), raw[0]&0x3)

	decoded, err := Decode(raw, mod)
	require.NoError(t, err)
	require.Len(t, decoded.Handlers, 1)
	h := decoded.Handlers[0]
	assert.Equal(t, HandlerCatch, h.Type)
	assert.Equal(t, exc, h.CatchType)
	assert.Equal(t, "nop", h.TryStart.String())
	assert.Equal(t, "pop", h.HandlerStart.String())
	assert.Equal(t, "ret", h.HandlerEnd.String())
	assert.Equal(t, 1, decoded.MaxStack)

	again, err := Encode(decoded, mod)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestRemovePrunesEmptyHandlers(t *testing.T) {
	body := NewBody()
	try := New(Nop, nil)
	handler := New(Endfinally, nil)
	end := New(Ret, nil)
	body.Append(try, handler, end)
	body.Handlers = []*ExceptionHandler{{
		Type:         HandlerFinally,
		TryStart:     try,
		TryEnd:       handler,
		HandlerStart: handler,
		HandlerEnd:   end,
	}}

	body.Remove(try)
	assert.Empty(t, body.Handlers)
}

func TestLookupAndLongForm(t *testing.T) {
	op, ok := Lookup("callvirt")
	require.True(t, ok)
	assert.Same(t, Callvirt, op)

	_, ok = Lookup("no.such.op")
	assert.False(t, ok)

	assert.Same(t, Leave, LongForm(LeaveS))
	assert.Same(t, Ret, LongForm(Ret))
	assert.Equal(t, 2, Ldloc.Size())
	assert.Equal(t, 1, LdcI4S.OperandSize())
}
