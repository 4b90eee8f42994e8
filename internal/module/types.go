// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package module

import (
	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/metadata"
)

// Type is any type a module can refer to: a definition, a reference to
// another assembly's type or a constructed type specification.
type Type interface {
	Namespace() string
	Name() string
	FullName() string
	Token() metadata.Token
	Module() *Module
}

// Method is a method definition, a method reference or a generic method
// instantiation.
type Method interface {
	Name() string
	DeclaringType() Type
	Signature() *metadata.MethodSig
	HasThis() bool
	ReturnType() TypeSig
	Params() []TypeSig
	FullName() string
	Token() metadata.Token
	Module() *Module
}

// TypeSig is a signature type bound to the module whose tokens it uses.
type TypeSig struct {
	Sig    *metadata.TypeSig
	module *Module
}

// FullName renders the type the way rule files and the resolver spell it.
func (s TypeSig) FullName() string { return s.module.sigName(s.Sig) }

func (s TypeSig) String() string { return s.FullName() }

// AssemblyRef is a reference to another assembly.
type AssemblyRef struct {
	Name             string
	Version          [4]uint16
	Flags            uint32
	PublicKeyOrToken []byte
	Culture          string

	token metadata.Token
}

func (a *AssemblyRef) Token() metadata.Token { return a.token }

// TypeDef is a type defined in the module.
type TypeDef struct {
	Flags uint32

	namespace     string
	name          string
	declaringType *TypeDef
	nested        []*TypeDef
	baseType      Type
	interfaces    []Type
	ifaceRows     []uint32
	methods       []*MethodDef
	fields        []*FieldDef

	token  metadata.Token
	module *Module
}

func (t *TypeDef) Namespace() string       { return t.namespace }
func (t *TypeDef) Name() string            { return t.name }
func (t *TypeDef) Token() metadata.Token   { return t.token }
func (t *TypeDef) Module() *Module         { return t.module }
func (t *TypeDef) DeclaringType() *TypeDef { return t.declaringType }
func (t *TypeDef) NestedTypes() []*TypeDef { return t.nested }
func (t *TypeDef) Methods() []*MethodDef   { return t.methods }
func (t *TypeDef) Fields() []*FieldDef     { return t.fields }
func (t *TypeDef) String() string          { return t.FullName() }

// FullName is Namespace.Name, with nested types joined to their declaring
// type by "/".
func (t *TypeDef) FullName() string {
	if t.declaringType != nil {
		return t.declaringType.FullName() + "/" + t.name
	}
	return qualify(t.namespace, t.name)
}

// BaseType returns the extended type, or nil.
func (t *TypeDef) BaseType() Type { return t.baseType }

// SetBaseType replaces the extended type. bt must belong to the module.
func (t *TypeDef) SetBaseType(bt Type) error {
	if bt != nil && bt.Module() != t.module {
		return errors.WrapUnsupported("base type " + bt.FullName() + " is not imported into " + t.module.Name)
	}
	t.baseType = bt
	return nil
}

// Interfaces returns the implemented interfaces in declaration order.
func (t *TypeDef) Interfaces() []Type { return append([]Type(nil), t.interfaces...) }

// SetInterface replaces the i-th implemented interface.
func (t *TypeDef) SetInterface(i int, it Type) error {
	if it == nil || it.Module() != t.module {
		return errors.WrapUnsupported("interface is not imported into " + t.module.Name)
	}
	t.interfaces[i] = it
	return nil
}

// Method returns the first method named name, or nil.
func (t *TypeDef) Method(name string) *MethodDef {
	for _, m := range t.methods {
		if m.name == name {
			return m
		}
	}
	return nil
}

// TypeRef is a reference to a type of another assembly (or, via a Module
// scope, of this one).
type TypeRef struct {
	namespace string
	name      string
	// Exactly one of enclosing and assembly is set for a resolved scope;
	// both are nil for module-scoped references.
	enclosing *TypeRef
	assembly  *AssemblyRef

	token  metadata.Token
	module *Module
}

func (t *TypeRef) Namespace() string       { return t.namespace }
func (t *TypeRef) Name() string            { return t.name }
func (t *TypeRef) Token() metadata.Token   { return t.token }
func (t *TypeRef) Module() *Module         { return t.module }
func (t *TypeRef) DeclaringType() *TypeRef { return t.enclosing }
func (t *TypeRef) String() string          { return t.FullName() }

// Assembly returns the assembly the reference resolves through, or nil when
// the reference is scoped to the module itself.
func (t *TypeRef) Assembly() *AssemblyRef {
	for r := t; r != nil; r = r.enclosing {
		if r.assembly != nil {
			return r.assembly
		}
	}
	return nil
}

func (t *TypeRef) FullName() string {
	if t.enclosing != nil {
		return t.enclosing.FullName() + "/" + t.name
	}
	return qualify(t.namespace, t.name)
}

// TypeSpec is a constructed type (generic instance, array, pointer...).
type TypeSpec struct {
	sig TypeSig

	token  metadata.Token
	module *Module
}

func (t *TypeSpec) Namespace() string     { return "" }
func (t *TypeSpec) Name() string          { return t.sig.FullName() }
func (t *TypeSpec) FullName() string      { return t.sig.FullName() }
func (t *TypeSpec) Token() metadata.Token { return t.token }
func (t *TypeSpec) Module() *Module       { return t.module }
func (t *TypeSpec) Sig() TypeSig          { return t.sig }
func (t *TypeSpec) String() string        { return t.FullName() }

// methodBase holds what definitions and references share.
type methodBase struct {
	name          string
	declaringType Type
	sig           *metadata.MethodSig

	token  metadata.Token
	module *Module
}

func (m *methodBase) Name() string                   { return m.name }
func (m *methodBase) DeclaringType() Type            { return m.declaringType }
func (m *methodBase) Signature() *metadata.MethodSig { return m.sig }
func (m *methodBase) HasThis() bool                  { return m.sig.HasThis() }
func (m *methodBase) Token() metadata.Token          { return m.token }
func (m *methodBase) Module() *Module                { return m.module }

func (m *methodBase) ReturnType() TypeSig {
	return TypeSig{Sig: m.sig.Ret, module: m.module}
}

func (m *methodBase) Params() []TypeSig {
	out := make([]TypeSig, len(m.sig.Params))
	for i, p := range m.sig.Params {
		out[i] = TypeSig{Sig: p, module: m.module}
	}
	return out
}

// FullName renders "ReturnType DeclaringType::Name(P1,P2)".
func (m *methodBase) FullName() string {
	return m.module.methodName(m.sig, m.declaringType, m.name, "")
}

func (m *methodBase) String() string { return m.FullName() }

// CallShape reports the stack effect of calling the method.
func (m *methodBase) CallShape() (int, bool, bool) {
	return len(m.sig.Params), m.sig.HasThis() && !m.sig.ExplicitThis(), m.sig.Ret.Kind != metadata.ElemVoid
}

// MethodDef is a method defined in the module. Its body is decoded on first
// access.
type MethodDef struct {
	methodBase

	Flags      uint16
	ImplFlags  uint16
	RVA        uint32
	ParamNames []string

	body       *cil.Body
	bodyLoaded bool
}

// Declaring returns the defining type.
func (m *MethodDef) Declaring() *TypeDef { return m.declaringType.(*TypeDef) }

// HasBody reports whether the method carries IL.
func (m *MethodDef) HasBody() bool { return m.RVA != 0 }

// MethodRef is a MemberRef to a method.
type MethodRef struct {
	methodBase
}

// MethodSpec instantiates a generic method.
type MethodSpec struct {
	Method        Method
	Instantiation []TypeSig

	token  metadata.Token
	module *Module
}

func (m *MethodSpec) Name() string                   { return m.Method.Name() }
func (m *MethodSpec) DeclaringType() Type            { return m.Method.DeclaringType() }
func (m *MethodSpec) Signature() *metadata.MethodSig { return m.Method.Signature() }
func (m *MethodSpec) HasThis() bool                  { return m.Method.HasThis() }
func (m *MethodSpec) ReturnType() TypeSig            { return m.Method.ReturnType() }
func (m *MethodSpec) Params() []TypeSig              { return m.Method.Params() }
func (m *MethodSpec) Token() metadata.Token          { return m.token }
func (m *MethodSpec) Module() *Module                { return m.module }
func (m *MethodSpec) String() string                 { return m.FullName() }

func (m *MethodSpec) FullName() string {
	args := make([]string, len(m.Instantiation))
	for i, a := range m.Instantiation {
		args[i] = a.FullName()
	}
	return m.module.methodName(m.Signature(), m.DeclaringType(), m.Name(), "<"+join(args)+">")
}

func (m *MethodSpec) CallShape() (int, bool, bool) {
	sig := m.Signature()
	return len(sig.Params), sig.HasThis() && !sig.ExplicitThis(), sig.Ret.Kind != metadata.ElemVoid
}

// fieldBase holds what field definitions and references share.
type fieldBase struct {
	name          string
	declaringType Type
	sig           *metadata.TypeSig

	token  metadata.Token
	module *Module
}

func (f *fieldBase) Name() string          { return f.name }
func (f *fieldBase) DeclaringType() Type   { return f.declaringType }
func (f *fieldBase) FieldType() TypeSig    { return TypeSig{Sig: f.sig, module: f.module} }
func (f *fieldBase) Token() metadata.Token { return f.token }
func (f *fieldBase) Module() *Module       { return f.module }
func (f *fieldBase) String() string        { return f.FullName() }

// FullName renders "FieldType DeclaringType::Name".
func (f *fieldBase) FullName() string {
	return f.FieldType().FullName() + " " + typeName(f.declaringType) + "::" + f.name
}

// FieldDef is a field defined in the module.
type FieldDef struct {
	fieldBase
	Flags uint16
}

// FieldRef is a MemberRef to a field.
type FieldRef struct {
	fieldBase
}

// StandAloneSig is the call-site signature operand of calli.
type StandAloneSig struct {
	Sig *metadata.MethodSig

	token  metadata.Token
	module *Module
}

func (s *StandAloneSig) Token() metadata.Token { return s.token }
func (s *StandAloneSig) Module() *Module       { return s.module }
func (s *StandAloneSig) String() string        { return s.FullName() }

func (s *StandAloneSig) FullName() string {
	return s.module.methodName(s.Sig, nil, "", "")
}

func (s *StandAloneSig) CallShape() (int, bool, bool) {
	return len(s.Sig.Params), s.Sig.HasThis() && !s.Sig.ExplicitThis(), s.Sig.Ret.Kind != metadata.ElemVoid
}

var (
	_ Type         = (*TypeDef)(nil)
	_ Type         = (*TypeRef)(nil)
	_ Type         = (*TypeSpec)(nil)
	_ Method       = (*MethodDef)(nil)
	_ Method       = (*MethodRef)(nil)
	_ Method       = (*MethodSpec)(nil)
	_ cil.CallSite = (*MethodDef)(nil)
	_ cil.CallSite = (*MethodRef)(nil)
	_ cil.CallSite = (*MethodSpec)(nil)
	_ cil.CallSite = (*StandAloneSig)(nil)
)
