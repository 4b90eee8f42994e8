// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package module

import (
	"crypto/sha1"
	"fmt"

	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/metadata"
)

func typeRefKey(assembly, fullName string) string { return "type:" + assembly + "|" + fullName }

func memberKey(parent metadata.Token, name string, sig []byte) string {
	return fmt.Sprintf("member:%08X|%s|%x", uint32(parent), name, sig)
}

// Import makes a type, method or field of another module referable from m
// and returns the local reference. Definitions and references of m itself
// are returned unchanged. Imports are memoized and reuse existing rows, so
// importing the same entity twice yields the same reference.
func (m *Module) Import(v any) (any, error) {
	switch x := v.(type) {
	case Type:
		return m.ImportType(x)
	case Method:
		return m.ImportMethod(x)
	case *FieldDef:
		return m.importField(&x.fieldBase)
	case *FieldRef:
		return m.importField(&x.fieldBase)
	}
	return nil, errors.WrapUnsupported(fmt.Sprintf("importing %T", v))
}

func (m *Module) checkWritable() error {
	if m.readOnly {
		return errors.WrapUnsupported("module " + m.Name + " is read-only")
	}
	return nil
}

// ImportType returns a reference to t usable from m.
func (m *Module) ImportType(t Type) (Type, error) {
	if t == nil || t.Module() == m {
		return t, nil
	}
	if err := m.checkWritable(); err != nil {
		return nil, err
	}

	switch x := t.(type) {
	case *TypeDef:
		src := x.Module()
		if src.Name == m.Name {
			return m.ownType(x.FullName())
		}
		if x.declaringType != nil {
			enclosing, err := m.ImportType(x.declaringType)
			if err != nil {
				return nil, err
			}
			return m.typeRef(src.Name, enclosing, x.namespace, x.name)
		}
		asm, err := m.assemblyRef(&AssemblyRef{
			Name:             src.Name,
			Version:          src.asmVersion,
			PublicKeyOrToken: publicKeyToken(src.publicKey),
			Culture:          src.culture,
		})
		if err != nil {
			return nil, err
		}
		return m.typeRef(src.Name, asm, x.namespace, x.name)

	case *TypeRef:
		src := x.Module()
		asm := x.Assembly()
		asmName := src.Name
		if asm != nil {
			asmName = asm.Name
		}
		if asmName == m.Name {
			return m.ownType(x.FullName())
		}
		if x.enclosing != nil {
			enclosing, err := m.ImportType(x.enclosing)
			if err != nil {
				return nil, err
			}
			return m.typeRef(asmName, enclosing, x.namespace, x.name)
		}
		if asm == nil {
			asm = &AssemblyRef{
				Name:             src.Name,
				Version:          src.asmVersion,
				PublicKeyOrToken: publicKeyToken(src.publicKey),
				Culture:          src.culture,
			}
		}
		local, err := m.assemblyRef(asm)
		if err != nil {
			return nil, err
		}
		return m.typeRef(asmName, local, x.namespace, x.name)

	case *TypeSpec:
		sig, err := x.sig.Sig.MapTokens(m.tokenMapper(x.Module()))
		if err != nil {
			return nil, err
		}
		blob := metadata.EncodeTypeSig(sig)
		key := "spec:" + string(blob)
		if tok, ok := m.imports[key]; ok {
			return m.typeOf(tok)
		}
		tok, err := m.md.AddRow(metadata.TableTypeSpec, metadata.Row{m.md.AddBlob(blob)})
		if err != nil {
			return nil, err
		}
		m.imports[key] = tok
		return m.typeOf(tok)
	}
	return nil, errors.WrapUnsupported(fmt.Sprintf("importing type %T", t))
}

func (m *Module) ownType(fullName string) (Type, error) {
	if td := m.FindType(fullName); td != nil {
		return td, nil
	}
	return nil, errors.WrapMalformedMetadata(fmt.Sprintf("type %s refers to %s but is not defined there", fullName, m.Name))
}

// tokenMapper translates type tokens of src into tokens of m, importing as
// needed.
func (m *Module) tokenMapper(src *Module) func(metadata.Token) (metadata.Token, error) {
	return func(tok metadata.Token) (metadata.Token, error) {
		t, err := src.typeOf(tok)
		if err != nil {
			return 0, err
		}
		local, err := m.ImportType(t)
		if err != nil {
			return 0, err
		}
		return local.Token(), nil
	}
}

func (m *Module) assemblyRef(want *AssemblyRef) (*AssemblyRef, error) {
	for _, a := range m.asmRefs {
		if a.Name == want.Name {
			return a, nil
		}
	}
	var pk, culture uint32
	if len(want.PublicKeyOrToken) > 0 {
		pk = m.md.AddBlob(want.PublicKeyOrToken)
	}
	if want.Culture != "" {
		culture = m.md.AddString(want.Culture)
	}
	tok, err := m.md.AddRow(metadata.TableAssemblyRef, metadata.Row{
		uint32(want.Version[0]), uint32(want.Version[1]), uint32(want.Version[2]), uint32(want.Version[3]),
		want.Flags, pk, m.md.AddString(want.Name), culture, 0,
	})
	if err != nil {
		return nil, err
	}
	ref := &AssemblyRef{
		Name:             want.Name,
		Version:          want.Version,
		Flags:            want.Flags,
		PublicKeyOrToken: want.PublicKeyOrToken,
		Culture:          want.Culture,
		token:            tok,
	}
	m.asmRefs = append(m.asmRefs, ref)
	return ref, nil
}

// typeRef returns the TypeRef for namespace.name scoped to scope (an
// *AssemblyRef or an enclosing Type), adding a row when none exists.
func (m *Module) typeRef(asmName string, scope any, namespace, name string) (Type, error) {
	ref := &TypeRef{namespace: namespace, name: name, module: m}
	var scopeTok metadata.Token
	switch s := scope.(type) {
	case *AssemblyRef:
		ref.assembly = s
		scopeTok = s.token
	case *TypeRef:
		ref.enclosing = s
		scopeTok = s.token
	default:
		return nil, errors.WrapUnsupported(fmt.Sprintf("nested reference to %s inside %T", name, scope))
	}

	key := typeRefKey(asmName, ref.FullName())
	if tok, ok := m.imports[key]; ok {
		return m.typeOf(tok)
	}

	enc, err := metadata.EncodeCoded(metadata.ResolutionScope, scopeTok)
	if err != nil {
		return nil, err
	}
	var ns uint32
	if namespace != "" {
		ns = m.md.AddString(namespace)
	}
	tok, err := m.md.AddRow(metadata.TableTypeRef, metadata.Row{enc, m.md.AddString(name), ns})
	if err != nil {
		return nil, err
	}
	ref.token = tok
	m.typeRefs = append(m.typeRefs, ref)
	m.imports[key] = tok
	return ref, nil
}

// ImportMethod returns a reference to mt usable from m. Generic method
// instantiations cannot be imported.
func (m *Module) ImportMethod(mt Method) (Method, error) {
	if mt == nil || mt.Module() == m {
		return mt, nil
	}
	if _, ok := mt.(*MethodSpec); ok {
		return nil, errors.WrapUnsupported("importing generic method instantiation " + mt.FullName())
	}
	if err := m.checkWritable(); err != nil {
		return nil, err
	}

	decl, err := m.ImportType(mt.DeclaringType())
	if err != nil {
		return nil, err
	}
	sig, err := mt.Signature().MapTokens(m.tokenMapper(mt.Module()))
	if err != nil {
		return nil, err
	}

	if td, ok := decl.(*TypeDef); ok {
		want := m.methodName(sig, td, mt.Name(), "")
		for _, md := range td.methods {
			if md.FullName() == want {
				return md, nil
			}
		}
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("method %s is not defined in %s", want, m.Name))
	}

	blob := metadata.EncodeMethodSig(sig)
	tok, err := m.memberRefRow(decl, mt.Name(), blob)
	if err != nil {
		return nil, err
	}
	if v, ok := m.members[tok.RID()]; ok {
		if ref, ok := v.(*MethodRef); ok {
			return ref, nil
		}
	}
	ref := &MethodRef{methodBase{name: mt.Name(), declaringType: decl, sig: sig, token: tok, module: m}}
	m.members[tok.RID()] = ref
	return ref, nil
}

func (m *Module) importField(f *fieldBase) (any, error) {
	if f.module == m {
		return m.Resolve(f.token)
	}
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	decl, err := m.ImportType(f.declaringType)
	if err != nil {
		return nil, err
	}
	sig, err := f.sig.MapTokens(m.tokenMapper(f.module))
	if err != nil {
		return nil, err
	}
	if td, ok := decl.(*TypeDef); ok {
		for _, fd := range td.fields {
			if fd.name == f.name {
				return fd, nil
			}
		}
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("field %s is not defined in %s", f.name, td.FullName()))
	}
	tok, err := m.memberRefRow(decl, f.name, metadata.EncodeFieldSig(sig))
	if err != nil {
		return nil, err
	}
	if v, ok := m.members[tok.RID()]; ok {
		return v, nil
	}
	ref := &FieldRef{fieldBase{name: f.name, declaringType: decl, sig: sig, token: tok, module: m}}
	m.members[tok.RID()] = ref
	return ref, nil
}

// memberRefRow finds or adds the MemberRef row for parent::name with the
// given signature blob.
func (m *Module) memberRefRow(parent Type, name string, blob []byte) (metadata.Token, error) {
	if err := m.indexMemberRefs(); err != nil {
		return 0, err
	}
	key := memberKey(parent.Token(), name, blob)
	if tok, ok := m.imports[key]; ok {
		return tok, nil
	}
	enc, err := metadata.EncodeCoded(metadata.MemberRefParent, parent.Token())
	if err != nil {
		return 0, err
	}
	tok, err := m.md.AddRow(metadata.TableMemberRef, metadata.Row{enc, m.md.AddString(name), m.md.AddBlob(blob)})
	if err != nil {
		return 0, err
	}
	m.imports[key] = tok
	return tok, nil
}

// indexMemberRefs records the MemberRef rows present at load time so
// imports reuse them.
func (m *Module) indexMemberRefs() error {
	if m.membersIndexed {
		return nil
	}
	for i, row := range m.md.Table(metadata.TableMemberRef).Rows {
		parent, err := metadata.DecodeColumn(metadata.MemberRefParent, row, metadata.MemberRefClass)
		if err != nil {
			return err
		}
		name, err := m.str(row[metadata.MemberRefName])
		if err != nil {
			return err
		}
		blob, err := m.md.Blob(row[metadata.MemberRefSignature])
		if err != nil {
			return err
		}
		key := memberKey(parent, name, blob)
		if _, ok := m.imports[key]; !ok {
			m.imports[key] = metadata.NewToken(metadata.TableMemberRef, uint32(i+1))
		}
	}
	m.membersIndexed = true
	return nil
}

// publicKeyToken derives the 8-byte token of a full public key: the last
// eight bytes of its SHA-1 hash, reversed.
func publicKeyToken(key []byte) []byte {
	if len(key) == 0 {
		return nil
	}
	sum := sha1.Sum(key)
	tok := make([]byte, 8)
	for i := range tok {
		tok[i] = sum[len(sum)-1-i]
	}
	return tok
}
