// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package module is the object model of a managed module: its type and method
// definitions, the references it makes to other assemblies, and lazily
// decoded method bodies. Modules are loaded from a PE image, amended in
// memory and written back.
package module

import (
	"fmt"
	"os"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/logger"
	"github.com/dotandev/cilpatch/internal/metadata"
	"github.com/dotandev/cilpatch/internal/pe"
)

// UnknownVersion stands in for the file version of modules without a version
// resource.
const UnknownVersion = "<unknown-version>"

// Options controls how a module is opened.
type Options struct {
	// ReadOnly modules cannot be imported into or written.
	ReadOnly bool
}

// Module is a loaded managed module.
type Module struct {
	Path    string
	Name    string
	Version string

	readOnly bool
	raw      []byte
	file     *pe.File
	md       *metadata.Metadata

	types   []*TypeDef
	byName  map[string]*TypeDef
	methods []*MethodDef
	fields  []*FieldDef

	asmRefs   []*AssemblyRef
	typeRefs  []*TypeRef
	typeSpecs map[uint32]*TypeSpec
	members   map[uint32]any
	specs     map[uint32]*MethodSpec
	sigs      map[uint32]*StandAloneSig

	userStrings    map[string]metadata.Token
	imports        map[string]metadata.Token
	membersIndexed bool
	publicKey      []byte
	asmVersion     [4]uint16
	culture        string
}

// Load reads and parses the module at path.
func Load(path string, opts Options) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, path, opts)
}

// Parse builds a module from an in-memory image. path is recorded for
// in-place writes.
func Parse(data []byte, path string, opts Options) (*Module, error) {
	f, err := pe.Open(data)
	if err != nil {
		return nil, err
	}
	raw, err := f.Metadata()
	if err != nil {
		return nil, err
	}
	md, err := metadata.Parse(raw)
	if err != nil {
		return nil, err
	}

	m := &Module{
		Path:        path,
		readOnly:    opts.ReadOnly,
		raw:         append([]byte(nil), data...),
		file:        f,
		md:          md,
		byName:      make(map[string]*TypeDef),
		typeSpecs:   make(map[uint32]*TypeSpec),
		members:     make(map[uint32]any),
		specs:       make(map[uint32]*MethodSpec),
		sigs:        make(map[uint32]*StandAloneSig),
		userStrings: make(map[string]metadata.Token),
		imports:     make(map[string]metadata.Token),
	}

	m.Version, err = f.FileVersion()
	if err != nil {
		if !errors.Is(err, errors.ErrNoVersion) {
			logger.Logger.Debug("Unreadable version resource", "path", path, "error", err)
		}
		m.Version = UnknownVersion
	}

	steps := []func() error{m.loadIdentity, m.loadAssemblyRefs, m.loadTypeRefs, m.loadTypeDefs, m.loadHierarchy}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	logger.Logger.Debug("Module loaded",
		"path", path,
		"name", m.Name,
		"version", m.Version,
		"types", len(m.types),
		"methods", len(m.methods),
	)
	return m, nil
}

func (m *Module) str(off uint32) (string, error) { return m.md.String(off) }

func (m *Module) loadIdentity() error {
	if asm := m.md.Table(metadata.TableAssembly); asm.Len() > 0 {
		row := asm.Rows[0]
		name, err := m.str(row[metadata.AssemblyName])
		if err != nil {
			return err
		}
		m.Name = name
		m.asmVersion = [4]uint16{
			uint16(row[metadata.AssemblyMajor]), uint16(row[metadata.AssemblyMinor]),
			uint16(row[metadata.AssemblyBuild]), uint16(row[metadata.AssemblyRevision]),
		}
		if m.publicKey, err = m.md.Blob(row[metadata.AssemblyPublicKey]); err != nil {
			return err
		}
		if m.culture, err = m.str(row[metadata.AssemblyCulture]); err != nil {
			return err
		}
		return nil
	}
	mod, err := m.md.Table(metadata.TableModule).Get(1)
	if err != nil {
		return err
	}
	m.Name, err = m.str(mod[metadata.ModuleName])
	return err
}

func (m *Module) loadAssemblyRefs() error {
	for i, row := range m.md.Table(metadata.TableAssemblyRef).Rows {
		ref := &AssemblyRef{
			Version: [4]uint16{
				uint16(row[metadata.AssemblyRefMajor]), uint16(row[metadata.AssemblyRefMinor]),
				uint16(row[metadata.AssemblyRefBuild]), uint16(row[metadata.AssemblyRefRevision]),
			},
			Flags: row[metadata.AssemblyRefFlags],
			token: metadata.NewToken(metadata.TableAssemblyRef, uint32(i+1)),
		}
		var err error
		if ref.Name, err = m.str(row[metadata.AssemblyRefName]); err != nil {
			return err
		}
		if ref.Culture, err = m.str(row[metadata.AssemblyRefCulture]); err != nil {
			return err
		}
		if ref.PublicKeyOrToken, err = m.md.Blob(row[metadata.AssemblyRefPublicKeyOrToken]); err != nil {
			return err
		}
		m.asmRefs = append(m.asmRefs, ref)
	}
	return nil
}

func (m *Module) loadTypeRefs() error {
	rows := m.md.Table(metadata.TableTypeRef).Rows
	m.typeRefs = make([]*TypeRef, len(rows))
	for i, row := range rows {
		ref := &TypeRef{token: metadata.NewToken(metadata.TableTypeRef, uint32(i+1)), module: m}
		var err error
		if ref.name, err = m.str(row[metadata.TypeRefName]); err != nil {
			return err
		}
		if ref.namespace, err = m.str(row[metadata.TypeRefNamespace]); err != nil {
			return err
		}
		m.typeRefs[i] = ref
	}
	for i, row := range rows {
		scope, err := metadata.DecodeColumn(metadata.ResolutionScope, row, metadata.TypeRefScope)
		if err != nil {
			return err
		}
		ref := m.typeRefs[i]
		switch scope.Table() {
		case metadata.TableAssemblyRef:
			if scope.IsNil() || int(scope.RID()) > len(m.asmRefs) {
				return errors.WrapMalformedMetadata(fmt.Sprintf("type reference %s has bad scope %s", ref.FullName(), scope))
			}
			ref.assembly = m.asmRefs[scope.RID()-1]
		case metadata.TableTypeRef:
			if scope.IsNil() || int(scope.RID()) > len(m.typeRefs) || scope.RID() == uint32(i+1) {
				return errors.WrapMalformedMetadata(fmt.Sprintf("type reference %s has bad scope %s", ref.FullName(), scope))
			}
			ref.enclosing = m.typeRefs[scope.RID()-1]
		}
		if a := ref.Assembly(); a != nil {
			m.imports[typeRefKey(a.Name, ref.FullName())] = ref.token
		}
	}
	return nil
}

func (m *Module) loadTypeDefs() error {
	typeRows := m.md.Table(metadata.TableTypeDef).Rows
	methodRows := m.md.Table(metadata.TableMethodDef).Rows
	fieldRows := m.md.Table(metadata.TableField).Rows
	paramRows := m.md.Table(metadata.TableParam).Rows

	m.methods = make([]*MethodDef, len(methodRows))
	m.fields = make([]*FieldDef, len(fieldRows))
	m.types = make([]*TypeDef, len(typeRows))

	listEnd := func(rows []metadata.Row, i, col, total int) int {
		if i+1 < len(rows) {
			return int(rows[i+1][col]) - 1
		}
		return total
	}

	for i, row := range typeRows {
		td := &TypeDef{
			Flags:  row[metadata.TypeDefFlags],
			token:  metadata.NewToken(metadata.TableTypeDef, uint32(i+1)),
			module: m,
		}
		var err error
		if td.name, err = m.str(row[metadata.TypeDefName]); err != nil {
			return err
		}
		if td.namespace, err = m.str(row[metadata.TypeDefNamespace]); err != nil {
			return err
		}
		m.types[i] = td

		first, last := int(row[metadata.TypeDefMethodList]), listEnd(typeRows, i, metadata.TypeDefMethodList, len(methodRows))
		for rid := first; rid >= 1 && rid <= last && rid <= len(methodRows); rid++ {
			md, err := m.loadMethod(td, uint32(rid), methodRows, paramRows)
			if err != nil {
				return err
			}
			td.methods = append(td.methods, md)
		}

		first, last = int(row[metadata.TypeDefFieldList]), listEnd(typeRows, i, metadata.TypeDefFieldList, len(fieldRows))
		for rid := first; rid >= 1 && rid <= last && rid <= len(fieldRows); rid++ {
			fr := fieldRows[rid-1]
			fd := &FieldDef{Flags: uint16(fr[metadata.FieldFlags])}
			fd.declaringType, fd.token, fd.module = td, metadata.NewToken(metadata.TableField, uint32(rid)), m
			if fd.name, err = m.str(fr[metadata.FieldName]); err != nil {
				return err
			}
			blob, err := m.md.Blob(fr[metadata.FieldSignature])
			if err != nil {
				return err
			}
			if fd.sig, err = metadata.ParseFieldSig(blob); err != nil {
				return err
			}
			m.fields[rid-1] = fd
			td.fields = append(td.fields, fd)
		}
	}
	return nil
}

func (m *Module) loadMethod(td *TypeDef, rid uint32, rows, params []metadata.Row) (*MethodDef, error) {
	row := rows[rid-1]
	md := &MethodDef{
		ImplFlags: uint16(row[metadata.MethodDefImplFlags]),
		Flags:     uint16(row[metadata.MethodDefFlags]),
		RVA:       row[metadata.MethodDefRVA],
	}
	md.declaringType, md.token, md.module = td, metadata.NewToken(metadata.TableMethodDef, rid), m

	var err error
	if md.name, err = m.str(row[metadata.MethodDefName]); err != nil {
		return nil, err
	}
	blob, err := m.md.Blob(row[metadata.MethodDefSignature])
	if err != nil {
		return nil, err
	}
	if md.sig, err = metadata.ParseMethodSig(blob); err != nil {
		return nil, err
	}

	md.ParamNames = make([]string, len(md.sig.Params))
	first := int(row[metadata.MethodDefParamList])
	last := len(params)
	if int(rid) < len(rows) {
		last = int(rows[rid][metadata.MethodDefParamList]) - 1
	}
	for p := first; p >= 1 && p <= last && p <= len(params); p++ {
		seq := int(params[p-1][metadata.ParamSequence])
		if seq < 1 || seq > len(md.ParamNames) {
			continue
		}
		if md.ParamNames[seq-1], err = m.str(params[p-1][metadata.ParamName]); err != nil {
			return nil, err
		}
	}

	m.methods[rid-1] = md
	return md, nil
}

func (m *Module) loadHierarchy() error {
	for _, row := range m.md.Table(metadata.TableNestedClass).Rows {
		nested, enclosing := row[metadata.NestedClassNested], row[metadata.NestedClassEnclosing]
		if nested == 0 || enclosing == 0 || int(nested) > len(m.types) || int(enclosing) > len(m.types) {
			return errors.WrapMalformedMetadata("nested class row out of range")
		}
		n, e := m.types[nested-1], m.types[enclosing-1]
		n.declaringType = e
		e.nested = append(e.nested, n)
	}

	typeRows := m.md.Table(metadata.TableTypeDef).Rows
	for i, td := range m.types {
		ext, err := metadata.DecodeColumn(metadata.TypeDefOrRef, typeRows[i], metadata.TypeDefExtends)
		if err != nil {
			return err
		}
		if !ext.IsNil() {
			if td.baseType, err = m.typeOf(ext); err != nil {
				return err
			}
		}
	}

	for i, row := range m.md.Table(metadata.TableInterfaceImpl).Rows {
		class := row[metadata.InterfaceImplClass]
		if class == 0 || int(class) > len(m.types) {
			return errors.WrapMalformedMetadata("interface implementation row out of range")
		}
		tok, err := metadata.DecodeColumn(metadata.TypeDefOrRef, row, metadata.InterfaceImplInterface)
		if err != nil {
			return err
		}
		it, err := m.typeOf(tok)
		if err != nil {
			return err
		}
		td := m.types[class-1]
		td.interfaces = append(td.interfaces, it)
		td.ifaceRows = append(td.ifaceRows, uint32(i+1))
	}

	for _, td := range m.types {
		m.byName[td.FullName()] = td
	}
	return nil
}

// Types returns every type definition, nested ones included, in table order.
func (m *Module) Types() []*TypeDef { return append([]*TypeDef(nil), m.types...) }

// FindType looks a definition up by full name; nested types use "/".
func (m *Module) FindType(fullName string) *TypeDef { return m.byName[fullName] }

// ReadOnly reports whether the module was opened read-only.
func (m *Module) ReadOnly() bool { return m.readOnly }

// AssemblyRefs returns the referenced assemblies.
func (m *Module) AssemblyRefs() []*AssemblyRef { return append([]*AssemblyRef(nil), m.asmRefs...) }

// File exposes the PE container.
func (m *Module) File() *pe.File { return m.file }

// typeOf resolves a TypeDefOrRef token.
func (m *Module) typeOf(tok metadata.Token) (Type, error) {
	rid := tok.RID()
	switch tok.Table() {
	case metadata.TableTypeDef:
		if rid >= 1 && int(rid) <= len(m.types) {
			return m.types[rid-1], nil
		}
	case metadata.TableTypeRef:
		if rid >= 1 && int(rid) <= len(m.typeRefs) {
			return m.typeRefs[rid-1], nil
		}
	case metadata.TableTypeSpec:
		if ts, ok := m.typeSpecs[rid]; ok {
			return ts, nil
		}
		row, err := m.md.Row(tok)
		if err != nil {
			return nil, err
		}
		blob, err := m.md.Blob(row[metadata.TypeSpecSignature])
		if err != nil {
			return nil, err
		}
		sig, err := metadata.ParseTypeSig(blob)
		if err != nil {
			return nil, err
		}
		ts := &TypeSpec{sig: TypeSig{Sig: sig, module: m}, token: tok, module: m}
		m.typeSpecs[rid] = ts
		return ts, nil
	}
	return nil, errors.WrapMalformedMetadata(fmt.Sprintf("%s is not a type", tok))
}

// Resolve returns the model object a metadata token names: a Type, a
// Method, a field or a standalone signature.
func (m *Module) Resolve(tok metadata.Token) (any, error) {
	rid := tok.RID()
	switch tok.Table() {
	case metadata.TableTypeDef, metadata.TableTypeRef, metadata.TableTypeSpec:
		return m.typeOf(tok)
	case metadata.TableMethodDef:
		if rid >= 1 && int(rid) <= len(m.methods) && m.methods[rid-1] != nil {
			return m.methods[rid-1], nil
		}
	case metadata.TableField:
		if rid >= 1 && int(rid) <= len(m.fields) && m.fields[rid-1] != nil {
			return m.fields[rid-1], nil
		}
	case metadata.TableMemberRef:
		return m.memberRef(tok)
	case metadata.TableMethodSpec:
		return m.methodSpec(tok)
	case metadata.TableStandAloneSig:
		return m.standAloneSig(tok)
	}
	return nil, errors.WrapMalformedMetadata(fmt.Sprintf("cannot resolve %s", tok))
}

func (m *Module) memberRef(tok metadata.Token) (any, error) {
	if v, ok := m.members[tok.RID()]; ok {
		return v, nil
	}
	row, err := m.md.Row(tok)
	if err != nil {
		return nil, err
	}
	name, err := m.str(row[metadata.MemberRefName])
	if err != nil {
		return nil, err
	}
	blob, err := m.md.Blob(row[metadata.MemberRefSignature])
	if err != nil {
		return nil, err
	}
	parent, err := metadata.DecodeColumn(metadata.MemberRefParent, row, metadata.MemberRefClass)
	if err != nil {
		return nil, err
	}

	var decl Type
	switch parent.Table() {
	case metadata.TableMethodDef:
		owner, err := m.Resolve(parent)
		if err != nil {
			return nil, err
		}
		decl = owner.(*MethodDef).DeclaringType()
	case metadata.TableModuleRef:
		return nil, errors.WrapUnsupported(fmt.Sprintf("member reference %q on a module reference", name))
	default:
		if decl, err = m.typeOf(parent); err != nil {
			return nil, err
		}
	}

	var v any
	if metadata.IsFieldSig(blob) {
		sig, err := metadata.ParseFieldSig(blob)
		if err != nil {
			return nil, err
		}
		v = &FieldRef{fieldBase{name: name, declaringType: decl, sig: sig, token: tok, module: m}}
	} else {
		sig, err := metadata.ParseMethodSig(blob)
		if err != nil {
			return nil, err
		}
		v = &MethodRef{methodBase{name: name, declaringType: decl, sig: sig, token: tok, module: m}}
	}
	m.members[tok.RID()] = v
	return v, nil
}

func (m *Module) methodSpec(tok metadata.Token) (*MethodSpec, error) {
	if v, ok := m.specs[tok.RID()]; ok {
		return v, nil
	}
	row, err := m.md.Row(tok)
	if err != nil {
		return nil, err
	}
	mt, err := metadata.DecodeColumn(metadata.MethodDefOrRef, row, metadata.MethodSpecMethod)
	if err != nil {
		return nil, err
	}
	target, err := m.Resolve(mt)
	if err != nil {
		return nil, err
	}
	method, ok := target.(Method)
	if !ok {
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("%s instantiates a field", tok))
	}
	blob, err := m.md.Blob(row[metadata.MethodSpecInstantiation])
	if err != nil {
		return nil, err
	}
	args, err := parseInstantiation(blob)
	if err != nil {
		return nil, err
	}
	spec := &MethodSpec{Method: method, token: tok, module: m}
	for _, a := range args {
		spec.Instantiation = append(spec.Instantiation, TypeSig{Sig: a, module: m})
	}
	m.specs[tok.RID()] = spec
	return spec, nil
}

// parseInstantiation decodes a MethodSpec blob: 0x0A, count, types.
func parseInstantiation(blob []byte) ([]*metadata.TypeSig, error) {
	if len(blob) < 2 || blob[0] != 0x0A {
		return nil, errors.WrapMalformedMetadata("bad generic method instantiation blob")
	}
	n, used, err := metadata.DecodeCompressedUint(blob[1:])
	if err != nil {
		return nil, err
	}
	pos := 1 + used
	var out []*metadata.TypeSig
	for i := uint32(0); i < n; i++ {
		t, size, err := metadata.ParseTypeSigPrefix(blob[pos:])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		pos += size
	}
	return out, nil
}

func (m *Module) standAloneSig(tok metadata.Token) (*StandAloneSig, error) {
	if v, ok := m.sigs[tok.RID()]; ok {
		return v, nil
	}
	row, err := m.md.Row(tok)
	if err != nil {
		return nil, err
	}
	blob, err := m.md.Blob(row[metadata.StandAloneSigSignature])
	if err != nil {
		return nil, err
	}
	sig, err := metadata.ParseMethodSig(blob)
	if err != nil {
		return nil, err
	}
	s := &StandAloneSig{Sig: sig, token: tok, module: m}
	m.sigs[tok.RID()] = s
	return s, nil
}

// bodyContext resolves operands while decoding one method's body.
type bodyContext struct {
	m      *Module
	method *MethodDef
}

func (c bodyContext) ResolveToken(tok metadata.Token) (any, error) { return c.m.Resolve(tok) }

func (c bodyContext) ResolveString(tok metadata.Token) (string, error) {
	s, err := c.m.md.UserStrings.Get(tok.RID())
	if err != nil {
		return "", err
	}
	if _, ok := c.m.userStrings[s]; !ok {
		c.m.userStrings[s] = tok
	}
	return s, nil
}

func (c bodyContext) ArgName(index int) string {
	if c.method.HasThis() {
		if index == 0 {
			return "this"
		}
		index--
	}
	if index >= 0 && index < len(c.method.ParamNames) {
		return c.method.ParamNames[index]
	}
	return ""
}

// Body decodes the method body on first use. Methods without IL return nil.
func (md *MethodDef) Body() (*cil.Body, error) {
	if md.bodyLoaded {
		return md.body, nil
	}
	if md.RVA == 0 {
		md.bodyLoaded = true
		return nil, nil
	}
	raw, err := md.module.file.ReadRVAFrom(md.RVA)
	if err != nil {
		return nil, errors.WrapMalformedBody(md.FullName(), err)
	}
	body, err := cil.Decode(raw, bodyContext{m: md.module, method: md})
	if err != nil {
		return nil, errors.WrapMalformedBody(md.FullName(), err)
	}
	md.body, md.bodyLoaded = body, true
	return body, nil
}
