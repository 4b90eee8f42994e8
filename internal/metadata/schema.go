// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package metadata

// TableID identifies one of the ECMA-335 metadata tables.
type TableID uint8

const (
	TableModule                 TableID = 0x00
	TableTypeRef                TableID = 0x01
	TableTypeDef                TableID = 0x02
	TableFieldPtr               TableID = 0x03
	TableField                  TableID = 0x04
	TableMethodPtr              TableID = 0x05
	TableMethodDef              TableID = 0x06
	TableParamPtr               TableID = 0x07
	TableParam                  TableID = 0x08
	TableInterfaceImpl          TableID = 0x09
	TableMemberRef              TableID = 0x0A
	TableConstant               TableID = 0x0B
	TableCustomAttribute        TableID = 0x0C
	TableFieldMarshal           TableID = 0x0D
	TableDeclSecurity           TableID = 0x0E
	TableClassLayout            TableID = 0x0F
	TableFieldLayout            TableID = 0x10
	TableStandAloneSig          TableID = 0x11
	TableEventMap               TableID = 0x12
	TableEventPtr               TableID = 0x13
	TableEvent                  TableID = 0x14
	TablePropertyMap            TableID = 0x15
	TablePropertyPtr            TableID = 0x16
	TableProperty               TableID = 0x17
	TableMethodSemantics        TableID = 0x18
	TableMethodImpl             TableID = 0x19
	TableModuleRef              TableID = 0x1A
	TableTypeSpec               TableID = 0x1B
	TableImplMap                TableID = 0x1C
	TableFieldRVA               TableID = 0x1D
	TableEncLog                 TableID = 0x1E
	TableEncMap                 TableID = 0x1F
	TableAssembly               TableID = 0x20
	TableAssemblyProcessor      TableID = 0x21
	TableAssemblyOS             TableID = 0x22
	TableAssemblyRef            TableID = 0x23
	TableAssemblyRefProcessor   TableID = 0x24
	TableAssemblyRefOS          TableID = 0x25
	TableFile                   TableID = 0x26
	TableExportedType           TableID = 0x27
	TableManifestResource       TableID = 0x28
	TableNestedClass            TableID = 0x29
	TableGenericParam           TableID = 0x2A
	TableMethodSpec             TableID = 0x2B
	TableGenericParamConstraint TableID = 0x2C

	numTables = 0x2D
)

// Pseudo table ids used in tokens only.
const (
	TableString TableID = 0x70
)

var tableNames = [numTables]string{
	"Module", "TypeRef", "TypeDef", "FieldPtr", "Field", "MethodPtr", "MethodDef",
	"ParamPtr", "Param", "InterfaceImpl", "MemberRef", "Constant", "CustomAttribute",
	"FieldMarshal", "DeclSecurity", "ClassLayout", "FieldLayout", "StandAloneSig",
	"EventMap", "EventPtr", "Event", "PropertyMap", "PropertyPtr", "Property",
	"MethodSemantics", "MethodImpl", "ModuleRef", "TypeSpec", "ImplMap", "FieldRVA",
	"EncLog", "EncMap", "Assembly", "AssemblyProcessor", "AssemblyOS", "AssemblyRef",
	"AssemblyRefProcessor", "AssemblyRefOS", "File", "ExportedType",
	"ManifestResource", "NestedClass", "GenericParam", "MethodSpec",
	"GenericParamConstraint",
}

func (t TableID) String() string {
	if int(t) < numTables {
		return tableNames[t]
	}
	if t == TableString {
		return "UserString"
	}
	return "Table(0x" + hexByte(byte(t)) + ")"
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

// CodedIndex identifies one of the coded index kinds of ECMA-335 II.24.2.6.
type CodedIndex uint8

const (
	TypeDefOrRef CodedIndex = iota
	HasConstant
	HasCustomAttribute
	HasFieldMarshal
	HasDeclSecurity
	MemberRefParent
	HasSemantics
	MethodDefOrRef
	MemberForwarded
	Implementation
	CustomAttributeType
	ResolutionScope
	TypeOrMethodDef
)

const noTable TableID = 0xFF

type codedIndexDef struct {
	bits   uint
	tables []TableID
}

var codedIndexes = [...]codedIndexDef{
	TypeDefOrRef: {2, []TableID{TableTypeDef, TableTypeRef, TableTypeSpec}},
	HasConstant:  {2, []TableID{TableField, TableParam, TableProperty}},
	HasCustomAttribute: {5, []TableID{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity,
		TableProperty, TableEvent, TableStandAloneSig, TableModuleRef,
		TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile,
		TableExportedType, TableManifestResource, TableGenericParam,
		TableGenericParamConstraint, TableMethodSpec,
	}},
	HasFieldMarshal:     {1, []TableID{TableField, TableParam}},
	HasDeclSecurity:     {2, []TableID{TableTypeDef, TableMethodDef, TableAssembly}},
	MemberRefParent:     {3, []TableID{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}},
	HasSemantics:        {1, []TableID{TableEvent, TableProperty}},
	MethodDefOrRef:      {1, []TableID{TableMethodDef, TableMemberRef}},
	MemberForwarded:     {1, []TableID{TableField, TableMethodDef}},
	Implementation:      {2, []TableID{TableFile, TableAssemblyRef, TableExportedType}},
	CustomAttributeType: {3, []TableID{noTable, noTable, TableMethodDef, TableMemberRef, noTable}},
	ResolutionScope:     {2, []TableID{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}},
	TypeOrMethodDef:     {1, []TableID{TableTypeDef, TableMethodDef}},
}

type colKind uint8

const (
	colU16 colKind = iota
	colU32
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

type column struct {
	kind  colKind
	table TableID
	coded CodedIndex
}

func u16() column               { return column{kind: colU16} }
func u32() column               { return column{kind: colU32} }
func str() column               { return column{kind: colString} }
func guid() column              { return column{kind: colGUID} }
func blob() column              { return column{kind: colBlob} }
func idx(t TableID) column      { return column{kind: colTable, table: t} }
func coded(c CodedIndex) column { return column{kind: colCoded, coded: c} }

// schema lists the columns of every table in row order. One-byte constants
// (Constant.Type) are padded to two bytes on disk and modeled as u16.
var schema = [numTables][]column{
	TableModule:                 {u16(), str(), guid(), guid(), guid()},
	TableTypeRef:                {coded(ResolutionScope), str(), str()},
	TableTypeDef:                {u32(), str(), str(), coded(TypeDefOrRef), idx(TableField), idx(TableMethodDef)},
	TableFieldPtr:               {idx(TableField)},
	TableField:                  {u16(), str(), blob()},
	TableMethodPtr:              {idx(TableMethodDef)},
	TableMethodDef:              {u32(), u16(), u16(), str(), blob(), idx(TableParam)},
	TableParamPtr:               {idx(TableParam)},
	TableParam:                  {u16(), u16(), str()},
	TableInterfaceImpl:          {idx(TableTypeDef), coded(TypeDefOrRef)},
	TableMemberRef:              {coded(MemberRefParent), str(), blob()},
	TableConstant:               {u16(), coded(HasConstant), blob()},
	TableCustomAttribute:        {coded(HasCustomAttribute), coded(CustomAttributeType), blob()},
	TableFieldMarshal:           {coded(HasFieldMarshal), blob()},
	TableDeclSecurity:           {u16(), coded(HasDeclSecurity), blob()},
	TableClassLayout:            {u16(), u32(), idx(TableTypeDef)},
	TableFieldLayout:            {u32(), idx(TableField)},
	TableStandAloneSig:          {blob()},
	TableEventMap:               {idx(TableTypeDef), idx(TableEvent)},
	TableEventPtr:               {idx(TableEvent)},
	TableEvent:                  {u16(), str(), coded(TypeDefOrRef)},
	TablePropertyMap:            {idx(TableTypeDef), idx(TableProperty)},
	TablePropertyPtr:            {idx(TableProperty)},
	TableProperty:               {u16(), str(), blob()},
	TableMethodSemantics:        {u16(), idx(TableMethodDef), coded(HasSemantics)},
	TableMethodImpl:             {idx(TableTypeDef), coded(MethodDefOrRef), coded(MethodDefOrRef)},
	TableModuleRef:              {str()},
	TableTypeSpec:               {blob()},
	TableImplMap:                {u16(), coded(MemberForwarded), str(), idx(TableModuleRef)},
	TableFieldRVA:               {u32(), idx(TableField)},
	TableEncLog:                 {u32(), u32()},
	TableEncMap:                 {u32()},
	TableAssembly:               {u32(), u16(), u16(), u16(), u16(), u32(), blob(), str(), str()},
	TableAssemblyProcessor:      {u32()},
	TableAssemblyOS:             {u32(), u32(), u32()},
	TableAssemblyRef:            {u16(), u16(), u16(), u16(), u32(), blob(), str(), str(), blob()},
	TableAssemblyRefProcessor:   {u32(), idx(TableAssemblyRef)},
	TableAssemblyRefOS:          {u32(), u32(), u32(), idx(TableAssemblyRef)},
	TableFile:                   {u32(), str(), blob()},
	TableExportedType:           {u32(), u32(), str(), str(), coded(Implementation)},
	TableManifestResource:       {u32(), u32(), str(), coded(Implementation)},
	TableNestedClass:            {idx(TableTypeDef), idx(TableTypeDef)},
	TableGenericParam:           {u16(), u16(), coded(TypeOrMethodDef), str()},
	TableMethodSpec:             {coded(MethodDefOrRef), blob()},
	TableGenericParamConstraint: {idx(TableGenericParam), coded(TypeDefOrRef)},
}

// Column positions for the tables the module layer reads and writes.
const (
	ModuleName = 1

	TypeRefScope     = 0
	TypeRefName      = 1
	TypeRefNamespace = 2

	TypeDefFlags      = 0
	TypeDefName       = 1
	TypeDefNamespace  = 2
	TypeDefExtends    = 3
	TypeDefFieldList  = 4
	TypeDefMethodList = 5

	FieldFlags     = 0
	FieldName      = 1
	FieldSignature = 2

	MethodDefRVA       = 0
	MethodDefImplFlags = 1
	MethodDefFlags     = 2
	MethodDefName      = 3
	MethodDefSignature = 4
	MethodDefParamList = 5

	ParamFlags    = 0
	ParamSequence = 1
	ParamName     = 2

	InterfaceImplClass     = 0
	InterfaceImplInterface = 1

	MemberRefClass     = 0
	MemberRefName      = 1
	MemberRefSignature = 2

	StandAloneSigSignature = 0

	TypeSpecSignature = 0

	AssemblyHashAlg   = 0
	AssemblyMajor     = 1
	AssemblyMinor     = 2
	AssemblyBuild     = 3
	AssemblyRevision  = 4
	AssemblyFlags     = 5
	AssemblyPublicKey = 6
	AssemblyName      = 7
	AssemblyCulture   = 8

	AssemblyRefMajor            = 0
	AssemblyRefMinor            = 1
	AssemblyRefBuild            = 2
	AssemblyRefRevision         = 3
	AssemblyRefFlags            = 4
	AssemblyRefPublicKeyOrToken = 5
	AssemblyRefName             = 6
	AssemblyRefCulture          = 7
	AssemblyRefHashValue        = 8

	NestedClassNested    = 0
	NestedClassEnclosing = 1

	MethodSpecMethod        = 0
	MethodSpecInstantiation = 1
)

// appendable lists the tables rows may be added to when amending an existing
// module. All of them are unsorted, so appending keeps the table valid.
var appendable = map[TableID]bool{
	TableAssemblyRef: true,
	TableTypeRef:     true,
	TableMemberRef:   true,
	TableTypeSpec:    true,
}

// DefaultSortedMask is the Sorted bit vector compilers emit.
const DefaultSortedMask uint64 = 0x000016003325FA00
