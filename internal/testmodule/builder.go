// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package testmodule assembles small managed PE images in memory for tests.
//
// Images have one .text section holding the CLI header, method bodies, the
// metadata root and an optional version resource, or the compiler's
// three-section layout when CompilerLayout is set. Types are added in order;
// methods and fields always belong to the most recently added type.
package testmodule

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/dotandev/cilpatch/internal/metadata"
	"github.com/dotandev/cilpatch/internal/pe"
)

const (
	peOffset  = 0x80
	fileAlign = 0x200
	sectAlign = 0x2000
	textRVA   = 0x2000
	headers   = 0x200

	cliHeaderSize  = 72
	sectionHdrSize = 40
	debugEntrySize = 28
)

// Method attribute flags used by the builder.
const (
	MethodPublic    = 0x0006
	MethodStatic    = 0x0010
	MethodHideBySig = 0x0080
)

// Builder accumulates metadata rows and method bodies.
type Builder struct {
	// PE64 selects a PE32+ optional header.
	PE64 bool
	// Checksum stores a valid image checksum in the optional header.
	Checksum bool
	// Certificate appends a dummy Authenticode blob referenced by the
	// security directory.
	Certificate bool
	// CompilerLayout lays the image out the way the C# compiler does: .text
	// (with a CodeView debug directory), .rsrc and .reloc sections, which
	// leaves the section table flush against SizeOfHeaders in PE32 images.
	CompilerLayout bool

	md     *metadata.Metadata
	bodies map[uint32][]byte

	fileVersion  string
	fixedVersion [4]uint16
	hasVersion   bool
}

// New starts a module whose assembly is named name.
func New(name string) *Builder {
	b := &Builder{
		md:     metadata.New("v4.0.30319"),
		bodies: make(map[uint32][]byte),
	}
	mvid := [16]byte{0x5a, 0x17, 0xc3, 0x01, 0x42}
	b.md.Table(metadata.TableModule).Append(metadata.Row{
		0, b.md.AddString(name + ".dll"), b.md.GUIDs.Add(mvid), 0, 0,
	})
	b.md.Table(metadata.TableAssembly).Append(metadata.Row{
		0x8004, 1, 0, 0, 0, 0, 0, b.md.AddString(name), 0,
	})
	b.TypeDef("", "<Module>", 0)
	return b
}

// Metadata exposes the metadata under construction.
func (b *Builder) Metadata() *metadata.Metadata { return b.md }

// AssemblyRef adds an assembly reference.
func (b *Builder) AssemblyRef(name string, version [4]uint16) metadata.Token {
	t := b.md.Table(metadata.TableAssemblyRef)
	rid := t.Append(metadata.Row{
		uint32(version[0]), uint32(version[1]), uint32(version[2]), uint32(version[3]),
		0, 0, b.md.AddString(name), 0, 0,
	})
	return metadata.NewToken(metadata.TableAssemblyRef, rid)
}

// TypeRef adds a type reference resolved through scope (an AssemblyRef, or a
// TypeRef for nested types).
func (b *Builder) TypeRef(scope metadata.Token, namespace, name string) metadata.Token {
	sc, err := metadata.EncodeCoded(metadata.ResolutionScope, scope)
	must(err)
	rid := b.md.Table(metadata.TableTypeRef).Append(metadata.Row{
		sc, b.md.AddString(name), b.md.AddString(namespace),
	})
	return metadata.NewToken(metadata.TableTypeRef, rid)
}

// MemberRef adds a method or field reference on parent.
func (b *Builder) MemberRef(parent metadata.Token, name string, sig []byte) metadata.Token {
	p, err := metadata.EncodeCoded(metadata.MemberRefParent, parent)
	must(err)
	rid := b.md.Table(metadata.TableMemberRef).Append(metadata.Row{
		p, b.md.AddString(name), b.md.AddBlob(sig),
	})
	return metadata.NewToken(metadata.TableMemberRef, rid)
}

// TypeSpec adds a type specification.
func (b *Builder) TypeSpec(sig []byte) metadata.Token {
	rid := b.md.Table(metadata.TableTypeSpec).Append(metadata.Row{b.md.AddBlob(sig)})
	return metadata.NewToken(metadata.TableTypeSpec, rid)
}

// StandAloneSig adds a standalone signature.
func (b *Builder) StandAloneSig(sig []byte) metadata.Token {
	rid := b.md.Table(metadata.TableStandAloneSig).Append(metadata.Row{b.md.AddBlob(sig)})
	return metadata.NewToken(metadata.TableStandAloneSig, rid)
}

// TypeDef adds a public class. A zero extends leaves the base type empty.
func (b *Builder) TypeDef(namespace, name string, extends metadata.Token) metadata.Token {
	ext, err := metadata.EncodeCoded(metadata.TypeDefOrRef, extends)
	must(err)
	flags := uint32(0x00100001)
	if name == "<Module>" {
		flags = 0
	}
	rid := b.md.Table(metadata.TableTypeDef).Append(metadata.Row{
		flags, b.md.AddString(name), b.md.AddString(namespace), ext,
		uint32(b.md.Table(metadata.TableField).Len() + 1),
		uint32(b.md.Table(metadata.TableMethodDef).Len() + 1),
	})
	return metadata.NewToken(metadata.TableTypeDef, rid)
}

// NestedType adds a nested public class inside enclosing.
func (b *Builder) NestedType(enclosing metadata.Token, name string, extends metadata.Token) metadata.Token {
	tok := b.TypeDef("", name, extends)
	b.md.Table(metadata.TableTypeDef).Rows[tok.RID()-1][metadata.TypeDefFlags] = 0x00100002
	b.md.Table(metadata.TableNestedClass).Append(metadata.Row{tok.RID(), enclosing.RID()})
	return tok
}

// InterfaceImpl records that class implements iface.
func (b *Builder) InterfaceImpl(class, iface metadata.Token) {
	enc, err := metadata.EncodeCoded(metadata.TypeDefOrRef, iface)
	must(err)
	b.md.Table(metadata.TableInterfaceImpl).Append(metadata.Row{class.RID(), enc})
}

// Field adds a field to the last type.
func (b *Builder) Field(name string, sig []byte) metadata.Token {
	rid := b.md.Table(metadata.TableField).Append(metadata.Row{
		0x0006, b.md.AddString(name), b.md.AddBlob(sig),
	})
	return metadata.NewToken(metadata.TableField, rid)
}

// Method adds a method to the last type. body is a complete encoded body
// (see IL) or nil for an abstract method; params name the parameters.
func (b *Builder) Method(name string, sig []byte, body []byte, params ...string) metadata.Token {
	flags := uint32(MethodPublic | MethodHideBySig)
	if len(sig) > 0 && sig[0]&metadata.CallConvHasThis == 0 {
		flags |= MethodStatic
	}
	if body == nil {
		flags |= 0x0400 | 0x0040 // abstract virtual
	}
	paramList := uint32(b.md.Table(metadata.TableParam).Len() + 1)
	for i, p := range params {
		b.md.Table(metadata.TableParam).Append(metadata.Row{0, uint32(i + 1), b.md.AddString(p)})
	}
	rid := b.md.Table(metadata.TableMethodDef).Append(metadata.Row{
		0, 0, flags, b.md.AddString(name), b.md.AddBlob(sig), paramList,
	})
	if body != nil {
		b.bodies[rid] = body
	}
	return metadata.NewToken(metadata.TableMethodDef, rid)
}

// UserString adds a #US entry and returns its ldstr token.
func (b *Builder) UserString(s string) metadata.Token {
	return b.md.AddUserString(s)
}

// Version attaches a Win32 version resource. An empty fileVersion omits the
// StringFileInfo block so only the fixed quad is present.
func (b *Builder) Version(fileVersion string, fixed [4]uint16) {
	b.fileVersion = fileVersion
	b.fixedVersion = fixed
	b.hasVersion = true
}

type section struct {
	name  string
	data  []byte
	rva   uint32
	raw   uint32
	chars uint32
}

// Bytes lays out and returns the image.
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian

	text := make([]byte, cliHeaderSize)
	methods := b.md.Table(metadata.TableMethodDef)
	for rid := uint32(1); rid <= uint32(methods.Len()); rid++ {
		body, ok := b.bodies[rid]
		if !ok {
			continue
		}
		text = pad(text, 4)
		methods.Rows[rid-1][metadata.MethodDefRVA] = textRVA + uint32(len(text))
		text = append(text, body...)
	}

	text = pad(text, 4)
	mdOff := len(text)
	mdBytes := b.md.Bytes()
	text = append(text, mdBytes...)

	var debugDir pe.DataDirectory
	debugOff := 0
	if b.CompilerLayout {
		text = pad(text, 4)
		debugOff = len(text)
		debugDir = pe.DataDirectory{VirtualAddress: textRVA + uint32(debugOff), Size: debugEntrySize}
		text = append(text, make([]byte, debugEntrySize)...)
		text = append(text, codeView...)
	}

	var rsrc pe.DataDirectory
	if b.hasVersion && !b.CompilerLayout {
		text = pad(text, 4)
		rsrc.VirtualAddress = textRVA + uint32(len(text))
		res := b.resource(rsrc.VirtualAddress)
		rsrc.Size = uint32(len(res))
		text = append(text, res...)
	}

	cli := text[:cliHeaderSize]
	le.PutUint32(cli[0:], cliHeaderSize)
	le.PutUint16(cli[4:], 2)
	le.PutUint16(cli[6:], 5)
	le.PutUint32(cli[8:], textRVA+uint32(mdOff))
	le.PutUint32(cli[12:], uint32(len(mdBytes)))
	le.PutUint32(cli[16:], 1) // IL only

	sections := []*section{{name: ".text", data: text, rva: textRVA, chars: 0x60000020}}
	var reloc pe.DataDirectory
	if b.CompilerLayout {
		rsrcRVA := textRVA + uint32(alignUp(len(text), sectAlign))
		res := make([]byte, 16)
		if b.hasVersion {
			res = b.resource(rsrcRVA)
			rsrc = pe.DataDirectory{VirtualAddress: rsrcRVA, Size: uint32(len(res))}
		}
		sections = append(sections, &section{name: ".rsrc", data: res, rva: rsrcRVA, chars: 0x40000040})

		relocRVA := rsrcRVA + uint32(alignUp(len(res), sectAlign))
		block := make([]byte, 12)
		le.PutUint32(block[0:], textRVA)
		le.PutUint32(block[4:], uint32(len(block)))
		reloc = pe.DataDirectory{VirtualAddress: relocRVA, Size: uint32(len(block))}
		sections = append(sections, &section{name: ".reloc", data: block, rva: relocRVA, chars: 0x42000040})
	}

	size := headers
	var codeSize, dataSize int
	for _, sec := range sections {
		sec.raw = uint32(size)
		n := alignUp(len(sec.data), fileAlign)
		size += n
		if sec.chars&0x20 != 0 {
			codeSize += n
		} else {
			dataSize += n
		}
	}
	img := make([]byte, size)
	for _, sec := range sections {
		copy(img[sec.raw:], sec.data)
	}
	if b.CompilerLayout {
		entry := img[headers+debugOff:]
		le.PutUint32(entry[12:], 2) // IMAGE_DEBUG_TYPE_CODEVIEW
		le.PutUint32(entry[16:], uint32(len(codeView)))
		le.PutUint32(entry[20:], debugDir.VirtualAddress+debugEntrySize)
		le.PutUint32(entry[24:], uint32(headers+debugOff+debugEntrySize))
	}

	img[0], img[1] = 'M', 'Z'
	le.PutUint32(img[0x3c:], peOffset)
	copy(img[peOffset:], "PE\x00\x00")

	optSize, dirOff := 224, 96
	machine, chars := uint16(0x14c), uint16(0x2102)
	if b.PE64 {
		optSize, dirOff = 240, 112
		machine, chars = 0x8664, 0x2022
	}
	coff := img[peOffset+4:]
	le.PutUint16(coff[0:], machine)
	le.PutUint16(coff[2:], uint16(len(sections)))
	le.PutUint16(coff[16:], uint16(optSize))
	le.PutUint16(coff[18:], chars)

	optOff := peOffset + 4 + 20
	opt := img[optOff:]
	if b.PE64 {
		le.PutUint16(opt[0:], 0x20b)
		le.PutUint64(opt[24:], 0x180000000)
		le.PutUint64(opt[72:], 0x400000)
		le.PutUint64(opt[80:], 0x4000)
		le.PutUint64(opt[88:], 0x100000)
		le.PutUint64(opt[96:], 0x2000)
		le.PutUint32(opt[108:], 16)
	} else {
		le.PutUint16(opt[0:], 0x10b)
		le.PutUint32(opt[28:], 0x400000)
		le.PutUint32(opt[72:], 0x100000)
		le.PutUint32(opt[76:], 0x1000)
		le.PutUint32(opt[80:], 0x100000)
		le.PutUint32(opt[84:], 0x1000)
		le.PutUint32(opt[92:], 16)
	}
	last := sections[len(sections)-1]
	opt[2] = 8
	le.PutUint32(opt[4:], uint32(codeSize))
	le.PutUint32(opt[8:], uint32(dataSize))
	le.PutUint32(opt[20:], textRVA)
	le.PutUint32(opt[32:], sectAlign)
	le.PutUint32(opt[36:], fileAlign)
	le.PutUint16(opt[40:], 4)
	le.PutUint16(opt[48:], 4)
	le.PutUint32(opt[56:], last.rva+uint32(alignUp(len(last.data), sectAlign)))
	le.PutUint32(opt[60:], headers)
	le.PutUint16(opt[68:], 3)
	le.PutUint16(opt[70:], 0x8540)

	dirs := opt[dirOff:]
	putDir := func(i int, dd pe.DataDirectory) {
		le.PutUint32(dirs[i*8:], dd.VirtualAddress)
		le.PutUint32(dirs[i*8+4:], dd.Size)
	}
	putDir(pe.DirResource, rsrc)
	putDir(pe.DirBaseReloc, reloc)
	putDir(pe.DirDebug, debugDir)
	putDir(pe.DirCLIHeader, pe.DataDirectory{VirtualAddress: textRVA, Size: cliHeaderSize})

	for i, sec := range sections {
		sh := img[optOff+optSize+i*sectionHdrSize:]
		copy(sh[0:8], sec.name)
		le.PutUint32(sh[8:], uint32(len(sec.data)))
		le.PutUint32(sh[12:], sec.rva)
		le.PutUint32(sh[16:], uint32(alignUp(len(sec.data), fileAlign)))
		le.PutUint32(sh[20:], sec.raw)
		le.PutUint32(sh[36:], sec.chars)
	}

	if b.Certificate {
		cert := make([]byte, 16)
		le.PutUint32(cert[0:], 16)
		le.PutUint16(cert[4:], 0x0200)
		le.PutUint16(cert[6:], 0x0002)
		putDir(pe.DirSecurity, pe.DataDirectory{VirtualAddress: uint32(len(img)), Size: uint32(len(cert))})
		img = append(img, cert...)
	}

	if b.Checksum {
		le.PutUint32(opt[64:], pe.Checksum(img, optOff+64))
	}
	return img
}

// codeView is a CodeView RSDS record naming a portable PDB.
var codeView = append([]byte("RSDS\x4a\x4b\x4c\x4d\x4e\x4f\x50\x51\x52\x53\x54\x55\x56\x57\x58\x59\x01\x00\x00\x00"), "NuGet.pdb\x00"...)

// resource builds a resource tree with a single RT_VERSION entry whose data
// lives at base+88.
func (b *Builder) resource(base uint32) []byte {
	le := binary.LittleEndian
	data := b.versionInfo()

	out := make([]byte, 88)
	dir := func(off int, id, target uint32) {
		le.PutUint16(out[off+14:], 1)
		le.PutUint32(out[off+16:], id)
		le.PutUint32(out[off+20:], target)
	}
	dir(0, 16, 0x80000000|24)
	dir(24, 1, 0x80000000|48)
	dir(48, 0x409, 72)
	le.PutUint32(out[72:], base+88)
	le.PutUint32(out[76:], uint32(len(data)))
	return append(out, data...)
}

func (b *Builder) versionInfo() []byte {
	le := binary.LittleEndian
	fixed := make([]byte, 52)
	le.PutUint32(fixed[0:], 0xFEEF04BD)
	le.PutUint32(fixed[4:], 0x00010000)
	ms := uint32(b.fixedVersion[0])<<16 | uint32(b.fixedVersion[1])
	ls := uint32(b.fixedVersion[2])<<16 | uint32(b.fixedVersion[3])
	le.PutUint32(fixed[8:], ms)
	le.PutUint32(fixed[12:], ls)
	le.PutUint32(fixed[16:], ms)
	le.PutUint32(fixed[20:], ls)

	var children [][]byte
	if b.fileVersion != "" {
		str := versionBlock("FileVersion", utf16z(b.fileVersion), true, nil)
		table := versionBlock("040904b0", nil, true, [][]byte{str})
		children = append(children, versionBlock("StringFileInfo", nil, true, [][]byte{table}))
	}
	return versionBlock("VS_VERSION_INFO", fixed, false, children)
}

func versionBlock(key string, value []byte, text bool, children [][]byte) []byte {
	le := binary.LittleEndian
	out := make([]byte, 6)
	out = append(out, utf16z(key)...)
	out = pad(out, 4)
	out = append(out, value...)
	for _, c := range children {
		out = pad(out, 4)
		out = append(out, c...)
	}
	valueLen := len(value)
	wType := uint16(0)
	if text {
		valueLen /= 2
		wType = 1
	}
	le.PutUint16(out[0:], uint16(len(out)))
	le.PutUint16(out[2:], uint16(valueLen))
	le.PutUint16(out[4:], wType)
	return out
}

func utf16z(s string) []byte {
	var out []byte
	for _, c := range utf16.Encode([]rune(s)) {
		out = binary.LittleEndian.AppendUint16(out, c)
	}
	return append(out, 0, 0)
}

func pad(b []byte, n int) []byte {
	for len(b)%n != 0 {
		b = append(b, 0)
	}
	return b
}

func alignUp(v, n int) int { return (v + n - 1) / n * n }

func must(err error) {
	if err != nil {
		panic(err)
	}
}
