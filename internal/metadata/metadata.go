// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package metadata decodes and re-encodes the ECMA-335 metadata of a managed
// module: the BSJB root, its heaps and the compressed tables stream.
//
// Heaps are append-only and table rows keep their raw column values, so a
// module can be amended (new references, new strings) while every existing
// offset and row id stays valid.
package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dotandev/cilpatch/internal/errors"
)

const rootSignature = 0x424A5342 // "BSJB"

type stream struct {
	name string
	data []byte
}

// Metadata is a parsed metadata root.
type Metadata struct {
	MajorVersion uint16
	MinorVersion uint16
	Version      string
	Flags        uint16

	Strings     *StringHeap
	Blobs       *BlobHeap
	UserStrings *UserStringHeap
	GUIDs       *GUIDHeap

	streams []stream
	tables  *tablesStream

	origHeaps heapSizes
	modified  bool
}

// Parse decodes a metadata blob. The blob is copied.
func Parse(data []byte) (*Metadata, error) {
	data = append([]byte(nil), data...)
	le := binary.LittleEndian
	if len(data) < 20 || le.Uint32(data) != rootSignature {
		return nil, errors.WrapMalformedMetadata("missing BSJB signature")
	}

	md := &Metadata{
		MajorVersion: le.Uint16(data[4:]),
		MinorVersion: le.Uint16(data[6:]),
	}
	verLen := int(le.Uint32(data[12:]))
	if 16+verLen+4 > len(data) {
		return nil, errors.WrapMalformedMetadata("truncated metadata version string")
	}
	ver := data[16 : 16+verLen]
	if i := bytes.IndexByte(ver, 0); i >= 0 {
		ver = ver[:i]
	}
	md.Version = string(ver)

	pos := 16 + verLen
	md.Flags = le.Uint16(data[pos:])
	count := int(le.Uint16(data[pos+2:]))
	pos += 4

	var tablesData []byte
	for i := 0; i < count; i++ {
		if pos+8 > len(data) {
			return nil, errors.WrapMalformedMetadata("truncated stream header")
		}
		off := le.Uint32(data[pos:])
		size := le.Uint32(data[pos+4:])
		pos += 8
		end := bytes.IndexByte(data[pos:], 0)
		if end < 0 {
			return nil, errors.WrapMalformedMetadata("unterminated stream name")
		}
		name := string(data[pos : pos+end])
		pos += (end + 4) &^ 3
		if uint64(off)+uint64(size) > uint64(len(data)) {
			return nil, errors.WrapMalformedMetadata(fmt.Sprintf("stream %s out of range", name))
		}
		body := data[off : off+size : off+size]

		switch name {
		case "#~":
			tablesData = body
		case "#-":
			return nil, errors.WrapUnsupported("uncompressed (#-) tables stream")
		case "#Strings":
			md.Strings = newStringHeap(body)
		case "#Blob":
			md.Blobs = newBlobHeap(body)
		case "#US":
			md.UserStrings = newUserStringHeap(body)
		case "#GUID":
			md.GUIDs = &GUIDHeap{data: body}
		}
		md.streams = append(md.streams, stream{name: name, data: body})
	}

	if tablesData == nil {
		return nil, errors.WrapMalformedMetadata("no #~ stream")
	}
	if md.Strings == nil {
		md.Strings = newStringHeap(nil)
	}
	if md.Blobs == nil {
		md.Blobs = newBlobHeap(nil)
	}
	if md.UserStrings == nil {
		md.UserStrings = newUserStringHeap(nil)
	}
	if md.GUIDs == nil {
		md.GUIDs = &GUIDHeap{}
	}

	ts, err := parseTables(tablesData)
	if err != nil {
		return nil, err
	}
	md.tables = ts
	md.origHeaps = heapSizes{
		wideStrings: ts.heapFlags&heapWideStrings != 0,
		wideGUID:    ts.heapFlags&heapWideGUID != 0,
		wideBlob:    ts.heapFlags&heapWideBlob != 0,
	}
	return md, nil
}

// New returns empty metadata with the standard streams, for building modules
// from scratch.
func New(version string) *Metadata {
	md := &Metadata{
		MajorVersion: 1,
		MinorVersion: 1,
		Version:      version,
		Strings:      newStringHeap(nil),
		Blobs:        newBlobHeap(nil),
		UserStrings:  newUserStringHeap(nil),
		GUIDs:        &GUIDHeap{},
		tables:       &tablesStream{majorVersion: 2, reserved2: 1, sorted: DefaultSortedMask},
	}
	for i := range md.tables.tables {
		md.tables.tables[i] = &Table{ID: TableID(i)}
	}
	for _, name := range []string{"#~", "#Strings", "#US", "#GUID", "#Blob"} {
		md.streams = append(md.streams, stream{name: name})
	}
	return md
}

// Table returns table id; it is never nil.
func (md *Metadata) Table(id TableID) *Table {
	return md.tables.tables[id]
}

// Row returns the row a token points at.
func (md *Metadata) Row(tok Token) (Row, error) {
	if int(tok.Table()) >= numTables {
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("token %s does not name a table", tok))
	}
	return md.Table(tok.Table()).Get(tok.RID())
}

// AddRow appends a row to one of the unsorted reference tables and returns
// its token.
func (md *Metadata) AddRow(id TableID, r Row) (Token, error) {
	if !appendable[id] {
		return 0, errors.WrapUnsupported(fmt.Sprintf("appending to %s table", id))
	}
	md.modified = true
	return NewToken(id, md.Table(id).Append(r)), nil
}

// SetColumn overwrites one column of an existing row.
func (md *Metadata) SetColumn(tok Token, col int, v uint32) error {
	row, err := md.Row(tok)
	if err != nil {
		return err
	}
	if row[col] != v {
		row[col] = v
		md.modified = true
	}
	return nil
}

// String reads a #Strings entry.
func (md *Metadata) String(off uint32) (string, error) { return md.Strings.Get(off) }

// Blob reads a #Blob entry.
func (md *Metadata) Blob(off uint32) ([]byte, error) { return md.Blobs.Get(off) }

// AddString appends to #Strings, reusing an existing entry when present.
func (md *Metadata) AddString(s string) uint32 {
	if off, ok := md.Strings.Find(s); ok {
		return off
	}
	md.modified = true
	return md.Strings.Add(s)
}

// AddBlob appends to #Blob.
func (md *Metadata) AddBlob(b []byte) uint32 {
	before := md.Blobs.Len()
	off := md.Blobs.Add(b)
	if md.Blobs.Len() != before {
		md.modified = true
	}
	return off
}

// AddUserString appends to #US and returns the ldstr token.
func (md *Metadata) AddUserString(s string) Token {
	before := md.UserStrings.Len()
	off := md.UserStrings.Add(s)
	if md.UserStrings.Len() != before {
		md.modified = true
	}
	return NewToken(TableString, off)
}

// Modified reports whether any row, column or heap entry changed since Parse.
func (md *Metadata) Modified() bool { return md.modified }

// DecodeColumn decodes a coded index column of row into a token.
func DecodeColumn(ci CodedIndex, row Row, col int) (Token, error) {
	return DecodeCoded(ci, row[col])
}

// Bytes serializes the metadata root with all streams. Heap index widths
// only ever grow relative to the parsed module.
func (md *Metadata) Bytes() []byte {
	le := binary.LittleEndian
	heaps := heapSizes{
		wideStrings: md.origHeaps.wideStrings || md.Strings.Len() > 0xFFFF,
		wideGUID:    md.origHeaps.wideGUID || md.GUIDs.Len()/16 > 0xFFFF,
		wideBlob:    md.origHeaps.wideBlob || md.Blobs.Len() > 0xFFFF,
	}

	bodies := make([][]byte, len(md.streams))
	for i, s := range md.streams {
		switch s.name {
		case "#~":
			bodies[i] = md.tables.serialize(heaps)
		case "#Strings":
			bodies[i] = pad4(md.Strings.Bytes())
		case "#Blob":
			bodies[i] = pad4(md.Blobs.Bytes())
		case "#US":
			bodies[i] = pad4(md.UserStrings.Bytes())
		case "#GUID":
			bodies[i] = md.GUIDs.Bytes()
		default:
			bodies[i] = pad4(s.data)
		}
	}

	ver := append([]byte(md.Version), 0)
	ver = pad4(ver)

	hdr := make([]byte, 16)
	le.PutUint32(hdr, rootSignature)
	le.PutUint16(hdr[4:], md.MajorVersion)
	le.PutUint16(hdr[6:], md.MinorVersion)
	le.PutUint32(hdr[12:], uint32(len(ver)))
	hdr = append(hdr, ver...)
	hdr = le.AppendUint16(hdr, md.Flags)
	hdr = le.AppendUint16(hdr, uint16(len(md.streams)))

	headersLen := len(hdr)
	for _, s := range md.streams {
		headersLen += 8 + (len(s.name)+4)&^3
	}

	off := headersLen
	for i, s := range md.streams {
		hdr = le.AppendUint32(hdr, uint32(off))
		hdr = le.AppendUint32(hdr, uint32(len(bodies[i])))
		name := make([]byte, (len(s.name)+4)&^3)
		copy(name, s.name)
		hdr = append(hdr, name...)
		off += len(bodies[i])
	}
	for _, b := range bodies {
		hdr = append(hdr, b...)
	}
	return hdr
}

func pad4(b []byte) []byte {
	out := append([]byte(nil), b...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}
