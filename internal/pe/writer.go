// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package pe

import (
	"encoding/binary"
	"fmt"

	"github.com/dotandev/cilpatch/internal/errors"
)

// Optional header field offsets shared by PE32 and PE32+.
const (
	optSizeOfInitializedData = 8
	optSizeOfImage           = 56
	optSizeOfHeaders         = 60
	optCheckSum              = 64

	debugEntrySize = 28
)

// NextSectionRVA returns the RVA a section appended now would receive.
func (f *File) NextSectionRVA() uint32 {
	var end uint32
	for _, s := range f.sections {
		size := s.VirtualSize
		if s.SizeOfRawData > size {
			size = s.SizeOfRawData
		}
		if e := s.VirtualAddress + size; e > end {
			end = e
		}
	}
	if end < f.sizeOfHeaders {
		end = f.sizeOfHeaders
	}
	return alignUp(end, f.sectionAlign)
}

// AppendSection appends a new initialized-data section holding data and returns
// its header. The raw data goes to the end of the file. When the section table
// has no room for another header, the header area grows first (see
// growHeaders).
func (f *File) AppendSection(name string, data []byte, characteristics uint32) (Section, error) {
	if len(name) > 8 {
		return Section{}, fmt.Errorf("section name %q longer than 8 bytes", name)
	}

	hdrOff := f.sectTableOffset + len(f.sections)*sectionHdrSize
	end := hdrOff + sectionHdrSize
	limit := f.rawDataStart()
	if hdrOff > limit || hdrOff > len(f.image) {
		return Section{}, errors.ErrNoHeaderSpace
	}
	for _, b := range f.image[hdrOff:min(end, limit, len(f.image))] {
		if b != 0 {
			return Section{}, errors.ErrNoHeaderSpace
		}
	}
	if end > limit {
		if err := f.growHeaders(limit, end-limit); err != nil {
			return Section{}, err
		}
	}

	f.stripCertificate()

	sec := Section{
		Name:             name,
		VirtualSize:      uint32(len(data)),
		VirtualAddress:   f.NextSectionRVA(),
		SizeOfRawData:    alignUp(uint32(len(data)), f.fileAlign),
		PointerToRawData: alignUp(uint32(len(f.image)), f.fileAlign),
		Characteristics:  characteristics,
	}

	grown := make([]byte, int(sec.PointerToRawData)+int(sec.SizeOfRawData))
	copy(grown, f.image)
	copy(grown[sec.PointerToRawData:], data)
	f.image = grown

	hdr := f.image[hdrOff : hdrOff+sectionHdrSize]
	copy(hdr[0:8], name)
	le := binary.LittleEndian
	le.PutUint32(hdr[8:], sec.VirtualSize)
	le.PutUint32(hdr[12:], sec.VirtualAddress)
	le.PutUint32(hdr[16:], sec.SizeOfRawData)
	le.PutUint32(hdr[20:], sec.PointerToRawData)
	le.PutUint32(hdr[36:], sec.Characteristics)
	f.sections = append(f.sections, sec)

	peOffset := int(le.Uint32(f.image[0x3c:]))
	le.PutUint16(f.image[peOffset+4+2:], uint16(len(f.sections)))
	le.PutUint32(f.image[f.optOffset+optSizeOfImage:], alignUp(sec.VirtualAddress+sec.VirtualSize, f.sectionAlign))
	initData := le.Uint32(f.image[f.optOffset+optSizeOfInitializedData:])
	le.PutUint32(f.image[f.optOffset+optSizeOfInitializedData:], initData+sec.SizeOfRawData)

	f.dirty = true
	return sec, nil
}

// rawDataStart is the file offset where header space ends: SizeOfHeaders or
// the first section's raw data, whichever is lower.
func (f *File) rawDataStart() int {
	limit := int(f.sizeOfHeaders)
	for _, s := range f.sections {
		if s.SizeOfRawData > 0 && int(s.PointerToRawData) < limit {
			limit = int(s.PointerToRawData)
		}
	}
	return limit
}

// growHeaders inserts need bytes, rounded up to FileAlignment, at rawStart
// and moves every file pointer at or past it: section raw data, relocations
// and line numbers, the COFF symbol table, the certificate table and the
// debug directory entries. RVAs do not change, so SizeOfHeaders may not pass
// the first section's virtual address.
func (f *File) growHeaders(rawStart, need int) error {
	if rawStart > len(f.image) {
		return errors.WrapInvalidImage("headers extend past end of file")
	}
	delta := alignUp(uint32(need), f.fileAlign)
	newSize := f.sizeOfHeaders + delta
	for _, s := range f.sections {
		if newSize > s.VirtualAddress {
			return errors.ErrNoHeaderSpace
		}
	}

	grown := make([]byte, 0, len(f.image)+int(delta))
	grown = append(grown, f.image[:rawStart]...)
	grown = append(grown, make([]byte, delta)...)
	f.image = append(grown, f.image[rawStart:]...)

	le := binary.LittleEndian
	start := uint32(rawStart)
	shift := func(off int) {
		if p := le.Uint32(f.image[off:]); p >= start {
			le.PutUint32(f.image[off:], p+delta)
		}
	}
	for i := range f.sections {
		hdr := f.sectTableOffset + i*sectionHdrSize
		shift(hdr + 20)
		shift(hdr + 24)
		shift(hdr + 28)
		f.sections[i].PointerToRawData = le.Uint32(f.image[hdr+20:])
	}
	peOffset := int(le.Uint32(f.image[0x3c:]))
	shift(peOffset + 4 + 8)

	if cert := f.DataDirectory(DirSecurity); cert.VirtualAddress != 0 {
		shift(f.dirOffset + DirSecurity*8)
	}
	if dbg := f.DataDirectory(DirDebug); dbg.VirtualAddress != 0 && dbg.Size != 0 {
		off, err := f.RVAToOffset(dbg.VirtualAddress)
		if err == nil {
			last := min(int(off)+int(dbg.Size), len(f.image))
			for e := int(off); e+debugEntrySize <= last; e += debugEntrySize {
				shift(e + 24)
			}
		}
	}

	le.PutUint32(f.image[f.optOffset+optSizeOfHeaders:], newSize)
	f.sizeOfHeaders = newSize
	f.dirty = true
	return nil
}

// stripCertificate drops an Authenticode certificate table; any signature
// is invalid once the image changes.
func (f *File) stripCertificate() {
	dd := f.DataDirectory(DirSecurity)
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return
	}
	// The security directory holds a file offset, not an RVA.
	if int(dd.VirtualAddress)+int(dd.Size) == len(f.image) {
		f.image = f.image[:dd.VirtualAddress]
	}
	f.setDataDirectory(DirSecurity, DataDirectory{})
}

// Bytes returns the image. When the original image carried a checksum it is
// recomputed.
func (f *File) Bytes() []byte {
	out := append([]byte(nil), f.image...)
	if f.checksum != 0 && f.dirty {
		off := f.optOffset + optCheckSum
		binary.LittleEndian.PutUint32(out[off:], Checksum(out, off))
	}
	return out
}

// Checksum computes the PE image checksum, skipping the 4-byte checksum
// field at csumOffset.
func Checksum(data []byte, csumOffset int) uint32 {
	var sum uint64
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		if i == csumOffset || i == csumOffset+2 {
			continue
		}
		sum += uint64(binary.LittleEndian.Uint16(data[i:]))
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if len(data)%2 == 1 {
		sum += uint64(data[len(data)-1])
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + uint32(len(data))
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}
