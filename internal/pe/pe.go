// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package pe reads and amends the PE/COFF container of a managed module.
//
// Parsing of the headers is delegated to debug/pe; the write side works on a
// private copy of the image bytes. It appends a new section for relocated data,
// grows the header area when the section table is full, and updates a
// handful of header fields in place.
package pe

import (
	"bytes"
	stdpe "debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/dotandev/cilpatch/internal/errors"
)

// Data directory indexes used by this package.
const (
	DirResource    = 2
	DirSecurity    = 4
	DirBaseReloc   = 5
	DirDebug       = 6
	DirCLIHeader   = 14
	sectionHdrSize = 40
	cliHeaderSize  = 72
)

// Section characteristics for appended sections.
const (
	ScnCntInitializedData = 0x00000040
	ScnMemRead            = 0x40000000
)

// Section describes one section header.
type Section struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

// DataDirectory is an (RVA, size) pair from the optional header.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// CLIHeader is the COR20 header pointed to by data directory 14.
type CLIHeader struct {
	MajorRuntimeVersion uint16
	MinorRuntimeVersion uint16
	MetaData            DataDirectory
	Flags               uint32
	EntryPointToken     uint32
	Resources           DataDirectory
	StrongNameSignature DataDirectory

	rva uint32
}

// File is a parsed PE image.
type File struct {
	image []byte

	is64            bool
	optOffset       int
	dirOffset       int
	numDirs         int
	sectTableOffset int
	sectionAlign    uint32
	fileAlign       uint32
	sizeOfHeaders   uint32
	checksum        uint32
	sections        []Section
	dirty           bool
}

// Open parses data as a PE image. data is copied; the caller's slice is
// never modified.
func Open(data []byte) (*File, error) {
	if len(data) < 0x40 || data[0] != 'M' || data[1] != 'Z' {
		return nil, errors.WrapInvalidImage("missing MZ signature")
	}

	pf, err := stdpe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WrapInvalidImage(err.Error())
	}
	defer pf.Close()

	f := &File{image: append([]byte(nil), data...)}

	peOffset := int(binary.LittleEndian.Uint32(data[0x3c:]))
	f.optOffset = peOffset + 4 + 20
	f.sectTableOffset = f.optOffset + int(pf.FileHeader.SizeOfOptionalHeader)

	var dirs []stdpe.DataDirectory
	switch oh := pf.OptionalHeader.(type) {
	case *stdpe.OptionalHeader32:
		f.dirOffset = f.optOffset + 96
		f.numDirs = int(oh.NumberOfRvaAndSizes)
		f.sectionAlign = oh.SectionAlignment
		f.fileAlign = oh.FileAlignment
		f.sizeOfHeaders = oh.SizeOfHeaders
		f.checksum = oh.CheckSum
		dirs = oh.DataDirectory[:]
	case *stdpe.OptionalHeader64:
		f.is64 = true
		f.dirOffset = f.optOffset + 112
		f.numDirs = int(oh.NumberOfRvaAndSizes)
		f.sectionAlign = oh.SectionAlignment
		f.fileAlign = oh.FileAlignment
		f.sizeOfHeaders = oh.SizeOfHeaders
		f.checksum = oh.CheckSum
		dirs = oh.DataDirectory[:]
	default:
		return nil, errors.WrapInvalidImage("missing optional header")
	}
	if f.numDirs > len(dirs) {
		f.numDirs = len(dirs)
	}
	if f.sectionAlign == 0 || f.fileAlign == 0 {
		return nil, errors.WrapInvalidImage("zero section or file alignment")
	}

	for _, s := range pf.Sections {
		f.sections = append(f.sections, Section{
			Name:             s.Name,
			VirtualSize:      s.VirtualSize,
			VirtualAddress:   s.VirtualAddress,
			SizeOfRawData:    s.Size,
			PointerToRawData: s.Offset,
			Characteristics:  s.Characteristics,
		})
	}
	return f, nil
}

// Is64 reports whether the image has a PE32+ optional header.
func (f *File) Is64() bool { return f.is64 }

// Sections returns a copy of the section headers.
func (f *File) Sections() []Section {
	return append([]Section(nil), f.sections...)
}

// DataDirectory returns directory i, or a zero directory when absent.
func (f *File) DataDirectory(i int) DataDirectory {
	if i < 0 || i >= f.numDirs {
		return DataDirectory{}
	}
	off := f.dirOffset + i*8
	return DataDirectory{
		VirtualAddress: binary.LittleEndian.Uint32(f.image[off:]),
		Size:           binary.LittleEndian.Uint32(f.image[off+4:]),
	}
}

func (f *File) setDataDirectory(i int, dd DataDirectory) {
	off := f.dirOffset + i*8
	binary.LittleEndian.PutUint32(f.image[off:], dd.VirtualAddress)
	binary.LittleEndian.PutUint32(f.image[off+4:], dd.Size)
	f.dirty = true
}

// RVAToOffset converts an RVA to a file offset.
func (f *File) RVAToOffset(rva uint32) (uint32, error) {
	for _, s := range f.sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			delta := rva - s.VirtualAddress
			if delta >= s.SizeOfRawData {
				return 0, errors.WrapInvalidImage(fmt.Sprintf("RVA 0x%X lies in uninitialized data of %s", rva, s.Name))
			}
			return s.PointerToRawData + delta, nil
		}
	}
	if rva < f.sizeOfHeaders {
		return rva, nil
	}
	return 0, errors.WrapInvalidImage(fmt.Sprintf("RVA 0x%X is not in any section", rva))
}

// ReadRVA returns size bytes at rva. The slice aliases the image and must not
// be modified by the caller.
func (f *File) ReadRVA(rva, size uint32) ([]byte, error) {
	off, err := f.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	end := uint64(off) + uint64(size)
	if end > uint64(len(f.image)) {
		return nil, errors.WrapInvalidImage(fmt.Sprintf("RVA 0x%X+%d beyond end of file", rva, size))
	}
	return f.image[off:end], nil
}

// ReadRVAFrom returns everything from rva to the end of its section's raw
// data. Used for variable-length structures such as method bodies.
func (f *File) ReadRVAFrom(rva uint32) ([]byte, error) {
	for _, s := range f.sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.SizeOfRawData {
			start := s.PointerToRawData + (rva - s.VirtualAddress)
			end := uint64(s.PointerToRawData) + uint64(s.SizeOfRawData)
			if end > uint64(len(f.image)) {
				end = uint64(len(f.image))
			}
			if uint64(start) > end {
				break
			}
			return f.image[start:end], nil
		}
	}
	return nil, errors.WrapInvalidImage(fmt.Sprintf("RVA 0x%X is not in any section", rva))
}

// WriteRVA overwrites bytes at rva in place.
func (f *File) WriteRVA(rva uint32, data []byte) error {
	dst, err := f.ReadRVA(rva, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	f.dirty = true
	return nil
}

// CLIHeader reads the COR20 header.
func (f *File) CLIHeader() (*CLIHeader, error) {
	dd := f.DataDirectory(DirCLIHeader)
	if dd.VirtualAddress == 0 {
		return nil, errors.ErrNotManaged
	}
	raw, err := f.ReadRVA(dd.VirtualAddress, cliHeaderSize)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	return &CLIHeader{
		MajorRuntimeVersion: le.Uint16(raw[4:]),
		MinorRuntimeVersion: le.Uint16(raw[6:]),
		MetaData:            DataDirectory{le.Uint32(raw[8:]), le.Uint32(raw[12:])},
		Flags:               le.Uint32(raw[16:]),
		EntryPointToken:     le.Uint32(raw[20:]),
		Resources:           DataDirectory{le.Uint32(raw[24:]), le.Uint32(raw[28:])},
		StrongNameSignature: DataDirectory{le.Uint32(raw[32:]), le.Uint32(raw[36:])},
		rva:                 dd.VirtualAddress,
	}, nil
}

// SetCLIMetadata repoints the metadata directory of the CLI header.
func (f *File) SetCLIMetadata(dd DataDirectory) error {
	hdr, err := f.CLIHeader()
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:], dd.VirtualAddress)
	binary.LittleEndian.PutUint32(buf[4:], dd.Size)
	return f.WriteRVA(hdr.rva+8, buf[:])
}

// Metadata returns the raw metadata blob referenced by the CLI header.
func (f *File) Metadata() ([]byte, error) {
	hdr, err := f.CLIHeader()
	if err != nil {
		return nil, err
	}
	if hdr.MetaData.VirtualAddress == 0 || hdr.MetaData.Size == 0 {
		return nil, errors.WrapInvalidImage("CLI header has no metadata")
	}
	return f.ReadRVA(hdr.MetaData.VirtualAddress, hdr.MetaData.Size)
}

// Modified reports whether any write has been applied since Open.
func (f *File) Modified() bool { return f.dirty }
