// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package pe

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/dotandev/cilpatch/internal/errors"
)

const (
	rtVersion          = 16
	fixedInfoSignature = 0xFEEF04BD
	maxResourceDepth   = 3
)

// FileVersion returns the FileVersion string of the Win32 version resource.
// When the StringFileInfo table has no FileVersion entry, the numeric quad
// of VS_FIXEDFILEINFO is formatted instead. ErrNoVersion is returned when
// the image carries no version resource.
func (f *File) FileVersion() (string, error) {
	data, err := f.versionResource()
	if err != nil {
		return "", err
	}

	root, _, err := parseVersionBlock(data)
	if err != nil {
		return "", err
	}
	if root.key != "VS_VERSION_INFO" {
		return "", errors.WrapInvalidImage(fmt.Sprintf("unexpected version resource key %q", root.key))
	}

	for _, sfi := range root.children {
		if sfi.key != "StringFileInfo" {
			continue
		}
		for _, table := range sfi.children {
			for _, s := range table.children {
				if s.key == "FileVersion" {
					if v := decodeUTF16(s.value); v != "" {
						return v, nil
					}
				}
			}
		}
	}

	if len(root.value) >= 16 && binary.LittleEndian.Uint32(root.value) == fixedInfoSignature {
		ms := binary.LittleEndian.Uint32(root.value[8:])
		ls := binary.LittleEndian.Uint32(root.value[12:])
		return fmt.Sprintf("%d.%d.%d.%d", ms>>16, ms&0xffff, ls>>16, ls&0xffff), nil
	}
	return "", errors.ErrNoVersion
}

// versionResource walks the resource tree type -> name -> language and returns
// the first RT_VERSION data entry.
func (f *File) versionResource() ([]byte, error) {
	dd := f.DataDirectory(DirResource)
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return nil, errors.ErrNoVersion
	}
	rsrc, err := f.ReadRVA(dd.VirtualAddress, dd.Size)
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	dirOff := uint32(0)
	want := int64(rtVersion)
	for depth := 0; depth < maxResourceDepth; depth++ {
		if int(dirOff)+16 > len(rsrc) {
			return nil, errors.WrapInvalidImage("truncated resource directory")
		}
		named := int(le.Uint16(rsrc[dirOff+12:]))
		ids := int(le.Uint16(rsrc[dirOff+14:]))

		found := false
		for i := 0; i < named+ids; i++ {
			e := int(dirOff) + 16 + i*8
			if e+8 > len(rsrc) {
				return nil, errors.WrapInvalidImage("truncated resource directory entry")
			}
			name := le.Uint32(rsrc[e:])
			target := le.Uint32(rsrc[e+4:])
			if want >= 0 && (name&0x80000000 != 0 || int64(name) != want) {
				continue
			}
			if depth < maxResourceDepth-1 {
				if target&0x80000000 == 0 {
					return nil, errors.WrapInvalidImage("resource leaf where directory expected")
				}
				dirOff = target &^ 0x80000000
			} else {
				if target&0x80000000 != 0 {
					return nil, errors.WrapInvalidImage("resource directory where leaf expected")
				}
				if int(target)+8 > len(rsrc) {
					return nil, errors.WrapInvalidImage("truncated resource data entry")
				}
				return f.ReadRVA(le.Uint32(rsrc[target:]), le.Uint32(rsrc[target+4:]))
			}
			found = true
			break
		}
		if !found {
			return nil, errors.ErrNoVersion
		}
		// Below the type level any name or language will do.
		want = -1
	}
	return nil, errors.ErrNoVersion
}

type versionBlock struct {
	key      string
	value    []byte
	children []versionBlock
}

// parseVersionBlock decodes one VS_VERSIONINFO style node and its children,
// returning the node and its length in bytes.
func parseVersionBlock(b []byte) (versionBlock, int, error) {
	le := binary.LittleEndian
	if len(b) < 6 {
		return versionBlock{}, 0, errors.WrapInvalidImage("truncated version block")
	}
	length := int(le.Uint16(b))
	valueLen := int(le.Uint16(b[2:]))
	isText := le.Uint16(b[4:]) == 1
	if length < 6 || length > len(b) {
		return versionBlock{}, 0, errors.WrapInvalidImage("bad version block length")
	}
	b = b[:length]

	pos := 6
	var key []uint16
	for pos+1 < length {
		c := le.Uint16(b[pos:])
		pos += 2
		if c == 0 {
			break
		}
		key = append(key, c)
	}
	pos = align4(pos)

	blk := versionBlock{key: string(utf16.Decode(key))}
	if isText {
		valueLen *= 2
	}
	if pos+valueLen > length {
		valueLen = length - pos
	}
	if valueLen > 0 {
		blk.value = b[pos : pos+valueLen]
	}
	pos = align4(pos + valueLen)

	for pos < length {
		child, n, err := parseVersionBlock(b[pos:])
		if err != nil {
			return versionBlock{}, 0, err
		}
		blk.children = append(blk.children, child)
		pos = align4(pos + n)
	}
	return blk, length, nil
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return strings.TrimSpace(string(utf16.Decode(u)))
}

func align4(n int) int { return (n + 3) &^ 3 }
