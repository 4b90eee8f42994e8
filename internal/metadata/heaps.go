// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/dotandev/cilpatch/internal/errors"
)

// StringHeap is the #Strings heap. Existing entries never move; new entries
// are appended.
type StringHeap struct {
	data  []byte
	added map[string]uint32
}

func newStringHeap(data []byte) *StringHeap {
	if len(data) == 0 {
		data = []byte{0}
	}
	return &StringHeap{data: data, added: make(map[string]uint32)}
}

// Get returns the NUL-terminated string at off.
func (h *StringHeap) Get(off uint32) (string, error) {
	if int(off) >= len(h.data) {
		if off == 0 {
			return "", nil
		}
		return "", errors.WrapMalformedMetadata(fmt.Sprintf("#Strings offset 0x%X out of range", off))
	}
	end := bytes.IndexByte(h.data[off:], 0)
	if end < 0 {
		return "", errors.WrapMalformedMetadata(fmt.Sprintf("unterminated string at 0x%X", off))
	}
	return string(h.data[off : int(off)+end]), nil
}

// Add appends s and returns its offset. The empty string is offset 0.
func (h *StringHeap) Add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := h.added[s]; ok {
		return off
	}
	off := uint32(len(h.data))
	h.data = append(h.data, s...)
	h.data = append(h.data, 0)
	h.added[s] = off
	return off
}

// Find returns the offset of an existing entry equal to s.
func (h *StringHeap) Find(s string) (uint32, bool) {
	if off, ok := h.added[s]; ok {
		return off, true
	}
	needle := append([]byte(s), 0)
	for start := 0; start < len(h.data); {
		i := bytes.Index(h.data[start:], needle)
		if i < 0 {
			break
		}
		pos := start + i
		if pos == 0 || h.data[pos-1] == 0 {
			return uint32(pos), true
		}
		start = pos + 1
	}
	return 0, false
}

func (h *StringHeap) Len() int      { return len(h.data) }
func (h *StringHeap) Bytes() []byte { return h.data }

// BlobHeap is the #Blob heap.
type BlobHeap struct {
	data  []byte
	added map[string]uint32
}

func newBlobHeap(data []byte) *BlobHeap {
	if len(data) == 0 {
		data = []byte{0}
	}
	return &BlobHeap{data: data, added: make(map[string]uint32)}
}

// Get returns the blob at off without its length prefix.
func (h *BlobHeap) Get(off uint32) ([]byte, error) {
	if int(off) >= len(h.data) {
		if off == 0 {
			return nil, nil
		}
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("#Blob offset 0x%X out of range", off))
	}
	n, size, err := DecodeCompressedUint(h.data[off:])
	if err != nil {
		return nil, err
	}
	start := int(off) + size
	if start+int(n) > len(h.data) {
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("blob at 0x%X overruns heap", off))
	}
	return h.data[start : start+int(n)], nil
}

// Add appends b with its length prefix and returns the offset.
func (h *BlobHeap) Add(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	if off, ok := h.added[string(b)]; ok {
		return off
	}
	off := uint32(len(h.data))
	h.data = AppendCompressedUint(h.data, uint32(len(b)))
	h.data = append(h.data, b...)
	h.added[string(b)] = off
	return off
}

func (h *BlobHeap) Len() int      { return len(h.data) }
func (h *BlobHeap) Bytes() []byte { return h.data }

// UserStringHeap is the #US heap holding ldstr literals as UTF-16.
type UserStringHeap struct {
	data  []byte
	added map[string]uint32
}

func newUserStringHeap(data []byte) *UserStringHeap {
	if len(data) == 0 {
		data = []byte{0}
	}
	return &UserStringHeap{data: data, added: make(map[string]uint32)}
}

// Get decodes the user string at off.
func (h *UserStringHeap) Get(off uint32) (string, error) {
	if off == 0 || int(off) >= len(h.data) {
		if off == 0 {
			return "", nil
		}
		return "", errors.WrapMalformedMetadata(fmt.Sprintf("#US offset 0x%X out of range", off))
	}
	n, size, err := DecodeCompressedUint(h.data[off:])
	if err != nil {
		return "", err
	}
	start := int(off) + size
	if start+int(n) > len(h.data) {
		return "", errors.WrapMalformedMetadata(fmt.Sprintf("user string at 0x%X overruns heap", off))
	}
	raw := h.data[start : start+int(n)]
	// The final byte is the has-special-characters flag.
	u := make([]uint16, len(raw)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(u)), nil
}

// Add appends s and returns its heap offset.
func (h *UserStringHeap) Add(s string) uint32 {
	if off, ok := h.added[s]; ok {
		return off
	}
	u := utf16.Encode([]rune(s))
	raw := make([]byte, 0, len(u)*2+1)
	var special byte
	for _, c := range u {
		raw = binary.LittleEndian.AppendUint16(raw, c)
		if needsSpecialFlag(c) {
			special = 1
		}
	}
	raw = append(raw, special)

	off := uint32(len(h.data))
	h.data = AppendCompressedUint(h.data, uint32(len(raw)))
	h.data = append(h.data, raw...)
	h.added[s] = off
	return off
}

// needsSpecialFlag reports the characters ECMA-335 II.24.2.4 requires the
// trailing flag byte to be set for.
func needsSpecialFlag(c uint16) bool {
	if c >= 0x7F || c <= 0x08 {
		return true
	}
	if c >= 0x0E && c <= 0x1F {
		return true
	}
	return c == 0x27 || c == 0x2D
}

func (h *UserStringHeap) Len() int      { return len(h.data) }
func (h *UserStringHeap) Bytes() []byte { return h.data }

// GUIDHeap is the #GUID heap; entries are addressed by 1-based index.
type GUIDHeap struct {
	data []byte
}

func (h *GUIDHeap) Get(i uint32) ([16]byte, error) {
	var g [16]byte
	if i == 0 {
		return g, nil
	}
	off := int(i-1) * 16
	if off+16 > len(h.data) {
		return g, errors.WrapMalformedMetadata(fmt.Sprintf("GUID index %d out of range", i))
	}
	copy(g[:], h.data[off:])
	return g, nil
}

// Add appends g and returns its 1-based index.
func (h *GUIDHeap) Add(g [16]byte) uint32 {
	h.data = append(h.data, g[:]...)
	return uint32(len(h.data) / 16)
}

func (h *GUIDHeap) Len() int      { return len(h.data) }
func (h *GUIDHeap) Bytes() []byte { return h.data }
