// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package certsync

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

// rdnSET decodes as an ASN.1 SET OF.
type rdnSET []attribute

// SubjectHash is OpenSSL's X509_NAME_hash of the certificate subject: the
// first four bytes, little endian, of the SHA-1 of the canonical name
// encoding. It names files in hashed certificate directories.
func SubjectHash(cert *x509.Certificate) (uint32, error) {
	canon, err := canonicalName(cert.RawSubject)
	if err != nil {
		return 0, err
	}
	sum := sha1.Sum(canon)
	return binary.LittleEndian.Uint32(sum[:4]), nil
}

// canonicalName re-encodes a Name as the concatenation of its RDN sets, with
// string values folded to lower-case UTF8String with collapsed whitespace.
func canonicalName(raw []byte) ([]byte, error) {
	var rdns []rdnSET
	rest, err := asn1.Unmarshal(raw, &rdns)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("subject: trailing data")
	}

	var out []byte
	for _, rdn := range rdns {
		var set []byte
		for _, attr := range rdn {
			if v, ok := canonicalValue(attr.Value); ok {
				attr.Value = asn1.RawValue{Tag: asn1.TagUTF8String, Bytes: v}
			}
			enc, err := asn1.Marshal(attr)
			if err != nil {
				return nil, err
			}
			set = append(set, enc...)
		}
		enc, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: set})
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

// canonicalValue converts a directory string to its canonical UTF-8 form.
// Values of other types are kept as encoded.
func canonicalValue(v asn1.RawValue) ([]byte, bool) {
	if v.Class != asn1.ClassUniversal {
		return nil, false
	}
	var s []byte
	switch v.Tag {
	case asn1.TagUTF8String, asn1.TagPrintableString, asn1.TagIA5String, 26: // VisibleString
		s = v.Bytes
	case asn1.TagT61String:
		for _, b := range v.Bytes {
			s = utf8.AppendRune(s, rune(b))
		}
	case asn1.TagBMPString:
		u := make([]uint16, len(v.Bytes)/2)
		for i := range u {
			u[i] = binary.BigEndian.Uint16(v.Bytes[2*i:])
		}
		for _, r := range utf16.Decode(u) {
			s = utf8.AppendRune(s, r)
		}
	case 28: // UniversalString
		for i := 0; i+4 <= len(v.Bytes); i += 4 {
			s = utf8.AppendRune(s, rune(binary.BigEndian.Uint32(v.Bytes[i:])))
		}
	default:
		return nil, false
	}
	return foldSpace(s), true
}

// foldSpace trims ASCII whitespace, collapses inner runs to one space and
// lower-cases ASCII letters. Bytes outside ASCII are copied unchanged.
func foldSpace(s []byte) []byte {
	for len(s) > 0 && isSpace(s[0]) {
		s = s[1:]
	}
	for len(s) > 0 && isSpace(s[len(s)-1]) {
		s = s[:len(s)-1]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case isSpace(c):
			out = append(out, ' ')
			for i < len(s) && isSpace(s[i]) {
				i++
			}
			continue
		case 'A' <= c && c <= 'Z':
			c += 'a' - 'A'
		}
		out = append(out, c)
		i++
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f' || c == '\r'
}
