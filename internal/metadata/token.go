// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"fmt"

	"github.com/dotandev/cilpatch/internal/errors"
)

// Token is a metadata token: table id in the top byte, 1-based row id (or
// heap offset for user strings) in the low 24 bits.
type Token uint32

// NewToken builds a token from a table and row id.
func NewToken(t TableID, rid uint32) Token {
	return Token(uint32(t)<<24 | rid&0x00FFFFFF)
}

func (t Token) Table() TableID { return TableID(t >> 24) }
func (t Token) RID() uint32    { return uint32(t) & 0x00FFFFFF }
func (t Token) IsNil() bool    { return t.RID() == 0 }

func (t Token) String() string {
	return fmt.Sprintf("%s(0x%08X)", t.Table(), uint32(t))
}

// DecodeCoded turns a coded index column value into a token.
func DecodeCoded(ci CodedIndex, v uint32) (Token, error) {
	def := codedIndexes[ci]
	tag := v & (1<<def.bits - 1)
	if int(tag) >= len(def.tables) || def.tables[tag] == noTable {
		return 0, errors.WrapMalformedMetadata(fmt.Sprintf("invalid coded index tag %d", tag))
	}
	return NewToken(def.tables[tag], v>>def.bits), nil
}

// EncodeCoded turns a token into a coded index column value.
func EncodeCoded(ci CodedIndex, tok Token) (uint32, error) {
	def := codedIndexes[ci]
	if tok == 0 {
		return 0, nil
	}
	for tag, t := range def.tables {
		if t == tok.Table() {
			return tok.RID()<<def.bits | uint32(tag), nil
		}
	}
	return 0, errors.WrapMalformedMetadata(fmt.Sprintf("%s cannot be encoded as coded index %d", tok.Table(), ci))
}
