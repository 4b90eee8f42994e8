// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/dotandev/cilpatch/internal/errors"
)

// Row holds the raw column values of one table row. Heap offsets, indexes
// and coded indexes are stored undecoded.
type Row []uint32

// Table is one metadata table.
type Table struct {
	ID   TableID
	Rows []Row
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Get returns row rid (1-based).
func (t *Table) Get(rid uint32) (Row, error) {
	if rid == 0 || int(rid) > len(t.Rows) {
		return nil, errors.WrapMalformedMetadata(fmt.Sprintf("%s row %d out of range (%d rows)", t.ID, rid, len(t.Rows)))
	}
	return t.Rows[rid-1], nil
}

// Append adds a row and returns its rid. It does not check whether the
// table is sorted; builders emitting a fresh module use it directly.
func (t *Table) Append(r Row) uint32 {
	if len(r) != len(schema[t.ID]) {
		panic(fmt.Sprintf("metadata: %s row has %d columns, want %d", t.ID, len(r), len(schema[t.ID])))
	}
	t.Rows = append(t.Rows, r)
	return uint32(len(t.Rows))
}

// Columns returns the number of columns of table id.
func Columns(id TableID) int { return len(schema[id]) }

type heapSizes struct {
	wideStrings, wideGUID, wideBlob bool
}

const (
	heapWideStrings = 0x01
	heapWideGUID    = 0x02
	heapWideBlob    = 0x04
	heapExtraData   = 0x40
)

// layout caches column widths for one serialization of the tables stream.
type layout struct {
	heaps heapSizes
	rows  [numTables]int
}

func (l *layout) width(c column) int {
	switch c.kind {
	case colU16:
		return 2
	case colU32:
		return 4
	case colString:
		return wideIf(l.heaps.wideStrings)
	case colGUID:
		return wideIf(l.heaps.wideGUID)
	case colBlob:
		return wideIf(l.heaps.wideBlob)
	case colTable:
		return wideIf(l.rows[c.table] > 0xFFFF)
	case colCoded:
		def := codedIndexes[c.coded]
		max := 0
		for _, t := range def.tables {
			if t != noTable && l.rows[t] > max {
				max = l.rows[t]
			}
		}
		return wideIf(max >= 1<<(16-def.bits))
	}
	return 0
}

func wideIf(b bool) int {
	if b {
		return 4
	}
	return 2
}

// tablesStream is the decoded #~ stream.
type tablesStream struct {
	majorVersion uint8
	minorVersion uint8
	heapFlags    uint8
	reserved2    uint8
	sorted       uint64
	extraData    uint32
	tables       [numTables]*Table
}

func parseTables(b []byte) (*tablesStream, error) {
	le := binary.LittleEndian
	if len(b) < 24 {
		return nil, errors.WrapMalformedMetadata("truncated #~ stream header")
	}
	ts := &tablesStream{
		majorVersion: b[4],
		minorVersion: b[5],
		heapFlags:    b[6],
		reserved2:    b[7],
		sorted:       le.Uint64(b[16:]),
	}
	valid := le.Uint64(b[8:])
	if valid>>numTables != 0 {
		return nil, errors.WrapUnsupported(fmt.Sprintf("tables stream has unknown tables (valid mask 0x%016X)", valid))
	}

	pos := 24
	var l layout
	l.heaps = heapSizes{
		wideStrings: ts.heapFlags&heapWideStrings != 0,
		wideGUID:    ts.heapFlags&heapWideGUID != 0,
		wideBlob:    ts.heapFlags&heapWideBlob != 0,
	}
	for i := 0; i < numTables; i++ {
		ts.tables[i] = &Table{ID: TableID(i)}
		if valid&(1<<uint(i)) == 0 {
			continue
		}
		if pos+4 > len(b) {
			return nil, errors.WrapMalformedMetadata("truncated table row counts")
		}
		l.rows[i] = int(le.Uint32(b[pos:]))
		pos += 4
	}
	if ts.heapFlags&heapExtraData != 0 {
		if pos+4 > len(b) {
			return nil, errors.WrapMalformedMetadata("truncated extra data")
		}
		ts.extraData = le.Uint32(b[pos:])
		pos += 4
	}

	for i := 0; i < numTables; i++ {
		n := l.rows[i]
		if n == 0 {
			continue
		}
		cols := schema[i]
		t := ts.tables[i]
		t.Rows = make([]Row, n)
		for r := 0; r < n; r++ {
			row := make(Row, len(cols))
			for c, col := range cols {
				w := l.width(col)
				if pos+w > len(b) {
					return nil, errors.WrapMalformedMetadata(fmt.Sprintf("%s table truncated at row %d", TableID(i), r+1))
				}
				if w == 2 {
					row[c] = uint32(le.Uint16(b[pos:]))
				} else {
					row[c] = le.Uint32(b[pos:])
				}
				pos += w
			}
			t.Rows[r] = row
		}
	}
	return ts, nil
}

func (ts *tablesStream) serialize(heaps heapSizes) []byte {
	le := binary.LittleEndian
	var l layout
	l.heaps = heaps
	var valid uint64
	for i, t := range ts.tables {
		l.rows[i] = len(t.Rows)
		if len(t.Rows) > 0 {
			valid |= 1 << uint(i)
		}
	}

	flags := ts.heapFlags &^ (heapWideStrings | heapWideGUID | heapWideBlob)
	if heaps.wideStrings {
		flags |= heapWideStrings
	}
	if heaps.wideGUID {
		flags |= heapWideGUID
	}
	if heaps.wideBlob {
		flags |= heapWideBlob
	}

	out := make([]byte, 24)
	out[4] = ts.majorVersion
	out[5] = ts.minorVersion
	out[6] = flags
	out[7] = ts.reserved2
	le.PutUint64(out[8:], valid)
	le.PutUint64(out[16:], ts.sorted)
	for _, t := range ts.tables {
		if len(t.Rows) > 0 {
			out = le.AppendUint32(out, uint32(len(t.Rows)))
		}
	}
	if flags&heapExtraData != 0 {
		out = le.AppendUint32(out, ts.extraData)
	}

	for i, t := range ts.tables {
		cols := schema[i]
		for _, row := range t.Rows {
			for c, col := range cols {
				if l.width(col) == 2 {
					out = le.AppendUint16(out, uint16(row[c]))
				} else {
					out = le.AppendUint32(out, row[c])
				}
			}
		}
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}
