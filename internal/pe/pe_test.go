// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package pe_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/pe"
	"github.com/dotandev/cilpatch/internal/testmodule"
)

func image(t *testing.T, configure func(*testmodule.Builder)) []byte {
	t.Helper()
	b := testmodule.New("Sample")
	if configure != nil {
		configure(b)
	}
	return b.Bytes()
}

func TestOpenRejectsNonPE(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"text", []byte("hello world, this is not a portable executable at all........")},
		{"mz only", append([]byte("MZ"), make([]byte, 0x40)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pe.Open(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidImage))
		})
	}
}

func TestOpenManagedImage(t *testing.T) {
	for _, pe64 := range []bool{false, true} {
		data := image(t, func(b *testmodule.Builder) { b.PE64 = pe64 })
		f, err := pe.Open(data)
		require.NoError(t, err)
		assert.Equal(t, pe64, f.Is64())

		require.Len(t, f.Sections(), 1)
		assert.Equal(t, ".text", f.Sections()[0].Name)

		hdr, err := f.CLIHeader()
		require.NoError(t, err)
		assert.Equal(t, uint16(2), hdr.MajorRuntimeVersion)
		assert.NotZero(t, hdr.MetaData.VirtualAddress)

		md, err := f.Metadata()
		require.NoError(t, err)
		assert.Equal(t, []byte("BSJB"), md[:4])
		assert.False(t, f.Modified())
		assert.Equal(t, data, f.Bytes())
	}
}

func TestRVAToOffset(t *testing.T) {
	f, err := pe.Open(image(t, nil))
	require.NoError(t, err)

	off, err := f.RVAToOffset(0x2010)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x210), off)

	off, err = f.RVAToOffset(0x40)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40), off)

	_, err = f.RVAToOffset(0x90000)
	assert.True(t, errors.Is(err, errors.ErrInvalidImage))
}

func TestFileVersion(t *testing.T) {
	tests := []struct {
		name    string
		str     string
		fixed   [4]uint16
		want    string
		wantErr error
	}{
		{"string table", "6.2.1", [4]uint16{6, 2, 1, 0}, "6.2.1", nil},
		{"fixed quad fallback", "", [4]uint16{5, 11, 0, 9}, "5.11.0.9", nil},
		{"no resource", "-", [4]uint16{}, "", errors.ErrNoVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := image(t, func(b *testmodule.Builder) {
				if tt.str != "-" {
					b.Version(tt.str, tt.fixed)
				}
			})
			f, err := pe.Open(data)
			require.NoError(t, err)

			got, err := f.FileVersion()
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppendSection(t *testing.T) {
	data := image(t, nil)
	f, err := pe.Open(data)
	require.NoError(t, err)

	rva := f.NextSectionRVA()
	assert.Equal(t, uint32(0x4000), rva)

	payload := bytes.Repeat([]byte{0xAB}, 300)
	sec, err := f.AppendSection(".cilp", payload, pe.ScnCntInitializedData|pe.ScnMemRead)
	require.NoError(t, err)
	assert.Equal(t, rva, sec.VirtualAddress)
	assert.True(t, f.Modified())

	got, err := f.ReadRVA(rva, 300)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	out := f.Bytes()
	reopened, err := pe.Open(out)
	require.NoError(t, err)
	require.Len(t, reopened.Sections(), 2)
	assert.Equal(t, ".cilp", reopened.Sections()[1].Name)

	// Original bytes of the first section are untouched.
	assert.Equal(t, data[0x200:0x400], out[0x200:0x400])
}

func TestAppendSectionGrowsHeaderArea(t *testing.T) {
	for _, pe64 := range []bool{false, true} {
		t.Run(map[bool]string{false: "pe32", true: "pe32+"}[pe64], func(t *testing.T) {
			data := image(t, func(b *testmodule.Builder) {
				b.PE64 = pe64
				b.CompilerLayout = true
				b.Version("6.2.1", [4]uint16{6, 2, 1, 0})
			})
			f, err := pe.Open(data)
			require.NoError(t, err)
			before := f.Sections()
			require.Len(t, before, 3)
			// .text, .rsrc and .reloc fill the table up to SizeOfHeaders.
			assert.Equal(t, uint32(0x200), binary.LittleEndian.Uint32(data[0x80+4+20+60:]))

			sec, err := f.AppendSection(".cilp", []byte("payload"), pe.ScnCntInitializedData|pe.ScnMemRead)
			require.NoError(t, err)
			out := f.Bytes()

			reopened, err := pe.Open(out)
			require.NoError(t, err)
			after := reopened.Sections()
			require.Len(t, after, 4)
			assert.Equal(t, sec.VirtualAddress, after[3].VirtualAddress)

			assert.Equal(t, uint32(0x400), binary.LittleEndian.Uint32(out[0x80+4+20+60:]))
			const shift = 0x200
			for i := range before {
				assert.Equal(t, before[i].VirtualAddress, after[i].VirtualAddress)
				assert.Equal(t, before[i].PointerToRawData+shift, after[i].PointerToRawData)
				if i == 0 {
					// .text holds the debug entry whose file pointer moved.
					continue
				}
				assert.Equal(t,
					data[before[i].PointerToRawData:before[i].PointerToRawData+before[i].SizeOfRawData],
					out[after[i].PointerToRawData:after[i].PointerToRawData+after[i].SizeOfRawData])
			}

			dbg := reopened.DataDirectory(pe.DirDebug)
			entry, err := reopened.ReadRVA(dbg.VirtualAddress, 28)
			require.NoError(t, err)
			ptr := binary.LittleEndian.Uint32(entry[24:])
			assert.Equal(t, []byte("RSDS"), out[ptr:ptr+4])

			got, err := reopened.FileVersion()
			require.NoError(t, err)
			assert.Equal(t, "6.2.1", got)

			md, err := reopened.Metadata()
			require.NoError(t, err)
			assert.Equal(t, []byte("BSJB"), md[:4])
		})
	}
}

func TestAppendSectionRunsOutOfHeaderSpace(t *testing.T) {
	f, err := pe.Open(image(t, nil))
	require.NoError(t, err)

	appended := 0
	for ; appended < 1000; appended++ {
		if _, err = f.AppendSection(".x", []byte{byte(appended)}, pe.ScnMemRead); err != nil {
			break
		}
	}
	assert.True(t, errors.Is(err, errors.ErrNoHeaderSpace))
	// Headers may grow up to the first section's RVA, never past it.
	assert.Greater(t, appended, 3)
	assert.Less(t, appended, 1000)

	out := f.Bytes()
	assert.LessOrEqual(t, binary.LittleEndian.Uint32(out[0x80+4+20+60:]), uint32(0x2000))
	reopened, err := pe.Open(out)
	require.NoError(t, err)
	assert.Len(t, reopened.Sections(), 1+appended)
}

func TestAppendSectionRejectsOccupiedSlot(t *testing.T) {
	data := image(t, nil)
	// Stray bytes right after the only section header.
	data[0x80+4+20+224+40] = 0xCC
	f, err := pe.Open(data)
	require.NoError(t, err)

	_, err = f.AppendSection(".cilp", []byte{1}, pe.ScnMemRead)
	assert.True(t, errors.Is(err, errors.ErrNoHeaderSpace))
	assert.False(t, f.Modified())
}

func TestChecksumRecomputed(t *testing.T) {
	data := image(t, func(b *testmodule.Builder) { b.Checksum = true })
	f, err := pe.Open(data)
	require.NoError(t, err)

	_, err = f.AppendSection(".cilp", []byte("payload"), pe.ScnMemRead)
	require.NoError(t, err)
	out := f.Bytes()

	csumOff := 0x80 + 4 + 20 + 64
	assert.Equal(t, pe.Checksum(out, csumOff), binary.LittleEndian.Uint32(out[csumOff:]))
	assert.NotEqual(t, binary.LittleEndian.Uint32(data[csumOff:]), binary.LittleEndian.Uint32(out[csumOff:]))
}

func TestCertificateDropped(t *testing.T) {
	data := image(t, func(b *testmodule.Builder) { b.Certificate = true })
	f, err := pe.Open(data)
	require.NoError(t, err)
	require.NotZero(t, f.DataDirectory(pe.DirSecurity).Size)

	_, err = f.AppendSection(".cilp", []byte("payload"), pe.ScnMemRead)
	require.NoError(t, err)
	assert.Zero(t, f.DataDirectory(pe.DirSecurity).Size)

	reopened, err := pe.Open(f.Bytes())
	require.NoError(t, err)
	assert.Zero(t, reopened.DataDirectory(pe.DirSecurity).VirtualAddress)
}

func TestSetCLIMetadata(t *testing.T) {
	f, err := pe.Open(image(t, nil))
	require.NoError(t, err)
	md, err := f.Metadata()
	require.NoError(t, err)

	sec, err := f.AppendSection(".cilp", md, pe.ScnCntInitializedData|pe.ScnMemRead)
	require.NoError(t, err)
	require.NoError(t, f.SetCLIMetadata(pe.DataDirectory{VirtualAddress: sec.VirtualAddress, Size: uint32(len(md))}))

	hdr, err := f.CLIHeader()
	require.NoError(t, err)
	assert.Equal(t, sec.VirtualAddress, hdr.MetaData.VirtualAddress)

	moved, err := f.Metadata()
	require.NoError(t, err)
	assert.Equal(t, md, moved)
}

func TestNotManaged(t *testing.T) {
	data := image(t, nil)
	dirs := 0x80 + 4 + 20 + 96
	binary.LittleEndian.PutUint32(data[dirs+pe.DirCLIHeader*8:], 0)

	f, err := pe.Open(data)
	require.NoError(t, err)
	_, err = f.CLIHeader()
	assert.True(t, errors.Is(err, errors.ErrNotManaged))
}
