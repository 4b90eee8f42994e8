// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package module

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/logger"
	"github.com/dotandev/cilpatch/internal/metadata"
	"github.com/dotandev/cilpatch/internal/pe"
)

// PatchSection names the section that receives rewritten bodies and the
// re-serialized metadata.
const PatchSection = ".cilp"

// encoder hands out tokens for operands while bodies are encoded.
type encoder struct{ m *Module }

type tokened interface {
	Token() metadata.Token
	Module() *Module
}

func (e encoder) TokenOf(v any) (metadata.Token, error) {
	o, ok := v.(tokened)
	if !ok {
		return 0, fmt.Errorf("operand %T has no metadata token", v)
	}
	if o.Module() != e.m {
		return 0, fmt.Errorf("operand %v belongs to %s and must be imported first", v, o.Module().Name)
	}
	return o.Token(), nil
}

func (e encoder) StringToken(s string) (metadata.Token, error) {
	if tok, ok := e.m.userStrings[s]; ok {
		return tok, nil
	}
	tok := e.m.md.AddUserString(s)
	e.m.userStrings[s] = tok
	return tok, nil
}

// syncStructure writes base type and interface edits back to their rows.
func (m *Module) syncStructure() error {
	for _, td := range m.types {
		var ext uint32
		if td.baseType != nil {
			v, err := metadata.EncodeCoded(metadata.TypeDefOrRef, td.baseType.Token())
			if err != nil {
				return err
			}
			ext = v
		}
		if err := m.md.SetColumn(td.token, metadata.TypeDefExtends, ext); err != nil {
			return err
		}
		for i, rid := range td.ifaceRows {
			v, err := metadata.EncodeCoded(metadata.TypeDefOrRef, td.interfaces[i].Token())
			if err != nil {
				return err
			}
			tok := metadata.NewToken(metadata.TableInterfaceImpl, rid)
			if err := m.md.SetColumn(tok, metadata.InterfaceImplInterface, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Module) modifiedMethods() []*MethodDef {
	var out []*MethodDef
	for _, md := range m.methods {
		if md != nil && md.bodyLoaded && md.body != nil && md.body.Modified() {
			out = append(out, md)
		}
	}
	return out
}

// Modified reports whether writing the module would change any byte.
func (m *Module) Modified() bool {
	if err := m.syncStructure(); err != nil {
		return true
	}
	return m.md.Modified() || len(m.modifiedMethods()) > 0
}

// Bytes returns the image with every change applied. An unchanged module
// yields its original bytes. Otherwise rewritten bodies and the metadata
// are placed in a new section; all other bytes keep their positions.
func (m *Module) Bytes() ([]byte, error) {
	if err := m.syncStructure(); err != nil {
		return nil, err
	}
	dirty := m.modifiedMethods()
	if len(dirty) == 0 && !m.md.Modified() {
		return append([]byte(nil), m.raw...), nil
	}

	f, err := pe.Open(m.raw)
	if err != nil {
		return nil, err
	}
	base := f.NextSectionRVA()

	var sect []byte
	for _, md := range dirty {
		enc, err := cil.Encode(md.body, encoder{m})
		if err != nil {
			return nil, errors.WrapMalformedBody(md.FullName(), err)
		}
		sect = pad4(sect)
		if err := m.md.SetColumn(md.token, metadata.MethodDefRVA, base+uint32(len(sect))); err != nil {
			return nil, err
		}
		sect = append(sect, enc...)
	}

	sect = pad4(sect)
	mdOff := uint32(len(sect))
	mdBytes := m.md.Bytes()
	sect = append(sect, mdBytes...)

	sec, err := f.AppendSection(PatchSection, sect, pe.ScnCntInitializedData|pe.ScnMemRead)
	if err != nil {
		return nil, err
	}
	if sec.VirtualAddress != base {
		return nil, fmt.Errorf("section placed at 0x%X, expected 0x%X", sec.VirtualAddress, base)
	}
	if err := f.SetCLIMetadata(pe.DataDirectory{VirtualAddress: base + mdOff, Size: uint32(len(mdBytes))}); err != nil {
		return nil, err
	}

	logger.Logger.Debug("Module serialized",
		"name", m.Name,
		"rewritten_bodies", len(dirty),
		"section_rva", fmt.Sprintf("0x%X", base),
		"metadata_size", len(mdBytes),
	)
	return f.Bytes(), nil
}

// Write saves the module to path, or over its source when path is empty.
// The image is built in memory and renamed into place, so a failure never
// leaves a partial file.
func (m *Module) Write(path string) error {
	if path == "" {
		path = m.Path
	}
	if m.readOnly {
		return errors.WrapWriteFailed(path, fmt.Errorf("module %s is read-only", m.Name))
	}
	data, err := m.Bytes()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return errors.WrapWriteFailed(path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
