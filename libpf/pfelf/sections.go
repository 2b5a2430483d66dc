// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/vectorhook/hookcore/libpf/pfelf"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/vectorhook/hookcore/internal/log"
)

// elfSymbol is a decoded symbol table entry.
type elfSymbol struct {
	name  uint32
	info  uint8
	value uint64
	size  uint64
}

// symbolTable is a bounds-checked view of a symbol table and its strings.
type symbolTable struct {
	class elf.Class
	syms  []byte
	strs  []byte
}

func (t *symbolTable) valid() bool {
	return len(t.syms) > 0 && len(t.strs) > 0
}

func (t *symbolTable) entSize() uint64 {
	if t.class == elf.ELFCLASS32 {
		return 16
	}
	return 24
}

func (t *symbolTable) count() uint64 {
	return uint64(len(t.syms)) / t.entSize()
}

// symbol decodes entry idx. ELF32 and ELF64 order the fields differently.
func (t *symbolTable) symbol(idx uint64) (elfSymbol, bool) {
	if idx >= t.count() {
		return elfSymbol{}, false
	}
	le := binary.LittleEndian
	ent := t.syms[idx*t.entSize():]
	if t.class == elf.ELFCLASS32 {
		return elfSymbol{
			name:  le.Uint32(ent[0:]),
			value: uint64(le.Uint32(ent[4:])),
			size:  uint64(le.Uint32(ent[8:])),
			info:  ent[12],
		}, true
	}
	return elfSymbol{
		name:  le.Uint32(ent[0:]),
		info:  ent[4],
		value: le.Uint64(ent[8:]),
		size:  le.Uint64(ent[16:]),
	}, true
}

// name returns the NUL terminated string at off without copying it.
func (t *symbolTable) name(off uint32) ([]byte, bool) {
	if uint64(off) >= uint64(len(t.strs)) {
		return nil, false
	}
	s := t.strs[off:]
	end := bytes.IndexByte(s, 0)
	if end < 0 {
		return nil, false
	}
	return s[:end], true
}

func (t *symbolTable) nameIs(off uint32, want string) bool {
	n, ok := t.name(off)
	return ok && string(n) == want
}

// sections holds the views OpenImage extracts from the section headers.
type sections struct {
	class    elf.Class
	dynsym   symbolTable
	symtab   symbolTable
	sysvHash []byte
	gnuHash  []byte
	bias     uint64
	biasSet  bool

	debugData []byte
	buildID   []byte
}

// sectionBytes returns the file contents of s, inflating SHF_COMPRESSED data.
func sectionBytes(data []byte, class elf.Class, s *elf.Section, limit uint64) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	size := uint64(len(data))
	if s.Offset > size || s.FileSize > size-s.Offset {
		return nil, fmt.Errorf("section %s at 0x%x+0x%x exceeds file size 0x%x",
			s.Name, s.Offset, s.FileSize, size)
	}
	raw := data[s.Offset : s.Offset+s.FileSize : s.Offset+s.FileSize]
	if s.Flags&elf.SHF_COMPRESSED != 0 {
		return decompressSection(raw, class, limit)
	}
	return raw, nil
}

// loadSymbolTable returns the table of s together with its linked strings.
func loadSymbolTable(ef *elf.File, data []byte, s *elf.Section,
	limit uint64) (symbolTable, error) {
	if s.Link == 0 || int(s.Link) >= len(ef.Sections) {
		return symbolTable{}, fmt.Errorf("%s: string table link %d out of range",
			s.Name, s.Link)
	}
	strSec := ef.Sections[s.Link]
	if strSec.Type != elf.SHT_STRTAB {
		return symbolTable{}, fmt.Errorf("%s: linked section %s is %v",
			s.Name, strSec.Name, strSec.Type)
	}
	syms, err := sectionBytes(data, ef.Class, s, limit)
	if err != nil {
		return symbolTable{}, err
	}
	strs, err := sectionBytes(data, ef.Class, strSec, limit)
	if err != nil {
		return symbolTable{}, err
	}
	return symbolTable{class: ef.Class, syms: syms, strs: strs}, nil
}

// parseSections reads the ELF header and section headers of data. Only a
// malformed header is an error, damaged optional tables are skipped.
func parseSections(data []byte, limit uint64) (*sections, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	if ef.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, ef.Data)
	}
	if ef.Class != elf.ELFCLASS32 && ef.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, ef.Class)
	}

	secs := &sections{class: ef.Class}
	var haveDynsym, haveSymtab bool
	for _, s := range ef.Sections {
		switch s.Type {
		case elf.SHT_DYNSYM:
			if haveDynsym {
				continue
			}
			haveDynsym = true
			if secs.dynsym, err = loadSymbolTable(ef, data, s, limit); err != nil {
				log.Debugf("Ignoring %s: %v", s.Name, err)
			}
		case elf.SHT_SYMTAB:
			if haveSymtab || s.Name != ".symtab" {
				continue
			}
			haveSymtab = true
			if secs.symtab, err = loadSymbolTable(ef, data, s, limit); err != nil {
				log.Debugf("Ignoring %s: %v", s.Name, err)
			}
		case elf.SHT_HASH:
			if secs.sysvHash == nil {
				secs.sysvHash = optionalSection(data, ef.Class, s, limit)
			}
		case elf.SHT_GNU_HASH:
			if secs.gnuHash == nil {
				secs.gnuHash = optionalSection(data, ef.Class, s, limit)
			}
		case elf.SHT_PROGBITS:
			if !secs.biasSet && s.Flags&elf.SHF_ALLOC != 0 && s.Addr > 0 {
				secs.bias = s.Addr - s.Offset
				secs.biasSet = true
			}
			if s.Name == ".gnu_debugdata" && secs.debugData == nil {
				secs.debugData = optionalSection(data, ef.Class, s, limit)
			}
		case elf.SHT_NOTE:
			if s.Name == ".note.gnu.build-id" && secs.buildID == nil {
				secs.buildID = optionalSection(data, ef.Class, s, limit)
			}
		}
	}
	return secs, nil
}

func optionalSection(data []byte, class elf.Class, s *elf.Section, limit uint64) []byte {
	b, err := sectionBytes(data, class, s, limit)
	if err != nil {
		log.Debugf("Ignoring %s: %v", s.Name, err)
		return nil
	}
	return b
}
