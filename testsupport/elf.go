// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/vectorhook/hookcore/testsupport"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ELFSymbol describes one symbol table entry of a synthetic shared object.
type ELFSymbol struct {
	Name  string
	Value uint64
	Size  uint64
	Type  elf.SymType
	Bind  elf.SymBind
}

// Func returns a global function symbol.
func Func(name string, value, size uint64) ELFSymbol {
	return ELFSymbol{Name: name, Value: value, Size: size, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL}
}

// Object returns a global data symbol.
func Object(name string, value, size uint64) ELFSymbol {
	return ELFSymbol{Name: name, Value: value, Size: size, Type: elf.STT_OBJECT, Bind: elf.STB_GLOBAL}
}

// SharedObject describes the contents of a synthetic shared object.
type SharedObject struct {
	// Class selects ELFCLASS32 or ELFCLASS64 (the default).
	Class elf.Class
	// Bias is added to the file offset of allocated sections to form
	// their virtual address.
	Bias uint64
	// Dynamic symbols are emitted in .dynsym, after the null symbol.
	Dynamic []ELFSymbol
	// GNUHash and SysvHash emit .gnu.hash and .hash over Dynamic.
	GNUHash  bool
	SysvHash bool
	// Symtab symbols are emitted in .symtab.
	Symtab []ELFSymbol
	// SymtabCompression compresses .symtab and .strtab with SHF_COMPRESSED.
	SymtabCompression elf.CompressionType
	// DebugData symbols are emitted in the .symtab of an xz compressed
	// inner object stored in .gnu_debugdata.
	DebugData []ELFSymbol
	// RawDebugData replaces the .gnu_debugdata payload verbatim.
	RawDebugData []byte
	// BuildID is emitted as a GNU build ID note.
	BuildID []byte
}

type section struct {
	name      string
	typ       elf.SectionType
	flags     elf.SectionFlag
	data      []byte
	link      uint32
	info      uint32
	entsize   uint64
	addralign uint64
	offset    uint64
}

type builder struct {
	class  elf.Class
	bias   uint64
	secs   []*section
	shstrs stringTable
}

type stringTable struct {
	buf   bytes.Buffer
	index map[string]uint32
}

func (st *stringTable) add(s string) uint32 {
	if st.index == nil {
		st.index = map[string]uint32{}
		st.buf.WriteByte(0)
	}
	if s == "" {
		return 0
	}
	if off, ok := st.index[s]; ok {
		return off
	}
	off := uint32(st.buf.Len())
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	st.index[s] = off
	return off
}

func (st *stringTable) bytes() []byte {
	st.add("")
	return st.buf.Bytes()
}

func (b *builder) is64() bool {
	return b.class != elf.ELFCLASS32
}

// addSection appends a section and returns its section header index.
func (b *builder) addSection(s *section) uint32 {
	b.secs = append(b.secs, s)
	return uint32(len(b.secs))
}

func (b *builder) symEntSize() uint64 {
	if b.is64() {
		return 24
	}
	return 16
}

func (b *builder) encodeSymbols(syms []ELFSymbol, strs *stringTable, textIdx uint16) []byte {
	var out bytes.Buffer
	le := binary.LittleEndian
	write := func(name uint32, info uint8, shndx uint16, value, size uint64) {
		if b.is64() {
			out.Write(le.AppendUint32(nil, name))
			out.WriteByte(info)
			out.WriteByte(0)
			out.Write(le.AppendUint16(nil, shndx))
			out.Write(le.AppendUint64(nil, value))
			out.Write(le.AppendUint64(nil, size))
			return
		}
		out.Write(le.AppendUint32(nil, name))
		out.Write(le.AppendUint32(nil, uint32(value)))
		out.Write(le.AppendUint32(nil, uint32(size)))
		out.WriteByte(info)
		out.WriteByte(0)
		out.Write(le.AppendUint16(nil, shndx))
	}

	write(0, 0, 0, 0, 0)
	for _, s := range syms {
		shndx := uint16(elf.SHN_UNDEF)
		if s.Value != 0 {
			shndx = textIdx
		}
		write(strs.add(s.Name), elf.ST_INFO(s.Bind, s.Type), shndx, s.Value, s.Size)
	}
	return out.Bytes()
}

// GNUHash computes the DT_GNU_HASH hash of a symbol name.
func GNUHash(name string) uint32 {
	h := uint32(5381)
	for _, c := range []byte(name) {
		h = h*33 + uint32(c)
	}
	return h
}

// SysvHash computes the DT_HASH hash of a symbol name.
func SysvHash(name string) uint32 {
	h := uint32(0)
	for _, c := range []byte(name) {
		h = h<<4 + uint32(c)
		g := h & 0xf0000000
		h ^= g >> 24
		h &^= g
	}
	return h
}

const (
	gnuBuckets    = 3
	gnuBloomWords = 2
	gnuBloomShift = 6
	sysvBuckets   = 5
)

// gnuHashSection builds .gnu.hash for dynamic symbols 1..n which must
// already be ordered by bucket.
func (b *builder) gnuHashSection(syms []ELFSymbol) []byte {
	le := binary.LittleEndian
	wordBits := uint32(32)
	if b.is64() {
		wordBits = 64
	}
	bloom := make([]uint64, gnuBloomWords)
	buckets := make([]uint32, gnuBuckets)
	chain := make([]uint32, len(syms))
	for i, s := range syms {
		h := GNUHash(s.Name)
		word := (h / wordBits) % gnuBloomWords
		bloom[word] |= uint64(1)<<(h%wordBits) | uint64(1)<<((h>>gnuBloomShift)%wordBits)
		bucket := h % gnuBuckets
		if buckets[bucket] == 0 {
			buckets[bucket] = uint32(i + 1)
		}
		chain[i] = h &^ 1
		if i+1 == len(syms) || GNUHash(syms[i+1].Name)%gnuBuckets != bucket {
			chain[i] |= 1
		}
	}

	out := le.AppendUint32(nil, gnuBuckets)
	out = le.AppendUint32(out, 1)
	out = le.AppendUint32(out, gnuBloomWords)
	out = le.AppendUint32(out, gnuBloomShift)
	for _, w := range bloom {
		if b.is64() {
			out = le.AppendUint64(out, w)
		} else {
			out = le.AppendUint32(out, uint32(w))
		}
	}
	for _, v := range buckets {
		out = le.AppendUint32(out, v)
	}
	for _, v := range chain {
		out = le.AppendUint32(out, v)
	}
	return out
}

func sysvHashSection(syms []ELFSymbol) []byte {
	le := binary.LittleEndian
	nchain := len(syms) + 1
	buckets := make([]uint32, sysvBuckets)
	chain := make([]uint32, nchain)
	for i, s := range syms {
		idx := uint32(i + 1)
		b := SysvHash(s.Name) % sysvBuckets
		chain[idx] = buckets[b]
		buckets[b] = idx
	}
	out := le.AppendUint32(nil, sysvBuckets)
	out = le.AppendUint32(out, uint32(nchain))
	for _, v := range buckets {
		out = le.AppendUint32(out, v)
	}
	for _, v := range chain {
		out = le.AppendUint32(out, v)
	}
	return out
}

func (b *builder) compress(data []byte, typ elf.CompressionType) []byte {
	le := binary.LittleEndian
	var hdr []byte
	if b.is64() {
		hdr = le.AppendUint32(nil, uint32(typ))
		hdr = le.AppendUint32(hdr, 0)
		hdr = le.AppendUint64(hdr, uint64(len(data)))
		hdr = le.AppendUint64(hdr, 1)
	} else {
		hdr = le.AppendUint32(nil, uint32(typ))
		hdr = le.AppendUint32(hdr, uint32(len(data)))
		hdr = le.AppendUint32(hdr, 1)
	}

	var payload bytes.Buffer
	switch typ {
	case elf.COMPRESS_ZLIB:
		w := zlib.NewWriter(&payload)
		_, _ = w.Write(data)
		_ = w.Close()
	case elf.COMPRESS_ZSTD:
		enc, _ := zstd.NewWriter(nil)
		payload.Write(enc.EncodeAll(data, nil))
		_ = enc.Close()
	default:
		panic("unsupported compression type")
	}
	return append(hdr, payload.Bytes()...)
}

func (b *builder) build() []byte {
	le := binary.LittleEndian
	ehsize, shentsize := uint64(52), uint64(40)
	if b.is64() {
		ehsize, shentsize = 64, 64
	}
	shstrndx := b.addSection(&section{name: ".shstrtab", typ: elf.SHT_STRTAB, addralign: 1})
	for _, s := range b.secs {
		b.shstrs.add(s.name)
	}
	b.secs[shstrndx-1].data = b.shstrs.bytes()

	offset := ehsize
	for _, s := range b.secs {
		offset = (offset + 7) &^ 7
		s.offset = offset
		offset += uint64(len(s.data))
	}
	shoff := (offset + 7) &^ 7
	shnum := uint16(len(b.secs) + 1)

	out := make([]byte, shoff+uint64(shnum)*shentsize)
	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(b.class)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr := out[elf.EI_NIDENT:elf.EI_NIDENT]
	hdr = le.AppendUint16(hdr, uint16(elf.ET_DYN))
	hdr = le.AppendUint16(hdr, uint16(elf.EM_AARCH64))
	hdr = le.AppendUint32(hdr, uint32(elf.EV_CURRENT))
	if b.is64() {
		hdr = le.AppendUint64(hdr, 0) // entry
		hdr = le.AppendUint64(hdr, 0) // phoff
		hdr = le.AppendUint64(hdr, shoff)
	} else {
		hdr = le.AppendUint32(hdr, 0)
		hdr = le.AppendUint32(hdr, 0)
		hdr = le.AppendUint32(hdr, uint32(shoff))
	}
	hdr = le.AppendUint32(hdr, 0) // flags
	hdr = le.AppendUint16(hdr, uint16(ehsize))
	hdr = le.AppendUint16(hdr, 0) // phentsize
	hdr = le.AppendUint16(hdr, 0) // phnum
	hdr = le.AppendUint16(hdr, uint16(shentsize))
	hdr = le.AppendUint16(hdr, shnum)
	_ = le.AppendUint16(hdr, uint16(shstrndx))

	for i, s := range b.secs {
		copy(out[s.offset:], s.data)

		addr := uint64(0)
		if s.flags&elf.SHF_ALLOC != 0 {
			addr = s.offset + b.bias
		}
		sh := out[shoff+uint64(i+1)*shentsize : shoff+uint64(i+1)*shentsize]
		sh = le.AppendUint32(sh, b.shstrs.add(s.name))
		sh = le.AppendUint32(sh, uint32(s.typ))
		if b.is64() {
			sh = le.AppendUint64(sh, uint64(s.flags))
			sh = le.AppendUint64(sh, addr)
			sh = le.AppendUint64(sh, s.offset)
			sh = le.AppendUint64(sh, uint64(len(s.data)))
			sh = le.AppendUint32(sh, s.link)
			sh = le.AppendUint32(sh, s.info)
			sh = le.AppendUint64(sh, s.addralign)
			_ = le.AppendUint64(sh, s.entsize)
		} else {
			sh = le.AppendUint32(sh, uint32(s.flags))
			sh = le.AppendUint32(sh, uint32(addr))
			sh = le.AppendUint32(sh, uint32(s.offset))
			sh = le.AppendUint32(sh, uint32(len(s.data)))
			sh = le.AppendUint32(sh, s.link)
			sh = le.AppendUint32(sh, s.info)
			sh = le.AppendUint32(sh, uint32(s.addralign))
			_ = le.AppendUint32(sh, uint32(s.entsize))
		}
	}
	return out
}

// addSymtab emits .symtab and .strtab.
func (b *builder) addSymtab(syms []ELFSymbol, textIdx uint16, compression elf.CompressionType) {
	var strs stringTable
	symData := b.encodeSymbols(syms, &strs, textIdx)
	strData := strs.bytes()
	flags := elf.SectionFlag(0)
	if compression != 0 {
		symData = b.compress(symData, compression)
		strData = b.compress(strData, compression)
		flags = elf.SHF_COMPRESSED
	}
	strIdx := uint32(len(b.secs) + 2)
	b.addSection(&section{name: ".symtab", typ: elf.SHT_SYMTAB, flags: flags, data: symData,
		link: strIdx, info: 1, entsize: b.symEntSize(), addralign: 8})
	b.addSection(&section{name: ".strtab", typ: elf.SHT_STRTAB, flags: flags, data: strData,
		addralign: 1})
}

func orderByGNUBucket(syms []ELFSymbol) []ELFSymbol {
	sorted := append([]ELFSymbol(nil), syms...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return GNUHash(sorted[i].Name)%gnuBuckets < GNUHash(sorted[j].Name)%gnuBuckets
	})
	return sorted
}

func buildIDNote(id []byte) []byte {
	le := binary.LittleEndian
	note := le.AppendUint32(nil, 4)
	note = le.AppendUint32(note, uint32(len(id)))
	note = le.AppendUint32(note, 3)
	note = append(note, 'G', 'N', 'U', 0)
	note = append(note, id...)
	for len(note)%4 != 0 {
		note = append(note, 0)
	}
	return note
}

func encodeXZ(data []byte) []byte {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		panic(err)
	}
	if _, err = w.Write(data); err != nil {
		panic(err)
	}
	if err = w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// BuildSharedObject renders so into the bytes of a little-endian ELF
// shared object. Only section headers are emitted, no program headers.
func BuildSharedObject(so SharedObject) []byte {
	b := &builder{class: so.Class, bias: so.Bias}
	if b.class == elf.ELFCLASSNONE {
		b.class = elf.ELFCLASS64
	}

	textIdx := uint16(b.addSection(&section{name: ".text", typ: elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: make([]byte, 256), addralign: 16}))

	if so.BuildID != nil {
		b.addSection(&section{name: ".note.gnu.build-id", typ: elf.SHT_NOTE,
			flags: elf.SHF_ALLOC, data: buildIDNote(so.BuildID), addralign: 4})
	}

	if len(so.Dynamic) > 0 {
		dynamic := so.Dynamic
		if so.GNUHash {
			dynamic = orderByGNUBucket(dynamic)
		}
		var dynstr stringTable
		dynsymData := b.encodeSymbols(dynamic, &dynstr, textIdx)
		dynsymIdx := b.addSection(&section{name: ".dynsym", typ: elf.SHT_DYNSYM,
			flags: elf.SHF_ALLOC, data: dynsymData, info: 1, entsize: b.symEntSize(),
			addralign: 8})
		b.secs[dynsymIdx-1].link = b.addSection(&section{name: ".dynstr", typ: elf.SHT_STRTAB,
			flags: elf.SHF_ALLOC, data: dynstr.bytes(), addralign: 1})
		if so.SysvHash {
			b.addSection(&section{name: ".hash", typ: elf.SHT_HASH, flags: elf.SHF_ALLOC,
				data: sysvHashSection(dynamic), link: dynsymIdx, entsize: 4, addralign: 8})
		}
		if so.GNUHash {
			b.addSection(&section{name: ".gnu.hash", typ: elf.SHT_GNU_HASH,
				flags: elf.SHF_ALLOC, data: b.gnuHashSection(dynamic), link: dynsymIdx,
				addralign: 8})
		}
	}

	if len(so.Symtab) > 0 {
		b.addSymtab(so.Symtab, textIdx, so.SymtabCompression)
	}

	switch {
	case so.RawDebugData != nil:
		b.addSection(&section{name: ".gnu_debugdata", typ: elf.SHT_PROGBITS,
			data: so.RawDebugData, addralign: 1})
	case len(so.DebugData) > 0:
		inner := &builder{class: b.class}
		innerText := uint16(inner.addSection(&section{name: ".text", typ: elf.SHT_NOBITS,
			flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addralign: 16}))
		inner.addSymtab(so.DebugData, innerText, 0)
		b.addSection(&section{name: ".gnu_debugdata", typ: elf.SHT_PROGBITS,
			data: encodeXZ(inner.build()), addralign: 1})
	}

	return b.build()
}

// WriteSharedObject builds so into a file named name below a per-test
// temporary directory and returns its path.
func WriteSharedObject(tb testing.TB, name string, so SharedObject) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, BuildSharedObject(so), 0o600); err != nil {
		tb.Fatalf("writing %s: %v", path, err)
	}
	return path
}
