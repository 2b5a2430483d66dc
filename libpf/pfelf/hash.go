// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/vectorhook/hookcore/libpf/pfelf"

import (
	"debug/elf"
	"encoding/binary"
)

// DT_GNU_HASH is described in https://flapenguin.me/elf-dt-gnu-hash and
// DT_HASH in the System V ABI, part 2 "Hash Table".

// calcGNUHash calculates a GNU symbol hash
func calcGNUHash(s string) uint32 {
	h := uint32(5381)
	for _, c := range []byte(s) {
		h += h*32 + uint32(c)
	}
	return h
}

// calcSysvHash calculates a sysv symbol hash
func calcSysvHash(s string) uint32 {
	h := uint32(0)
	for _, c := range []byte(s) {
		h = 16*h + uint32(c)
		h ^= h >> 24 & 0xf0
	}
	return h & 0xfffffff
}

// gnuHashTable is a validated view of a .gnu.hash section.
type gnuHashTable struct {
	numBuckets   uint32
	symbolOffset uint32
	bloomSize    uint32
	bloomShift   uint32
	// wordSize is the size of a bloom filter word, the ELF class size.
	wordSize uint32
	bloom    []byte
	buckets  []byte
	chain    []byte
}

func newGNUHashTable(data []byte, class elf.Class) (gnuHashTable, bool) {
	le := binary.LittleEndian
	if len(data) < 16 {
		return gnuHashTable{}, false
	}
	t := gnuHashTable{
		numBuckets:   le.Uint32(data[0:]),
		symbolOffset: le.Uint32(data[4:]),
		bloomSize:    le.Uint32(data[8:]),
		bloomShift:   le.Uint32(data[12:]),
		wordSize:     8,
	}
	if class == elf.ELFCLASS32 {
		t.wordSize = 4
	}
	if t.numBuckets == 0 || t.bloomSize == 0 {
		return gnuHashTable{}, false
	}
	bloomEnd := 16 + uint64(t.bloomSize)*uint64(t.wordSize)
	bucketsEnd := bloomEnd + 4*uint64(t.numBuckets)
	if bucketsEnd > uint64(len(data)) {
		return gnuHashTable{}, false
	}
	t.bloom = data[16:bloomEnd]
	t.buckets = data[bloomEnd:bucketsEnd]
	t.chain = data[bucketsEnd:]
	return t, true
}

func (t *gnuHashTable) bloomWord(idx uint32) uint64 {
	off := uint64(idx) * uint64(t.wordSize)
	if t.wordSize == 4 {
		return uint64(binary.LittleEndian.Uint32(t.bloom[off:]))
	}
	return binary.LittleEndian.Uint64(t.bloom[off:])
}

func (t *gnuHashTable) chainEntry(idx uint32) (uint32, bool) {
	off := 4 * uint64(idx)
	if off+4 > uint64(len(t.chain)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(t.chain[off:]), true
}

// lookup returns the value of symbol name in syms, or 0.
func (t *gnuHashTable) lookup(syms *symbolTable, name string) uint64 {
	if t.numBuckets == 0 {
		return 0
	}
	h := calcGNUHash(name)

	// First check the Bloom filter if the symbol exists in the hash table or not.
	bits := 8 * t.wordSize
	mask := uint64(1)<<(h%bits) | uint64(1)<<((h>>t.bloomShift)%bits)
	if t.bloomWord((h/bits)%t.bloomSize)&mask != mask {
		return 0
	}

	i := binary.LittleEndian.Uint32(t.buckets[4*(h%t.numBuckets):])
	if i < t.symbolOffset {
		return 0
	}
	for {
		h2, ok := t.chainEntry(i - t.symbolOffset)
		if !ok {
			return 0
		}
		// Do a full match of the symbol if the symbol hash matches
		if (h2^h)>>1 == 0 {
			if sym, ok := syms.symbol(uint64(i)); ok && syms.nameIs(sym.name, name) {
				return sym.value
			}
		}
		// Was this last entry in the bucket?
		if h2&1 != 0 {
			return 0
		}
		i++
	}
}

// sysvHashTable is a validated view of a .hash section.
type sysvHashTable struct {
	numBuckets uint32
	numChains  uint32
	buckets    []byte
	chain      []byte
}

func newSysvHashTable(data []byte) (sysvHashTable, bool) {
	le := binary.LittleEndian
	if len(data) < 8 {
		return sysvHashTable{}, false
	}
	t := sysvHashTable{
		numBuckets: le.Uint32(data[0:]),
		numChains:  le.Uint32(data[4:]),
	}
	if t.numBuckets == 0 {
		return sysvHashTable{}, false
	}
	bucketsEnd := 8 + 4*uint64(t.numBuckets)
	chainEnd := bucketsEnd + 4*uint64(t.numChains)
	if chainEnd > uint64(len(data)) {
		return sysvHashTable{}, false
	}
	t.buckets = data[8:bucketsEnd]
	t.chain = data[bucketsEnd:chainEnd]
	return t, true
}

// lookup returns the value of symbol name in syms, or 0.
func (t *sysvHashTable) lookup(syms *symbolTable, name string) uint64 {
	if t.numBuckets == 0 {
		return 0
	}
	le := binary.LittleEndian
	h := calcSysvHash(name)
	i := le.Uint32(t.buckets[4*(h%t.numBuckets):])
	// Each chain entry is visited at most once, so a cyclic chain terminates.
	for steps := uint32(0); i != 0 && i < t.numChains && steps < t.numChains; steps++ {
		if sym, ok := syms.symbol(uint64(i)); ok && syms.nameIs(sym.name, name) {
			return sym.value
		}
		i = le.Uint32(t.chain[4*i:])
	}
	return 0
}
