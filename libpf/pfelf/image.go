// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/vectorhook/hookcore/libpf/pfelf"

import (
	"debug/elf"
	"fmt"

	"github.com/vectorhook/hookcore/internal/log"
	"github.com/vectorhook/hookcore/libpf"
	"github.com/vectorhook/hookcore/libpf/pfelf/internal/mmap"
	"github.com/vectorhook/hookcore/libpf/xsync"
	"github.com/vectorhook/hookcore/metrics"
	"github.com/vectorhook/hookcore/process"
)

// Image is a shared library located in the address space of a process.
//
// Lookups are safe for concurrent use. Close must not race with lookups;
// images shared through a cache are released by the garbage collector
// instead of Close.
type Image struct {
	path string
	base libpf.Address
	bias uint64

	// file backs every view below
	file *mmap.File

	class    elf.Class
	dynsym   symbolTable
	gnuHash  gnuHashTable
	sysvHash sysvHashTable
	buildID  []byte

	// linearSource is .symtab of the embedded debug object if present,
	// otherwise the image's own .symtab.
	linearSource symbolTable
	hasDebugData bool
	linear       xsync.Once[*libpf.SymbolMap]
}

// OpenImage locates the library whose mapped path contains name and opens
// the backing file. The mapping path becomes the image's canonical path.
func OpenImage(name string, opts ...ImageOption) (*Image, error) {
	o := newImageOptions(opts)
	mappings := o.mappings
	if mappings == nil {
		var err error
		if mappings, _, err = process.GetMappings(o.pid); err != nil {
			metrics.Add(metrics.IDImageOpenFailed, 1)
			return nil, fmt.Errorf("%s: %w: %w", name, ErrNoBase, err)
		}
	}

	m, err := process.FindModuleBase(mappings, name)
	if err != nil {
		metrics.Add(metrics.IDImageOpenFailed, 1)
		return nil, fmt.Errorf("%w: %w", ErrNoBase, err)
	}
	log.Debugf("Found base for %s at 0x%x (%s)", m.Path, m.Vaddr, m.Perms())
	return openAt(m.Path, libpf.Address(m.Vaddr), &o)
}

// OpenFile opens the ELF file at path as if it was loaded at base.
func OpenFile(path string, base libpf.Address, opts ...ImageOption) (*Image, error) {
	o := newImageOptions(opts)
	return openAt(path, base, &o)
}

func openAt(path string, base libpf.Address, o *imageOptions) (*Image, error) {
	img, err := newImage(path, base, o)
	if err != nil {
		metrics.Add(metrics.IDImageOpenFailed, 1)
		return nil, err
	}
	metrics.Add(metrics.IDImageOpened, 1)
	return img, nil
}

func newImage(path string, base libpf.Address, o *imageOptions) (*Image, error) {
	file, err := mmap.Map(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	data, err := file.Bytes()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	secs, err := parseSections(data, o.maxDebugDataSize)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	img := &Image{
		path:         path,
		base:         base,
		bias:         secs.bias,
		file:         file,
		class:        secs.class,
		dynsym:       secs.dynsym,
		buildID:      secs.buildID,
		linearSource: secs.symtab,
	}
	if secs.gnuHash != nil {
		var ok bool
		if img.gnuHash, ok = newGNUHashTable(secs.gnuHash, secs.class); !ok {
			log.Debugf("%s: ignoring corrupt .gnu.hash", path)
		}
	}
	if secs.sysvHash != nil {
		var ok bool
		if img.sysvHash, ok = newSysvHashTable(secs.sysvHash); !ok {
			log.Debugf("%s: ignoring corrupt .hash", path)
		}
	}
	if secs.debugData != nil {
		symtab, err := loadDebugData(secs.debugData, o.maxDebugDataSize)
		if err != nil {
			metrics.Add(metrics.IDDebugDataFailed, 1)
			log.Warnf("%s: dropping .gnu_debugdata: %v", path, err)
		} else {
			metrics.Add(metrics.IDDebugDataDecoded, 1)
			img.linearSource = symtab
			img.hasDebugData = true
		}
	}
	return img, nil
}

// Path returns the canonical path of the image.
func (img *Image) Path() string {
	return img.path
}

// Base returns the address the image is loaded at.
func (img *Image) Base() libpf.Address {
	return img.base
}

// Bias returns the difference between section addresses and file offsets.
func (img *Image) Bias() uint64 {
	return img.bias
}

// Class returns the ELF class of the image.
func (img *Image) Class() elf.Class {
	return img.class
}

// Valid reports whether the image is open and loaded at a known base.
func (img *Image) Valid() bool {
	return img != nil && img.file != nil && img.base != libpf.AddressInvalid
}

// HasDebugData reports whether the linear table comes from .gnu_debugdata.
func (img *Image) HasDebugData() bool {
	return img.hasDebugData
}

// BuildID returns the hex encoded GNU build ID.
func (img *Image) BuildID() (string, error) {
	if img.buildID == nil {
		return "", ErrNoBuildID
	}
	return buildIDFromNotes(img.buildID)
}

// Close unmaps the file. The image must not be used afterwards.
func (img *Image) Close() error {
	if img.file == nil {
		return nil
	}
	file := img.file
	img.file = nil
	img.dynsym = symbolTable{}
	img.gnuHash = gnuHashTable{}
	img.sysvHash = sysvHashTable{}
	img.linearSource = symbolTable{}
	img.buildID = nil
	return file.Close()
}

func (img *Image) address(value uint64) libpf.Address {
	return img.base + libpf.Address(value) - libpf.Address(img.bias)
}

func (img *Image) gnuLookup(name string) uint64 {
	return img.gnuHash.lookup(&img.dynsym, name)
}

func (img *Image) sysvLookup(name string) uint64 {
	return img.sysvHash.lookup(&img.dynsym, name)
}

func (img *Image) linearLookup(name string) uint64 {
	return uint64(img.Symbols().LookupSymbolAddress(libpf.SymbolName(name)))
}

// symbolValue returns the raw value of name, or 0 if no table knows it.
func (img *Image) symbolValue(name string) uint64 {
	if v := img.gnuLookup(name); v != 0 {
		return v
	}
	if v := img.sysvLookup(name); v != 0 {
		return v
	}
	return img.linearLookup(name)
}

// SymbolAddress returns the runtime address of name, or AddressInvalid.
func (img *Image) SymbolAddress(name string) libpf.Address {
	if v := img.symbolValue(name); v != 0 {
		return img.address(v)
	}
	metrics.Add(metrics.IDSymbolMisses, 1)
	return libpf.AddressInvalid
}

// Lookup is SymbolAddress with a descriptive error for misses.
func (img *Image) Lookup(name string) (libpf.Address, error) {
	if addr := img.SymbolAddress(name); addr != libpf.AddressInvalid {
		return addr, nil
	}
	return libpf.AddressInvalid, fmt.Errorf("%s in %s: %w", name, img.path, ErrSymbolNotFound)
}

// SymbolPrefixFirstAddress returns the address of the first symbol, in name
// order, that starts with prefix.
func (img *Image) SymbolPrefixFirstAddress(prefix string) libpf.Address {
	sym, ok := img.Symbols().LookupSymbolByPrefix(prefix)
	if !ok || sym.Address == libpf.SymbolValueInvalid {
		metrics.Add(metrics.IDSymbolMisses, 1)
		return libpf.AddressInvalid
	}
	return img.address(uint64(sym.Address))
}

// AllSymbolAddresses returns the addresses of every symbol named name,
// e.g. all copies of a weak symbol. Entries with a zero value are skipped.
func (img *Image) AllSymbolAddresses(name string) []libpf.Address {
	values := img.Symbols().LookupAll(libpf.SymbolName(name))
	addrs := make([]libpf.Address, 0, len(values))
	for _, v := range values {
		if v == libpf.SymbolValueInvalid {
			continue
		}
		addrs = append(addrs, img.address(uint64(v)))
	}
	return addrs
}

// Symbols returns the name ordered table of sized functions and objects.
// It is built on first use.
func (img *Image) Symbols() *libpf.SymbolMap {
	symmap, _ := img.linear.Do(func() (*libpf.SymbolMap, error) {
		return buildSymbolMap(&img.linearSource), nil
	})
	return symmap
}

func buildSymbolMap(t *symbolTable) *libpf.SymbolMap {
	n := t.count()
	symmap := libpf.NewSymbolMap(int(n))
	for idx := uint64(0); idx < n; idx++ {
		sym, _ := t.symbol(idx)
		typ := elf.ST_TYPE(sym.info)
		if (typ != elf.STT_FUNC && typ != elf.STT_OBJECT) || sym.size == 0 {
			continue
		}
		name, ok := t.name(sym.name)
		if !ok {
			continue
		}
		symmap.Add(libpf.Symbol{
			Name:    libpf.SymbolName(name),
			Address: libpf.SymbolValue(sym.value),
			Size:    sym.size,
		})
	}
	symmap.Finalize()
	return symmap
}
