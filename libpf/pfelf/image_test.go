// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorhook/hookcore/libpf"
	"github.com/vectorhook/hookcore/testsupport"
)

const (
	testBase = 0x7000_0000
	testBias = 0x10000
)

var dynamicSymbols = []testsupport.ELFSymbol{
	testsupport.Func("JNI_CreateJavaVM", 0x11100, 0x80),
	testsupport.Func("JNI_GetCreatedJavaVMs", 0x11180, 0x40),
	testsupport.Func("_ZN3art7Runtime5AbortEPKc", 0x11200, 0x100),
	testsupport.Object("_ZN3art7Runtime9instance_E", 0x12000, 8),
	testsupport.Func("art_quick_to_interpreter_bridge", 0x11300, 0x20),
	testsupport.Func("imported_from_libc", 0, 0),
}

func weak(name string, value uint64) testsupport.ELFSymbol {
	s := testsupport.Func(name, value, 4)
	s.Bind = elf.STB_WEAK
	return s
}

func symtabSymbols() []testsupport.ELFSymbol {
	syms := append([]testsupport.ELFSymbol(nil), dynamicSymbols...)
	return append(syms,
		testsupport.Func("_ZN3art9ArtMethod6InvokeEPNS_6ThreadE", 0x11400, 0x10),
		testsupport.Func("_ZN3art9ArtMethod12PrettyMethodEb", 0x11500, 0x10),
		weak("_ZN3art6mirror6Object5ClassEv", 0x11600),
		weak("_ZN3art6mirror6Object5ClassEv", 0x11700),
		weak("weak_hook", 0),
		weak("weak_hook", 0x11a00),
		testsupport.Object("zero_sized", 0x11800, 0),
		testsupport.ELFSymbol{Name: "untyped", Value: 0x11900, Size: 4, Type: elf.STT_NOTYPE},
	)
}

func openTestImage(t *testing.T, so testsupport.SharedObject, opts ...ImageOption) *Image {
	t.Helper()
	path := testsupport.WriteSharedObject(t, "libart.so", so)
	opts = append([]ImageOption{WithMappings(testsupport.LibraryMappings(path, testBase))}, opts...)
	img, err := OpenImage("libart.so", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = img.Close() })
	return img
}

func expectedAddress(value uint64) libpf.Address {
	return libpf.Address(testBase + value - testBias)
}

func TestOpenImage(t *testing.T) {
	img := openTestImage(t, testsupport.SharedObject{
		Bias:     testBias,
		Dynamic:  dynamicSymbols,
		GNUHash:  true,
		SysvHash: true,
		BuildID:  []byte{0xde, 0xad, 0xbe, 0xef, 0x01},
	})

	assert.True(t, img.Valid())
	assert.Equal(t, "libart.so", filepath.Base(img.Path()))
	assert.True(t, filepath.IsAbs(img.Path()))
	assert.Equal(t, libpf.Address(testBase), img.Base())
	assert.Equal(t, uint64(testBias), img.Bias())
	assert.Equal(t, elf.ELFCLASS64, img.Class())
	assert.False(t, img.HasDebugData())

	id, err := img.BuildID()
	require.NoError(t, err)
	assert.Equal(t, "deadbeef01", id)
}

func TestSymbolAddress(t *testing.T) {
	tests := map[string]testsupport.SharedObject{
		"gnu and sysv": {GNUHash: true, SysvHash: true},
		"gnu only":     {GNUHash: true},
		"sysv only":    {SysvHash: true},
		"linear only":  {},
		"elf32":        {Class: elf.ELFCLASS32, GNUHash: true, SysvHash: true},
	}

	for name, so := range tests {
		t.Run(name, func(t *testing.T) {
			so.Bias = testBias
			so.Dynamic = dynamicSymbols
			so.Symtab = symtabSymbols()
			img := openTestImage(t, so)

			for _, sym := range dynamicSymbols {
				if sym.Value == 0 {
					continue
				}
				assert.Equal(t, expectedAddress(sym.Value), img.SymbolAddress(sym.Name),
					sym.Name)
			}
			assert.Equal(t, expectedAddress(0x11400),
				img.SymbolAddress("_ZN3art9ArtMethod6InvokeEPNS_6ThreadE"))
		})
	}
}

func TestHashTablesAgreeWithLinearTable(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		t.Run(class.String(), func(t *testing.T) {
			img := openTestImage(t, testsupport.SharedObject{
				Class:    class,
				Bias:     testBias,
				Dynamic:  dynamicSymbols,
				Symtab:   dynamicSymbols,
				GNUHash:  true,
				SysvHash: true,
			})

			for _, sym := range dynamicSymbols {
				if sym.Value == 0 {
					continue
				}
				assert.Equal(t, sym.Value, img.gnuLookup(sym.Name), "gnu %s", sym.Name)
				assert.Equal(t, sym.Value, img.sysvLookup(sym.Name), "sysv %s", sym.Name)
				assert.Equal(t, sym.Value, img.linearLookup(sym.Name), "linear %s", sym.Name)
			}
		})
	}
}

func TestLookupMisses(t *testing.T) {
	img := openTestImage(t, testsupport.SharedObject{
		Bias:     testBias,
		Dynamic:  dynamicSymbols,
		Symtab:   symtabSymbols(),
		GNUHash:  true,
		SysvHash: true,
	})

	for _, name := range []string{"does_not_exist", "", "JNI_CreateJavaV", "imported_from_libc",
		"zero_sized", "untyped"} {
		assert.Zero(t, img.gnuLookup(name), "gnu %q", name)
		assert.Zero(t, img.sysvLookup(name), "sysv %q", name)
		assert.Zero(t, img.linearLookup(name), "linear %q", name)
		assert.Equal(t, libpf.AddressInvalid, img.SymbolAddress(name), name)

		_, err := img.Lookup(name)
		assert.ErrorIs(t, err, ErrSymbolNotFound)
	}
}

func TestPrefixAndDuplicateLookups(t *testing.T) {
	img := openTestImage(t, testsupport.SharedObject{
		Bias:    testBias,
		Dynamic: dynamicSymbols,
		Symtab:  symtabSymbols(),
		GNUHash: true,
	})

	// _ZN3art9ArtMethod12PrettyMethodEb sorts before _ZN3art9ArtMethod6Invoke...
	assert.Equal(t, expectedAddress(0x11500), img.SymbolPrefixFirstAddress("_ZN3art9ArtMethod"))
	assert.Equal(t, expectedAddress(0x11400),
		img.SymbolPrefixFirstAddress("_ZN3art9ArtMethod6Invoke"))
	assert.Equal(t, libpf.AddressInvalid, img.SymbolPrefixFirstAddress("_ZN3art9ArtField"))

	assert.Equal(t, []libpf.Address{expectedAddress(0x11600), expectedAddress(0x11700)},
		img.AllSymbolAddresses("_ZN3art6mirror6Object5ClassEv"))
	assert.Equal(t, []libpf.Address{expectedAddress(0x11a00)}, img.AllSymbolAddresses("weak_hook"))
	assert.Empty(t, img.AllSymbolAddresses("zero_sized"))
	assert.Empty(t, img.AllSymbolAddresses("nothing"))
}

func TestDebugData(t *testing.T) {
	img := openTestImage(t, testsupport.SharedObject{
		Bias:     testBias,
		Dynamic:  dynamicSymbols,
		GNUHash:  true,
		SysvHash: true,
		DebugData: []testsupport.ELFSymbol{
			testsupport.Func("_ZN3art12_GLOBAL__N_18HiddenFnEv", 0x11a00, 0x30),
			testsupport.Object("_ZN3artL10gHiddenMapE", 0x12100, 0x18),
		},
	})

	require.True(t, img.HasDebugData())
	assert.Zero(t, img.gnuLookup("_ZN3art12_GLOBAL__N_18HiddenFnEv"))
	assert.Zero(t, img.sysvLookup("_ZN3art12_GLOBAL__N_18HiddenFnEv"))
	assert.Equal(t, expectedAddress(0x11a00),
		img.SymbolAddress("_ZN3art12_GLOBAL__N_18HiddenFnEv"))
	assert.Equal(t, expectedAddress(0x12100), img.SymbolPrefixFirstAddress("_ZN3artL10gHidden"))
	assert.Equal(t, 2, img.Symbols().Len())

	// Dynamic symbols still resolve through the hash tables.
	assert.Equal(t, expectedAddress(0x11100), img.SymbolAddress("JNI_CreateJavaVM"))
}

func TestDebugDataCorrupt(t *testing.T) {
	img := openTestImage(t, testsupport.SharedObject{
		Bias:         testBias,
		Dynamic:      dynamicSymbols,
		Symtab:       symtabSymbols(),
		GNUHash:      true,
		RawDebugData: []byte("\xfd7zXZ\x00 definitely not a valid stream"),
	})

	assert.False(t, img.HasDebugData())
	assert.Equal(t, expectedAddress(0x11100), img.SymbolAddress("JNI_CreateJavaVM"))
	// The image's own .symtab still backs the linear table.
	assert.Equal(t, expectedAddress(0x11400),
		img.SymbolAddress("_ZN3art9ArtMethod6InvokeEPNS_6ThreadE"))
}

func TestDebugDataSizeCap(t *testing.T) {
	var syms []testsupport.ELFSymbol
	for i := range 512 {
		syms = append(syms, testsupport.Func(fmt.Sprintf("_ZN3art8internal%04dEv", i),
			0x20000+uint64(i)*16, 16))
	}
	img := openTestImage(t, testsupport.SharedObject{
		Bias:      testBias,
		Dynamic:   dynamicSymbols,
		GNUHash:   true,
		DebugData: syms,
	}, WithMaxDebugDataSize(8192))

	assert.False(t, img.HasDebugData())
	assert.Equal(t, libpf.AddressInvalid, img.SymbolAddress("_ZN3art8internal0001Ev"))
	assert.Equal(t, expectedAddress(0x11100), img.SymbolAddress("JNI_CreateJavaVM"))
}

func TestCompressedSymtab(t *testing.T) {
	for _, typ := range []elf.CompressionType{elf.COMPRESS_ZLIB, elf.COMPRESS_ZSTD} {
		for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
			t.Run(typ.String()+"/"+class.String(), func(t *testing.T) {
				img := openTestImage(t, testsupport.SharedObject{
					Class:             class,
					Bias:              testBias,
					Dynamic:           dynamicSymbols,
					Symtab:            symtabSymbols(),
					SymtabCompression: typ,
				})
				assert.Equal(t, expectedAddress(0x11500),
					img.SymbolAddress("_ZN3art9ArtMethod12PrettyMethodEb"))
			})
		}
	}
}

func TestZeroBias(t *testing.T) {
	img := openTestImage(t, testsupport.SharedObject{
		Dynamic: dynamicSymbols,
		GNUHash: true,
	})
	assert.Equal(t, uint64(0), img.Bias())
	assert.Equal(t, libpf.Address(testBase+0x11100), img.SymbolAddress("JNI_CreateJavaVM"))
}

func TestOpenImageErrors(t *testing.T) {
	t.Run("not mapped", func(t *testing.T) {
		_, err := OpenImage("libnothere.so", WithMappings(
			testsupport.LibraryMappings("/system/lib64/libother.so", testBase)))
		assert.ErrorIs(t, err, ErrNoBase)
	})

	t.Run("missing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "libgone.so")
		_, err := OpenImage("libgone.so",
			WithMappings(testsupport.LibraryMappings(path, testBase)))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("not elf", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "libgarbage.so")
		require.NoError(t, os.WriteFile(path, testsupport.PatternBytes(13, 4096), 0o600))
		_, err := OpenImage("libgarbage.so",
			WithMappings(testsupport.LibraryMappings(path, testBase)))
		assert.ErrorIs(t, err, ErrNotELF)
	})

	t.Run("truncated", func(t *testing.T) {
		data := testsupport.BuildSharedObject(testsupport.SharedObject{
			Dynamic: dynamicSymbols, GNUHash: true})
		path := filepath.Join(t.TempDir(), "libtrunc.so")
		require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o600))
		_, err := OpenFile(path, testBase)
		assert.ErrorIs(t, err, ErrNotELF)
	})
}

func TestOpenFile(t *testing.T) {
	path := testsupport.WriteSharedObject(t, "libbinder.so", testsupport.SharedObject{
		Dynamic:  dynamicSymbols,
		SysvHash: true,
	})
	img, err := OpenFile(path, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, path, img.Path())
	assert.Equal(t, libpf.Address(0x1000+0x11180), img.SymbolAddress("JNI_GetCreatedJavaVMs"))

	_, err = img.BuildID()
	assert.ErrorIs(t, err, ErrNoBuildID)

	require.NoError(t, img.Close())
	assert.False(t, img.Valid())
	assert.Equal(t, libpf.AddressInvalid, img.SymbolAddress("JNI_GetCreatedJavaVMs"))
	require.NoError(t, img.Close())
}

func TestConcurrentLinearTable(t *testing.T) {
	img := openTestImage(t, testsupport.SharedObject{
		Bias:   testBias,
		Symtab: symtabSymbols(),
	})

	done := make(chan *libpf.SymbolMap)
	for range 8 {
		go func() { done <- img.Symbols() }()
	}
	first := <-done
	for range 7 {
		assert.Same(t, first, <-done)
	}
}
