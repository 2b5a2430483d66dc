// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package imagecache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vectorhook/hookcore/config"
	"github.com/vectorhook/hookcore/libpf"
	"github.com/vectorhook/hookcore/libpf/pfelf"
	"github.com/vectorhook/hookcore/metrics"
	"github.com/vectorhook/hookcore/testsupport"
)

const testBase = 0x7100_0000

// fakeOpener opens a synthetic library for every name and counts the calls.
type fakeOpener struct {
	t     *testing.T
	path  string
	base  libpf.Address
	fail  map[string]bool
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int32
}

func newFakeOpener(t *testing.T) *fakeOpener {
	path := testsupport.WriteSharedObject(t, "libfake.so", testsupport.SharedObject{
		Dynamic: []testsupport.ELFSymbol{testsupport.Func("fake_entry", 0x1100, 16)},
		GNUHash: true,
	})
	return &fakeOpener{
		t:     t,
		path:  path,
		base:  testBase,
		fail:  map[string]bool{},
		calls: map[string]int{},
	}
}

func (f *fakeOpener) open(name string) (*pfelf.Image, error) {
	f.total.Add(1)
	f.mu.Lock()
	f.calls[name]++
	failing := f.fail[name]
	f.mu.Unlock()
	if failing {
		return nil, errors.New("not mapped")
	}
	return pfelf.OpenFile(f.path, f.base)
}

func (f *fakeOpener) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func newTestCache(t *testing.T, f *fakeOpener, lruSize uint32) *Cache {
	cfg := config.Default()
	if lruSize != 0 {
		cfg.AdhocImageCacheSize = lruSize
	}
	c, err := New(&cfg, WithOpener(f.open))
	require.NoError(t, err)
	return c
}

func TestLibraryString(t *testing.T) {
	names := []string{}
	for _, lib := range Libraries() {
		names = append(names, lib.String())
	}
	assert.Equal(t, []string{"art", "binder", "linker", "framework"}, names)
	assert.Equal(t, "Library(7)", Library(7).String())

	lib, ok := ParseLibrary("linker")
	assert.True(t, ok)
	assert.Equal(t, Linker, lib)
	_, ok = ParseLibrary("libc")
	assert.False(t, ok)
}

func TestGetCachesImage(t *testing.T) {
	f := newFakeOpener(t)
	c := newTestCache(t, f, 0)

	art := c.Art()
	require.NotNil(t, art)
	assert.True(t, art.Valid())
	assert.Same(t, art, c.Art())
	assert.Same(t, art, c.Get(Art))
	assert.Equal(t, 1, f.count("libart.so"))

	assert.NotNil(t, c.Binder())
	assert.NotNil(t, c.Linker())
	assert.NotNil(t, c.Framework())
	assert.Equal(t, 1, f.count("libbinder.so"))
	assert.Equal(t, 1, f.count("/linker"))
	assert.Equal(t, 1, f.count("libandroidfw.so"))
	assert.NotSame(t, art, c.Binder())

	assert.Nil(t, c.Get(Library(-1)))
	assert.Nil(t, c.Get(numLibraries))
	assert.Equal(t, "libbinder.so", c.Name(Binder))
	assert.Empty(t, c.Name(numLibraries))
}

func TestFailedOpenIsRetried(t *testing.T) {
	f := newFakeOpener(t)
	f.fail["libart.so"] = true
	c := newTestCache(t, f, 0)

	assert.Nil(t, c.Art())
	assert.Nil(t, c.Art())
	assert.Equal(t, 2, f.count("libart.so"))

	f.mu.Lock()
	f.fail["libart.so"] = false
	f.mu.Unlock()
	require.NotNil(t, c.Art())
	assert.Same(t, c.Art(), c.Art())
	assert.Equal(t, 3, f.count("libart.so"))
}

func TestInvalidImageIsNotCached(t *testing.T) {
	f := newFakeOpener(t)
	f.base = libpf.AddressInvalid
	c := newTestCache(t, f, 0)

	assert.Nil(t, c.Linker())
	assert.Nil(t, c.Linker())
	assert.Equal(t, 2, f.count("/linker"))
	assert.Nil(t, c.Lookup("libc.so"))
	assert.Nil(t, c.Lookup("libc.so"))
	assert.Equal(t, 2, f.count("libc.so"))
}

func TestInvalidate(t *testing.T) {
	f := newFakeOpener(t)
	c := newTestCache(t, f, 0)
	before := metrics.Value(metrics.IDImageCacheInvalidations)

	art := c.Art()
	binder := c.Binder()
	require.NotNil(t, art)

	assert.False(t, c.Invalidate(nil))
	other, err := pfelf.OpenFile(f.path, testBase)
	require.NoError(t, err)
	assert.False(t, c.Invalidate(other))

	assert.True(t, c.Invalidate(art))
	assert.False(t, c.Invalidate(art))
	assert.Equal(t, before+1, metrics.Value(metrics.IDImageCacheInvalidations))

	// The invalidated image stays usable for holders of the old pointer.
	assert.True(t, art.Valid())
	assert.NotEqual(t, libpf.AddressInvalid, art.SymbolAddress("fake_entry"))

	reopened := c.Art()
	require.NotNil(t, reopened)
	assert.NotSame(t, art, reopened)
	assert.Equal(t, 2, f.count("libart.so"))
	assert.Same(t, binder, c.Binder())
}

func TestInvalidateAll(t *testing.T) {
	f := newFakeOpener(t)
	c := newTestCache(t, f, 0)

	old := map[Library]*pfelf.Image{}
	for _, lib := range Libraries() {
		old[lib] = c.Get(lib)
		require.NotNil(t, old[lib], lib.String())
	}
	adhoc := c.Lookup("libc.so")
	require.NotNil(t, adhoc)

	c.InvalidateAll()
	for _, lib := range Libraries() {
		img := c.Get(lib)
		require.NotNil(t, img)
		assert.NotSame(t, old[lib], img, lib.String())
	}
	assert.NotSame(t, adhoc, c.Lookup("libc.so"))
	assert.Equal(t, 2, f.count("libc.so"))
}

func TestLookupLRU(t *testing.T) {
	f := newFakeOpener(t)
	c := newTestCache(t, f, 1)

	libc := c.Lookup("libc.so")
	require.NotNil(t, libc)
	assert.Same(t, libc, c.Lookup("libc.so"))
	assert.Equal(t, 1, f.count("libc.so"))

	// Size one LRU: a second name evicts the first.
	require.NotNil(t, c.Lookup("libm.so"))
	assert.NotSame(t, libc, c.Lookup("libc.so"))
	assert.Equal(t, 2, f.count("libc.so"))

	assert.True(t, c.Forget("libc.so"))
	assert.False(t, c.Forget("libc.so"))
}

func TestNewRejectsEmptyLRU(t *testing.T) {
	cfg := config.Default()
	cfg.AdhocImageCacheSize = 0
	_, err := New(&cfg)
	assert.Error(t, err)
}

func TestConcurrentGet(t *testing.T) {
	f := newFakeOpener(t)
	c := newTestCache(t, f, 0)

	const workers = 32
	images := make([]*pfelf.Image, workers)
	adhoc := make([]*pfelf.Image, workers)
	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			images[i] = c.Get(Libraries()[i%len(Libraries())])
			adhoc[i] = c.Lookup("libshared.so")
			if images[i] == nil || adhoc[i] == nil {
				return errors.New("lookup failed")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := range workers {
		lib := Libraries()[i%len(Libraries())]
		assert.Same(t, c.Get(lib), images[i])
		assert.Same(t, adhoc[0], adhoc[i])
	}
	for _, lib := range Libraries() {
		assert.Equal(t, 1, f.count(c.Name(lib)), lib.String())
	}
	assert.Equal(t, 1, f.count("libshared.so"))
}
