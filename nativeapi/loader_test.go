// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeapi

import (
	"debug/elf"
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vectorhook/hookcore/config"
	"github.com/vectorhook/hookcore/imagecache"
	"github.com/vectorhook/hookcore/libpf"
	"github.com/vectorhook/hookcore/libpf/pfelf"
	"github.com/vectorhook/hookcore/metrics"
	"github.com/vectorhook/hookcore/process"
	"github.com/vectorhook/hookcore/testsupport"
)

const (
	loaderOpenAddr   = libpf.Address(0x7000_1000)
	trampolineAddr   = libpf.Address(0x7800_0000)
	backupAddr       = libpf.Address(0x7800_1000)
	initEntryAddr    = libpf.Address(0x7900_0000)
	hookEntryPoint   = uintptr(0x1111)
	unhookEntryPoint = uintptr(0x2222)
)

type fakePatcher struct {
	mu      sync.Mutex
	hooks   map[libpf.Address]libpf.Address
	hookErr error
}

func (p *fakePatcher) Hook(target, replacement libpf.Address) (libpf.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hookErr != nil {
		return 0, p.hookErr
	}
	if p.hooks == nil {
		p.hooks = map[libpf.Address]libpf.Address{}
	}
	p.hooks[target] = replacement
	return backupAddr, nil
}

func (p *fakePatcher) Unhook(target libpf.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hooks, target)
	return nil
}

type loadEvent struct {
	module string
	name   string
	handle Handle
}

// fakeBridge simulates the dynamic loader: every library in handles opens
// successfully and modules in inits export an init entry point.
type fakeBridge struct {
	mu       sync.Mutex
	handles  map[string]Handle
	inits    map[Handle]string
	exported OpenFunc
	imported libpf.Address
	initAPI  []*APIEntries
	events   []loadEvent
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		handles: map[string]Handle{
			"/data/app/lib/arm64/libmodule.so": 0x100,
			"/system/lib64/libc.so":            0x200,
			"/data/app/lib/arm64/libother.so":  0x300,
			"/data/app/lib/arm64/libplain.so":  0x400,
		},
		inits: map[Handle]string{
			0x100: "libmodule.so",
			0x300: "libother.so",
		},
	}
}

func (b *fakeBridge) ExportOpen(open OpenFunc) (libpf.Address, error) {
	b.exported = open
	return trampolineAddr, nil
}

func (b *fakeBridge) ImportOpen(addr libpf.Address) OpenFunc {
	b.imported = addr
	return func(name string, _ int32, _, _ uintptr) Handle {
		return b.handles[name]
	}
}

func (b *fakeBridge) Symbol(handle Handle, name string) libpf.Address {
	if _, ok := b.inits[handle]; ok && name == config.DefaultModuleInitSymbol {
		return initEntryAddr + libpf.Address(handle)
	}
	return libpf.AddressInvalid
}

func (b *fakeBridge) CallInit(entry libpf.Address, api *APIEntries) OnLoadedFunc {
	module := b.inits[Handle(entry-initEntryAddr)]
	b.mu.Lock()
	b.initAPI = append(b.initAPI, api)
	b.mu.Unlock()
	return func(name string, handle Handle) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.events = append(b.events, loadEvent{module: module, name: name, handle: handle})
	}
}

func (b *fakeBridge) EntryPoints(Patcher) (hook, unhook uintptr) {
	return hookEntryPoint, unhookEntryPoint
}

func (b *fakeBridge) initCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.initAPI)
}

func (b *fakeBridge) loadEvents() []loadEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]loadEvent(nil), b.events...)
}

type countingResolver struct {
	mu    sync.Mutex
	calls int
	addr  libpf.Address
}

func (r *countingResolver) resolve(name string) libpf.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if name != config.DefaultLoaderOpenSymbol {
		return libpf.AddressInvalid
	}
	return r.addr
}

func newTestLoader(t *testing.T) (*Loader, *fakePatcher, *fakeBridge) {
	t.Helper()
	cfg := config.Default()
	p := &fakePatcher{}
	b := newFakeBridge()
	r := &countingResolver{addr: loaderOpenAddr}
	return NewLoader(&cfg, p, b, r.resolve), p, b
}

func TestRegisterBootstrapsOnce(t *testing.T) {
	l, p, b := newTestLoader(t)
	assert.Nil(t, l.API())

	require.NoError(t, l.Register("libmodule.so"))
	require.NoError(t, l.Register("libother.so"))
	assert.Equal(t, []string{"libmodule.so", "libother.so"}, l.Registered())

	assert.Equal(t, map[libpf.Address]libpf.Address{loaderOpenAddr: trampolineAddr}, p.hooks)
	assert.Equal(t, backupAddr, b.imported)
	require.NotNil(t, b.exported)

	api := l.API()
	require.NotNil(t, api)
	assert.Equal(t, uint32(config.DefaultAPIVersion), api.Version)
	assert.Equal(t, hookEntryPoint, api.HookFunc)
	assert.Equal(t, unhookEntryPoint, api.UnhookFunc)
	assert.Same(t, api, l.API())
}

func TestCapabilityTableIsReadOnly(t *testing.T) {
	l, _, _ := newTestLoader(t)
	require.NoError(t, l.Register("libmodule.so"))

	addr := uint64(uintptr(unsafe.Pointer(l.API())))
	mappings, _, err := process.GetMappings(process.SelfPID)
	require.NoError(t, err)
	var found *process.Mapping
	for i := range mappings {
		if mappings[i].Vaddr <= addr && addr < mappings[i].End() {
			found = &mappings[i]
			break
		}
	}
	require.NotNil(t, found, "table at 0x%x not mapped", addr)
	assert.Equal(t, elf.PF_R, found.Flags)
	assert.True(t, found.IsAnonymous())
}

func TestModuleInitRunsOnce(t *testing.T) {
	l, _, b := newTestLoader(t)
	require.NoError(t, l.Register("libmodule.so"))
	before := metrics.Value(metrics.IDModuleInits)

	const module = "/data/app/lib/arm64/libmodule.so"
	assert.Equal(t, Handle(0x100), b.exported(module, 0, 0, 0))
	assert.Equal(t, Handle(0x100), l.Open(module, 0, 0, 0))
	assert.Equal(t, Handle(0x200), l.Open("/system/lib64/libc.so", 0, 0, 0))
	assert.Equal(t, Handle(0), l.Open("/missing.so", 0, 0, 0))

	assert.Equal(t, 1, b.initCount())
	assert.Equal(t, before+1, metrics.Value(metrics.IDModuleInits))
	assert.Same(t, l.API(), b.initAPI[0])
	assert.Equal(t, []loadEvent{
		{module: "libmodule.so", name: module, handle: 0x100},
		{module: "libmodule.so", name: module, handle: 0x100},
		{module: "libmodule.so", name: "/system/lib64/libc.so", handle: 0x200},
	}, b.loadEvents())
}

func TestOverlappingRegistrationsInitOnce(t *testing.T) {
	tests := map[string][]string{
		"duplicate name":     {"libmodule.so", "libmodule.so"},
		"overlapping suffix": {"libmodule.so", "module.so"},
		"shorter first":      {"module.so", "libmodule.so"},
	}
	for name, libs := range tests {
		t.Run(name, func(t *testing.T) {
			l, _, b := newTestLoader(t)
			for _, lib := range libs {
				require.NoError(t, l.Register(lib))
			}

			const module = "/data/app/lib/arm64/libmodule.so"
			for range 3 {
				assert.Equal(t, Handle(0x100), l.Open(module, 0, 0, 0))
			}
			assert.Equal(t, 1, b.initCount())
			assert.Len(t, b.loadEvents(), 3)
		})
	}
}

func TestUnmatchedLibraryIsIgnored(t *testing.T) {
	l, _, b := newTestLoader(t)
	require.NoError(t, l.Register("libmodule.so"))

	// Substring but not suffix.
	b.handles["/data/app/libmodule.so.backup"] = 0x500
	assert.Equal(t, Handle(0x500), l.Open("/data/app/libmodule.so.backup", 0, 0, 0))
	assert.Zero(t, b.initCount())
	assert.Empty(t, b.loadEvents())
}

func TestMissingInitSymbol(t *testing.T) {
	l, _, b := newTestLoader(t)
	require.NoError(t, l.Register("libplain.so"))
	require.NoError(t, l.Register("libother.so"))
	before := metrics.Value(metrics.IDModuleInitMissing)

	const plain = "/data/app/lib/arm64/libplain.so"
	assert.Equal(t, Handle(0x400), l.Open(plain, 0, 0, 0))
	assert.Zero(t, b.initCount())
	assert.Equal(t, before+1, metrics.Value(metrics.IDModuleInitMissing))

	const other = "/data/app/lib/arm64/libother.so"
	l.Open(other, 0, 0, 0)
	assert.Equal(t, 1, b.initCount())
	assert.Equal(t, []loadEvent{{module: "libother.so", name: other, handle: 0x300}},
		b.loadEvents())
}

func TestBootstrapFailureDisablesLoader(t *testing.T) {
	cfg := config.Default()
	r := &countingResolver{addr: libpf.AddressInvalid}
	l := NewLoader(&cfg, &fakePatcher{}, newFakeBridge(), r.resolve)

	err := l.Register("libmodule.so")
	require.ErrorIs(t, err, ErrDisabled)
	require.ErrorIs(t, err, ErrNoLoaderSymbol)
	require.ErrorIs(t, l.Register("libother.so"), ErrDisabled)
	assert.Equal(t, 1, r.calls)
	assert.Empty(t, l.Registered())
	assert.Nil(t, l.API())
}

func TestPatchFailureDisablesLoader(t *testing.T) {
	cfg := config.Default()
	r := &countingResolver{addr: loaderOpenAddr}
	p := &fakePatcher{hookErr: errors.New("text is not writable")}
	l := NewLoader(&cfg, p, newFakeBridge(), r.resolve)

	require.ErrorIs(t, l.Register("libmodule.so"), ErrDisabled)
	p.hookErr = nil
	require.ErrorIs(t, l.Register("libmodule.so"), ErrDisabled)
	assert.Empty(t, p.hooks)
}

func TestConcurrentRegisterAndOpen(t *testing.T) {
	l, p, b := newTestLoader(t)
	require.NoError(t, l.Register("libmodule.so"))

	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			return l.Register("libother.so")
		})
		g.Go(func() error {
			if l.Open("/data/app/lib/arm64/libmodule.so", 0, 0, 0) != 0x100 {
				return errors.New("unexpected handle")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, p.hooks, 1)
	assert.Len(t, l.Registered(), 17)
	assert.Equal(t, 1, b.initCount())
}

func TestLinkerResolver(t *testing.T) {
	path := testsupport.WriteSharedObject(t, "linker64", testsupport.SharedObject{
		Bias: 0x1000,
		Symtab: []testsupport.ELFSymbol{
			testsupport.Func(config.DefaultLoaderOpenSymbol, 0x1200, 0x40),
		},
	})
	cfg := config.Default()
	cache, err := imagecache.New(&cfg, imagecache.WithOpener(func(name string) (*pfelf.Image, error) {
		return pfelf.OpenImage(name, pfelf.WithMappings(
			testsupport.LibraryMappings(path, uint64(loaderOpenAddr))))
	}))
	require.NoError(t, err)

	resolve := LinkerResolver(cache)
	assert.Equal(t, loaderOpenAddr+0x200, resolve(config.DefaultLoaderOpenSymbol))
	assert.Equal(t, libpf.AddressInvalid, resolve("do_dlopen"))

	l := NewLoader(&cfg, &fakePatcher{}, newFakeBridge(), resolve)
	require.NoError(t, l.Register("libmodule.so"))
}
