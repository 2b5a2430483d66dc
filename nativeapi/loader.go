// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativeapi intercepts the dynamic loader to initialize companion
// modules and hands them a read-only table of hook entry points.
package nativeapi // import "github.com/vectorhook/hookcore/nativeapi"

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vectorhook/hookcore/config"
	"github.com/vectorhook/hookcore/imagecache"
	"github.com/vectorhook/hookcore/internal/log"
	"github.com/vectorhook/hookcore/libpf"
	"github.com/vectorhook/hookcore/libpf/xsync"
	"github.com/vectorhook/hookcore/metrics"
)

var (
	// ErrDisabled is returned by Register after the loader failed to
	// intercept the dynamic loader.
	ErrDisabled = errors.New("module loading is disabled")
	// ErrNoLoaderSymbol means the loader's open routine was not found.
	ErrNoLoaderSymbol = errors.New("loader open routine not found")
)

// LinkerResolver resolves symbols in the dynamic linker held by c.
func LinkerResolver(c *imagecache.Cache) SymbolResolver {
	return func(name string) libpf.Address {
		img := c.Linker()
		if img == nil {
			return libpf.AddressInvalid
		}
		return img.SymbolAddress(name)
	}
}

type registration struct {
	library     string
	initialized bool
	onLoaded    OnLoadedFunc
}

// Loader tracks registered modules and initializes them when the dynamic
// loader opens them.
type Loader struct {
	apiVersion   uint32
	openSymbol   string
	initSymbol   string
	patcher      Patcher
	bridge       Bridge
	resolve      SymbolResolver
	bootstrapped xsync.Once[*apiPage]
	original     xsync.Latch[OpenFunc]

	mu            sync.Mutex
	registrations []*registration
}

// NewLoader creates a loader. Nothing is patched before the first Register.
func NewLoader(cfg *config.Config, patcher Patcher, bridge Bridge,
	resolve SymbolResolver) *Loader {
	return &Loader{
		apiVersion: cfg.APIVersion,
		openSymbol: cfg.LoaderOpenSymbol,
		initSymbol: cfg.ModuleInitSymbol,
		patcher:    patcher,
		bridge:     bridge,
		resolve:    resolve,
	}
}

func (l *Loader) bootstrap() (*apiPage, error) {
	hook, unhook := l.bridge.EntryPoints(l.patcher)
	page, err := newAPIPage(l.apiVersion, hook, unhook)
	if err != nil {
		return nil, err
	}

	target := l.resolve(l.openSymbol)
	if target == libpf.AddressInvalid {
		page.release()
		return nil, fmt.Errorf("%w: %s", ErrNoLoaderSymbol, l.openSymbol)
	}
	replacement, err := l.bridge.ExportOpen(l.Open)
	if err != nil {
		page.release()
		return nil, fmt.Errorf("failed to export open trampoline: %w", err)
	}
	backup, err := l.patcher.Hook(target, replacement)
	if err != nil {
		page.release()
		return nil, fmt.Errorf("failed to hook %s at %v: %w", l.openSymbol, target, err)
	}
	l.original.Publish(l.bridge.ImportOpen(backup))
	log.Infof("Intercepted loader open routine at %v, capability table at 0x%x",
		target, page.address())
	return page, nil
}

// Register adds library to the modules initialized on load. The first call
// intercepts the dynamic loader; if that fails, this and every later call
// return ErrDisabled.
func (l *Loader) Register(library string) error {
	if _, err := l.bootstrapped.Do(l.bootstrap); err != nil {
		return fmt.Errorf("%w: %w", ErrDisabled, err)
	}
	l.mu.Lock()
	l.registrations = append(l.registrations, &registration{library: library})
	l.mu.Unlock()
	metrics.Add(metrics.IDModuleRegistrations, 1)
	log.Debugf("Registered module %s", library)
	return nil
}

// Registered returns the registered library names in registration order.
func (l *Loader) Registered() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.registrations))
	for _, reg := range l.registrations {
		names = append(names, reg.library)
	}
	return names
}

// API returns the capability table, or nil before a successful Register.
// The table is mapped read-only; writing through the pointer faults.
func (l *Loader) API() *APIEntries {
	page, ok := l.bootstrapped.Peek()
	if !ok {
		return nil
	}
	return page.entries
}

// initModule runs the init entry point of a freshly loaded module. Must be
// called with l.mu held.
func (l *Loader) initModule(reg *registration, name string, handle Handle) {
	entry := l.bridge.Symbol(handle, l.initSymbol)
	if entry == libpf.AddressInvalid {
		metrics.Add(metrics.IDModuleInitMissing, 1)
		log.Warnf("Module %s has no %s", name, l.initSymbol)
		return
	}
	reg.onLoaded = l.bridge.CallInit(entry, l.API())
	reg.initialized = true
	metrics.Add(metrics.IDModuleInits, 1)
	log.Infof("Initialized module %s", name)
}

// Open replaces the loader's open routine. It runs the original routine,
// initializes the first registration whose suffix matches the loaded name
// unless that registration is already initialized, and notifies every
// module callback of the load. Later registrations matching the same name
// are never initialized.
func (l *Loader) Open(name string, flags int32, extinfo, caller uintptr) Handle {
	original := l.original.Wait()
	handle := original(name, flags, extinfo, caller)
	if handle == 0 {
		return handle
	}

	var callbacks []OnLoadedFunc
	l.mu.Lock()
	for _, reg := range l.registrations {
		if !strings.HasSuffix(name, reg.library) {
			continue
		}
		if !reg.initialized {
			l.initModule(reg, name, handle)
		}
		break
	}
	for _, reg := range l.registrations {
		if reg.onLoaded != nil {
			callbacks = append(callbacks, reg.onLoaded)
		}
	}
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(name, handle)
	}
	return handle
}
