// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeapi // import "github.com/vectorhook/hookcore/nativeapi"

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vectorhook/hookcore/libpf"
)

// Handle is the handle returned by the dynamic loader for a library.
type Handle uintptr

// OpenFunc has the shape of the loader's internal open routine.
type OpenFunc func(name string, flags int32, extinfo, caller uintptr) Handle

// OnLoadedFunc is returned by a module's init entry point and called for
// every library loaded afterwards.
type OnLoadedFunc func(name string, handle Handle)

// Patcher rewrites function entries in memory.
type Patcher interface {
	// Hook redirects target to replacement and returns the address of a
	// trampoline running the original code.
	Hook(target, replacement libpf.Address) (libpf.Address, error)
	// Unhook restores the original code at target.
	Unhook(target libpf.Address) error
}

// Bridge converts between Go functions and native entry points.
type Bridge interface {
	// ExportOpen returns a native entry point that calls open.
	ExportOpen(open OpenFunc) (libpf.Address, error)
	// ImportOpen wraps the native routine at addr.
	ImportOpen(addr libpf.Address) OpenFunc
	// Symbol resolves name in the library behind handle.
	Symbol(handle Handle, name string) libpf.Address
	// CallInit calls a module init entry point with the capability table.
	CallInit(entry libpf.Address, api *APIEntries) OnLoadedFunc
	// EntryPoints exports the hook and unhook operations of p as native
	// functions for modules.
	EntryPoints(p Patcher) (hook, unhook uintptr)
}

// SymbolResolver returns the runtime address of a symbol, or
// libpf.AddressInvalid.
type SymbolResolver func(name string) libpf.Address

// APIEntries is the capability table handed to module init entry points.
// Its layout is shared with native code.
type APIEntries struct {
	Version    uint32
	_          uint32
	HookFunc   uintptr
	UnhookFunc uintptr
}

// apiPage is an anonymous page holding an APIEntries. It is read-only once
// built and lives as long as the process.
type apiPage struct {
	mem     []byte
	entries *APIEntries
}

func newAPIPage(version uint32, hook, unhook uintptr) (*apiPage, error) {
	size := unix.Getpagesize()
	if uintptr(size) < unsafe.Sizeof(APIEntries{}) {
		return nil, fmt.Errorf("page size %d too small", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map capability table: %w", err)
	}
	entries := (*APIEntries)(unsafe.Pointer(&mem[0]))
	*entries = APIEntries{
		Version:    version,
		HookFunc:   hook,
		UnhookFunc: unhook,
	}
	if err := unix.Mprotect(mem, unix.PROT_READ); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("failed to protect capability table: %w", err)
	}
	return &apiPage{mem: mem, entries: entries}, nil
}

func (p *apiPage) address() uintptr {
	return uintptr(unsafe.Pointer(&p.mem[0]))
}

func (p *apiPage) release() {
	_ = unix.Munmap(p.mem)
}
