// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package imagecache keeps one opened image per well-known system library
// and a bounded set of images opened by name.
//
// Slots are read lock-free. A missing image is opened under the slot's
// mutex, so concurrent first requests open it once. Invalidated images are
// never closed here: lookups running on another goroutine may still hold
// them, and the mapping is released by the garbage collector once the last
// reference is gone.
package imagecache // import "github.com/vectorhook/hookcore/imagecache"

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/vectorhook/hookcore/config"
	"github.com/vectorhook/hookcore/internal/log"
	"github.com/vectorhook/hookcore/libpf/pfelf"
	"github.com/vectorhook/hookcore/metrics"
)

// Library names a well-known slot.
type Library int

const (
	Art Library = iota
	Binder
	Linker
	Framework

	numLibraries
)

func (l Library) String() string {
	switch l {
	case Art:
		return "art"
	case Binder:
		return "binder"
	case Linker:
		return "linker"
	case Framework:
		return "framework"
	default:
		return fmt.Sprintf("Library(%d)", int(l))
	}
}

// Libraries lists every slot in lock order.
func Libraries() []Library {
	return []Library{Art, Binder, Linker, Framework}
}

// ParseLibrary returns the slot called s.
func ParseLibrary(s string) (Library, bool) {
	for _, lib := range Libraries() {
		if lib.String() == s {
			return lib, true
		}
	}
	return 0, false
}

// Opener opens the image of the library whose mapped path contains name.
type Opener func(name string) (*pfelf.Image, error)

// Option customizes a Cache.
type Option func(*Cache)

// WithOpener replaces the function used to open images.
func WithOpener(open Opener) Option {
	return func(c *Cache) {
		c.open = open
	}
}

type slot struct {
	mu  sync.Mutex
	img atomic.Pointer[pfelf.Image]
}

// Cache holds the images of the well-known libraries.
type Cache struct {
	names [numLibraries]string
	slots [numLibraries]slot
	open  Opener

	adhoc      *freelru.SyncedLRU[string, *pfelf.Image]
	adhocGroup singleflight.Group
}

func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// New creates a cache for the libraries named in cfg.
func New(cfg *config.Config, opts ...Option) (*Cache, error) {
	adhoc, err := freelru.NewSynced[string, *pfelf.Image](cfg.AdhocImageCacheSize, hashString)
	if err != nil {
		return nil, fmt.Errorf("failed to create image LRU: %w", err)
	}
	maxDebugData := cfg.MaxDebugDataSize
	c := &Cache{
		names: [numLibraries]string{
			Art:       cfg.ArtLibrary,
			Binder:    cfg.BinderLibrary,
			Linker:    cfg.LinkerPath,
			Framework: cfg.FrameworkLibrary,
		},
		open: func(name string) (*pfelf.Image, error) {
			return pfelf.OpenImage(name, pfelf.WithMaxDebugDataSize(maxDebugData))
		},
		adhoc: adhoc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the library name configured for lib.
func (c *Cache) Name(lib Library) string {
	if lib < 0 || lib >= numLibraries {
		return ""
	}
	return c.names[lib]
}

// openValid opens name and keeps the result only if it is a usable image.
func (c *Cache) openValid(name string) *pfelf.Image {
	img, err := c.open(name)
	if err != nil {
		log.Debugf("Failed to open %s: %v", name, err)
		return nil
	}
	if !img.Valid() {
		log.Debugf("Image %s is not valid", name)
		_ = img.Close()
		return nil
	}
	return img
}

// Get returns the image of lib, opening it on first use. It returns nil if
// the library cannot be opened; the next call tries again.
func (c *Cache) Get(lib Library) *pfelf.Image {
	if lib < 0 || lib >= numLibraries {
		return nil
	}
	s := &c.slots[lib]
	if img := s.img.Load(); img != nil {
		metrics.Add(metrics.IDImageCacheHits, 1)
		return img
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Contending call might have opened the image while we waited for the lock.
	if img := s.img.Load(); img != nil {
		metrics.Add(metrics.IDImageCacheHits, 1)
		return img
	}
	metrics.Add(metrics.IDImageCacheMisses, 1)
	img := c.openValid(c.names[lib])
	if img != nil {
		s.img.Store(img)
	}
	return img
}

// Art returns the image of the runtime library.
func (c *Cache) Art() *pfelf.Image {
	return c.Get(Art)
}

// Binder returns the image of the binder library.
func (c *Cache) Binder() *pfelf.Image {
	return c.Get(Binder)
}

// Linker returns the image of the dynamic linker.
func (c *Cache) Linker() *pfelf.Image {
	return c.Get(Linker)
}

// Framework returns the image of the framework resource library.
func (c *Cache) Framework() *pfelf.Image {
	return c.Get(Framework)
}

// Invalidate clears every slot holding img and reports whether one did.
func (c *Cache) Invalidate(img *pfelf.Image) bool {
	if img == nil {
		return false
	}
	found := false
	for i := range c.slots {
		s := &c.slots[i]
		s.mu.Lock()
		if s.img.CompareAndSwap(img, nil) {
			found = true
			metrics.Add(metrics.IDImageCacheInvalidations, 1)
		}
		s.mu.Unlock()
	}
	return found
}

// InvalidateAll clears every slot and the ad-hoc images. Slot locks are
// taken in Library order.
func (c *Cache) InvalidateAll() {
	for i := range c.slots {
		c.slots[i].mu.Lock()
	}
	for i := range c.slots {
		if c.slots[i].img.Swap(nil) != nil {
			metrics.Add(metrics.IDImageCacheInvalidations, 1)
		}
	}
	for i := len(c.slots) - 1; i >= 0; i-- {
		c.slots[i].mu.Unlock()
	}
	c.adhoc.Purge()
}

// Lookup returns an image for an arbitrary library name. Images are kept
// in an LRU; concurrent lookups of the same name open it once.
func (c *Cache) Lookup(name string) *pfelf.Image {
	if img, ok := c.adhoc.Get(name); ok {
		metrics.Add(metrics.IDImageCacheHits, 1)
		return img
	}
	v, _, _ := c.adhocGroup.Do(name, func() (any, error) {
		if img, ok := c.adhoc.Get(name); ok {
			return img, nil
		}
		metrics.Add(metrics.IDImageCacheMisses, 1)
		img := c.openValid(name)
		if img != nil {
			c.adhoc.Add(name, img)
		}
		return img, nil
	})
	img, _ := v.(*pfelf.Image)
	return img
}

// Forget drops name from the ad-hoc images.
func (c *Cache) Forget(name string) bool {
	return c.adhoc.Remove(name)
}
