// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hookregistry keeps the callback chains of hooked methods.
//
// Each target is patched exactly once, by the goroutine that created its
// item. Every other caller waits for that outcome. A failed patch is
// permanent for the target.
package hookregistry // import "github.com/vectorhook/hookcore/hookregistry"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/vectorhook/hookcore/config"
	"github.com/vectorhook/hookcore/internal/log"
	"github.com/vectorhook/hookcore/libpf/xsync"
	"github.com/vectorhook/hookcore/metrics"
)

var (
	errNoBackup   = errors.New("hooker returned no backup")
	errHookPanics = errors.New("hooker panicked")
)

type chains struct {
	legacy []Entry
	modern []Entry
}

func (c *chains) chain(v Variant) *[]Entry {
	if v == Modern {
		return &c.modern
	}
	return &c.legacy
}

// item holds the state of one target. Items are never removed.
type item struct {
	target    TargetID
	backup    xsync.Latch[Resolution]
	callbacks xsync.RWMutex[chains]
}

type shard = xsync.RWMutex[map[TargetID]*item]

// Registry maps targets to their callback chains.
type Registry struct {
	shards []shard
	mask   uint64
	hooker Hooker
}

// New creates a registry that patches targets through hooker.
func New(cfg *config.Config, hooker Hooker) *Registry {
	n := cfg.HookShards
	if n == 0 || n&(n-1) != 0 {
		n = config.DefaultHookShards
	}
	r := &Registry{
		shards: make([]shard, n),
		mask:   uint64(n - 1),
		hooker: hooker,
	}
	for i := range r.shards {
		r.shards[i] = xsync.NewRWMutex(map[TargetID]*item{})
	}
	return r
}

func (r *Registry) shard(target TargetID) *shard {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(target))
	return &r.shards[xxh3.Hash(key[:])&r.mask]
}

func (r *Registry) get(target TargetID) *item {
	s := r.shard(target)
	m := s.RLock()
	defer s.RUnlock(&m)
	return (*m)[target]
}

// getOrCreate returns the item of target and whether this call created it.
func (r *Registry) getOrCreate(target TargetID) (*item, bool) {
	if it := r.get(target); it != nil {
		return it, false
	}
	s := r.shard(target)
	m := s.WLock()
	defer s.WUnlock(&m)
	if it, ok := (*m)[target]; ok {
		return it, false
	}
	it := &item{target: target}
	(*m)[target] = it
	return it, true
}

// hook calls the hooker, turning a panic into an error so that the
// outcome is always published.
func (r *Registry) hook(target TargetID) (backup Backup, err error) {
	defer func() {
		if p := recover(); p != nil {
			backup, err = nil, fmt.Errorf("%w: %v", errHookPanics, p)
		}
	}()
	return r.hooker.Hook(target)
}

// resolve patches the target of a freshly created item and publishes the
// outcome.
func (r *Registry) resolve(it *item) {
	start := time.Now()
	backup, err := r.hook(it.target)
	if err == nil && backup == nil {
		err = errNoBackup
	}

	res := Resolution{State: Resolved, Backup: backup}
	if err != nil {
		res = Resolution{State: Failed, Err: err}
		metrics.Add(metrics.IDHookPatchFailures, 1)
		log.Warnf("Failed to hook target 0x%x: %v", it.target, err)
	} else {
		metrics.Add(metrics.IDHookPatches, 1)
		log.Debugf("Hooked target 0x%x in %v", it.target, time.Since(start))
	}
	it.backup.Publish(res)
}

func failedError(target TargetID, res *Resolution) error {
	return fmt.Errorf("target 0x%x: %w: %w", target, ErrHookFailed, res.Err)
}

// Install adds cb with priority to the variant chain of target, patching
// the target on first use. Concurrent first installs patch once and all
// observe the same outcome.
func (r *Registry) Install(target TargetID, priority int32, cb Callback, variant Variant) error {
	if variant != Legacy && variant != Modern {
		return fmt.Errorf("%w: %v", ErrInvalidVariant, variant)
	}
	it, created := r.getOrCreate(target)
	if created {
		r.resolve(it)
	}
	res := it.backup.Wait()
	if res.State == Failed {
		return failedError(target, &res)
	}

	c := it.callbacks.WLock()
	defer it.callbacks.WUnlock(&c)
	chain := c.chain(variant)
	// Insert after the last entry with a priority not lower than ours.
	idx := sort.Search(len(*chain), func(i int) bool {
		return (*chain)[i].Priority < priority
	})
	*chain = slices.Insert(*chain, idx, Entry{Priority: priority, Callback: cb})
	metrics.Add(metrics.IDHookInstalls, 1)
	return nil
}

// Remove deletes the first callback with the given ID from the variant
// chain of target. It reports whether an entry was removed.
func (r *Registry) Remove(target TargetID, id CallbackID, variant Variant) bool {
	it := r.get(target)
	if it == nil {
		return false
	}
	if res := it.backup.Load(); res == nil || res.State != Resolved {
		return false
	}

	c := it.callbacks.WLock()
	defer it.callbacks.WUnlock(&c)
	chain := c.chain(variant)
	idx := slices.IndexFunc(*chain, func(e Entry) bool {
		return e.Callback.ID == id
	})
	if idx < 0 {
		return false
	}
	*chain = slices.Delete(*chain, idx, idx+1)
	metrics.Add(metrics.IDHookRemovals, 1)
	return true
}

// InvokeOriginal calls the original implementation of target, waiting for
// a concurrent first install to finish patching.
func (r *Registry) InvokeOriginal(target TargetID, receiver any, args []any) (any, error) {
	it := r.get(target)
	if it == nil {
		return nil, fmt.Errorf("target 0x%x: %w", target, ErrNotHooked)
	}
	res := it.backup.Wait()
	if res.State == Failed {
		return nil, failedError(target, &res)
	}
	return res.Backup.Invoke(receiver, args)
}

// Snapshot returns copies of both chains of target. The boolean is false
// if target was never hooked.
func (r *Registry) Snapshot(target TargetID) (Snapshot, bool) {
	it := r.get(target)
	if it == nil {
		return Snapshot{}, false
	}
	c := it.callbacks.RLock()
	defer it.callbacks.RUnlock(&c)
	return Snapshot{
		Modern: slices.Clone(c.modern),
		Legacy: slices.Clone(c.legacy),
	}, true
}

// Resolution returns the patch outcome of target. The boolean is false if
// target was never hooked.
func (r *Registry) Resolution(target TargetID) (Resolution, bool) {
	it := r.get(target)
	if it == nil {
		return Resolution{}, false
	}
	if res := it.backup.Load(); res != nil {
		return *res, true
	}
	return Resolution{State: Unresolved}, true
}

// Len returns the number of targets known to the registry.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		m := r.shards[i].RLock()
		n += len(*m)
		r.shards[i].RUnlock(&m)
	}
	return n
}
