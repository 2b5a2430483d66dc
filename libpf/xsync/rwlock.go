// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "github.com/vectorhook/hookcore/libpf/xsync"

import "sync"

// RWMutex couples a sync.RWMutex with the value it guards. The value is
// only reachable through RLock and WLock, and the unlock calls clear the
// borrowed pointer:
//
//	c := item.callbacks.RLock()
//	defer item.callbacks.RUnlock(&c)
//	return len(c.legacy)
//
// Using the pointer after unlocking crashes instead of racing silently.
type RWMutex[T any] struct {
	mutex   sync.RWMutex
	guarded T
}

// NewRWMutex returns a mutex guarding guarded.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{guarded: guarded}
}

// RLock locks for reading. The returned pointer must not be written
// through or retained past RUnlock.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock releases a read lock and clears *ref.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks for writing. The returned pointer must not be retained past
// WUnlock.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock releases a write lock and clears *ref.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
