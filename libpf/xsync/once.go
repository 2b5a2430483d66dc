// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "github.com/vectorhook/hookcore/libpf/xsync"

import (
	"sync"
	"sync/atomic"
)

type outcome[T any] struct {
	value T
	err   error
}

// Once runs an initializer at most once and remembers its outcome, a
// failure included. Concurrent callers block until the first one is done.
//
// Does not need explicit construction: simply do Once[MyType]{}.
type Once[T any] struct {
	mu   sync.Mutex
	done atomic.Pointer[outcome[T]]
}

// Do returns the outcome of init, running it on the first call only.
func (o *Once[T]) Do(init func() (T, error)) (T, error) {
	if r := o.done.Load(); r != nil {
		return r.value, r.err
	}
	// Outlined slow path keeps the fast path inlinable.
	return o.doSlow(init)
}

func (o *Once[T]) doSlow(init func() (T, error)) (T, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r := o.done.Load(); r != nil {
		return r.value, r.err
	}
	value, err := init()
	o.done.Store(&outcome[T]{value: value, err: err})
	return value, err
}

// Peek returns the value if Do completed without error.
func (o *Once[T]) Peek() (T, bool) {
	if r := o.done.Load(); r != nil && r.err == nil {
		return r.value, true
	}
	var zero T
	return zero, false
}
