// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "github.com/vectorhook/hookcore/libpf/xsync"

import (
	"sync"
	"sync/atomic"
)

// Latch holds a value that is published at most once. Readers either observe
// the published value without locking, or block until it is published.
//
// Does not need explicit construction: simply do Latch[MyType]{}.
type Latch[T any] struct {
	value atomic.Pointer[T]

	// done is closed on publication. It is created lazily under mu so
	// that the zero Latch is usable.
	mu   sync.Mutex
	done chan struct{}
}

func (l *Latch[T]) doneChan() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

// Publish stores v if nothing was published before and wakes all waiters.
// It reports whether v was stored.
func (l *Latch[T]) Publish(v T) bool {
	if !l.value.CompareAndSwap(nil, &v) {
		return false
	}
	close(l.doneChan())
	return true
}

// Load returns the published value, or nil if nothing was published yet.
func (l *Latch[T]) Load() *T {
	return l.value.Load()
}

// Wait blocks until a value is published and returns it.
func (l *Latch[T]) Wait() T {
	if v := l.value.Load(); v != nil {
		return *v
	}
	<-l.doneChan()
	return *l.value.Load()
}
