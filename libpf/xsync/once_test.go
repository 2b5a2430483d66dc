// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vectorhook/hookcore/libpf/xsync"
)

func TestOnceRunsOnce(t *testing.T) {
	var once xsync.Once[[]string]
	_, ok := once.Peek()
	assert.False(t, ok)

	var calls atomic.Int32
	var g errgroup.Group
	for range 32 {
		g.Go(func() error {
			v, err := once.Do(func() ([]string, error) {
				calls.Add(1)
				return []string{"libart.so"}, nil
			})
			if err == nil && len(v) != 1 {
				return errors.New("unexpected value")
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), calls.Load())

	v, ok := once.Peek()
	require.True(t, ok)
	assert.Equal(t, []string{"libart.so"}, v)
}

func TestOnceRemembersFailure(t *testing.T) {
	var once xsync.Once[int]
	failure := errors.New("loader routine not found")

	_, err := once.Do(func() (int, error) { return 0, failure })
	require.ErrorIs(t, err, failure)

	v, err := once.Do(func() (int, error) { return 42, nil })
	require.ErrorIs(t, err, failure)
	assert.Zero(t, v)

	_, ok := once.Peek()
	assert.False(t, ok)
}

func TestOnceRetriesAfterPanic(t *testing.T) {
	var once xsync.Once[string]
	assert.Panics(t, func() {
		_, _ = once.Do(func() (string, error) { panic("boom") })
	})
	v, err := once.Do(func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
