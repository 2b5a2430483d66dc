// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport builds fixtures for hookcore tests: synthetic ELF
// shared objects, maps files and random-access readers.
package testsupport // import "github.com/vectorhook/hookcore/testsupport"

import (
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// ValidateReaderAt samples random windows of reference through testee and
// fails the test if any read differs, including reads running past the end.
func ValidateReaderAt(tb testing.TB, iterations uint, reference []byte, testee io.ReaderAt) {
	tb.Helper()
	size := uint64(len(reference))
	r := rand.New(rand.NewPCG(0, 0)) //nolint:gosec
	for range iterations {
		length := r.Uint64() % size
		start := r.Uint64() % size

		buf := make([]byte, length)
		n, err := testee.ReadAt(buf, int64(start))

		want := min(size-start, length)
		if want != length {
			require.ErrorIs(tb, err, io.EOF)
		} else {
			require.NoError(tb, err)
		}
		require.Equal(tb, int(want), n)
		require.Equal(tb, reference[start:start+want], buf[:want])
	}
}

// PatternBytes returns size bytes repeating the sequence 0..seqLen-1.
func PatternBytes(seqLen uint8, size uint) []byte {
	out := make([]byte, 0, size)
	for i := range size {
		out = append(out, byte(i%uint(seqLen)))
	}
	return out
}
