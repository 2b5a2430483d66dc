// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mmap provides read-only file mappings with bounds-checked views.
package mmap // import "github.com/vectorhook/hookcore/libpf/pfelf/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalRequest indicates that the requested data exceeds the available mapped data.
	ErrInvalRequest = errors.New("invalid request")
	// ErrClosed is returned for accesses after Close.
	ErrClosed = errors.New("mmap: closed")
)

// File is a read-only private mapping of a whole file.
//
// Reads may run in parallel, but Close must not race with them. Views
// returned by Bytes and Slice are valid while the File is open and
// reachable; an unreachable File is unmapped by a cleanup.
type File struct {
	data    []byte
	closed  bool
	cleanup runtime.Cleanup
}

func unmap(data []byte) {
	_ = unix.Munmap(data)
}

// Map maps the file at path.
func Map(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	switch {
	case size == 0:
		// mmap(2) rejects a zero length.
		return &File{data: []byte{}}, nil
	case size < 0 || size > math.MaxInt:
		return nil, fmt.Errorf("mmap: %s has unsupported size %d", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	m := &File{data: data}
	m.cleanup = runtime.AddCleanup(m, unmap, data)
	return m, nil
}

// Close unmaps the file. Closing twice is a no-op.
func (m *File) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	data := m.data
	m.data = nil
	if len(data) == 0 {
		return nil
	}
	m.cleanup.Stop()
	return unix.Munmap(data)
}

// Len returns the size of the mapped file.
func (m *File) Len() int {
	return len(m.data)
}

// Bytes returns the whole mapping.
func (m *File) Bytes() ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	return m.data[:len(m.data):len(m.data)], nil
}

// Slice returns a view of length bytes at offset.
func (m *File) Slice(offset, length uint64) ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	size := uint64(len(m.data))
	if offset > size || length > size-offset {
		return nil, fmt.Errorf("requested data %d at 0x%x exceeds %d: %w",
			length, offset, size, ErrInvalRequest)
	}
	end := offset + length
	return m.data[offset:end:end], nil
}

// ReadAt implements io.ReaderAt.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("mmap: negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
