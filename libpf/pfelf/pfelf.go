// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pfelf resolves symbols of shared libraries that are mapped into a
// running process by reading their on-disk ELF image.
//
// An Image is located through the process mappings, memory-mapped read-only
// and indexed from its section headers. Lookups consult the GNU hash table,
// then the SysV hash table, then a name ordered table built from .symtab or
// from the xz compressed .gnu_debugdata object embedded by Android builds.
package pfelf // import "github.com/vectorhook/hookcore/libpf/pfelf"

import (
	"errors"

	"github.com/vectorhook/hookcore/config"
	"github.com/vectorhook/hookcore/process"
)

var (
	// ErrNotELF is returned for files without a valid little-endian ELF header.
	ErrNotELF = errors.New("not a little-endian ELF file")
	// ErrNoBase is returned when the library is not mapped into the process.
	ErrNoBase = errors.New("library base not found")
	// ErrSymbolNotFound is returned by Lookup for unknown symbols.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrNoDebugData is returned when an image carries no usable .gnu_debugdata.
	ErrNoDebugData = errors.New("no .gnu_debugdata")
	// ErrNoBuildID is returned when the image has no GNU build ID note.
	ErrNoBuildID = errors.New("no build ID")
	// ErrSectionTooLarge is returned when a decoded section exceeds the size cap.
	ErrSectionTooLarge = errors.New("decoded section too large")
)

// ImageOption customizes OpenImage and OpenFile.
type ImageOption func(*imageOptions)

type imageOptions struct {
	mappings         []process.Mapping
	pid              int
	maxDebugDataSize uint64
}

func newImageOptions(opts []ImageOption) imageOptions {
	o := imageOptions{
		pid:              process.SelfPID,
		maxDebugDataSize: config.DefaultMaxDebugDataSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMappings makes base discovery use the given mappings instead of
// reading them from /proc.
func WithMappings(mappings []process.Mapping) ImageOption {
	return func(o *imageOptions) {
		o.mappings = mappings
	}
}

// WithPID makes base discovery read the mappings of another process.
func WithPID(pid int) ImageOption {
	return func(o *imageOptions) {
		o.pid = pid
	}
}

// WithMaxDebugDataSize caps the decoded size of .gnu_debugdata and of
// compressed symbol sections.
func WithMaxDebugDataSize(size uint64) ImageOption {
	return func(o *imageOptions) {
		if size > 0 {
			o.maxDebugDataSize = size
		}
	}
}
