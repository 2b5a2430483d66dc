// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/vectorhook/hookcore/process"

import (
	"debug/elf"
	"strings"
)

// Mapping contains information about a memory mapping
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping
	Vaddr uint64
	// Length is the length of the mapping
	Length uint64
	// Flags contains the mapping permissions
	Flags elf.ProgFlag
	// Private is set for copy-on-write mappings ('p'), cleared for shared ones ('s')
	Private bool
	// FileOffset contains for file backed mappings the offset from the file start
	FileOffset uint64
	// Device holds the device ID where the file is located
	Device uint64
	// Inode holds the mapped file's inode number
	Inode uint64
	// Path contains the file name for file backed mappings
	Path string
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

func (m *Mapping) IsReadable() bool {
	return m.Flags&elf.PF_R == elf.PF_R
}

func (m *Mapping) IsAnonymous() bool {
	return m.Path == "" || strings.HasPrefix(m.Path, "/memfd:")
}

// End returns the first address past the mapping.
func (m *Mapping) End() uint64 {
	return m.Vaddr + m.Length
}

// Perms renders the permission column the way the kernel prints it.
func (m *Mapping) Perms() string {
	var b [4]byte
	b[0], b[1], b[2], b[3] = '-', '-', '-', 's'
	if m.Flags&elf.PF_R != 0 {
		b[0] = 'r'
	}
	if m.Flags&elf.PF_W != 0 {
		b[1] = 'w'
	}
	if m.Flags&elf.PF_X != 0 {
		b[2] = 'x'
	}
	if m.Private {
		b[3] = 'p'
	}
	return string(b[:])
}

// isPerms reports whether the mapping is a private mapping with exactly the
// given read/write/execute flags.
func (m *Mapping) isPerms(flags elf.ProgFlag) bool {
	return m.Private && m.Flags == flags
}
