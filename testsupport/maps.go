// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/vectorhook/hookcore/testsupport"

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/vectorhook/hookcore/process"
)

// LibraryMappings returns the mappings a dynamic loader typically creates
// for a library at base: a read-only head, the executable text and a
// writable tail.
func LibraryMappings(path string, base uint64) []process.Mapping {
	return []process.Mapping{
		{Vaddr: base, Length: 0x1000, Flags: elf.PF_R, Private: true, Path: path},
		{Vaddr: base + 0x1000, Length: 0x4000, Flags: elf.PF_R | elf.PF_X, Private: true,
			FileOffset: 0x1000, Path: path},
		{Vaddr: base + 0x5000, Length: 0x1000, Flags: elf.PF_R | elf.PF_W, Private: true,
			FileOffset: 0x5000, Path: path},
	}
}

// FormatMaps renders mappings in /proc/<pid>/maps syntax.
func FormatMaps(mappings []process.Mapping) string {
	var sb strings.Builder
	for _, m := range mappings {
		fmt.Fprintf(&sb, "%x-%x %s %08x %02x:%02x %d",
			m.Vaddr, m.End(), m.Perms(), m.FileOffset, m.Device>>8, m.Device&0xff, m.Inode)
		if m.Path != "" {
			fmt.Fprintf(&sb, "                    %s", m.Path)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
