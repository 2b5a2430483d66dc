// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/vectorhook/hookcore/libpf/pfelf"

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const noteTypeGNUBuildID = 3

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// findNote returns the descriptor of the first note with the given owner
// name and type. Notes are laid out as namesz, descsz, type, then the
// NUL terminated name and the descriptor, each padded to four bytes.
func findNote(section []byte, name string, noteType uint32) ([]byte, error) {
	le := binary.LittleEndian
	size := uint64(len(section))
	for off := uint64(0); off+12 <= size; {
		nameSize := uint64(le.Uint32(section[off:]))
		descSize := uint64(le.Uint32(section[off+4:]))
		typ := le.Uint32(section[off+8:])

		nameStart := off + 12
		descStart := nameStart + align4(nameSize)
		descEnd := descStart + descSize
		if descStart > size || descEnd > size {
			return nil, fmt.Errorf("note at 0x%x overruns section of %d bytes", off, size)
		}
		if typ == noteType && nameSize == uint64(len(name))+1 &&
			string(section[nameStart:nameStart+nameSize-1]) == name {
			return section[descStart:descEnd], nil
		}
		off = descStart + align4(descSize)
	}
	return nil, ErrNoBuildID
}

func buildIDFromNotes(section []byte) (string, error) {
	desc, err := findNote(section, "GNU", noteTypeGNUBuildID)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(desc), nil
}
