// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package process reads the memory mappings of a running process and
// locates the load base of shared libraries within them.
package process // import "github.com/vectorhook/hookcore/process"

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/vectorhook/hookcore/internal/log"
)

// SelfPID selects the calling process in GetMappings.
const SelfPID = 0

var (
	// ErrNoMappings is returned when a maps file yields no mappings at all.
	ErrNoMappings = errors.New("no mappings")
	// ErrNoMatch is returned when no mapping path contains the library name.
	ErrNoMatch = errors.New("no mapping matches library")
)

var bufPool = sync.Pool{
	New: func() any {
		// To avoid unnecessary allocations the buffer is sized for the
		// longest realistic maps line.
		buf := make([]byte, 8192)
		return &buf
	},
}

// trimMappingPath removes the kernel annotation of unlinked files.
func trimMappingPath(path string) string {
	// See path_with_deleted in linux/fs/d_path.c
	return strings.TrimSuffix(path, " (deleted)")
}

func parseFlags(perms string) (elf.ProgFlag, bool, bool) {
	if len(perms) < 4 {
		return 0, false, false
	}
	flags := elf.ProgFlag(0)
	if perms[0] == 'r' {
		flags |= elf.PF_R
	}
	if perms[1] == 'w' {
		flags |= elf.PF_W
	}
	if perms[2] == 'x' {
		flags |= elf.PF_X
	}
	return flags, perms[3] == 'p', true
}

var errMalformedLine = errors.New("malformed maps line")

// nextField returns the first blank separated field of s and the rest.
func nextField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

func parseHex(what, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", errMalformedLine, what, s)
	}
	return v, nil
}

// parseMapsLine parses one line of the form
//
//	start-end perms offset major:minor inode [path]
func parseMapsLine(line string) (Mapping, error) {
	var fields [5]string
	rest := line
	for i := range fields {
		if fields[i], rest = nextField(rest); fields[i] == "" {
			return Mapping{}, fmt.Errorf("%w: %d fields", errMalformedLine, i)
		}
	}

	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, fmt.Errorf("%w: range %q", errMalformedLine, fields[0])
	}
	vaddr, err := parseHex("start", start)
	if err != nil {
		return Mapping{}, err
	}
	vend, err := parseHex("end", end)
	if err != nil {
		return Mapping{}, err
	}
	if vend < vaddr {
		return Mapping{}, fmt.Errorf("%w: inverted range %q", errMalformedLine, fields[0])
	}
	flags, private, ok := parseFlags(fields[1])
	if !ok {
		return Mapping{}, fmt.Errorf("%w: perms %q", errMalformedLine, fields[1])
	}
	fileOffset, err := parseHex("offset", fields[2])
	if err != nil {
		return Mapping{}, err
	}
	majorStr, minorStr, ok := strings.Cut(fields[3], ":")
	if !ok {
		return Mapping{}, fmt.Errorf("%w: device %q", errMalformedLine, fields[3])
	}
	major, err := parseHex("major", majorStr)
	if err != nil {
		return Mapping{}, err
	}
	minor, err := parseHex("minor", minorStr)
	if err != nil {
		return Mapping{}, err
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: inode %q", errMalformedLine, fields[4])
	}

	return Mapping{
		Vaddr:      vaddr,
		Length:     vend - vaddr,
		Flags:      flags,
		Private:    private,
		FileOffset: fileOffset,
		Device:     major<<8 + minor,
		Inode:      inode,
		Path:       trimMappingPath(strings.TrimLeft(rest, " \t")),
	}, nil
}

// ParseMappings parses the contents of a /proc/<pid>/maps file. Unlike a
// profiler view of the address space, every mapping is kept: inaccessible
// guard mappings and pseudo files take part in base discovery ordering.
// The second return value counts lines that could not be parsed.
func ParseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanBuf := bufPool.Get().(*[]byte)
	defer bufPool.Put(scanBuf)

	scanner.Buffer(*scanBuf, 8192)
	for scanner.Scan() {
		m, err := parseMapsLine(scanner.Text())
		if err != nil {
			log.Debugf("Skipping mapping: %v", err)
			numParseErrors++
			continue
		}
		mappings = append(mappings, m)
	}
	return mappings, numParseErrors, scanner.Err()
}

// GetMappings reads and parses the mappings of the process with the given
// PID, or of the calling process for SelfPID.
func GetMappings(pid int) ([]Mapping, uint32, error) {
	mapsPath := "/proc/self/maps"
	if pid != SelfPID {
		mapsPath = fmt.Sprintf("/proc/%d/maps", pid)
	}
	mapsFile, err := os.Open(mapsPath)
	if err != nil {
		return nil, 0, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := ParseMappings(mapsFile)
	if err != nil {
		return mappings, numParseErrors, err
	}
	if len(mappings) == 0 {
		return nil, numParseErrors, ErrNoMappings
	}
	if numParseErrors > 0 {
		log.Debugf("%s: %d unparsable lines", mapsPath, numParseErrors)
	}
	return mappings, numParseErrors, nil
}

// MatchingMappings returns, in address order, the mappings whose path
// contains name.
func MatchingMappings(mappings []Mapping, name string) []Mapping {
	var matches []Mapping
	for idx := range mappings {
		if mappings[idx].Path != "" && strings.Contains(mappings[idx].Path, name) {
			matches = append(matches, mappings[idx])
		}
	}
	return matches
}

// FindModuleBase picks the mapping holding the load base of the library
// identified by name. Among the mappings whose path contains name, the
// first read-only private mapping directly followed by a read-execute
// private mapping wins. Failing that the first read-execute private mapping
// is used, then the first readable match, and finally the first match.
func FindModuleBase(mappings []Mapping, name string) (Mapping, error) {
	matches := MatchingMappings(mappings, name)
	if len(matches) == 0 {
		return Mapping{}, fmt.Errorf("%s: %w", name, ErrNoMatch)
	}

	for i := 0; i+1 < len(matches); i++ {
		if matches[i].isPerms(elf.PF_R) && matches[i+1].isPerms(elf.PF_R|elf.PF_X) {
			return matches[i], nil
		}
	}
	for i := range matches {
		if matches[i].isPerms(elf.PF_R | elf.PF_X) {
			return matches[i], nil
		}
	}
	for i := range matches {
		if matches[i].IsReadable() {
			return matches[i], nil
		}
	}
	return matches[0], nil
}
