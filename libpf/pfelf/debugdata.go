// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/vectorhook/hookcore/libpf/pfelf"

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// decodeDebugData decompresses the xz stream of a .gnu_debugdata section.
// The output buffer starts at four times the input size and doubles until
// the stream ends or limit is reached.
func decodeDebugData(raw []byte, limit uint64) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("xz: %w", err)
	}

	out := make([]byte, min(max(4*uint64(len(raw)), 4096), limit))
	n := 0
	for {
		if n == len(out) {
			if uint64(len(out)) >= limit {
				// Full at the cap: only an immediately ending stream fits.
				var probe [1]byte
				m, err := r.Read(probe[:])
				if m == 0 && errors.Is(err, io.EOF) {
					return out, nil
				}
				return nil, fmt.Errorf("%w: more than %d bytes", ErrSectionTooLarge, limit)
			}
			grown := make([]byte, min(2*uint64(len(out)), limit))
			copy(grown, out)
			out = grown
		}
		m, err := r.Read(out[n:])
		n += m
		if errors.Is(err, io.EOF) {
			return out[:n], nil
		}
		if err != nil {
			return nil, fmt.Errorf("xz: %w", err)
		}
	}
}

// loadDebugData decodes raw and returns the .symtab of the embedded object.
func loadDebugData(raw []byte, limit uint64) (symbolTable, error) {
	decoded, err := decodeDebugData(raw, limit)
	if err != nil {
		return symbolTable{}, err
	}
	inner, err := parseSections(decoded, limit)
	if err != nil {
		return symbolTable{}, fmt.Errorf("embedded object: %w", err)
	}
	if !inner.symtab.valid() {
		return symbolTable{}, fmt.Errorf("embedded object: %w", ErrNoDebugData)
	}
	return inner.symtab, nil
}
