// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/vectorhook/hookcore/libpf/pfelf"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decompressSection inflates an SHF_COMPRESSED section. raw starts with the
// class specific Chdr.
func decompressSection(raw []byte, class elf.Class, limit uint64) ([]byte, error) {
	le := binary.LittleEndian
	var typ elf.CompressionType
	var size uint64
	var hdrLen int
	switch class {
	case elf.ELFCLASS32:
		hdrLen = 12
		if len(raw) < hdrLen {
			return nil, fmt.Errorf("truncated Chdr32 (%d bytes)", len(raw))
		}
		typ = elf.CompressionType(le.Uint32(raw[0:]))
		size = uint64(le.Uint32(raw[4:]))
	default:
		hdrLen = 24
		if len(raw) < hdrLen {
			return nil, fmt.Errorf("truncated Chdr64 (%d bytes)", len(raw))
		}
		typ = elf.CompressionType(le.Uint32(raw[0:]))
		size = le.Uint64(raw[8:])
	}
	if size > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrSectionTooLarge, size, limit)
	}
	payload := raw[hdrLen:]

	switch typ {
	case elf.COMPRESS_ZLIB:
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer r.Close()
		out := make([]byte, size)
		if _, err = io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		return out, nil
	case elf.COMPRESS_ZSTD:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(limit))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if uint64(len(out)) != size {
			return nil, fmt.Errorf("zstd: decoded %d bytes, header says %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported section compression %v", typ)
	}
}
