// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionTag identifies the algorithm used for a stored log
// payload. Tags are persisted in the database (1 byte each), so the
// values are format constants.
type compressionTag uint8

const (
	// compressionNone stores the payload uncompressed. Used when the
	// payload is too small or does not shrink.
	compressionNone compressionTag = 0

	// compressionLZ4 is the fast default for medium payloads.
	compressionLZ4 compressionTag = 1

	// compressionZstd gives better ratios for large text payloads
	// (step output, build logs).
	compressionZstd compressionTag = 2
)

// zstdThreshold is the payload size above which zstd's better ratio
// is worth its CPU cost; smaller payloads use LZ4.
const zstdThreshold = 4096

// minCompressSize is the payload size below which compression is
// skipped entirely.
const minCompressSize = 128

// zstdEncoder and zstdDecoder are reused across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload compresses data with the algorithm appropriate to
// its size. Falls back to compressionNone when the output would not
// be smaller.
func compressPayload(data []byte) ([]byte, compressionTag) {
	if len(data) < minCompressSize {
		return data, compressionNone
	}

	if len(data) >= zstdThreshold {
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			return compressed, compressionZstd
		}
		return data, compressionNone
	}

	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)
	written, err := lz4.CompressBlock(data, destination, nil)
	// CompressBlock returns 0 for incompressible data.
	if err != nil || written == 0 || written >= len(data) {
		return data, compressionNone
	}
	return destination[:written], compressionLZ4
}

// decompressPayload reverses compressPayload. uncompressedSize must
// match the original length exactly.
func decompressPayload(data []byte, tag compressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(data) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d",
				len(data), uncompressedSize)
		}
		return data, nil

	case compressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case compressionZstd:
		result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
