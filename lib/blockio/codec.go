// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is a block compression primitive. Implementations compress
// one block at a time into a caller-provided buffer; they carry no
// per-stream state, so a single Codec value is safe for concurrent
// use by many workers.
type Codec interface {
	// Name is the codec's registry name ("lz4", "zstd", ...).
	Name() string

	// CompressBound returns the worst-case compressed size for an
	// input of uncompressedSize bytes.
	CompressBound(uncompressedSize int) int

	// Compress compresses src into dst and returns the number of
	// bytes written. dst must be at least CompressBound(len(src))
	// bytes. A return of (0, nil) means the data is incompressible
	// and should be stored raw.
	Compress(dst, src []byte) (int, error)

	// Decompress decompresses src into dst. len(dst) must be the
	// exact uncompressed size; producing any other length is an
	// error.
	Decompress(dst, src []byte) error
}

// DefaultCodecName selects the codec when configuration names none,
// or names one the registry does not know.
const DefaultCodecName = "lz4"

// Lookup returns the codec registered under name. Unrecognized names
// fall back to the default codec rather than failing — codec choice
// is a performance knob, not a correctness one, and a misspelled
// config value should not break a build.
func Lookup(name string) Codec {
	switch name {
	case "lz4":
		return lz4Codec{}
	case "zstd", "zstd-default":
		return zstdCodecFor(zstd.SpeedDefault, name)
	case "zstd-fastest":
		return zstdCodecFor(zstd.SpeedFastest, name)
	case "zstd-better":
		return zstdCodecFor(zstd.SpeedBetterCompression, name)
	case "zstd-best":
		return zstdCodecFor(zstd.SpeedBestCompression, name)
	default:
		return Lookup(DefaultCodecName)
	}
}

// --- LZ4 ---

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) CompressBound(uncompressedSize int) int {
	return lz4.CompressBlockBound(uncompressedSize)
}

func (lz4Codec) Compress(dst, src []byte) (int, error) {
	written, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return 0, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 when it determines the data is
	// incompressible; an output as large as the input is equally
	// not worth keeping.
	if written == 0 || written >= len(src) {
		return 0, nil
	}
	return written, nil
}

func (lz4Codec) Decompress(dst, src []byte) error {
	read, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != len(dst) {
		return fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, len(dst))
	}
	return nil
}

// --- zstd ---

// zstd encoders and decoders are expensive to construct, so one pair
// per speed level is created lazily and shared. Both are safe for
// concurrent use.
type zstdCodec struct {
	name    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var (
	zstdCodecsMu sync.Mutex
	zstdCodecs   = map[zstd.EncoderLevel]*zstdCodec{}
)

func zstdCodecFor(level zstd.EncoderLevel, name string) Codec {
	zstdCodecsMu.Lock()
	defer zstdCodecsMu.Unlock()
	if c, ok := zstdCodecs[level]; ok {
		return c
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		panic("blockio: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		panic("blockio: zstd decoder initialization failed: " + err.Error())
	}
	c := &zstdCodec{name: name, encoder: encoder, decoder: decoder}
	zstdCodecs[level] = c
	return c
}

func (c *zstdCodec) Name() string { return c.name }

func (c *zstdCodec) CompressBound(uncompressedSize int) int {
	// zstd's worst case is the input stored in raw blocks: 3 bytes of
	// block overhead per 128 KiB plus the frame header. The library
	// does not export its bound, so this over-provisions slightly.
	return uncompressedSize + uncompressedSize/255 + 512
}

func (c *zstdCodec) Compress(dst, src []byte) (int, error) {
	out := c.encoder.EncodeAll(src, dst[:0])
	if len(out) >= len(src) {
		return 0, nil
	}
	if len(out) > len(dst) {
		// EncodeAll reallocated past our buffer; the bound was
		// violated, which only happens with an undersized dst.
		return 0, fmt.Errorf("zstd compress: output %d exceeds buffer %d", len(out), len(dst))
	}
	if &out[0] != &dst[0] {
		copy(dst, out)
	}
	return len(out), nil
}

func (c *zstdCodec) Decompress(dst, src []byte) error {
	out, err := c.decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), len(dst))
	}
	if &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}
