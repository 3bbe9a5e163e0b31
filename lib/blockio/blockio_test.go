// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/castore/lib/bufpool"
	"github.com/bureau-foundation/castore/lib/caskey"
	"github.com/bureau-foundation/castore/lib/workpool"
)

// Small slots force multi-block streams without huge test inputs.
const testSlotSize = 8 * 1024

func testPools(t *testing.T) (*bufpool.Pool, *workpool.Pool) {
	t.Helper()
	workers := workpool.New(4)
	t.Cleanup(workers.Close)
	return bufpool.New(8, testSlotSize), workers
}

func compressible(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 31)
	}
	return data
}

func incompressible(size int) []byte {
	data := make([]byte, size)
	rand.Read(data)
	return data
}

func TestCompressDecompressRoundtrip(t *testing.T) {
	slots, workers := testPools(t)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{42}},
		{"single block", compressible(1000)},
		{"multi block", compressible(100 * 1024)},
		{"multi block incompressible", incompressible(100 * 1024)},
		{"mixed", append(compressible(50*1024), incompressible(50*1024)...)},
	}

	for _, codecName := range []string{"lz4", "zstd"} {
		codec := Lookup(codecName)
		for _, parallel := range []bool{false, true} {
			pool := workers
			if !parallel {
				pool = nil
			}
			for _, tt := range tests {
				t.Run(fmt.Sprintf("%s/parallel=%v/%s", codecName, parallel, tt.name), func(t *testing.T) {
					compressor := NewCompressor(CompressorOptions{
						Codec: codec, Slots: slots, Workers: pool,
					})
					dst := NewMemWriter(0, 0, "test")
					written, err := compressor.Compress(dst, tt.data)
					if err != nil {
						t.Fatalf("Compress failed: %v", err)
					}
					if written != dst.Written() {
						t.Errorf("Compress returned %d, sink recorded %d", written, dst.Written())
					}

					decompressor := NewDecompressor(DecompressorOptions{
						Codec: codec, Slots: slots, Workers: pool,
					})
					out := make([]byte, len(tt.data))
					if err := decompressor.DecompressStream(out, dst.Bytes()); err != nil {
						t.Fatalf("DecompressStream failed: %v", err)
					}
					if !bytes.Equal(out, tt.data) {
						t.Error("roundtrip mismatch")
					}
				})
			}
		}
	}
}

func TestParallelOutputMatchesSerial(t *testing.T) {
	// Block order on the wire must not depend on compute order.
	slots, workers := testPools(t)
	data := compressible(300 * 1024)

	serial := NewCompressor(CompressorOptions{Slots: slots})
	serialDst := NewMemWriter(0, 0, "serial")
	if _, err := serial.Compress(serialDst, data); err != nil {
		t.Fatalf("serial Compress failed: %v", err)
	}

	for range 5 {
		parallel := NewCompressor(CompressorOptions{Slots: slots, Workers: workers})
		parallelDst := NewMemWriter(0, 0, "parallel")
		if _, err := parallel.Compress(parallelDst, data); err != nil {
			t.Fatalf("parallel Compress failed: %v", err)
		}
		if !bytes.Equal(serialDst.Bytes(), parallelDst.Bytes()) {
			t.Fatal("parallel output differs from serial output")
		}
	}
}

// delayCodec wraps a codec with a random per-block sleep, shuffling
// the compute order of parallel workers without changing the bytes.
type delayCodec struct {
	Codec
}

func (c delayCodec) Compress(dst, src []byte) (int, error) {
	time.Sleep(time.Duration(mrand.IntN(3)) * time.Millisecond)
	return c.Codec.Compress(dst, src)
}

func TestOrderingUnderAdversarialScheduling(t *testing.T) {
	slots, workers := testPools(t)
	data := compressible(200 * 1024)

	serial := NewCompressor(CompressorOptions{Slots: slots})
	want := NewMemWriter(0, 0, "serial")
	if _, err := serial.Compress(want, data); err != nil {
		t.Fatalf("serial Compress failed: %v", err)
	}

	delayed := NewCompressor(CompressorOptions{
		Codec:   delayCodec{Lookup(DefaultCodecName)},
		Slots:   slots,
		Workers: workers,
	})
	for range 3 {
		got := NewMemWriter(0, 0, "delayed")
		if _, err := delayed.Compress(got, data); err != nil {
			t.Fatalf("delayed Compress failed: %v", err)
		}
		if !bytes.Equal(got.Bytes(), want.Bytes()) {
			t.Fatal("random per-block delay changed the output byte order")
		}
	}
}

func TestEndToEndLargeBuffer(t *testing.T) {
	// 10 MiB through a 64 KiB block policy with 4 workers on both
	// sides, verified by content hash.
	workers := workpool.New(4)
	defer workers.Close()
	slots := bufpool.New(8, 128*1024)

	data := make([]byte, 10*1024*1024)
	rand.Read(data)
	key := caskey.Calculate(data, false, workers)

	compressor := NewCompressor(CompressorOptions{Slots: slots, Workers: workers})
	stream := NewMemWriter(len(data), 0, "e2e")
	if _, err := compressor.Compress(stream, data); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	decompressor := NewDecompressor(DecompressorOptions{Slots: slots, Workers: workers})
	out := make([]byte, len(data))
	if err := decompressor.DecompressStream(out, stream.Bytes()); err != nil {
		t.Fatalf("DecompressStream failed: %v", err)
	}
	if got := caskey.Calculate(out, false, workers); got != key {
		t.Errorf("decompressed content hashes to %s, want %s", got, key)
	}
}

func TestIncompressibleBlocksStoredRaw(t *testing.T) {
	slots, _ := testPools(t)
	data := incompressible(50 * 1024)

	compressor := NewCompressor(CompressorOptions{Slots: slots})
	dst := NewMemWriter(0, 0, "raw")
	written, err := compressor.Compress(dst, data)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	// Every block header of random data should declare equal sizes.
	stream := dst.Bytes()[StreamHeaderSize:]
	blockCount := 0
	for pos := 0; pos < len(stream); {
		compressedSize, uncompressedSize := blockHeader(stream[pos:])
		if compressedSize != uncompressedSize {
			t.Errorf("block %d: random data compressed %d -> %d", blockCount, uncompressedSize, compressedSize)
		}
		pos += BlockHeaderSize + int(compressedSize)
		blockCount++
	}

	// Overhead is bounded by the headers.
	maxExpected := int64(len(data)) + int64(StreamHeaderSize) + int64(blockCount*BlockHeaderSize)
	if written > maxExpected {
		t.Errorf("stream is %d bytes, want at most %d", written, maxExpected)
	}
}

func TestDecompressRejectsCorruptStreams(t *testing.T) {
	slots, workers := testPools(t)
	data := compressible(60 * 1024)

	compressor := NewCompressor(CompressorOptions{Slots: slots})
	dst := NewMemWriter(0, 0, "corrupt")
	if _, err := compressor.Compress(dst, data); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	good := dst.Bytes()

	corrupt := func(mutate func(stream []byte) []byte) []byte {
		stream := bytes.Clone(good)
		return mutate(stream)
	}

	tests := []struct {
		name   string
		stream []byte
	}{
		{"missing header", corrupt(func(s []byte) []byte { return s[:4] })},
		{"truncated mid-block", corrupt(func(s []byte) []byte { return s[:len(s)-5] })},
		{"zero uncompressed size", corrupt(func(s []byte) []byte {
			putBlockHeader(s[StreamHeaderSize:], 100, 0)
			return s
		})},
		{"block past declared total", corrupt(func(s []byte) []byte {
			compressedSize, _ := blockHeader(s[StreamHeaderSize:])
			putBlockHeader(s[StreamHeaderSize:], compressedSize, uint32(len(data)+1))
			return s
		})},
		{"compressed size past stream end", corrupt(func(s []byte) []byte {
			_, uncompressedSize := blockHeader(s[StreamHeaderSize:])
			putBlockHeader(s[StreamHeaderSize:], 1<<30, uncompressedSize)
			return s
		})},
	}

	for _, parallel := range []bool{false, true} {
		pool := workers
		if !parallel {
			pool = nil
		}
		decompressor := NewDecompressor(DecompressorOptions{Slots: slots, Workers: pool})
		for _, tt := range tests {
			t.Run(fmt.Sprintf("parallel=%v/%s", parallel, tt.name), func(t *testing.T) {
				out := make([]byte, len(data))
				err := decompressor.DecompressStream(out, tt.stream)
				if err == nil {
					t.Fatal("DecompressStream accepted a corrupt stream")
				}
				if !errors.Is(err, ErrCorrupt) {
					t.Errorf("error %v is not ErrCorrupt", err)
				}
			})
		}
	}
}

func TestDecompressStreamSizeMismatch(t *testing.T) {
	slots, _ := testPools(t)
	compressor := NewCompressor(CompressorOptions{Slots: slots})
	dst := NewMemWriter(0, 0, "mismatch")
	if _, err := compressor.Compress(dst, compressible(1000)); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	decompressor := NewDecompressor(DecompressorOptions{Slots: slots})
	out := make([]byte, 999)
	if err := decompressor.DecompressStream(out, dst.Bytes()); !errors.Is(err, ErrCorrupt) {
		t.Errorf("size-mismatched destination: got %v, want ErrCorrupt", err)
	}
}

func TestStreamDecoder(t *testing.T) {
	slots, _ := testPools(t)
	compressor := NewCompressor(CompressorOptions{Slots: slots})
	decompressor := NewDecompressor(DecompressorOptions{Slots: slots})

	data := append(compressible(90*1024), incompressible(30*1024)...)
	dst := NewMemWriter(0, 0, "stream")
	if _, err := compressor.Compress(dst, data); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	stream := dst.Bytes()

	// Feed sizes chosen to straddle the stream header, block headers,
	// and block payloads in every combination.
	for _, feedSize := range []int{1, 3, 7, 100, 1000, 4096, len(stream)} {
		t.Run(fmt.Sprintf("feed=%d", feedSize), func(t *testing.T) {
			var got bytes.Buffer
			decoder := decompressor.NewStreamDecoder(func(p []byte) error {
				got.Write(p)
				return nil
			})

			if decoder.Remaining() != ^uint64(0) {
				t.Error("Remaining() should be maximal before the header arrives")
			}
			for pos := 0; pos < len(stream); pos += feedSize {
				end := min(pos+feedSize, len(stream))
				if err := decoder.Feed(stream[pos:end]); err != nil {
					t.Fatalf("Feed at offset %d failed: %v", pos, err)
				}
			}
			if decoder.Remaining() != 0 {
				t.Errorf("Remaining() = %d after the full stream", decoder.Remaining())
			}
			if err := decoder.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if !bytes.Equal(got.Bytes(), data) {
				t.Error("streamed decode mismatch")
			}
		})
	}
}

func TestStreamDecoderDetectsTruncation(t *testing.T) {
	slots, _ := testPools(t)
	compressor := NewCompressor(CompressorOptions{Slots: slots})
	decompressor := NewDecompressor(DecompressorOptions{Slots: slots})

	dst := NewMemWriter(0, 0, "truncated")
	if _, err := compressor.Compress(dst, compressible(40*1024)); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	stream := dst.Bytes()

	decoder := decompressor.NewStreamDecoder(func([]byte) error { return nil })
	if err := decoder.Feed(stream[:len(stream)-10]); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if err := decoder.Close(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Close on a truncated stream: got %v, want ErrCorrupt", err)
	}
}

func TestStreamDecoderRejectsOverrun(t *testing.T) {
	slots, _ := testPools(t)
	compressor := NewCompressor(CompressorOptions{Slots: slots})
	decompressor := NewDecompressor(DecompressorOptions{Slots: slots})

	dst := NewMemWriter(0, 0, "overrun")
	if _, err := compressor.Compress(dst, compressible(1000)); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	decoder := decompressor.NewStreamDecoder(func([]byte) error { return nil })
	defer decoder.Close()
	if err := decoder.Feed(dst.Bytes()); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if err := decoder.Feed([]byte{1, 2, 3}); !errors.Is(err, ErrCorrupt) {
		t.Errorf("bytes past the declared size: got %v, want ErrCorrupt", err)
	}
}

func TestCompressFileDecompressFile(t *testing.T) {
	slots, workers := testPools(t)
	compressor := NewCompressor(CompressorOptions{Slots: slots, Workers: workers})
	decompressor := NewDecompressor(DecompressorOptions{Slots: slots, Workers: workers})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"single block", compressible(500)},
		{"multi block", compressible(200 * 1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			srcPath := filepath.Join(dir, "src")
			if err := os.WriteFile(srcPath, tt.data, 0o644); err != nil {
				t.Fatal(err)
			}
			src, err := os.Open(srcPath)
			if err != nil {
				t.Fatal(err)
			}
			defer src.Close()

			streamPath := filepath.Join(dir, "stream")
			streamFile, err := os.Create(streamPath)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := compressor.CompressFile(NewFileWriter(streamFile), src, int64(len(tt.data))); err != nil {
				t.Fatalf("CompressFile failed: %v", err)
			}
			if err := streamFile.Close(); err != nil {
				t.Fatal(err)
			}

			stream, err := os.Open(streamPath)
			if err != nil {
				t.Fatal(err)
			}
			defer stream.Close()
			out := make([]byte, len(tt.data))
			if err := decompressor.DecompressFile(out, stream); err != nil {
				t.Fatalf("DecompressFile failed: %v", err)
			}
			if !bytes.Equal(out, tt.data) {
				t.Error("file roundtrip mismatch")
			}
		})
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"lz4", "lz4"},
		{"zstd", "zstd"},
		{"zstd-fastest", "zstd-fastest"},
		{"zstd-better", "zstd-better"},
		{"zstd-best", "zstd-best"},
		{"", DefaultCodecName},
		{"oodle", DefaultCodecName},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Lookup(tt.input).Name(); got != tt.want {
				t.Errorf("Lookup(%q).Name() = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLookupConcurrent(t *testing.T) {
	// First Lookup of each zstd level constructs the shared codec;
	// concurrent callers must all land on one instance without racing
	// the registry.
	names := []string{"zstd", "zstd-fastest", "zstd-better", "zstd-best"}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, name := range names {
				if Lookup(name) == nil {
					t.Error("Lookup returned nil")
				}
			}
		}()
	}
	wg.Wait()

	for _, name := range names {
		if Lookup(name) != Lookup(name) {
			t.Errorf("Lookup(%q) returned distinct instances", name)
		}
	}
}

func TestCompressWithClosedPool(t *testing.T) {
	// An operation racing pool shutdown must fall back to the
	// initiator doing all the work instead of waiting on recruits
	// that will never run.
	slots := bufpool.New(8, testSlotSize)
	workers := workpool.New(4)
	workers.Close()

	data := compressible(100 * 1024)
	compressor := NewCompressor(CompressorOptions{Slots: slots, Workers: workers})
	dst := NewMemWriter(0, 0, "closed pool")
	if _, err := compressor.Compress(dst, data); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	decompressor := NewDecompressor(DecompressorOptions{Slots: slots, Workers: workers})
	out := make([]byte, len(data))
	if err := decompressor.DecompressStream(out, dst.Bytes()); err != nil {
		t.Fatalf("DecompressStream failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("roundtrip mismatch")
	}
}

func TestDecompressFileProgressive(t *testing.T) {
	// Without a pool the file path reads block-by-block through one
	// slot regardless of size; a multi-block file walks the whole
	// read cursor.
	slots, workers := testPools(t)
	compressor := NewCompressor(CompressorOptions{Slots: slots, Workers: workers})
	decompressor := NewDecompressor(DecompressorOptions{Slots: slots})

	data := compressible(60 * 1024)
	dir := t.TempDir()
	streamPath := filepath.Join(dir, "stream")
	staging := NewMemWriter(0, 0, "stream")
	if _, err := compressor.Compress(staging, data); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if err := os.WriteFile(streamPath, staging.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	stream, err := os.Open(streamPath)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	out := make([]byte, len(data))
	if err := decompressor.DecompressFile(out, stream); err != nil {
		t.Fatalf("DecompressFile failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("progressive file decode mismatch")
	}
}

func TestMaxBlockSize(t *testing.T) {
	slots := bufpool.New(1, testSlotSize)
	for _, codecName := range []string{"lz4", "zstd"} {
		t.Run(codecName, func(t *testing.T) {
			codec := Lookup(codecName)
			compressor := NewCompressor(CompressorOptions{Codec: codec, Slots: slots})
			maxBlock := compressor.MaxBlockSize()
			if maxBlock <= 0 {
				t.Fatalf("MaxBlockSize() = %d", maxBlock)
			}
			// The worst-case compressed block plus header must fit a
			// scratch half.
			if codec.CompressBound(maxBlock)+BlockHeaderSize > slots.HalfSize() {
				t.Errorf("worst-case block of %d input bytes overflows the scratch half", maxBlock)
			}
		})
	}
}

func TestMemWriterMaxSize(t *testing.T) {
	w := NewMemWriter(16, 10, "bounded")
	if err := w.Write(make([]byte, 8)); err != nil {
		t.Fatalf("Write within bounds failed: %v", err)
	}
	if err := w.Write(make([]byte, 3)); err == nil {
		t.Error("Write past MaxSize should fail")
	}
	if w.Written() != 8 {
		t.Errorf("Written() = %d after failed write, want 8", w.Written())
	}
}

func TestErrLatchFirstWins(t *testing.T) {
	var latch errLatch
	first := errors.New("first")
	if !latch.fail(first) {
		t.Error("first fail() should return true")
	}
	if latch.fail(errors.New("second")) {
		t.Error("second fail() should return false")
	}
	if !errors.Is(latch.Err(), first) {
		t.Errorf("Err() = %v, want the first error", latch.Err())
	}
}
