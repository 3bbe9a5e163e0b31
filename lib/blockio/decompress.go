// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bureau-foundation/castore/lib/bufpool"
	"github.com/bureau-foundation/castore/lib/mapfile"
	"github.com/bureau-foundation/castore/lib/workpool"
)

// DecompressorOptions configures a Decompressor.
type DecompressorOptions struct {
	// Codec must match the codec the stream was compressed with.
	// Nil selects the default.
	Codec Codec

	// Slots is the shared buffer pool. Required.
	Slots *bufpool.Pool

	// Workers enables parallel decode of large buffers. Nil means
	// serial.
	Workers *workpool.Pool

	// Logger receives failure detail. Nil discards.
	Logger *slog.Logger
}

// Decompressor decodes block streams. Safe for concurrent use.
type Decompressor struct {
	codec   Codec
	slots   *bufpool.Pool
	workers *workpool.Pool
	logger  *slog.Logger
}

// NewDecompressor creates a decompressor. Panics if options.Slots is
// nil.
func NewDecompressor(options DecompressorOptions) *Decompressor {
	if options.Slots == nil {
		panic("blockio: DecompressorOptions.Slots is required")
	}
	codec := options.Codec
	if codec == nil {
		codec = Lookup(DefaultCodecName)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Decompressor{
		codec:   codec,
		slots:   options.Slots,
		workers: options.Workers,
		logger:  logger,
	}
}

// parallelThreshold is the output size above which DecompressStream
// fans out. Below it the bookkeeping costs more than it saves.
func (d *Decompressor) parallelThreshold() int {
	return 4 * d.slots.SlotSize()
}

// DecompressStream decodes a complete block stream (header included)
// into dst. len(dst) must equal the stream's declared uncompressed
// size.
func (d *Decompressor) DecompressStream(dst []byte, stream []byte) error {
	declared, err := StreamSize(stream)
	if err != nil {
		return err
	}
	if declared != uint64(len(dst)) {
		return fmt.Errorf("stream declares %d bytes but destination holds %d: %w",
			declared, len(dst), ErrCorrupt)
	}
	return d.DecompressBlocks(dst, stream[StreamHeaderSize:])
}

// DecompressBlocks decodes the block sequence (stream header already
// consumed) into dst, filling it exactly.
func (d *Decompressor) DecompressBlocks(dst []byte, blocks []byte) error {
	if len(dst) > d.parallelThreshold() && d.workers != nil {
		return d.decompressParallel(dst, blocks)
	}
	return d.decompressSerial(dst, blocks)
}

// decompressCursor is the shared read/write position of a parallel
// decode. Workers hold the lock only long enough to read one block
// header and advance both positions; the decode itself runs unlocked.
type decompressCursor struct {
	mu       sync.Mutex
	readPos  int
	writePos int
	left     int
}

func (d *Decompressor) decompressParallel(dst []byte, blocks []byte) error {
	cursor := &decompressCursor{left: len(dst)}
	var latch errLatch

	work := func() {
		for {
			cursor.mu.Lock()
			if cursor.left == 0 || latch.failed() {
				cursor.mu.Unlock()
				return
			}
			readPos, writePos := cursor.readPos, cursor.writePos
			if len(blocks)-readPos < BlockHeaderSize {
				cursor.mu.Unlock()
				if latch.fail(fmt.Errorf("stream truncated at offset %d with %d bytes undecoded: %w",
					readPos, cursor.left, ErrCorrupt)) {
					d.logger.Error("corrupt block stream", "offset", readPos, "error", latch.Err())
				}
				return
			}
			compressedSize, uncompressedSize := blockHeader(blocks[readPos:])
			if uncompressedSize == 0 || int(uncompressedSize) > cursor.left ||
				int(compressedSize) > len(blocks)-readPos-BlockHeaderSize {
				cursor.mu.Unlock()
				if latch.fail(fmt.Errorf("block at offset %d declares %d->%d bytes with %d remaining: %w",
					readPos, compressedSize, uncompressedSize, cursor.left, ErrCorrupt)) {
					d.logger.Error("corrupt block stream", "offset", readPos, "error", latch.Err())
				}
				return
			}
			cursor.readPos += BlockHeaderSize + int(compressedSize)
			cursor.writePos += int(uncompressedSize)
			cursor.left -= int(uncompressedSize)
			cursor.mu.Unlock()

			payload := blocks[readPos+BlockHeaderSize : readPos+BlockHeaderSize+int(compressedSize)]
			out := dst[writePos : writePos+int(uncompressedSize)]
			if err := d.decodeBlock(out, payload); err != nil {
				if latch.fail(fmt.Errorf("block at offset %d: %w", readPos, err)) {
					d.logger.Error("block decompression failed", "offset", readPos, "error", err)
				}
				return
			}
		}
	}

	workCount := len(dst)/d.slots.SlotSize() + 1
	recruited := workpool.Recruited(workCount, d.workers.WorkerCount())
	var quiesce sync.WaitGroup
	quiesce.Add(recruited)
	accepted := d.workers.Submit(recruited, func() {
		defer quiesce.Done()
		work()
	})
	// A closed pool accepts nothing; drop the rejected count so Wait
	// cannot block on recruits that will never run.
	quiesce.Add(accepted - recruited)
	work()
	quiesce.Wait()

	return latch.Err()
}

func (d *Decompressor) decompressSerial(dst []byte, blocks []byte) error {
	readPos, writePos := 0, 0
	left := len(dst)
	for left > 0 {
		if len(blocks)-readPos < BlockHeaderSize {
			return fmt.Errorf("stream truncated at offset %d with %d bytes undecoded: %w",
				readPos, left, ErrCorrupt)
		}
		compressedSize, uncompressedSize := blockHeader(blocks[readPos:])
		if uncompressedSize == 0 || int(uncompressedSize) > left ||
			int(compressedSize) > len(blocks)-readPos-BlockHeaderSize {
			return fmt.Errorf("block at offset %d declares %d->%d bytes with %d remaining: %w",
				readPos, compressedSize, uncompressedSize, left, ErrCorrupt)
		}
		payload := blocks[readPos+BlockHeaderSize : readPos+BlockHeaderSize+int(compressedSize)]
		if err := d.decodeBlock(dst[writePos:writePos+int(uncompressedSize)], payload); err != nil {
			return fmt.Errorf("block at offset %d: %w", readPos, err)
		}
		readPos += BlockHeaderSize + int(compressedSize)
		writePos += int(uncompressedSize)
		left -= int(uncompressedSize)
	}
	return nil
}

// decodeBlock decodes one block payload, honoring the raw-copy
// convention for incompressible blocks.
func (d *Decompressor) decodeBlock(dst, payload []byte) error {
	if len(payload) == len(dst) {
		copy(dst, payload)
		return nil
	}
	return d.codec.Decompress(dst, payload)
}

// DecompressFile decodes a block-stream file into dst. Large files
// are memory-mapped and decoded through the parallel path; small
// ones are read progressively block-by-block through one pooled slot.
func (d *Decompressor) DecompressFile(dst []byte, f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", f.Name(), err)
	}
	fileSize := info.Size()

	if len(dst) > d.parallelThreshold() && d.workers != nil {
		data, release, err := mapfile.MapRead(f, fileSize)
		if err != nil {
			return err
		}
		defer release()
		return d.DecompressStream(dst, data)
	}

	slot := d.slots.Pop()
	defer d.slots.Push(slot)
	stage := slot.Stage()

	var header [StreamHeaderSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return fmt.Errorf("reading stream header of %s: %w", f.Name(), err)
	}
	declared, err := StreamSize(header[:])
	if err != nil {
		return err
	}
	if declared != uint64(len(dst)) {
		return fmt.Errorf("%s declares %d bytes but destination holds %d: %w",
			f.Name(), declared, len(dst), ErrCorrupt)
	}

	readPos := int64(StreamHeaderSize)
	writePos := 0
	left := len(dst)
	for left > 0 {
		var blockHdr [BlockHeaderSize]byte
		if _, err := f.ReadAt(blockHdr[:], readPos); err != nil {
			return fmt.Errorf("%s truncated at offset %d: %w", f.Name(), readPos, ErrCorrupt)
		}
		compressedSize, uncompressedSize := blockHeader(blockHdr[:])
		if uncompressedSize == 0 || int(uncompressedSize) > left || int(compressedSize) > len(stage) {
			return fmt.Errorf("block at offset %d of %s declares %d->%d bytes with %d remaining: %w",
				readPos, f.Name(), compressedSize, uncompressedSize, left, ErrCorrupt)
		}
		payload := stage[:compressedSize]
		if _, err := f.ReadAt(payload, readPos+BlockHeaderSize); err != nil {
			return fmt.Errorf("%s truncated reading %d-byte block at offset %d: %w",
				f.Name(), compressedSize, readPos, ErrCorrupt)
		}
		if err := d.decodeBlock(dst[writePos:writePos+int(uncompressedSize)], payload); err != nil {
			return fmt.Errorf("block at offset %d of %s: %w", readPos, f.Name(), err)
		}
		readPos += int64(BlockHeaderSize) + int64(compressedSize)
		writePos += int(uncompressedSize)
		left -= int(uncompressedSize)
	}
	return nil
}

// StreamDecoder decodes a block stream that arrives incrementally
// (network segments). Decoded bytes flow to the write callback as
// soon as complete blocks are available; a block straddling a feed
// boundary is carried in a pooled slot's stage half until its tail
// arrives, and decode output goes through the scratch half.
type StreamDecoder struct {
	decompressor *Decompressor
	write        func([]byte) error
	slot         *bufpool.Slot
	carry        int
	headerGot    int
	header       [StreamHeaderSize]byte
	remaining    uint64
	started      bool
}

// NewStreamDecoder creates a streaming decoder that delivers decoded
// bytes to write. Close must be called on every path to return the
// pooled slot.
func (d *Decompressor) NewStreamDecoder(write func([]byte) error) *StreamDecoder {
	return &StreamDecoder{
		decompressor: d,
		write:        write,
		slot:         d.slots.Pop(),
	}
}

// Remaining returns the undecoded byte count declared by the stream
// header, or the maximum value before the header has been seen.
func (s *StreamDecoder) Remaining() uint64 {
	if !s.started {
		return ^uint64(0)
	}
	return s.remaining
}

// Feed consumes the next segment of the compressed stream.
func (s *StreamDecoder) Feed(p []byte) error {
	// The stream header may straddle feeds.
	for !s.started && len(p) > 0 {
		n := copy(s.header[s.headerGot:], p)
		s.headerGot += n
		p = p[n:]
		if s.headerGot == StreamHeaderSize {
			size, err := StreamSize(s.header[:])
			if err != nil {
				return err
			}
			s.remaining = size
			s.started = true
		}
	}

	stage := s.slot.Stage()
	for len(p) > 0 {
		if s.remaining == 0 {
			return fmt.Errorf("stream continues %d bytes past its declared size: %w", len(p), ErrCorrupt)
		}
		// Top up the carried partial block, if any.
		if s.carry > 0 {
			n := copy(stage[s.carry:], p)
			s.carry += n
			p = p[n:]
			consumed, err := s.decodeAvailable(stage[:s.carry])
			if err != nil {
				return err
			}
			if consumed == 0 {
				if s.carry == len(stage) {
					return fmt.Errorf("block larger than %d-byte carry buffer: %w", len(stage), ErrCorrupt)
				}
				continue
			}
			// Move the unconsumed tail to the front of the
			// carry buffer.
			s.carry = copy(stage, stage[consumed:s.carry])
			continue
		}
		// No carry — decode straight from the segment.
		consumed, err := s.decodeAvailable(p)
		if err != nil {
			return err
		}
		tail := p[consumed:]
		if len(tail) > len(stage) {
			return fmt.Errorf("block larger than %d-byte carry buffer: %w", len(stage), ErrCorrupt)
		}
		s.carry = copy(stage, tail)
		p = nil
	}
	return nil
}

// decodeAvailable decodes as many complete blocks from buf as are
// present, writing their output, and returns how many input bytes
// were consumed.
func (s *StreamDecoder) decodeAvailable(buf []byte) (int, error) {
	scratch := s.slot.Scratch()
	consumed := 0
	for {
		rest := buf[consumed:]
		if len(rest) < BlockHeaderSize {
			return consumed, nil
		}
		compressedSize, uncompressedSize := blockHeader(rest)
		if uncompressedSize == 0 || uint64(uncompressedSize) > s.remaining {
			return consumed, fmt.Errorf("streamed block declares %d->%d bytes with %d remaining: %w",
				compressedSize, uncompressedSize, s.remaining, ErrCorrupt)
		}
		if int(uncompressedSize) > len(scratch) || int(compressedSize)+BlockHeaderSize > s.slot.HalfSize() {
			return consumed, fmt.Errorf("streamed block of %d->%d bytes exceeds slot half %d: %w",
				compressedSize, uncompressedSize, s.slot.HalfSize(), ErrCorrupt)
		}
		if len(rest) < BlockHeaderSize+int(compressedSize) {
			return consumed, nil
		}
		payload := rest[BlockHeaderSize : BlockHeaderSize+int(compressedSize)]
		out := scratch[:uncompressedSize]
		if err := s.decompressor.decodeBlock(out, payload); err != nil {
			return consumed, err
		}
		if err := s.write(out); err != nil {
			return consumed, err
		}
		s.remaining -= uint64(uncompressedSize)
		consumed += BlockHeaderSize + int(compressedSize)
	}
}

// Close releases the pooled slot and verifies the stream completed.
func (s *StreamDecoder) Close() error {
	if s.slot != nil {
		s.decompressor.slots.Push(s.slot)
		s.slot = nil
	}
	if !s.started && s.headerGot > 0 {
		return fmt.Errorf("stream ended inside its header: %w", ErrCorrupt)
	}
	if s.started && s.remaining != 0 {
		return fmt.Errorf("stream ended with %d bytes undecoded: %w", s.remaining, ErrCorrupt)
	}
	if s.carry != 0 {
		return fmt.Errorf("stream ended mid-block with %d bytes carried: %w", s.carry, ErrCorrupt)
	}
	return nil
}
