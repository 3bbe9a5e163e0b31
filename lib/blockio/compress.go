// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/castore/lib/bufpool"
	"github.com/bureau-foundation/castore/lib/mapfile"
	"github.com/bureau-foundation/castore/lib/workpool"
)

// CompressorOptions configures a Compressor.
type CompressorOptions struct {
	// Codec is the block codec. Nil selects the default.
	Codec Codec

	// Slots is the shared buffer pool. Required — every compressed
	// block is staged through a slot's scratch half.
	Slots *bufpool.Pool

	// Workers enables parallel compression of multi-block inputs.
	// Nil means fully serial.
	Workers *workpool.Pool

	// Logger receives failure detail. Nil discards.
	Logger *slog.Logger
}

// Compressor produces block streams in the canonical format. Safe for
// concurrent use; each Compress call borrows its own slots.
type Compressor struct {
	codec   Codec
	slots   *bufpool.Pool
	workers *workpool.Pool
	logger  *slog.Logger
}

// NewCompressor creates a compressor. Panics if options.Slots is nil —
// that is a wiring bug, not a runtime condition.
func NewCompressor(options CompressorOptions) *Compressor {
	if options.Slots == nil {
		panic("blockio: CompressorOptions.Slots is required")
	}
	codec := options.Codec
	if codec == nil {
		codec = Lookup(DefaultCodecName)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compressor{
		codec:   codec,
		slots:   options.Slots,
		workers: options.Workers,
		logger:  logger,
	}
}

// Codec returns the configured block codec.
func (c *Compressor) Codec() Codec { return c.codec }

// MaxBlockSize returns the largest number of uncompressed bytes per
// block such that the worst-case compressed block plus its header
// fits one scratch half.
func (c *Compressor) MaxBlockSize() int {
	half := c.slots.HalfSize()
	overhead := c.codec.CompressBound(half) - half
	return half - overhead - BlockHeaderSize
}

// Compress writes src to dst as a block stream and returns the total
// bytes written (stream header included). Multi-block inputs fan out
// over the worker pool when one is configured; blocks always reach
// dst in offset order regardless of compute order.
func (c *Compressor) Compress(dst LinearWriter, src []byte) (int64, error) {
	maxBlock := c.MaxBlockSize()
	workCount := (len(src) + maxBlock - 1) / maxBlock

	var header [StreamHeaderSize]byte
	PutStreamHeader(header[:], uint64(len(src)))
	if err := dst.Write(header[:]); err != nil {
		return 0, err
	}

	if workCount <= 1 {
		written, err := c.compressSerial(dst, src, maxBlock)
		return StreamHeaderSize + written, err
	}

	rec := &compressRec{
		src:       src,
		maxBlock:  maxBlock,
		workCount: workCount,
		signals:   make([]chan struct{}, workCount),
	}
	for i := range rec.signals {
		rec.signals[i] = make(chan struct{})
	}

	recruited := 0
	var quiesce sync.WaitGroup
	if c.workers != nil {
		recruited = workpool.Recruited(workCount, c.workers.WorkerCount())
		quiesce.Add(recruited)
		accepted := c.workers.Submit(recruited, func() {
			defer quiesce.Done()
			c.compressWorker(rec, dst)
		})
		// A closed pool accepts nothing; drop the rejected count so
		// Wait cannot block on recruits that will never run.
		quiesce.Add(accepted - recruited)
	}
	c.compressWorker(rec, dst)

	// The initiator's claim loop can finish while recruited workers
	// still hold blocks; the last block's signal is the overall-done
	// marker, and quiesce guarantees no worker touches rec or dst
	// after we return.
	<-rec.signals[workCount-1]
	quiesce.Wait()

	if err := rec.latch.Err(); err != nil {
		return 0, err
	}
	return StreamHeaderSize + rec.written.Load(), nil
}

// compressRec is the shared record of one parallel compression: the
// atomic claim counter hands out block indexes, the per-block signal
// chain enforces write order, and the latch holds the first failure.
type compressRec struct {
	src       []byte
	maxBlock  int
	workCount int
	claim     atomic.Int64
	written   atomic.Int64
	signals   []chan struct{}
	latch     errLatch
}

func (c *Compressor) compressWorker(rec *compressRec, dst LinearWriter) {
	var slot *bufpool.Slot
	defer func() {
		if slot != nil {
			c.slots.Push(slot)
		}
	}()

	for {
		index := int(rec.claim.Add(1) - 1)
		if index >= rec.workCount {
			return
		}
		if slot == nil {
			slot = c.slots.Pop()
		}

		out := slot.Scratch()
		start := index * rec.maxBlock
		end := min(start+rec.maxBlock, len(rec.src))
		block := rec.src[start:end]

		size := 0
		if !rec.latch.failed() {
			n, err := c.codec.Compress(out[BlockHeaderSize:], block)
			if err != nil {
				if rec.latch.fail(fmt.Errorf("compressing %d bytes at offset %d for %s: %w",
					len(block), start, dst.Hint(), err)) {
					c.logger.Error("block compression failed",
						"offset", start, "size", len(block), "hint", dst.Hint(), "error", err)
				}
			} else if n == 0 {
				// Incompressible — store raw. Equal sizes in the
				// header mark the payload as a verbatim copy.
				size = copy(out[BlockHeaderSize:], block)
			} else {
				size = n
			}
			putBlockHeader(out, uint32(size), uint32(len(block)))
		}

		// Wait for the previous block's bytes to reach dst, then
		// emit ours and release the next. A failed worker still
		// walks the chain so later blocks never deadlock.
		if index > 0 {
			<-rec.signals[index-1]
		}
		if !rec.latch.failed() {
			if err := dst.Write(out[:BlockHeaderSize+size]); err != nil {
				rec.latch.fail(err)
			} else {
				rec.written.Add(int64(BlockHeaderSize + size))
			}
		}
		close(rec.signals[index])
	}
}

func (c *Compressor) compressSerial(dst LinearWriter, src []byte, maxBlock int) (int64, error) {
	slot := c.slots.Pop()
	defer c.slots.Push(slot)
	out := slot.Scratch()

	var written int64
	for start := 0; start < len(src); start += maxBlock {
		end := min(start+maxBlock, len(src))
		block := src[start:end]
		n, err := c.codec.Compress(out[BlockHeaderSize:], block)
		if err != nil {
			c.logger.Error("block compression failed",
				"offset", start, "size", len(block), "hint", dst.Hint(), "error", err)
			return written, fmt.Errorf("compressing %d bytes at offset %d for %s: %w",
				len(block), start, dst.Hint(), err)
		}
		if n == 0 {
			n = copy(out[BlockHeaderSize:], block)
		}
		putBlockHeader(out, uint32(n), uint32(len(block)))
		if err := dst.Write(out[:BlockHeaderSize+n]); err != nil {
			return written, err
		}
		written += int64(BlockHeaderSize + n)
	}
	return written, nil
}

// CompressFile writes the contents of f (of the given size) to dst as
// a block stream. Multi-block files are memory-mapped so the parallel
// path can address blocks directly; single-block files are staged
// through one pooled slot.
func (c *Compressor) CompressFile(dst LinearWriter, f *os.File, size int64) (int64, error) {
	if size <= int64(c.MaxBlockSize()) {
		slot := c.slots.Pop()
		defer c.slots.Push(slot)
		stage := slot.Stage()[:size]
		if _, err := f.ReadAt(stage, 0); err != nil && size > 0 {
			return 0, fmt.Errorf("reading %s: %w", f.Name(), err)
		}
		return c.Compress(dst, stage)
	}

	data, release, err := mapfile.MapRead(f, size)
	if err != nil {
		return 0, err
	}
	defer release()
	return c.Compress(dst, data)
}
