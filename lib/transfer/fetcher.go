// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/castore/lib/blockio"
	"github.com/bureau-foundation/castore/lib/bufpool"
	"github.com/bureau-foundation/castore/lib/caskey"
	"github.com/bureau-foundation/castore/lib/workpool"
)

// DefaultSegmentTimeout bounds the wait for one batched segment
// response. A response this late means a fault below the protocol
// layer (dead peer, wedged link) that must not be absorbed silently:
// the resulting error matches [ErrTimeout] and is fatal by policy.
const DefaultSegmentTimeout = 20 * time.Minute

// maxSegmentBatch caps the in-flight segment requests of one
// retrieve, so a single large fetch cannot monopolize the transport.
const maxSegmentBatch = 128

// compressedMagic introduces content written with WriteCompressed:
// the magic and the blob's key precede the verbatim block stream.
var compressedMagic = [4]byte{'c', 'b', 'k', '1'}

// CompressedHeaderSize is the size of the header prepended by
// WriteCompressed retrieves.
const CompressedHeaderSize = len(compressedMagic) + len(caskey.Key{})

// PutCompressedHeader writes the compressed-at-rest header.
func PutCompressedHeader(dst []byte, key caskey.Key) {
	copy(dst, compressedMagic[:])
	copy(dst[len(compressedMagic):], key[:])
}

// ParseCompressedHeader reads the compressed-at-rest header back.
func ParseCompressedHeader(src []byte) (caskey.Key, error) {
	if len(src) < CompressedHeaderSize || [4]byte(src[:4]) != compressedMagic {
		return caskey.Zero, fmt.Errorf("missing compressed-content header: %w", blockio.ErrCorrupt)
	}
	var key caskey.Key
	copy(key[:], src[len(compressedMagic):CompressedHeaderSize])
	return key, nil
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// Transport carries the wire messages. Required.
	Transport Transport

	// Slots is the shared buffer pool. Required.
	Slots *bufpool.Pool

	// Workers parallelizes nothing directly in the fetcher but is
	// forwarded to streaming decompression and async unmap. May be
	// nil.
	Workers *workpool.Pool

	// CodecName must match the codec blobs were compressed with.
	CodecName string

	// SegmentTimeout overrides DefaultSegmentTimeout. Tests only —
	// production keeps the default.
	SegmentTimeout time.Duration

	// Logger receives failure detail. Nil discards.
	Logger *slog.Logger

	// Stats receives counters. Nil disables counting.
	Stats *Stats
}

// Fetcher downloads blobs. Safe for concurrent use.
type Fetcher struct {
	transport    Transport
	slots        *bufpool.Pool
	decompressor *blockio.Decompressor
	timeout      time.Duration
	logger       *slog.Logger
	stats        *Stats
}

// NewFetcher creates a fetcher. Panics if Transport or Slots is nil.
func NewFetcher(options FetcherOptions) *Fetcher {
	if options.Transport == nil {
		panic("transfer: FetcherOptions.Transport is required")
	}
	if options.Slots == nil {
		panic("transfer: FetcherOptions.Slots is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := options.SegmentTimeout
	if timeout <= 0 {
		timeout = DefaultSegmentTimeout
	}
	return &Fetcher{
		transport: options.Transport,
		slots:     options.Slots,
		decompressor: blockio.NewDecompressor(blockio.DecompressorOptions{
			Codec:   blockio.Lookup(options.CodecName),
			Slots:   options.Slots,
			Workers: options.Workers,
			Logger:  logger,
		}),
		timeout: timeout,
		logger:  logger,
		stats:   options.Stats,
	}
}

// RetrieveOptions tunes one retrieve.
type RetrieveOptions struct {
	// WriteCompressed preserves compressed content verbatim (with a
	// small identifying header prepended) instead of decoding it —
	// the cache-to-cache replication path.
	WriteCompressed bool

	// Quiet logs a miss at debug level instead of error. Use for
	// existence checks where absence is an expected outcome.
	Quiet bool

	// Hint names the destination in logs and server diagnostics.
	Hint string

	// RunWhileWaiting, when set, is invoked once per segment batch
	// after the requests are in flight, letting the caller overlap
	// useful work with network latency.
	RunWhileWaiting func() error
}

// Retrieve downloads the blob named by key into dest. Missing
// content returns an error matching [ErrNotFound]; a segment timeout
// returns an error matching [ErrTimeout] and must be treated as
// fatal.
func (f *Fetcher) Retrieve(key caskey.Key, dest Destination, opts RetrieveOptions) error {
	var reply FetchBeginReply
	begin := FetchBegin{Key: key[:], DestHint: opts.Hint}
	if err := f.transport.RoundTrip(OpFetchBegin, begin, &reply); err != nil {
		return fmt.Errorf("fetch-begin for %s (%s): %w", key, opts.Hint, err)
	}

	status := fetchStatus(reply.FetchID)
	if status == BeginNotFound {
		level := slog.LevelError
		if opts.Quiet {
			level = slog.LevelDebug
		}
		f.logger.Log(context.Background(), level, "fetch failed: content not found",
			"key", key, "hint", opts.Hint)
		return fmt.Errorf("fetching %s (%s): %w", key, opts.Hint, ErrNotFound)
	}

	totalWire := reply.TotalSize
	if uint64(len(reply.Leading)) > totalWire {
		return fmt.Errorf("fetch-begin for %s returned %d leading bytes of a %d-byte blob: %w",
			key, len(reply.Leading), totalWire, ErrProtocol)
	}
	f.count(func(st *Stats) { st.RecvBytesWire.Add(int64(len(reply.Leading))) })

	// Work out the destination size.
	var destSize int64
	switch {
	case opts.WriteCompressed:
		if !reply.Compressed {
			return fmt.Errorf("fetching %s (%s): content is not compressed: %w", key, opts.Hint, ErrProtocol)
		}
		destSize = int64(CompressedHeaderSize) + int64(totalWire)
	case reply.Compressed:
		// The stream header (first 8 wire bytes) declares the
		// decoded size.
		if len(reply.Leading) < blockio.StreamHeaderSize {
			return fmt.Errorf("fetch-begin for %s carried %d bytes, too short for a stream header: %w",
				key, len(reply.Leading), ErrProtocol)
		}
		destSize = int64(binary.LittleEndian.Uint64(reply.Leading[:blockio.StreamHeaderSize]))
	default:
		destSize = int64(totalWire)
	}

	sink, err := dest.Open(destSize)
	if err != nil {
		return fmt.Errorf("opening destination for %s (%s): %w", key, opts.Hint, err)
	}

	retrieveErr := f.retrieveBody(key, sink, &reply, opts)
	if closeErr := sink.Close(); closeErr != nil && retrieveErr == nil {
		retrieveErr = fmt.Errorf("closing destination for %s (%s): %w", key, opts.Hint, closeErr)
	}
	if retrieveErr != nil {
		return retrieveErr
	}

	if reply.SendEnd {
		if err := f.transport.Post(OpFetchEnd, FetchEnd{Key: key[:]}); err != nil {
			return fmt.Errorf("fetch-end for %s: %w", key, err)
		}
	}
	return nil
}

func (f *Fetcher) retrieveBody(key caskey.Key, sink Sink, reply *FetchBeginReply, opts RetrieveOptions) error {
	countingSink := func(p []byte) error {
		if err := sink.Write(p); err != nil {
			return err
		}
		f.count(func(st *Stats) { st.RecvBytesRaw.Add(int64(len(p))) })
		return nil
	}

	switch {
	case opts.WriteCompressed:
		var header [CompressedHeaderSize]byte
		PutCompressedHeader(header[:], key)
		if err := sink.Write(header[:]); err != nil {
			return err
		}
		if err := sink.Write(reply.Leading); err != nil {
			return err
		}
		return f.pullSegments(key, reply, opts, sink.Write)

	case reply.Compressed:
		decoder := f.decompressor.NewStreamDecoder(countingSink)
		if err := decoder.Feed(reply.Leading); err != nil {
			decoder.Close()
			return fmt.Errorf("decoding %s (%s): %w", key, opts.Hint, err)
		}
		pullErr := f.pullSegments(key, reply, opts, func(p []byte) error {
			return decoder.Feed(p)
		})
		closeErr := decoder.Close()
		if pullErr != nil {
			return pullErr
		}
		if closeErr != nil {
			return fmt.Errorf("decoding %s (%s): %w", key, opts.Hint, closeErr)
		}
		return nil

	default:
		if err := countingSink(reply.Leading); err != nil {
			return err
		}
		return f.pullSegments(key, reply, opts, countingSink)
	}
}

// pullSegments downloads the wire bytes after the leading span in
// batches of async segment requests. Responses may complete out of
// order on the transport, but consumption happens in request order,
// so the consume callback always sees bytes in stream order.
func (f *Fetcher) pullSegments(key caskey.Key, reply *FetchBeginReply, opts RetrieveOptions, consume func([]byte) error) error {
	remaining := reply.TotalSize - uint64(len(reply.Leading))
	if remaining == 0 {
		return nil
	}
	if fetchStatus(reply.FetchID) == BeginSingleSegment {
		return fmt.Errorf("server sent %s as a single segment but %d bytes are missing: %w",
			key, remaining, ErrProtocol)
	}

	// Segment size mirrors the server's: every span except the last
	// is the same size as the leading span.
	segmentSize := len(reply.Leading)
	if segmentSize == 0 {
		return fmt.Errorf("fetch-begin for %s carried no leading bytes with %d remaining: %w",
			key, remaining, ErrProtocol)
	}

	capacityCount := max(f.slots.HalfSize()/segmentSize, 1)
	readIndex := uint32(0)
	var received uint64

	for remaining > 0 {
		needed := int((remaining + uint64(segmentSize) - 1) / uint64(segmentSize))
		batch := min(needed, capacityCount, maxSegmentBatch)

		pendings := make([]*Pending, 0, batch)
		var sendErr error
		for i := range batch {
			pending, err := f.transport.SendAsync(OpFetchSegment, FetchSegment{
				FetchID: reply.FetchID,
				Index:   readIndex + uint32(i) + 1,
			})
			if err != nil {
				sendErr = fmt.Errorf("fetch-segment %d for %s: %w", readIndex+uint32(i)+1, key, err)
				break
			}
			pendings = append(pendings, pending)
		}

		if opts.RunWhileWaiting != nil {
			if err := opts.RunWhileWaiting(); err != nil && sendErr == nil {
				sendErr = fmt.Errorf("wait callback for %s: %w", key, err)
			}
		}

		// Harvest in request order. After a timeout the remaining
		// waits are collapsed to near-zero: the batch is already
		// lost and the only goal is draining what arrived.
		timeout := f.timeout
		for i, pending := range pendings {
			var segment FetchSegmentReply
			err := pending.Await(timeout, &segment)
			if errors.Is(err, ErrTimeout) {
				f.logger.Error("segment response timed out; this fault is fatal and will abort the transfer",
					"key", key, "hint", opts.Hint, "segment", i, "in_flight", len(pendings),
					"received_bytes", received, "timeout", timeout)
				timeout = 10 * time.Millisecond
				if sendErr == nil {
					sendErr = fmt.Errorf("awaiting segment %d of %s (%s): %w", i, key, opts.Hint, ErrTimeout)
				}
				continue
			}
			if err != nil {
				if sendErr == nil {
					sendErr = fmt.Errorf("awaiting segment %d of %s (%s): %w", i, key, opts.Hint, err)
				}
				continue
			}
			if sendErr != nil {
				continue
			}
			if uint64(len(segment.Payload)) > remaining {
				sendErr = fmt.Errorf("segment %d of %s overruns the declared size: %w", i, key, ErrProtocol)
				continue
			}
			if err := consume(segment.Payload); err != nil {
				sendErr = err
				continue
			}
			remaining -= uint64(len(segment.Payload))
			received += uint64(len(segment.Payload))
			f.count(func(st *Stats) { st.RecvBytesWire.Add(int64(len(segment.Payload))) })
		}
		if sendErr != nil {
			return sendErr
		}
		readIndex += uint32(len(pendings))
	}
	return nil
}

func (f *Fetcher) count(fn func(*Stats)) {
	if f.stats != nil {
		fn(f.stats)
	}
}
