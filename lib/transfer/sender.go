// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/castore/lib/blockio"
	"github.com/bureau-foundation/castore/lib/bufpool"
	"github.com/bureau-foundation/castore/lib/caskey"
	"github.com/bureau-foundation/castore/lib/workpool"
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	// Transport carries the wire messages. Required.
	Transport Transport

	// Slots is the shared buffer pool. Required.
	Slots *bufpool.Pool

	// Workers parallelizes compression for SendCompressed. Nil
	// means serial.
	Workers *workpool.Pool

	// CodecName selects the block codec for SendCompressed.
	// Unrecognized names fall back to the default.
	CodecName string

	// OneBigAtATime serializes the segment-streaming body of
	// multi-segment uploads on a process-wide basis, keeping one
	// large upload from interleaving with (and slowing) others on
	// the same link. Acquired after the Begin round trip, released
	// on every exit.
	OneBigAtATime bool

	// Logger receives failure detail. Nil discards.
	Logger *slog.Logger

	// Stats receives counters. Nil disables counting.
	Stats *Stats
}

// Sender uploads blobs. Safe for concurrent use.
type Sender struct {
	transport  Transport
	compressor *blockio.Compressor
	oneBig     *sync.Mutex
	logger     *slog.Logger
	stats      *Stats
}

// NewSender creates a sender. Panics if Transport or Slots is nil.
func NewSender(options SenderOptions) *Sender {
	if options.Transport == nil {
		panic("transfer: SenderOptions.Transport is required")
	}
	if options.Slots == nil {
		panic("transfer: SenderOptions.Slots is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sender{
		transport: options.Transport,
		compressor: blockio.NewCompressor(blockio.CompressorOptions{
			Codec:   blockio.Lookup(options.CodecName),
			Slots:   options.Slots,
			Workers: options.Workers,
			Logger:  logger,
		}),
		logger: logger,
		stats:  options.Stats,
	}
	if options.OneBigAtATime {
		s.oneBig = &sync.Mutex{}
	}
	return s
}

// payloadBudget is the content bytes per message after the CBOR
// envelope.
func (s *Sender) payloadBudget() int {
	return s.transport.MaxMessageSize() - segmentOverhead
}

// beginPayloadBudget is the content bytes that fit in the StoreBegin
// message alongside its envelope and the hint.
func (s *Sender) beginPayloadBudget(hint string) int {
	return max(s.transport.MaxMessageSize()-beginOverhead-len(hint), 0)
}

// Send uploads data under key as-is. The key must have been computed
// on these exact bytes with storeCompressed=false.
func (s *Sender) Send(key caskey.Key, data []byte, hint string) error {
	s.count(func(st *Stats) { st.SendBytesRaw.Add(int64(len(data))) })
	return s.sendBlob(key, data, uint64(len(data)), false, hint)
}

// SendCompressed compresses data into a staging buffer and uploads
// the block stream, so wire bytes and stored bytes are the compressed
// form. The key must have been computed with storeCompressed=true.
func (s *Sender) SendCompressed(key caskey.Key, data []byte, hint string) error {
	s.count(func(st *Stats) { st.SendBytesRaw.Add(int64(len(data))) })

	// Stage the whole compressed stream before the first send: the
	// Begin message declares the total wire size.
	staging := blockio.NewMemWriter(len(data)/2+blockio.StreamHeaderSize, 0, hint)
	if _, err := s.compressor.Compress(staging, data); err != nil {
		return fmt.Errorf("compressing %d bytes for %s (%s): %w", len(data), key, hint, err)
	}
	return s.sendBlob(key, staging.Bytes(), uint64(len(data)), true, hint)
}

func (s *Sender) sendBlob(key caskey.Key, wire []byte, rawSize uint64, compressed bool, hint string) error {
	if key.IsZero() {
		return fmt.Errorf("refusing to store under the zero key (%s): %w", hint, ErrProtocol)
	}

	budget := s.payloadBudget()
	leading := min(s.beginPayloadBudget(hint), len(wire))

	begin := StoreBegin{
		Key:        key[:],
		TotalSize:  uint64(len(wire)),
		RawSize:    rawSize,
		Compressed: compressed,
		Hint:       hint,
		Payload:    wire[:leading],
	}
	// The first message must always be acknowledged so the server
	// has a session entry before any fire-and-forget segment can
	// arrive.
	var reply StoreBeginReply
	if err := s.transport.RoundTrip(OpStoreBegin, begin, &reply); err != nil {
		return fmt.Errorf("store-begin for %s (%s): %w", key, hint, err)
	}
	s.count(func(st *Stats) { st.SendBytesWire.Add(int64(leading)) })

	if leading == len(wire) {
		return s.sendEndMessage(key, reply.SendEnd)
	}

	switch storeStatus(reply.StoreID) {
	case BeginServerError:
		s.logger.Error("server failed to start store", "key", key, "hint", hint)
		return fmt.Errorf("server refused store of %s (%s): %w", key, hint, ErrProtocol)
	case BeginAlreadyExists:
		s.count(func(st *Stats) { st.SendDeduped.Add(1) })
		return s.sendEndMessage(key, reply.SendEnd)
	}

	if s.oneBig != nil {
		s.oneBig.Lock()
		defer s.oneBig.Unlock()
	}

	for offset := leading; offset < len(wire); {
		end := min(offset+budget, len(wire))
		segment := StoreSegment{
			StoreID: reply.StoreID,
			Offset:  uint64(offset),
			Payload: wire[offset:end],
		}
		if err := s.transport.Post(OpStoreSegment, segment); err != nil {
			return fmt.Errorf("store-segment at %d for %s (%s): %w", offset, key, hint, err)
		}
		s.count(func(st *Stats) { st.SendBytesWire.Add(int64(end - offset)) })
		offset = end
	}

	return s.sendEndMessage(key, reply.SendEnd)
}

func (s *Sender) sendEndMessage(key caskey.Key, sendEnd bool) error {
	if !sendEnd {
		return nil
	}
	if err := s.transport.Post(OpStoreEnd, StoreEnd{Key: key[:]}); err != nil {
		return fmt.Errorf("store-end for %s: %w", key, err)
	}
	return nil
}

func (s *Sender) count(fn func(*Stats)) {
	if s.stats != nil {
		fn(s.stats)
	}
}
