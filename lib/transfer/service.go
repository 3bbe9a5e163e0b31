// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/castore/lib/caskey"
	"github.com/bureau-foundation/castore/lib/codec"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Logger receives per-session detail. Nil discards.
	Logger *slog.Logger

	// MaxMessageSize must match the transport both peers use; it
	// sizes segment replies and the leading span of fetch replies.
	// Zero selects the default.
	MaxMessageSize int

	// SendEnd makes the service request explicit StoreEnd/FetchEnd
	// closure on every session. The flag is delivered to clients as
	// an opaque protocol instruction.
	SendEnd bool
}

// Service is the server side of the transfer protocol: an in-memory
// blob table keyed by CasKey plus the store/fetch session bookkeeping.
// It backs the standalone cache server and the loopback transport in
// tests. Safe for concurrent use.
type Service struct {
	logger     *slog.Logger
	sendEnd    bool
	maxMessage int

	mu          sync.Mutex
	blobs       map[caskey.Key]*blob
	stores      map[uint16]*storeSession
	fetches     map[uint16]*fetchSession
	nextStoreID uint16
	nextFetchID uint16
}

type blob struct {
	data       []byte
	rawSize    uint64
	compressed bool
}

type storeSession struct {
	key        caskey.Key
	total      uint64
	rawSize    uint64
	compressed bool
	received   uint64
	buf        []byte
}

type fetchSession struct {
	key      caskey.Key
	data     []byte
	leading  int
	segment  int
	served   int
	segments int
}

// NewService creates an empty service.
func NewService(options ServiceOptions) *Service {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxMessage := options.MaxMessageSize
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}
	return &Service{
		logger:     logger,
		sendEnd:    options.SendEnd,
		maxMessage: maxMessage,
		blobs:      map[caskey.Key]*blob{},
		stores:     map[uint16]*storeSession{},
		fetches:    map[uint16]*fetchSession{},
	}
}

// segmentBudget is the content bytes per message after the CBOR
// envelope. Both the leading span and every segment reply use it, so
// clients can derive segment boundaries from the leading span's size.
func (s *Service) segmentBudget() int {
	return s.maxMessage - segmentOverhead
}

// Has reports whether the service holds content for key.
func (s *Service) Has(key caskey.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok
}

// Blob returns the stored wire bytes for key, for tests and cache
// inspection.
func (s *Service) Blob(key caskey.Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(b.data), true
}

// Handle implements [Handler].
func (s *Service) Handle(op Op, request []byte) ([]byte, error) {
	switch op {
	case OpStoreBegin:
		return s.handleStoreBegin(request)
	case OpStoreSegment:
		return nil, s.handleStoreSegment(request)
	case OpStoreEnd:
		return nil, s.handleStoreEnd(request)
	case OpFetchBegin:
		return s.handleFetchBegin(request)
	case OpFetchSegment:
		return s.handleFetchSegment(request)
	case OpFetchEnd:
		return nil, s.handleFetchEnd(request)
	default:
		return nil, fmt.Errorf("unknown operation %d: %w", op, ErrProtocol)
	}
}

func (s *Service) allocStoreID() uint16 {
	// Skip the two reserved values.
	for {
		s.nextStoreID++
		if s.nextStoreID != idError && s.nextStoreID != idSentinel {
			if _, busy := s.stores[s.nextStoreID]; !busy {
				return s.nextStoreID
			}
		}
	}
}

func (s *Service) allocFetchID() uint16 {
	for {
		s.nextFetchID++
		if s.nextFetchID != idError && s.nextFetchID != idSentinel {
			if _, busy := s.fetches[s.nextFetchID]; !busy {
				return s.nextFetchID
			}
		}
	}
}

func (s *Service) handleStoreBegin(request []byte) ([]byte, error) {
	var msg StoreBegin
	if err := codec.Unmarshal(request, &msg); err != nil {
		return nil, fmt.Errorf("decoding store-begin: %w", err)
	}
	key, err := keyFromWire(msg.Key)
	if err != nil {
		return codec.Marshal(StoreBeginReply{StoreID: idError, SendEnd: false})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[key]; exists {
		s.logger.Debug("store dedup", "key", key, "hint", msg.Hint)
		return codec.Marshal(StoreBeginReply{StoreID: idSentinel, SendEnd: s.sendEnd})
	}
	if uint64(len(msg.Payload)) > msg.TotalSize {
		return codec.Marshal(StoreBeginReply{StoreID: idError})
	}

	session := &storeSession{
		key:        key,
		total:      msg.TotalSize,
		rawSize:    msg.RawSize,
		compressed: msg.Compressed,
		received:   uint64(len(msg.Payload)),
		buf:        make([]byte, msg.TotalSize),
	}
	copy(session.buf, msg.Payload)

	if session.received == session.total {
		s.finishStoreLocked(session)
		return codec.Marshal(StoreBeginReply{StoreID: idSentinel, SendEnd: s.sendEnd})
	}

	id := s.allocStoreID()
	s.stores[id] = session
	s.logger.Debug("store session opened",
		"key", key, "store_id", id, "total", msg.TotalSize, "hint", msg.Hint)
	return codec.Marshal(StoreBeginReply{StoreID: id, SendEnd: s.sendEnd})
}

func (s *Service) finishStoreLocked(session *storeSession) {
	s.blobs[session.key] = &blob{
		data:       session.buf,
		rawSize:    session.rawSize,
		compressed: session.compressed,
	}
	s.logger.Debug("blob stored", "key", session.key, "size", session.total)
}

func (s *Service) handleStoreSegment(request []byte) error {
	var msg StoreSegment
	if err := codec.Unmarshal(request, &msg); err != nil {
		return fmt.Errorf("decoding store-segment: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.stores[msg.StoreID]
	if !ok {
		return fmt.Errorf("store-segment for unknown session %d: %w", msg.StoreID, ErrProtocol)
	}
	if msg.Offset+uint64(len(msg.Payload)) > session.total {
		return fmt.Errorf("store-segment at %d overruns %d-byte session: %w",
			msg.Offset, session.total, ErrProtocol)
	}
	copy(session.buf[msg.Offset:], msg.Payload)
	session.received += uint64(len(msg.Payload))
	if session.received == session.total {
		s.finishStoreLocked(session)
		delete(s.stores, msg.StoreID)
	}
	return nil
}

func (s *Service) handleStoreEnd(request []byte) error {
	var msg StoreEnd
	if err := codec.Unmarshal(request, &msg); err != nil {
		return fmt.Errorf("decoding store-end: %w", err)
	}
	// Session state is keyed and finalized by received bytes;
	// StoreEnd only confirms the client is done with the key.
	return nil
}

func (s *Service) handleFetchBegin(request []byte) ([]byte, error) {
	var msg FetchBegin
	if err := codec.Unmarshal(request, &msg); err != nil {
		return nil, fmt.Errorf("decoding fetch-begin: %w", err)
	}
	key, err := keyFromWire(msg.Key)
	if err != nil {
		return codec.Marshal(FetchBeginReply{FetchID: idError})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[key]
	if !ok {
		s.logger.Debug("fetch miss", "key", key, "hint", msg.DestHint)
		return codec.Marshal(FetchBeginReply{FetchID: idError})
	}

	budget := s.segmentBudget()
	leading := min(budget, len(b.data))
	reply := FetchBeginReply{
		TotalSize:  uint64(len(b.data)),
		Compressed: b.compressed,
		SendEnd:    s.sendEnd,
		Leading:    b.data[:leading],
	}
	if leading == len(b.data) {
		reply.FetchID = idSentinel
		return codec.Marshal(reply)
	}

	id := s.allocFetchID()
	session := &fetchSession{
		key:      key,
		data:     b.data,
		leading:  leading,
		segment:  budget,
		segments: (len(b.data) - leading + budget - 1) / budget,
	}
	s.fetches[id] = session
	reply.FetchID = id
	s.logger.Debug("fetch session opened",
		"key", key, "fetch_id", id, "size", len(b.data), "segments", session.segments)
	return codec.Marshal(reply)
}

func (s *Service) handleFetchSegment(request []byte) ([]byte, error) {
	var msg FetchSegment
	if err := codec.Unmarshal(request, &msg); err != nil {
		return nil, fmt.Errorf("decoding fetch-segment: %w", err)
	}

	s.mu.Lock()
	session, ok := s.fetches[msg.FetchID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("fetch-segment for unknown session %d: %w", msg.FetchID, ErrProtocol)
	}
	if msg.Index == 0 || int(msg.Index) > session.segments {
		s.mu.Unlock()
		return nil, fmt.Errorf("fetch-segment index %d outside 1..%d: %w",
			msg.Index, session.segments, ErrProtocol)
	}
	start := session.leading + int(msg.Index-1)*session.segment
	end := min(start+session.segment, len(session.data))
	payload := session.data[start:end]
	session.served++
	if session.served == session.segments {
		delete(s.fetches, msg.FetchID)
	}
	s.mu.Unlock()

	return codec.Marshal(FetchSegmentReply{Payload: payload})
}

func (s *Service) handleFetchEnd(request []byte) error {
	var msg FetchEnd
	if err := codec.Unmarshal(request, &msg); err != nil {
		return fmt.Errorf("decoding fetch-end: %w", err)
	}
	return nil
}

func keyFromWire(raw []byte) (caskey.Key, error) {
	var key caskey.Key
	if len(raw) != len(key) {
		return caskey.Zero, fmt.Errorf("key of %d bytes: %w", len(raw), ErrProtocol)
	}
	copy(key[:], raw)
	if key.IsZero() {
		return caskey.Zero, fmt.Errorf("zero key: %w", ErrProtocol)
	}
	return key, nil
}
