// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
)

// Op identifies a wire operation. Values are protocol constants.
type Op uint8

const (
	OpStoreBegin Op = iota + 1
	OpStoreSegment
	OpStoreEnd
	OpFetchBegin
	OpFetchSegment
	OpFetchEnd
)

func (op Op) String() string {
	switch op {
	case OpStoreBegin:
		return "store-begin"
	case OpStoreSegment:
		return "store-segment"
	case OpStoreEnd:
		return "store-end"
	case OpFetchBegin:
		return "fetch-begin"
	case OpFetchSegment:
		return "fetch-segment"
	case OpFetchEnd:
		return "fetch-end"
	default:
		return "unknown"
	}
}

// Session ID sentinels. On the wire a store or fetch ID of zero means
// the server failed the request, and all-ones means "already have"
// (store) or "no more segments" (fetch). Code above the message layer
// uses [BeginStatus] instead of comparing raw IDs.
const (
	idError    uint16 = 0
	idSentinel uint16 = 0xFFFF
)

// BeginStatus is the decoded outcome of a Begin round trip.
type BeginStatus int

const (
	// BeginOK means the server issued a live session ID.
	BeginOK BeginStatus = iota

	// BeginNotFound means the fetched key is absent on the server.
	BeginNotFound

	// BeginAlreadyExists means the server already holds the stored
	// content and the upload can be skipped.
	BeginAlreadyExists

	// BeginSingleSegment means the whole payload fit in the Begin
	// reply and no segment session exists.
	BeginSingleSegment

	// BeginServerError means the server refused the session.
	BeginServerError
)

func storeStatus(id uint16) BeginStatus {
	switch id {
	case idError:
		return BeginServerError
	case idSentinel:
		return BeginAlreadyExists
	default:
		return BeginOK
	}
}

func fetchStatus(id uint16) BeginStatus {
	switch id {
	case idError:
		return BeginNotFound
	case idSentinel:
		return BeginSingleSegment
	default:
		return BeginOK
	}
}

// Error taxonomy. Wrapped errors carry keys, offsets, and hints;
// match with errors.Is. A Timeout is fatal by policy — the segment
// wait bound exists to surface lower-layer hangs, and callers must
// treat it as unrecoverable rather than retry.
var (
	ErrNotFound = errors.New("content not found")
	ErrProtocol = errors.New("transfer protocol error")
	ErrTimeout  = errors.New("segment response timed out (fatal)")
)

// --- Wire messages (CBOR) ---

// StoreBegin opens an upload. Payload carries as many leading content
// bytes as fit the first message; small blobs complete in this one
// round trip. TotalSize counts wire bytes; RawSize counts the
// original uncompressed bytes. Compressed marks the wire bytes as a
// block stream; it is declared explicitly because a stream's length
// can coincide with the raw length.
type StoreBegin struct {
	Key        []byte `cbor:"key"`
	TotalSize  uint64 `cbor:"total_size"`
	RawSize    uint64 `cbor:"raw_size"`
	Compressed bool   `cbor:"compressed,omitempty"`
	Hint       string `cbor:"hint,omitempty"`
	Payload    []byte `cbor:"payload"`
}

// StoreBeginReply acknowledges StoreBegin. SendEnd instructs the
// client to close the session with StoreEnd; the server's trigger for
// it is opaque policy, not interpreted by this client.
type StoreBeginReply struct {
	StoreID uint16 `cbor:"store_id"`
	SendEnd bool   `cbor:"send_end"`
}

// StoreSegment carries one fire-and-forget span of upload bytes.
type StoreSegment struct {
	StoreID uint16 `cbor:"store_id"`
	Offset  uint64 `cbor:"offset"`
	Payload []byte `cbor:"payload"`
}

// StoreEnd closes an upload session when the server requested it.
type StoreEnd struct {
	Key []byte `cbor:"key"`
}

// FetchBegin opens a download. DestHint names the destination for
// server-side diagnostics only.
type FetchBegin struct {
	Key      []byte `cbor:"key"`
	DestHint string `cbor:"dest_hint,omitempty"`
}

// FetchBeginReply acknowledges FetchBegin and piggybacks the first
// span of content in Leading. TotalSize counts wire bytes (the
// compressed size when Compressed is set).
type FetchBeginReply struct {
	FetchID    uint16 `cbor:"fetch_id"`
	TotalSize  uint64 `cbor:"total_size"`
	Compressed bool   `cbor:"compressed"`
	SendEnd    bool   `cbor:"send_end"`
	Leading    []byte `cbor:"leading"`
}

// FetchSegment requests one segment by sequence index (1-based; index
// 0 is the leading span in the Begin reply). Responses may complete
// out of order; the destination offset derives from the index, never
// from arrival order.
type FetchSegment struct {
	FetchID uint16 `cbor:"fetch_id"`
	Index   uint32 `cbor:"index"`
}

// FetchSegmentReply carries one segment's bytes.
type FetchSegmentReply struct {
	Payload []byte `cbor:"payload"`
}

// FetchEnd closes a download session when the server requested it.
type FetchEnd struct {
	Key []byte `cbor:"key"`
}
