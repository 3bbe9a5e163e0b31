// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import "sync/atomic"

// Stats accumulates transfer counters. One Stats value is typically
// shared by a Sender/Fetcher pair; all fields are atomic.
type Stats struct {
	// SendBytesRaw counts uncompressed bytes handed to Send and
	// SendCompressed.
	SendBytesRaw atomic.Int64

	// SendBytesWire counts bytes that actually crossed the wire on
	// upload (compressed size for compressed uploads).
	SendBytesWire atomic.Int64

	// SendDeduped counts uploads skipped because the server already
	// held the content.
	SendDeduped atomic.Int64

	// RecvBytesWire counts downloaded wire bytes.
	RecvBytesWire atomic.Int64

	// RecvBytesRaw counts bytes delivered to destinations after
	// decompression.
	RecvBytesRaw atomic.Int64
}
