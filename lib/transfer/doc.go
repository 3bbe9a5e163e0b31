// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements the segmented upload/download protocol
// for content-addressed blobs.
//
// Every transfer starts with a mandatory synchronous Begin round
// trip. For uploads, the Begin reply either issues a store session,
// reports that the server already holds the content (dedup — the
// client skips every remaining segment), or refuses the store; the
// rest of the payload streams as fire-and-forget segments. For
// downloads, the Begin reply piggybacks the first span of content,
// and the remainder is pulled in batches of asynchronous segment
// requests whose responses are consumed in request order.
//
// Blob payloads are either raw bytes or a blockio block stream; a
// compressed download is decoded incrementally as segments arrive, or
// written through verbatim for cache-to-cache replication.
//
// The only bounded wait in the protocol is the batched segment
// response (20 minutes by default), and exceeding it is deliberately
// fatal: such hangs indicate a fault below the protocol layer and
// retrying would hide it.
//
// Transports: [MemTransport] dispatches in-process, [TCPTransport]
// frames messages over one TCP connection with out-of-order reply
// matching. [Service] is the server side: the blob table, session ID
// issue (with the reserved 0 and all-ones sentinel values), and
// segment serving.
package transfer
