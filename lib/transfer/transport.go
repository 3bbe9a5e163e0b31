// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/castore/lib/codec"
)

// DefaultMaxMessageSize bounds one wire message (CBOR envelope
// included) when configuration does not override it.
const DefaultMaxMessageSize = 256 * 1024

// segmentOverhead is the per-message budget reserved for the CBOR
// envelope around a segment payload: map framing, field names, IDs,
// and the offset. Deterministic encoding keeps the real overhead well
// under this.
const segmentOverhead = 64

// beginOverhead is the larger envelope of a StoreBegin: on top of the
// segment envelope it carries the 32-byte key, both size fields, and
// the compressed flag. The variable-length hint is budgeted on top of
// this at the call site.
const beginOverhead = segmentOverhead + 64

// Transport moves protocol messages to a peer. Implementations must
// be safe for concurrent use; the Sender and Fetcher issue async
// sends from multiple operations at once.
type Transport interface {
	// MaxMessageSize returns the largest encoded message the
	// transport accepts.
	MaxMessageSize() int

	// RoundTrip sends req and decodes the synchronous reply into
	// reply.
	RoundTrip(op Op, req, reply any) error

	// Post sends req with no reply expected.
	Post(op Op, req any) error

	// SendAsync sends req and returns a handle for harvesting the
	// reply later.
	SendAsync(op Op, req any) (*Pending, error)
}

// Handler is the server side of the protocol: one encoded request in,
// one encoded reply out (nil for reply-less ops).
type Handler interface {
	Handle(op Op, request []byte) (reply []byte, err error)
}

// Pending is one in-flight async request.
type Pending struct {
	done    chan struct{}
	payload []byte
	err     error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) complete(payload []byte, err error) {
	p.payload = payload
	p.err = err
	close(p.done)
}

// Await blocks until the reply arrives and decodes it into reply. A
// timeout of zero waits forever. On timeout the returned error
// matches [ErrTimeout]; the request stays in flight, so the
// transport's resources are only reclaimed on close.
func (p *Pending) Await(timeout time.Duration, reply any) error {
	if timeout <= 0 {
		<-p.done
	} else {
		select {
		case <-p.done:
		case <-time.After(timeout):
			return ErrTimeout
		}
	}
	if p.err != nil {
		return p.err
	}
	if reply == nil {
		return nil
	}
	return codec.Unmarshal(p.payload, reply)
}

// MemTransport is an in-process transport that dispatches directly to
// a Handler. It is the loopback transport for tests and in-process
// replication.
type MemTransport struct {
	handler    Handler
	maxMessage int

	// Intercept, when set, sees every request before the handler.
	// Returning handled=true short-circuits with the given reply.
	// Tests use it to fake server sentinels and to stall responses.
	Intercept func(op Op, request []byte) (handled bool, reply []byte, err error)
}

// NewMemTransport creates a loopback transport over handler.
// maxMessage of zero selects the default.
func NewMemTransport(handler Handler, maxMessage int) *MemTransport {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}
	return &MemTransport{handler: handler, maxMessage: maxMessage}
}

func (t *MemTransport) MaxMessageSize() int { return t.maxMessage }

func (t *MemTransport) dispatch(op Op, request []byte) ([]byte, error) {
	if t.Intercept != nil {
		if handled, reply, err := t.Intercept(op, request); handled {
			return reply, err
		}
	}
	return t.handler.Handle(op, request)
}

func (t *MemTransport) RoundTrip(op Op, req, reply any) error {
	body, err := codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", op, err)
	}
	if len(body) > t.maxMessage {
		return fmt.Errorf("%s message of %d bytes exceeds transport limit %d", op, len(body), t.maxMessage)
	}
	replyBody, err := t.dispatch(op, body)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return codec.Unmarshal(replyBody, reply)
}

func (t *MemTransport) Post(op Op, req any) error {
	return t.RoundTrip(op, req, nil)
}

func (t *MemTransport) SendAsync(op Op, req any) (*Pending, error) {
	body, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", op, err)
	}
	pending := newPending()
	go func() {
		reply, err := t.dispatch(op, body)
		pending.complete(reply, err)
	}()
	return pending, nil
}
