// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/castore/lib/codec"
)

// Frame layout: u32 body length, u8 op, u8 flags, u32 request ID,
// body. Responses echo the request ID; the client matches them to
// pending requests, so replies may arrive in any order.
const frameHeaderSize = 10

const (
	flagWantReply = 1 << 0
	flagReply     = 1 << 1
)

// TCPTransport is a Transport over one TCP connection. All methods
// are safe for concurrent use: writes are serialized on a mutex and a
// single reader goroutine dispatches replies by request ID.
type TCPTransport struct {
	conn       net.Conn
	maxMessage int
	logger     *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]*Pending
	closed    bool

	nextID atomic.Uint32
}

// TCPOptions configures DialTCP.
type TCPOptions struct {
	// MaxMessageSize bounds one encoded message. Zero selects the
	// default. Both peers must agree on the bound.
	MaxMessageSize int

	// Logger receives connection-level failures. Nil discards.
	Logger *slog.Logger
}

// DialTCP connects to a transfer server.
func DialTCP(address string, options TCPOptions) (*TCPTransport, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	maxMessage := options.MaxMessageSize
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &TCPTransport{
		conn:       conn,
		maxMessage: maxMessage,
		logger:     logger,
		pending:    map[uint32]*Pending{},
	}
	go t.readLoop()
	return t, nil
}

func (t *TCPTransport) MaxMessageSize() int { return t.maxMessage }

// Close shuts the connection down and fails every pending request.
func (t *TCPTransport) Close() error {
	err := t.conn.Close()
	t.failAll(errors.New("transport closed"))
	return err
}

func (t *TCPTransport) failAll(cause error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, p := range t.pending {
		delete(t.pending, id)
		p.complete(nil, cause)
	}
}

func (t *TCPTransport) readLoop() {
	for {
		op, flags, requestID, body, err := readFrame(t.conn, t.maxMessage)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.logger.Error("transport read failed", "error", err)
			}
			t.failAll(fmt.Errorf("connection lost: %w", err))
			return
		}
		if flags&flagReply == 0 {
			t.logger.Warn("unexpected non-reply frame from server", "op", op)
			continue
		}
		t.pendingMu.Lock()
		p := t.pending[requestID]
		delete(t.pending, requestID)
		t.pendingMu.Unlock()
		if p == nil {
			t.logger.Warn("reply for unknown request", "op", op, "request_id", requestID)
			continue
		}
		p.complete(body, nil)
	}
}

func (t *TCPTransport) writeFrame(op Op, flags uint8, requestID uint32, body []byte) error {
	if len(body) > t.maxMessage {
		return fmt.Errorf("%s message of %d bytes exceeds transport limit %d", op, len(body), t.maxMessage)
	}
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)))
	header[4] = uint8(op)
	header[5] = flags
	binary.LittleEndian.PutUint32(header[6:10], requestID)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(header[:]); err != nil {
		return fmt.Errorf("writing %s frame: %w", op, err)
	}
	if _, err := t.conn.Write(body); err != nil {
		return fmt.Errorf("writing %s body: %w", op, err)
	}
	return nil
}

func (t *TCPTransport) SendAsync(op Op, req any) (*Pending, error) {
	body, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", op, err)
	}
	requestID := t.nextID.Add(1)
	pending := newPending()

	t.pendingMu.Lock()
	if t.closed {
		t.pendingMu.Unlock()
		return nil, errors.New("transport closed")
	}
	t.pending[requestID] = pending
	t.pendingMu.Unlock()

	if err := t.writeFrame(op, flagWantReply, requestID, body); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, requestID)
		t.pendingMu.Unlock()
		return nil, err
	}
	return pending, nil
}

func (t *TCPTransport) RoundTrip(op Op, req, reply any) error {
	pending, err := t.SendAsync(op, req)
	if err != nil {
		return err
	}
	return pending.Await(0, reply)
}

func (t *TCPTransport) Post(op Op, req any) error {
	body, err := codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", op, err)
	}
	return t.writeFrame(op, 0, t.nextID.Add(1), body)
}

func readFrame(r io.Reader, maxMessage int) (Op, uint8, uint32, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	op := Op(header[4])
	flags := header[5]
	requestID := binary.LittleEndian.Uint32(header[6:10])
	if int(length) > maxMessage {
		return 0, 0, 0, nil, fmt.Errorf("%d-byte frame exceeds transport limit %d", length, maxMessage)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, 0, 0, nil, err
	}
	return op, flags, requestID, body, nil
}

// Serve accepts connections on listener and dispatches frames to
// handler until ctx is cancelled. Each connection is served by its
// own goroutine; frames within a connection are handled in arrival
// order, which preserves store-segment ordering without server-side
// reassembly bookkeeping.
func Serve(ctx context.Context, listener net.Listener, handler Handler, options TCPOptions) error {
	maxMessage := options.MaxMessageSize
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go serveConn(conn, handler, maxMessage, logger)
	}
}

func serveConn(conn net.Conn, handler Handler, maxMessage int, logger *slog.Logger) {
	defer conn.Close()
	for {
		op, flags, requestID, body, err := readFrame(conn, maxMessage)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Error("connection read failed", "peer", conn.RemoteAddr(), "error", err)
			}
			return
		}
		reply, err := handler.Handle(op, body)
		if err != nil {
			logger.Error("request failed", "op", op, "peer", conn.RemoteAddr(), "error", err)
			// Reply-less ops have no error channel; the session
			// times out or fails on a later round trip.
		}
		if flags&flagWantReply == 0 {
			continue
		}
		var header [frameHeaderSize]byte
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(reply)))
		header[4] = uint8(op)
		header[5] = flagReply
		binary.LittleEndian.PutUint32(header[6:10], requestID)
		_, err = conn.Write(header[:])
		if err == nil {
			_, err = conn.Write(reply)
		}
		if err != nil {
			logger.Error("reply write failed", "op", op, "peer", conn.RemoteAddr(), "error", err)
			return
		}
	}
}
