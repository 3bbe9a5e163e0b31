// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"

	"github.com/bureau-foundation/castore/lib/mapfile"
	"github.com/bureau-foundation/castore/lib/workpool"
)

// Sink receives retrieved bytes in order. Close must be called on
// every path once the transfer ends.
type Sink interface {
	Write(p []byte) error
	Close() error
}

// Destination chooses where retrieved content lands. Open is called
// once the total size is known (after the Begin round trip); all
// destination kinds funnel through the same Sink writes.
type Destination interface {
	Open(size int64) (Sink, error)
}

// FileDestination writes to a file, pre-sized at Open, either through
// a shared memory mapping or plain positional writes.
type FileDestination struct {
	// Path is the destination file. Created or truncated at Open.
	Path string

	// Mapped selects the memory-mapped write path.
	Mapped bool

	// AsyncUnmap hands the final unmap to Workers instead of
	// blocking Close. Requires Workers when set.
	AsyncUnmap bool

	// Workers is the pool used for async unmapping.
	Workers *workpool.Pool
}

func (d FileDestination) Open(size int64) (Sink, error) {
	writer, err := mapfile.Create(d.Path, size, mapfile.WriterOptions{
		Mapped:     d.Mapped,
		AsyncUnmap: d.AsyncUnmap,
		Workers:    d.Workers,
	})
	if err != nil {
		return nil, err
	}
	return writer, nil
}

// MemoryDestination collects retrieved content in a growable buffer.
// Bytes is valid after the Retrieve call returns.
type MemoryDestination struct {
	buf  []byte
	size int64
}

func (d *MemoryDestination) Open(size int64) (Sink, error) {
	d.size = size
	d.buf = make([]byte, 0, size)
	return (*memorySink)(d), nil
}

// Bytes returns the retrieved content.
func (d *MemoryDestination) Bytes() []byte { return d.buf }

type memorySink MemoryDestination

func (s *memorySink) Write(p []byte) error {
	// Check against the declared size, not the buffer capacity: the
	// runtime may round an allocation's capacity up past the request.
	if int64(len(s.buf))+int64(len(p)) > s.size {
		// The server delivered more than the Begin reply declared.
		return fmt.Errorf("destination overrun: %d bytes into %d-byte buffer: %w",
			len(s.buf)+len(p), s.size, ErrProtocol)
	}
	s.buf = append(s.buf, p...)
	return nil
}

func (s *memorySink) Close() error { return nil }
