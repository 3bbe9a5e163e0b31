// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockio implements the canonical block-stream byte format
// used for compressed blobs at rest and on the wire:
//
//	u64  total uncompressed size (little-endian)
//	repeated until the total is produced:
//	  u32  compressed block size
//	  u32  uncompressed block size
//	  compressed payload
//
// A block whose compressed size equals its uncompressed size is
// stored raw (incompressible data); no codec accepts its own output
// at identical size, so the equality is unambiguous.
//
// Compression and decompression run serially or fanned out over a
// worker pool, with output always emitted in original-offset order
// regardless of compute order.
package blockio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// StreamHeaderSize is the size of the leading total-size field.
	StreamHeaderSize = 8

	// BlockHeaderSize is the size of the per-block size pair.
	BlockHeaderSize = 8
)

// ErrCorrupt reports a structurally invalid block stream: a block
// size of zero, a block exceeding the declared total, or a stream
// that ends mid-block. Wrapped errors carry offsets and sizes; match
// with errors.Is.
var ErrCorrupt = errors.New("corrupt block stream")

func putBlockHeader(dst []byte, compressedSize, uncompressedSize uint32) {
	binary.LittleEndian.PutUint32(dst[0:4], compressedSize)
	binary.LittleEndian.PutUint32(dst[4:8], uncompressedSize)
}

func blockHeader(src []byte) (compressedSize, uncompressedSize uint32) {
	return binary.LittleEndian.Uint32(src[0:4]), binary.LittleEndian.Uint32(src[4:8])
}

// PutStreamHeader writes the 8-byte total-uncompressed-size header.
func PutStreamHeader(dst []byte, totalSize uint64) {
	binary.LittleEndian.PutUint64(dst[:StreamHeaderSize], totalSize)
}

// StreamSize reads the total uncompressed size from the front of a
// block stream.
func StreamSize(stream []byte) (uint64, error) {
	if len(stream) < StreamHeaderSize {
		return 0, fmt.Errorf("stream of %d bytes has no size header: %w", len(stream), ErrCorrupt)
	}
	return binary.LittleEndian.Uint64(stream[:StreamHeaderSize]), nil
}

// errLatch is a first-error latch shared by the workers of one
// parallel operation. Only the first failure is recorded (and is the
// one worth logging — later failures are usually downstream noise of
// the first).
type errLatch struct {
	set atomic.Bool
	mu  sync.Mutex
	err error
}

// fail records err if no error has been recorded yet. It returns true
// for the first caller, which is the one that should log.
func (l *errLatch) fail(err error) bool {
	if !l.set.CompareAndSwap(false, true) {
		return false
	}
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	return true
}

func (l *errLatch) failed() bool {
	return l.set.Load()
}

func (l *errLatch) Err() error {
	if !l.set.Load() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
