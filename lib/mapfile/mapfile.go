// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mapfile provides the file primitives the transfer engine
// writes through: a pre-sized destination writer (plain pwrite or a
// shared memory mapping) and read-only whole-file mappings for
// compressing large inputs without staging them through buffers.
package mapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/castore/lib/workpool"
)

// MapRead memory-maps an open file read-only and returns the mapped
// bytes plus a release function. size must be the file's length. A
// zero-length file returns an empty slice and a no-op release, since
// mmap rejects zero-length mappings.
func MapRead(f *os.File, size int64) ([]byte, func() error, error) {
	if size == 0 {
		return nil, func() error { return nil }, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("memory-mapping %s: %w", f.Name(), err)
	}
	release := func() error {
		if err := unix.Munmap(data); err != nil {
			return fmt.Errorf("unmapping %s: %w", f.Name(), err)
		}
		return nil
	}
	return data, release, nil
}

// WriterOptions configures a destination Writer.
type WriterOptions struct {
	// Mapped selects a shared memory mapping as the write path.
	// Sequential appends become plain memory copies; the kernel
	// flushes pages behind the writer. When false, writes use
	// pwrite at the tracked offset.
	Mapped bool

	// AsyncUnmap hands the final munmap to the worker pool instead
	// of blocking Close. Unmapping a large dirty mapping can stall
	// for writeback; async unmap lets the transfer finish first.
	AsyncUnmap bool

	// Workers is required when AsyncUnmap is set.
	Workers *workpool.Pool
}

// Writer writes a destination file of known size, created up front so
// mapped mode can establish the full mapping once.
type Writer struct {
	file    *os.File
	mapping []byte
	offset  int64
	size    int64
	options WriterOptions
}

// Create creates (or truncates) the destination file and pre-sizes it.
func Create(path string, size int64, options WriterOptions) (*Writer, error) {
	if options.AsyncUnmap && options.Workers == nil {
		return nil, fmt.Errorf("mapfile: AsyncUnmap requires a worker pool")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("pre-sizing %s to %d bytes: %w", path, size, err)
	}
	w := &Writer{file: f, size: size, options: options}
	if options.Mapped && size > 0 {
		mapping, err := unix.Mmap(int(f.Fd()), 0, int(size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("memory-mapping %s for write: %w", path, err)
		}
		w.mapping = mapping
	}
	return w, nil
}

// Write appends p at the current offset.
func (w *Writer) Write(p []byte) error {
	if w.offset+int64(len(p)) > w.size {
		return fmt.Errorf("write of %d bytes at offset %d exceeds destination size %d (%s)",
			len(p), w.offset, w.size, w.file.Name())
	}
	if w.mapping != nil {
		copy(w.mapping[w.offset:], p)
		w.offset += int64(len(p))
		return nil
	}
	if _, err := w.file.WriteAt(p, w.offset); err != nil {
		return fmt.Errorf("writing %s at offset %d: %w", w.file.Name(), w.offset, err)
	}
	w.offset += int64(len(p))
	return nil
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 { return w.offset }

// Hint returns the destination path for log messages.
func (w *Writer) Hint() string { return w.file.Name() }

// Close unmaps (possibly asynchronously) and closes the file.
func (w *Writer) Close() error {
	mapping := w.mapping
	w.mapping = nil
	if mapping != nil && w.options.AsyncUnmap {
		accepted := w.options.Workers.Submit(1, func() {
			// Errors here have nothing actionable for the
			// caller; the data reached the shared mapping
			// before Close.
			_ = unix.Munmap(mapping)
		})
		if accepted == 0 {
			// Pool already closed; unmap inline rather than leak
			// the mapping.
			_ = unix.Munmap(mapping)
		}
	} else if mapping != nil {
		if err := unix.Munmap(mapping); err != nil {
			w.file.Close()
			return fmt.Errorf("unmapping %s: %w", w.file.Name(), err)
		}
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", w.file.Name(), err)
	}
	return nil
}
