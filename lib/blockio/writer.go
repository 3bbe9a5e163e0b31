// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"fmt"
	"os"
)

// LinearWriter is an append-only byte sink for compressed output.
// Writes arrive strictly in stream order. Hint identifies the
// destination in log messages.
type LinearWriter interface {
	Write(p []byte) error
	Written() int64
	Hint() string
}

// FileWriter appends to an open file.
type FileWriter struct {
	file    *os.File
	written int64
}

// NewFileWriter wraps f as a LinearWriter. The caller retains
// ownership of f and closes it after the stream is complete.
func NewFileWriter(f *os.File) *FileWriter {
	return &FileWriter{file: f}
}

func (w *FileWriter) Write(p []byte) error {
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing %s: %w", w.file.Name(), err)
	}
	return nil
}

func (w *FileWriter) Written() int64 { return w.written }
func (w *FileWriter) Hint() string   { return w.file.Name() }

// MemWriter accumulates output in memory. With MaxSize zero it grows
// without bound; otherwise a write past MaxSize fails, which bounds
// staging memory for callers that pre-size their buffers.
type MemWriter struct {
	buf     []byte
	maxSize int
	hint    string
}

// NewMemWriter creates a memory sink with the given initial capacity.
// maxSize of zero means unbounded.
func NewMemWriter(capacity, maxSize int, hint string) *MemWriter {
	return &MemWriter{buf: make([]byte, 0, capacity), maxSize: maxSize, hint: hint}
}

func (w *MemWriter) Write(p []byte) error {
	if w.maxSize > 0 && len(w.buf)+len(p) > w.maxSize {
		return fmt.Errorf("memory sink %s: %d bytes exceeds capacity %d", w.hint, len(w.buf)+len(p), w.maxSize)
	}
	w.buf = append(w.buf, p...)
	return nil
}

func (w *MemWriter) Written() int64 { return int64(len(w.buf)) }
func (w *MemWriter) Hint() string   { return w.hint }

// Bytes returns the accumulated output. The slice aliases the
// writer's buffer and is valid until the next Write.
func (w *MemWriter) Bytes() []byte { return w.buf }
