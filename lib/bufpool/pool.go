// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bufpool provides a fixed pool of reusable buffer slots.
//
// Every slot has the same capacity and is logically split into two
// named halves: a "stage" half for data in transit (network receive
// buffers, file read buffers) and a "scratch" half for codec output.
// The pool size is a deployment parameter — it bounds the peak scratch
// memory of all concurrent transfer and codec operations.
package bufpool

// DefaultSlotSize is the slot capacity used when Config.SlotSize is
// zero. Half of it must comfortably hold one worst-case compressed
// block plus its header.
const DefaultSlotSize = 2 * 1024 * 1024

// DefaultSlotCount is the pool size used when Config.SlotCount is zero.
const DefaultSlotCount = 32

// Slot is one pooled buffer. A slot is owned by exactly one operation
// between Pop and Push; the halves are plain subslices of the same
// allocation, so an operation may also use the full buffer when it
// does not need the stage/scratch split.
type Slot struct {
	buf []byte
}

// Stage returns the first half of the slot.
func (s *Slot) Stage() []byte {
	return s.buf[:len(s.buf)/2]
}

// Scratch returns the second half of the slot.
func (s *Slot) Scratch() []byte {
	return s.buf[len(s.buf)/2:]
}

// Full returns the entire slot buffer.
func (s *Slot) Full() []byte {
	return s.buf
}

// HalfSize returns the capacity of each half.
func (s *Slot) HalfSize() int {
	return len(s.buf) / 2
}

// Pool is a fixed set of slots. Pop blocks when all slots are
// borrowed, which backpressures callers instead of growing memory.
type Pool struct {
	slots    chan *Slot
	slotSize int
}

// New creates a pool of count slots of slotSize bytes each. Zero or
// negative values select the defaults. slotSize is rounded up to an
// even number so the halves are equal.
func New(count, slotSize int) *Pool {
	if count <= 0 {
		count = DefaultSlotCount
	}
	if slotSize <= 0 {
		slotSize = DefaultSlotSize
	}
	slotSize += slotSize & 1
	p := &Pool{
		slots:    make(chan *Slot, count),
		slotSize: slotSize,
	}
	for range count {
		p.slots <- &Slot{buf: make([]byte, slotSize)}
	}
	return p
}

// Pop borrows a slot, blocking until one is available. The caller
// must return it with Push on every exit path:
//
//	slot := pool.Pop()
//	defer pool.Push(slot)
func (p *Pool) Pop() *Slot {
	return <-p.slots
}

// Push returns a borrowed slot to the pool.
func (p *Pool) Push(s *Slot) {
	p.slots <- s
}

// SlotSize returns the capacity of each slot.
func (p *Pool) SlotSize() int {
	return p.slotSize
}

// HalfSize returns the capacity of each slot half.
func (p *Pool) HalfSize() int {
	return p.slotSize / 2
}
