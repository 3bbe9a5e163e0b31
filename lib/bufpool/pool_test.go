// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"
)

func TestSlotHalves(t *testing.T) {
	pool := New(1, 4096)
	slot := pool.Pop()
	defer pool.Push(slot)

	if len(slot.Full()) != 4096 {
		t.Errorf("Full() length = %d, want 4096", len(slot.Full()))
	}
	if len(slot.Stage()) != 2048 {
		t.Errorf("Stage() length = %d, want 2048", len(slot.Stage()))
	}
	if len(slot.Scratch()) != 2048 {
		t.Errorf("Scratch() length = %d, want 2048", len(slot.Scratch()))
	}
	if slot.HalfSize() != 2048 {
		t.Errorf("HalfSize() = %d, want 2048", slot.HalfSize())
	}

	// The halves are disjoint views of the same allocation.
	slot.Stage()[2047] = 0xAA
	slot.Scratch()[0] = 0xBB
	if slot.Full()[2047] != 0xAA || slot.Full()[2048] != 0xBB {
		t.Error("stage and scratch do not tile the full buffer")
	}
}

func TestOddSlotSizeRoundsUp(t *testing.T) {
	pool := New(1, 4097)
	if pool.SlotSize() != 4098 {
		t.Errorf("SlotSize() = %d, want 4098", pool.SlotSize())
	}
	if pool.HalfSize() != 2049 {
		t.Errorf("HalfSize() = %d, want 2049", pool.HalfSize())
	}
}

func TestDefaults(t *testing.T) {
	pool := New(0, 0)
	if pool.SlotSize() != DefaultSlotSize {
		t.Errorf("SlotSize() = %d, want %d", pool.SlotSize(), DefaultSlotSize)
	}
	slot := pool.Pop()
	if len(slot.Full()) != DefaultSlotSize {
		t.Errorf("slot length = %d, want %d", len(slot.Full()), DefaultSlotSize)
	}
	pool.Push(slot)
}

func TestPopBlocksUntilPush(t *testing.T) {
	pool := New(1, 64)
	slot := pool.Pop()

	got := make(chan *Slot)
	go func() {
		got <- pool.Pop()
	}()

	select {
	case <-got:
		t.Fatal("Pop returned while the only slot was borrowed")
	default:
	}

	pool.Push(slot)
	if s := <-got; s == nil {
		t.Fatal("Pop returned nil after Push")
	}
}

func TestConcurrentBorrowReturn(t *testing.T) {
	pool := New(4, 256)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				slot := pool.Pop()
				slot.Stage()[0] = 1
				pool.Push(slot)
			}
		}()
	}
	wg.Wait()

	// All four slots must be back in the pool.
	for range 4 {
		pool.Push(pool.Pop())
	}
}
