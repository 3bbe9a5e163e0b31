// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workpool

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRecruited(t *testing.T) {
	tests := []struct {
		name        string
		itemCount   int
		workerCount int
		want        int
	}{
		{"more workers than items", 4, 16, 4},
		{"more items than workers", 100, 8, 7},
		{"single worker pool", 10, 1, 0},
		{"zero workers", 10, 0, 0},
		{"zero items", 0, 16, 0},
		{"capped at max", 10000, 1000, MaxRecruitsPerOperation},
		{"exactly at cap", MaxRecruitsPerOperation, MaxRecruitsPerOperation + 1, MaxRecruitsPerOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Recruited(tt.itemCount, tt.workerCount)
			if got != tt.want {
				t.Errorf("Recruited(%d, %d) = %d, want %d",
					tt.itemCount, tt.workerCount, got, tt.want)
			}
		})
	}
}

func TestSubmitRunsEveryInvocation(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	var ran atomic.Int64
	var quiesce sync.WaitGroup
	const n = 200
	quiesce.Add(n)
	pool.Submit(n, func() {
		ran.Add(1)
		quiesce.Done()
	})
	quiesce.Wait()

	if got := ran.Load(); got != n {
		t.Errorf("ran %d invocations, want %d", got, n)
	}
}

func TestSubmitNeverBlocks(t *testing.T) {
	// Queue far more work than the pool has workers; Submit must
	// return immediately and everything must still run by Close.
	pool := New(2)

	var ran atomic.Int64
	var quiesce sync.WaitGroup
	for range 50 {
		quiesce.Add(10)
		pool.Submit(10, func() {
			ran.Add(1)
			quiesce.Done()
		})
	}
	quiesce.Wait()
	pool.Close()

	if got := ran.Load(); got != 500 {
		t.Errorf("ran %d invocations, want 500", got)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	pool := New(1)

	var ran atomic.Int64
	var quiesce sync.WaitGroup
	quiesce.Add(20)
	pool.Submit(20, func() {
		ran.Add(1)
		quiesce.Done()
	})
	pool.Close()
	quiesce.Wait()

	if got := ran.Load(); got != 20 {
		t.Errorf("ran %d invocations before Close returned, want 20", got)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	pool := New(2)
	pool.Close()

	// Must not panic or deadlock; the work is simply dropped, and the
	// accepted count tells the caller not to wait for it.
	accepted := pool.Submit(5, func() {
		t.Error("closure ran after Close")
	})
	if accepted != 0 {
		t.Errorf("Submit after Close accepted %d, want 0", accepted)
	}
}

func TestSubmitReportsAccepted(t *testing.T) {
	pool := New(2)
	defer pool.Close()

	var ran sync.WaitGroup
	ran.Add(3)
	if accepted := pool.Submit(3, ran.Done); accepted != 3 {
		t.Fatalf("Submit accepted %d, want 3", accepted)
	}
	ran.Wait()

	if accepted := pool.Submit(0, func() {}); accepted != 0 {
		t.Errorf("Submit of zero invocations accepted %d, want 0", accepted)
	}
}

func TestWorkerCountDefault(t *testing.T) {
	pool := New(0)
	defer pool.Close()
	if pool.WorkerCount() <= 0 {
		t.Errorf("WorkerCount() = %d, want > 0", pool.WorkerCount())
	}
}
