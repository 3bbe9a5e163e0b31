// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workpool provides a fixed-size cooperative worker pool for
// CPU-bound fan-out: parallel hashing, compression, and decompression.
//
// The pool model is cooperative: an operation that wants parallelism
// recruits at most WorkerCount()-1 pool workers and then runs the same
// closure body on its own goroutine. The initiator is always a
// participant, so an operation makes progress even when the pool has
// no free workers. [Recruited] computes the standard recruit count.
package workpool

import (
	"runtime"
	"sync"
)

// MaxRecruitsPerOperation caps how many pool workers a single
// operation may recruit, so one large file cannot starve everything
// else sharing the pool.
const MaxRecruitsPerOperation = 128

// Recruited returns the number of extra pool workers an operation
// should recruit for itemCount independent work items given a pool of
// workerCount workers: min(itemCount, workerCount-1,
// MaxRecruitsPerOperation). The initiator runs the closure itself, so
// the -1 keeps total participants within the pool size.
func Recruited(itemCount, workerCount int) int {
	n := workerCount - 1
	if itemCount < n {
		n = itemCount
	}
	if n > MaxRecruitsPerOperation {
		n = MaxRecruitsPerOperation
	}
	if n < 0 {
		return 0
	}
	return n
}

// Pool is a fixed-size worker pool. Submitted closures are queued and
// executed by the pool's worker goroutines in submission order. The
// queue is unbounded: Submit never blocks, and every accepted
// invocation eventually runs (operations rely on this for their
// quiesce accounting).
type Pool struct {
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	done sync.WaitGroup
}

// New creates a pool with the given number of worker goroutines. If
// workers is zero or negative, runtime.GOMAXPROCS(0) is used.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	p.done.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

// WorkerCount returns the fixed number of worker goroutines.
func (p *Pool) WorkerCount() int {
	return p.workers
}

// Submit queues n invocations of fn and returns how many were
// accepted: n, or 0 when the pool is already closed (the operation's
// own inline invocation still makes progress). It never blocks.
// Callers that wait for submitted closures must account only the
// accepted count.
func (p *Pool) Submit(n int, fn func()) int {
	if n <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	for range n {
		p.queue = append(p.queue, fn)
	}
	p.cond.Broadcast()
	return n
}

// Close stops the workers after the queue drains and waits for them
// to exit. Pending invocations still run.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.done.Wait()
}

func (p *Pool) worker() {
	defer p.done.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		fn()
	}
}
