// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package caskey

import (
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/castore/lib/workpool"
)

// Calculate computes the key for data. storeCompressed selects the
// hash domain: the key of a blob stored in compressed form differs
// from the key of the same bytes stored raw.
//
// Inputs larger than [ChunkSize] are hashed as a hash of hashes: the
// input is split into fixed ChunkSize chunks (the last may be short),
// each chunk is hashed independently under the chunk domain, and the
// concatenation of the ordered chunk digests is hashed once under the
// final domain. One level only — not a tree. The chunk hashes are
// distributed over workers when a pool is provided; the result is
// identical for any worker count, including nil.
func Calculate(data []byte, storeCompressed bool, workers *workpool.Pool) Key {
	if len(data) <= ChunkSize {
		return keyedSum(finalDomain(storeCompressed), data)
	}

	chunkCount := (len(data) + ChunkSize - 1) / ChunkSize
	digests := make([]Key, chunkCount)

	var claim atomic.Int64
	work := func() {
		for {
			index := int(claim.Add(1) - 1)
			if index >= chunkCount {
				return
			}
			start := index * ChunkSize
			end := start + ChunkSize
			if end > len(data) {
				end = len(data)
			}
			digests[index] = keyedSum(chunkDomainKey, data[start:end])
		}
	}

	if workers != nil {
		recruited := workpool.Recruited(chunkCount, workers.WorkerCount())
		var quiesce sync.WaitGroup
		quiesce.Add(recruited)
		accepted := workers.Submit(recruited, func() {
			defer quiesce.Done()
			work()
		})
		// A closed pool accepts nothing; drop the rejected count so
		// Wait cannot block on recruits that will never run.
		quiesce.Add(accepted - recruited)
		work()
		quiesce.Wait()
	} else {
		work()
	}

	concat := make([]byte, 0, chunkCount*len(Key{}))
	for _, digest := range digests {
		concat = append(concat, digest[:]...)
	}
	return keyedSum(finalDomain(storeCompressed), concat)
}
