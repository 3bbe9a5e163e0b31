// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package caskey computes the canonical content-addressed storage
// key: a 32-byte BLAKE3 digest identifying a blob by its bytes.
//
// Keys are domain-separated with BLAKE3 keyed hashing. A blob that the
// store holds in compressed form hashes under a different domain than
// the same bytes stored raw, so the two variants can never collide in
// the store's namespace. Interior chunk digests (used by the parallel
// hash-of-hashes path) use a third domain, which prevents a crafted
// concatenation of chunk digests from colliding with real content.
package caskey

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Key is a 32-byte content hash. The zero value is the reserved "no
// content / failure" sentinel and never names real content.
type Key [32]byte

// Zero is the reserved sentinel key.
var Zero Key

// ChunkSize is the input size above which Calculate switches to the
// chunked hash-of-hashes scheme, and the size of each interior chunk.
// This is a protocol constant — changing it changes every key of
// every blob larger than it.
const ChunkSize = 1024 * 1024

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte
// values are the ASCII encoding of the domain name, zero-padded,
// which keeps them inspectable in hex dumps without weakening the
// keyed mode (the key is an opaque 32-byte value to BLAKE3).
type domainKey [32]byte

var (
	rawDomainKey = domainKey{
		'c', 'a', 's', 't', 'o', 'r', 'e', '.', 'b', 'l', 'o', 'b', '.',
		'r', 'a', 'w', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	compressedDomainKey = domainKey{
		'c', 'a', 's', 't', 'o', 'r', 'e', '.', 'b', 'l', 'o', 'b', '.',
		'c', 'o', 'm', 'p', 'r', 'e', 's', 's', 'e', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	chunkDomainKey = domainKey{
		'c', 'a', 's', 't', 'o', 'r', 'e', '.', 'b', 'l', 'o', 'b', '.',
		'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// IsZero reports whether k is the reserved sentinel.
func (k Key) IsZero() bool {
	return k == Zero
}

// String returns the lowercase hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Parse decodes a 64-character hex string into a Key.
func Parse(s string) (Key, error) {
	var k Key
	if len(s) != 64 {
		return Zero, fmt.Errorf("caskey: key must be 64 hex characters, got %d", len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Zero, fmt.Errorf("caskey: %w", err)
	}
	return k, nil
}

func keyedSum(key domainKey, data []byte) Key {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("caskey: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var out Key
	copy(out[:], hasher.Sum(nil))
	return out
}

func finalDomain(storeCompressed bool) domainKey {
	if storeCompressed {
		return compressedDomainKey
	}
	return rawDomainKey
}
