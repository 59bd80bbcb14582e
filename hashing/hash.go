// Package hashing provides the deterministic hash primitives and backend
// selection algorithms used by the router: a 64-bit SHA-256 derived hash,
// rendezvous (highest-random-weight) selection and the jump-consistent hash.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
)

// Hash64 returns the leading 8 bytes of SHA-256(s) as an unsigned 64-bit
// integer. Deterministic across processes and platforms.
func Hash64(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// Rendezvous picks the backend index with the highest hash score for key.
// Removing a non-selected backend never changes the selection for a key;
// adding one moves at most 1/N of keys in expectation. Ties break to the
// lowest index. Returns -1 for an empty backend list.
func Rendezvous(key string, backendIDs []string) int {
	if len(backendIDs) == 0 {
		return -1
	}
	best := 0
	bestScore := Hash64(key + "|" + backendIDs[0])
	for i := 1; i < len(backendIDs); i++ {
		score := Hash64(key + "|" + backendIDs[i])
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

// JumpHash maps key onto one of numBuckets buckets using the classical
// jump-consistent recurrence. Returns -1 when numBuckets <= 0.
func JumpHash(key uint64, numBuckets int) int {
	if numBuckets <= 0 {
		return -1
	}
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
