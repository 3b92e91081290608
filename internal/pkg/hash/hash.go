// Package hash provides hashing utilities for sharded structures.
package hash

import "hash/fnv"

// Sum32 returns the 32-bit FNV-1a hash of key.
func Sum32(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// Shard maps key onto one of n buckets. n must be positive.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(Sum32(key) % uint32(n))
}
