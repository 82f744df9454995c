// Package bucketing provides deterministic user bucketing for campaign
// traffic allocation and variation assignment. A seeded 128-bit xxh3 hash of
// a seed string is reduced to its low 32 bits and projected onto an integer
// bucket range. The same seed string always produces the same bucket value
// across processes and restarts, so no coordinator is needed for consistent
// decisions.
package bucketing

import (
	"math"

	"github.com/zeebo/xxh3"
)

const (
	// hashSeed is a wire-level contract: every port of the engine must hash
	// with the same algorithm and seed or sticky-free decisions diverge.
	hashSeed = 1

	// MaxTrafficValue is the bucket domain for traffic-membership checks.
	MaxTrafficValue = 100
	// MaxBucketValue is the bucket domain for variation assignment.
	MaxBucketValue = 10000

	maxHashValue = float64(1 << 32)
)

// HashValue returns the low 32 bits of the seeded 128-bit hash of key.
func HashValue(key string) uint32 {
	return uint32(xxh3.HashString128Seed(key, hashSeed).Lo)
}

// BucketValue projects a 32-bit hash onto [1, maxValue], scaled by
// multiplier. A zero multiplier forces bucket 0, which no range contains;
// it encodes "0% traffic, never a member".
func BucketValue(hash uint32, maxValue, multiplier float64) int {
	ratio := float64(hash) / maxHashValue
	return int(math.Floor((maxValue*ratio + 1) * multiplier))
}

// BucketValueForUser hashes the seed string and projects it onto
// [1, maxValue] with a unit multiplier.
func BucketValueForUser(seed string, maxValue float64) int {
	return BucketValue(HashValue(seed), maxValue, 1)
}
