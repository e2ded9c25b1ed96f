package serve

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// === RandomGenerator ===

// RandomGenerator is the per-branch sampling RNG. Each generation branch of
// each request owns one, so sampling for one branch never perturbs another.
//
// Derivation formula: requestSeed XOR fnv1a64("<request_id>#<branch>").
// Two engines fed the same requests (same seeds) produce identical samples.
//
// Thread-safety: NOT thread-safe. Must be called from the engine goroutine.
type RandomGenerator struct {
	seed int64
	rng  *rand.Rand
}

// NewRandomGenerator creates the RNG for one generation branch.
// branch is the entry's index in the request's state tree (0 for the root,
// 1..n for the children when n > 1).
func NewRandomGenerator(requestID string, requestSeed int64, branch int) *RandomGenerator {
	seed := requestSeed ^ fnv1a64(fmt.Sprintf("%s#%d", requestID, branch))
	return &RandomGenerator{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Float32 returns a uniform sample in [0, 1).
func (g *RandomGenerator) Float32() float32 {
	return g.rng.Float32()
}

// Seed returns the derived seed, for reproducing a branch in isolation.
func (g *RandomGenerator) Seed() int64 {
	return g.seed
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
