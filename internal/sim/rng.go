package sim

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
)

// deriveSeed expands the master seed into an independent 256-bit seed for
// one user. Hashing (master, user) keeps every user's random stream
// independent of how users are assigned to shards, so the same master
// seed reproduces the same trace at any shard count.
func deriveSeed(master, user uint64) [32]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], master)
	binary.LittleEndian.PutUint64(buf[8:16], user)
	return sha256.Sum256(buf[:])
}

// newUserRNG builds the deterministic generator for one user's timeline.
func newUserRNG(master, user uint64) *rand.Rand {
	return rand.New(rand.NewChaCha8(deriveSeed(master, user)))
}
