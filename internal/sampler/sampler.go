// Package sampler draws relays from a registry snapshot with Tor's
// bandwidth-weighted selection probabilities.
//
// Draws use the snapshot's prefix-sum tables plus rejection sampling for
// the caller's exclusion constraints; a draw is O(log n) in the table size.
// Exit tables are built per destination port and kept in an LRU cache so
// repeated streams to common ports (443, 80, 22) never rebuild them.
package sampler

import (
	"errors"
	"fmt"
	"math/rand/v2"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/torfs-project/torfs/internal/relay"
)

// ErrNoEligibleRelay is matched by errors.Is when constraints eliminate
// every candidate for a position. Callers treat this as a circuit-build
// failure, never as fatal.
var ErrNoEligibleRelay = errors.New("no eligible relay")

// NoEligibleError carries the position that could not be filled.
type NoEligibleError struct {
	Position relay.Position
	Port     uint16
}

func (e *NoEligibleError) Error() string {
	if e.Port != 0 {
		return fmt.Sprintf("no eligible relay for %s position (port %d)", e.Position, e.Port)
	}
	return fmt.Sprintf("no eligible relay for %s position", e.Position)
}

func (e *NoEligibleError) Is(target error) bool { return target == ErrNoEligibleRelay }

// maxRejections bounds the rejection-sampling loop before falling back to
// an exhaustive weighted draw over the non-excluded entries. The bound
// keeps pathological constraint sets from looping forever (spec: bounded
// retries are a correctness requirement, not an optimization).
const maxRejections = 32

// exitCacheSize bounds the per-port exit table cache. Real workloads touch
// a handful of ports, so this is generous.
const exitCacheSize = 128

// Constraints restrict a single draw.
type Constraints struct {
	// Exclude lists relays that may not be chosen, typically the hops
	// already selected for the circuit.
	Exclude []relay.Fingerprint
	// ExcludeRelated additionally rejects candidates sharing a family or
	// /16 subnet with any excluded relay.
	ExcludeRelated bool
	// Port, when non-zero for the exit position, requires exit-policy
	// compatibility with the destination port.
	Port uint16
}

func (c *Constraints) blocks(snap *relay.Snapshot, candidate relay.Fingerprint) bool {
	for _, fp := range c.Exclude {
		if fp == candidate {
			return true
		}
		if c.ExcludeRelated && snap.Conflict(fp, candidate) {
			return true
		}
	}
	return false
}

// Sampler draws relays from snapshots. It is safe for use from multiple
// shards: snapshots are immutable and the exit cache is internally locked.
type Sampler struct {
	exitCache *lru.Cache[exitKey, *relay.WeightTable]
}

type exitKey struct {
	snap *relay.Snapshot
	port uint16
}

// New creates a Sampler.
func New() *Sampler {
	cache, err := lru.New[exitKey, *relay.WeightTable](exitCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &Sampler{exitCache: cache}
}

// Sample draws one relay for the given position under the constraints,
// using rng for all randomness.
func (s *Sampler) Sample(rng *rand.Rand, snap *relay.Snapshot, pos relay.Position, c Constraints) (*relay.Relay, error) {
	table := snap.Table(pos)
	if pos == relay.PosExit && c.Port != 0 {
		table = s.exitTable(snap, c.Port)
	}
	if table.Len() == 0 || table.Total() == 0 {
		return nil, &NoEligibleError{Position: pos, Port: c.Port}
	}

	// Fast path: draw and reject. With realistic exclusion sets (a couple
	// of fingerprints out of tens of thousands of relays) this almost
	// always succeeds on the first draw.
	for range maxRejections {
		r := table.Locate(rng.Uint64N(table.Total()))
		if !c.blocks(snap, r.Fingerprint) {
			return r, nil
		}
	}

	return s.sampleExhaustive(rng, snap, table, pos, c)
}

// sampleExhaustive performs one weighted draw over the table restricted to
// non-excluded entries. Used when rejection sampling keeps hitting the
// exclusion set, which only happens for tiny or over-constrained
// populations.
func (s *Sampler) sampleExhaustive(rng *rand.Rand, snap *relay.Snapshot, table *relay.WeightTable, pos relay.Position, c Constraints) (*relay.Relay, error) {
	var (
		eligible []*relay.Relay
		weights  []uint64
		total    uint64
	)
	for i := 0; i < table.Len(); i++ {
		r := table.At(i)
		if c.blocks(snap, r.Fingerprint) {
			continue
		}
		w := table.WeightAt(i)
		eligible = append(eligible, r)
		weights = append(weights, w)
		total += w
	}
	if total == 0 {
		return nil, &NoEligibleError{Position: pos, Port: c.Port}
	}

	x := rng.Uint64N(total)
	for i, r := range eligible {
		if x < weights[i] {
			return r, nil
		}
		x -= weights[i]
	}
	// Unreachable: the loop always terminates because x < total.
	return eligible[len(eligible)-1], nil
}

func (s *Sampler) exitTable(snap *relay.Snapshot, port uint16) *relay.WeightTable {
	key := exitKey{snap: snap, port: port}
	if t, ok := s.exitCache.Get(key); ok {
		return t
	}
	t := snap.ExitTableFor(port)
	s.exitCache.Add(key, t)
	return t
}

// HasExit reports whether any relay in the snapshot can exit to port.
func (s *Sampler) HasExit(snap *relay.Snapshot, port uint16) bool {
	return s.exitTable(snap, port).Total() > 0
}
