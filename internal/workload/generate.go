// Package workload generates synthetic stream request schedules for runs
// that have no recorded workload file.
package workload

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/torfs-project/torfs/internal/sim"
)

// Spec describes a synthetic workload. Each user issues requests
// separated by waits drawn uniformly from (0, MaxWait], until the horizon
// ends.
type Spec struct {
	Seed     uint64
	Users    int
	Start    time.Time
	Duration time.Duration
	// MaxWait bounds the gap between consecutive requests of one user.
	MaxWait time.Duration
	// Wait, when its kind is set, replaces the uniform draw (for example
	// an exponential inter-arrival process). Non-positive samples are
	// clamped to one nanosecond.
	Wait sim.Distribution
	// Ports to choose from, uniformly. Defaults to {443}.
	Ports    []uint16
	MinBytes uint64
	MaxBytes uint64
}

// DefaultSpec returns a spec resembling an idle browsing population: one
// request roughly every day and a half per user, HTTPS only.
func DefaultSpec() Spec {
	return Spec{
		Users:    10,
		Duration: 30 * 24 * time.Hour,
		MaxWait:  3 * 24 * time.Hour,
		Ports:    []uint16{443},
		MinBytes: 512,
		MaxBytes: 1 << 20,
	}
}

// Validate reports the first invalid field.
func (s Spec) Validate() error {
	if s.Users < 1 {
		return fmt.Errorf("workload: users must be at least 1, got %d", s.Users)
	}
	if s.Start.IsZero() {
		return fmt.Errorf("workload: start time is required")
	}
	if s.Duration <= 0 {
		return fmt.Errorf("workload: duration must be positive, got %s", s.Duration)
	}
	if s.Wait.Kind != "" {
		if err := s.Wait.Validate(); err != nil {
			return fmt.Errorf("workload: %w", err)
		}
	} else if s.MaxWait <= 0 {
		return fmt.Errorf("workload: max wait must be positive, got %s", s.MaxWait)
	}
	if len(s.Ports) == 0 {
		return fmt.Errorf("workload: at least one port is required")
	}
	for _, p := range s.Ports {
		if p == 0 {
			return fmt.Errorf("workload: port 0 is not valid")
		}
	}
	if s.MinBytes == 0 {
		return fmt.Errorf("workload: min bytes must be positive")
	}
	if s.MaxBytes < s.MinBytes {
		return fmt.Errorf("workload: max bytes %d below min bytes %d", s.MaxBytes, s.MinBytes)
	}
	return nil
}

// Generate produces the request schedule. Output is deterministic in the
// spec and independent of how the engine later shards the users.
func Generate(spec Spec) ([]sim.Request, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	end := spec.Start.Add(spec.Duration)
	var reqs []sim.Request
	for user := uint64(0); user < uint64(spec.Users); user++ {
		rng := userRNG(spec.Seed, user)
		at := spec.Start.Add(spec.wait(rng))
		for at.Before(end) {
			reqs = append(reqs, sim.Request{
				User:  user,
				Start: at,
				Port:  spec.Ports[rng.IntN(len(spec.Ports))],
				Bytes: spec.MinBytes + rng.Uint64N(spec.MaxBytes-spec.MinBytes+1),
			})
			at = at.Add(spec.wait(rng))
		}
	}
	return reqs, nil
}

func (s Spec) wait(rng *rand.Rand) time.Duration {
	if s.Wait.Kind != "" {
		if d := s.Wait.Sample(rng); d > 0 {
			return d
		}
		return 1
	}
	return time.Duration(rng.Int64N(int64(s.MaxWait))) + 1
}

// userRNG derives an independent generator per user, so adding users to a
// spec never perturbs the schedules of existing ones.
func userRNG(seed, user uint64) *rand.Rand {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint64(buf[8:], user)
	return rand.New(rand.NewChaCha8(sha256.Sum256(buf[:])))
}
