// Package guard implements per-user persistent entry-guard state.
//
// Guard handling follows Tor's sampled-guard algorithm: each user keeps an
// ordered sample of guard candidates, confirms the ones that carried a
// successful circuit, and routes every circuit through a small primary set
// drawn from the confirmed guards. The sample persists for the lifetime of
// the user; rotation happens only when guards fall out of the consensus,
// age out, or fail, never per circuit. This is what gives Tor its
// resistance to guard-discovery attacks, so the constants below are kept
// at their upstream values.
//
// Reachability is not modeled beyond the Running flag: a relay present in
// the consensus with Running is assumed reachable until a build through it
// fails.
package guard

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/torfs-project/torfs/internal/relay"
	"github.com/torfs-project/torfs/internal/sampler"
)

const (
	// guardLifetime is how long a sampled guard stays in the sample.
	guardLifetime = 120 * 24 * time.Hour
	// removeUnlistedAfter drops guards that have been missing from the
	// consensus (or not Running) for this long.
	removeUnlistedAfter = 20 * 24 * time.Hour
	// confirmedMinLifetime keeps a confirmed guard for at least this long
	// after confirmation, even past guardLifetime.
	confirmedMinLifetime = 60 * 24 * time.Hour

	minFilteredSample  = 20
	maxSampleSize      = 60
	maxSampleThreshold = 0.2

	numPrimary       = 3
	numUsablePrimary = 1
)

// Status is the lifecycle state of one sampled guard.
type Status int

const (
	StatusSampled Status = iota
	StatusTried
	StatusConfirmed
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusSampled:
		return "sampled"
	case StatusTried:
		return "tried"
	case StatusConfirmed:
		return "confirmed"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Policy selects between Tor's persistent guard behavior and a degenerate
// fresh-guard-per-circuit behavior used as an experimental baseline.
type Policy int

const (
	PolicyPersistent Policy = iota
	PolicyPerCircuit
)

// ParsePolicy converts the config string form.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "persistent":
		return PolicyPersistent, nil
	case "per_circuit":
		return PolicyPerCircuit, nil
	default:
		return 0, fmt.Errorf("unknown guard rotation policy %q", s)
	}
}

type sampledGuard struct {
	fp          relay.Fingerprint
	status      Status
	addedOn     time.Time
	confirmedOn time.Time
	// firstUnlistedAt is zero while the guard is listed as Running in the
	// current snapshot.
	firstUnlistedAt time.Time
}

func (g *sampledGuard) listed() bool { return g.firstUnlistedAt.IsZero() }

func (g *sampledGuard) usable() bool { return g.listed() && g.status != StatusUnreachable }

// State is one user's guard state. It is owned by that user's shard and is
// never shared.
type State struct {
	policy  Policy
	sampled []*sampledGuard
	// primary holds up to numPrimary confirmed, listed guards in
	// confirmation order.
	primary []relay.Fingerprint
}

// NewState creates empty guard state.
func NewState(policy Policy) *State {
	return &State{policy: policy}
}

// GuardForCircuit returns the guard to use for a new circuit, extending the
// sampled set if necessary. With the persistent policy this is one of the
// usable primary guards; with the per-circuit policy a fresh weighted draw.
func (s *State) GuardForCircuit(rng *rand.Rand, smp *sampler.Sampler, snap *relay.Snapshot, now time.Time) (relay.Fingerprint, error) {
	if s.policy == PolicyPerCircuit {
		r, err := smp.Sample(rng, snap, relay.PosGuard, sampler.Constraints{})
		if err != nil {
			return "", err
		}
		return r.Fingerprint, nil
	}

	if len(s.primary) >= numUsablePrimary {
		return s.primary[rng.IntN(numUsablePrimary)], nil
	}

	usable, err := s.usableGuards(rng, smp, snap, now)
	if err != nil {
		return "", err
	}
	return usable[0], nil
}

// ReportOutcome records the result of a circuit build through a guard.
// Success confirms the guard; failure marks it unreachable, which removes
// it from the primary set and, after removeUnlistedAfter, from the sample.
func (s *State) ReportOutcome(rng *rand.Rand, fp relay.Fingerprint, now time.Time, success bool) {
	if s.policy == PolicyPerCircuit {
		return
	}
	g := s.lookup(fp)
	if g == nil {
		return
	}

	if !success {
		g.status = StatusUnreachable
		if g.firstUnlistedAt.IsZero() {
			g.firstUnlistedAt = now
		}
		s.recomputePrimary()
		return
	}

	switch g.status {
	case StatusSampled, StatusTried, StatusUnreachable:
		g.status = StatusConfirmed
		// Smear the confirmation date into the recent past so that guards
		// confirmed in the same tick do not all expire together.
		g.confirmedOn = randomPast(rng, now, guardLifetime/10)
		s.recomputePrimary()
	case StatusConfirmed:
		// Already confirmed; nothing changes.
	}
}

// TimedUpdate refreshes listing state against the current snapshot and
// retires guards that have been unlisted too long or are past their
// lifetime. Guards in inUse (building circuits in flight) are never
// removed, preserving the invariant that an active guard cannot rotate
// away mid-build.
func (s *State) TimedUpdate(now time.Time, snap *relay.Snapshot, inUse map[relay.Fingerprint]bool) []relay.Fingerprint {
	for _, g := range s.sampled {
		r, ok := snap.Lookup(g.fp)
		if ok && r.Flags.Has(relay.FlagRunning) {
			if g.status != StatusUnreachable {
				g.firstUnlistedAt = time.Time{}
			}
		} else if g.listed() {
			g.firstUnlistedAt = now
		}
	}

	var removed []relay.Fingerprint
	kept := s.sampled[:0]
	for _, g := range s.sampled {
		if s.shouldRemove(g, now) && !inUse[g.fp] {
			removed = append(removed, g.fp)
			continue
		}
		kept = append(kept, g)
	}
	s.sampled = kept

	s.recomputePrimary()
	return removed
}

func (s *State) shouldRemove(g *sampledGuard, now time.Time) bool {
	if !g.listed() && now.Sub(g.firstUnlistedAt) >= removeUnlistedAfter {
		return true
	}
	if now.Sub(g.addedOn) >= guardLifetime {
		if g.status != StatusConfirmed {
			return true
		}
		if now.Sub(g.confirmedOn) >= confirmedMinLifetime {
			return true
		}
	}
	return false
}

// recomputePrimary rebuilds the primary set: confirmed guards that are
// still usable, in confirmation order, capped at numPrimary.
func (s *State) recomputePrimary() {
	confirmed := make([]*sampledGuard, 0, len(s.sampled))
	for _, g := range s.sampled {
		if g.status == StatusConfirmed && g.usable() {
			confirmed = append(confirmed, g)
		}
	}
	// Confirmation order, oldest first.
	for i := 1; i < len(confirmed); i++ {
		for j := i; j > 0 && confirmed[j].confirmedOn.Before(confirmed[j-1].confirmedOn); j-- {
			confirmed[j], confirmed[j-1] = confirmed[j-1], confirmed[j]
		}
	}

	s.primary = s.primary[:0]
	for _, g := range confirmed {
		s.primary = append(s.primary, g.fp)
		if len(s.primary) == numPrimary {
			break
		}
	}
}

// usableGuards returns the usable sampled guards, extending the sample by
// weighted draws until it reaches Tor's bounds.
func (s *State) usableGuards(rng *rand.Rand, smp *sampler.Sampler, snap *relay.Snapshot, now time.Time) ([]relay.Fingerprint, error) {
	for {
		var usable []relay.Fingerprint
		for _, g := range s.sampled {
			if g.usable() {
				usable = append(usable, g.fp)
			}
		}

		maxSampled := int(maxSampleThreshold * float64(snap.NumGuards()))
		if maxSampled > maxSampleSize {
			maxSampled = maxSampleSize
		}
		if maxSampled < 1 {
			// Tiny test networks would otherwise never sample anything.
			maxSampled = 1
		}

		if len(usable) < minFilteredSample && len(usable) < maxSampled {
			if err := s.sampleNewGuard(rng, smp, snap, now); err != nil {
				if len(usable) > 0 {
					// The population is exhausted but we still have guards.
					return usable, nil
				}
				return nil, err
			}
			continue
		}

		if len(usable) == 0 {
			return nil, &sampler.NoEligibleError{Position: relay.PosGuard}
		}
		return usable, nil
	}
}

func (s *State) sampleNewGuard(rng *rand.Rand, smp *sampler.Sampler, snap *relay.Snapshot, now time.Time) error {
	exclude := make([]relay.Fingerprint, 0, len(s.sampled))
	for _, g := range s.sampled {
		exclude = append(exclude, g.fp)
	}
	r, err := smp.Sample(rng, snap, relay.PosGuard, sampler.Constraints{Exclude: exclude})
	if err != nil {
		return err
	}
	s.sampled = append(s.sampled, &sampledGuard{
		fp:      r.Fingerprint,
		status:  StatusSampled,
		addedOn: randomPast(rng, now, guardLifetime/10),
	})
	return nil
}

// MarkTried flags a guard as having a build in progress through it.
func (s *State) MarkTried(fp relay.Fingerprint) {
	if g := s.lookup(fp); g != nil && g.status == StatusSampled {
		g.status = StatusTried
	}
}

// StatusOf returns the status of a sampled guard.
func (s *State) StatusOf(fp relay.Fingerprint) (Status, bool) {
	if g := s.lookup(fp); g != nil {
		return g.status, true
	}
	return 0, false
}

// Primary returns the current primary guards in confirmation order.
func (s *State) Primary() []relay.Fingerprint { return s.primary }

// SampleSize returns the number of sampled guards.
func (s *State) SampleSize() int { return len(s.sampled) }

func (s *State) lookup(fp relay.Fingerprint) *sampledGuard {
	for _, g := range s.sampled {
		if g.fp == fp {
			return g
		}
	}
	return nil
}

// randomPast returns a time up to spread before now, as the original
// implementation does when backdating sampled/confirmed timestamps.
func randomPast(rng *rand.Rand, now time.Time, spread time.Duration) time.Time {
	return now.Add(-time.Duration(rng.Int64N(int64(spread))))
}
