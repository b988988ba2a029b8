// Package path composes guard state and weighted sampling into full
// circuit paths.
package path

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/torfs-project/torfs/internal/guard"
	"github.com/torfs-project/torfs/internal/relay"
	"github.com/torfs-project/torfs/internal/sampler"
)

// DefaultLength is the hop count of a general-purpose circuit.
const DefaultLength = 3

// selectAttempts bounds how often a position is re-drawn before the whole
// selection fails. Guards against over-constrained relay sets looping
// forever.
const selectAttempts = 8

// ErrPathSelection is matched by errors.Is for any path selection failure.
var ErrPathSelection = errors.New("path selection failed")

// SelectionError wraps the sampler failure that made selection impossible.
type SelectionError struct {
	Position relay.Position
	Err      error
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("path selection failed at %s position: %v", e.Position, e.Err)
}

func (e *SelectionError) Unwrap() error { return e.Err }

func (e *SelectionError) Is(target error) bool { return target == ErrPathSelection }

// Purpose describes what a circuit is for; it determines path length.
type Purpose int

const (
	// PurposeGeneral is a standard 3-hop client circuit.
	PurposeGeneral Purpose = iota
	// PurposePredicted is a proactively built circuit covering a port need.
	// Same shape as general, tagged for the trace.
	PurposePredicted
	// PurposeSingleHop is a directory-style one-hop circuit.
	PurposeSingleHop
)

func (p Purpose) String() string {
	switch p {
	case PurposeGeneral:
		return "general"
	case PurposePredicted:
		return "predicted"
	case PurposeSingleHop:
		return "single-hop"
	default:
		return "unknown"
	}
}

// Length returns the hop count for this purpose.
func (p Purpose) Length() int {
	if p == PurposeSingleHop {
		return 1
	}
	return DefaultLength
}

// Path is an ordered list of relay fingerprints, guard first. The
// fingerprints reference relays in the snapshot the path was built from;
// the path never copies relay data.
type Path struct {
	Hops []relay.Fingerprint
}

// Guard returns the entry hop.
func (p Path) Guard() relay.Fingerprint { return p.Hops[0] }

// Exit returns the final hop.
func (p Path) Exit() relay.Fingerprint { return p.Hops[len(p.Hops)-1] }

// Contains reports whether fp is one of the hops.
func (p Path) Contains(fp relay.Fingerprint) bool {
	for _, h := range p.Hops {
		if h == fp {
			return true
		}
	}
	return false
}

// Selector builds paths. One Selector is shared per shard; all per-user
// state lives in the guard.State passed to Select.
type Selector struct {
	smp *sampler.Sampler
}

// NewSelector creates a Selector drawing from smp.
func NewSelector(smp *sampler.Sampler) *Selector {
	return &Selector{smp: smp}
}

// Select builds a path for the given purpose and destination port. The
// guard comes from the user's persistent guard state; middle and exit are
// weighted draws excluding same-family and same-/16 collisions with prior
// hops. Exit selection honors the destination port's exit policies; port 0
// means any exit.
func (s *Selector) Select(rng *rand.Rand, snap *relay.Snapshot, gs *guard.State, now time.Time, purpose Purpose, port uint16) (Path, error) {
	guardFP, err := gs.GuardForCircuit(rng, s.smp, snap, now)
	if err != nil {
		return Path{}, &SelectionError{Position: relay.PosGuard, Err: err}
	}
	if purpose == PurposeSingleHop {
		return Path{Hops: []relay.Fingerprint{guardFP}}, nil
	}

	for attempt := 0; attempt < selectAttempts; attempt++ {
		exit, err := s.smp.Sample(rng, snap, relay.PosExit, sampler.Constraints{
			Exclude:        []relay.Fingerprint{guardFP},
			ExcludeRelated: true,
			Port:           port,
		})
		if err != nil {
			// No exit can ever satisfy this destination with this guard;
			// retrying cannot help.
			return Path{}, &SelectionError{Position: relay.PosExit, Err: err}
		}

		middle, err := s.smp.Sample(rng, snap, relay.PosMiddle, sampler.Constraints{
			Exclude:        []relay.Fingerprint{guardFP, exit.Fingerprint},
			ExcludeRelated: true,
		})
		if err != nil {
			// The middle draw can fail for this particular exit (family
			// spans most of the network); try another exit.
			continue
		}

		return Path{Hops: []relay.Fingerprint{guardFP, middle.Fingerprint, exit.Fingerprint}}, nil
	}

	return Path{}, &SelectionError{
		Position: relay.PosMiddle,
		Err:      &sampler.NoEligibleError{Position: relay.PosMiddle},
	}
}
