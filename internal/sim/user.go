package sim

import (
	"math/rand/v2"
	"time"

	"github.com/torfs-project/torfs/internal/guard"
	"github.com/torfs-project/torfs/internal/relay"
)

// stream is one logical connection of one user.
type stream struct {
	id    uint64
	port  uint16
	bytes uint64

	requestedAt time.Time
	circuit     uint64
}

// userState is the complete private state of one simulated user. Users
// never share mutable state; a shard owns its users exclusively.
type userState struct {
	id     uint64
	rng    *rand.Rand
	guards *guard.State
	needs  *portNeeds

	circuits map[uint64]*circuit
	streams  map[uint64]*stream

	nextCircuit uint64
	nextStream  uint64
	userSeq     uint64
}

func newUserState(id, masterSeed uint64, policy guard.Policy) *userState {
	return &userState{
		id:       id,
		rng:      newUserRNG(masterSeed, id),
		guards:   guard.NewState(policy),
		needs:    newPortNeeds(),
		circuits: map[uint64]*circuit{},
		streams:  map[uint64]*stream{},
	}
}

// buildingGuards returns the guards of circuits currently in flight, which
// guard rotation must not remove.
func (u *userState) buildingGuards() map[relay.Fingerprint]bool {
	inUse := map[relay.Fingerprint]bool{}
	for _, c := range u.circuits {
		if c.state == CircuitBuilding && len(c.path.Hops) > 0 {
			inUse[c.path.Guard()] = true
		}
	}
	return inUse
}

// openCircuitFor picks the attachable circuit with the lowest ID, or nil.
// Lowest-ID keeps the choice deterministic without another RNG draw.
func (u *userState) openCircuitFor(now time.Time, port uint16, limit int, maxDirty, maxLifetime time.Duration) *circuit {
	var best *circuit
	for _, c := range u.circuits {
		if !c.canAttach(now, port, limit, maxDirty, maxLifetime) {
			continue
		}
		if best == nil || c.id < best.id {
			best = c
		}
	}
	return best
}
