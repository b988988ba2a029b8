package sim

import (
	"time"

	"github.com/torfs-project/torfs/internal/path"
)

// CircuitState is the lifecycle position of one circuit.
type CircuitState uint8

const (
	CircuitRequested CircuitState = iota
	CircuitBuilding
	CircuitOpen
	CircuitDirty
	CircuitExpiring
	CircuitClosed
	CircuitFailed
	CircuitAbandoned
)

func (s CircuitState) String() string {
	switch s {
	case CircuitRequested:
		return "requested"
	case CircuitBuilding:
		return "building"
	case CircuitOpen:
		return "open"
	case CircuitDirty:
		return "dirty"
	case CircuitExpiring:
		return "expiring"
	case CircuitClosed:
		return "closed"
	case CircuitFailed:
		return "failed"
	case CircuitAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// circuit is one user's circuit. The path is fixed once building starts;
// identifiers are per-user counters so they do not depend on sharding.
type circuit struct {
	id        uint64
	user      uint64
	purpose   path.Purpose
	path      path.Path
	state     CircuitState
	predicted bool

	requestedAt time.Time
	openAt      time.Time
	dirtyAt     time.Time
	lastUsed    time.Time

	attached map[uint64]struct{}
	// pending streams wait for the circuit to open.
	pending []uint64

	// exitAllows is bound when the path is selected, closing over the
	// exit relay's policy so the circuit holds no snapshot pointer.
	exitAllows func(port uint16) bool
}

func newCircuit(id, user uint64, purpose path.Purpose, now time.Time) *circuit {
	return &circuit{
		id:          id,
		user:        user,
		purpose:     purpose,
		state:       CircuitRequested,
		requestedAt: now,
		attached:    map[uint64]struct{}{},
	}
}

// expired reports whether the circuit's timers have run out at now. The
// dirty boundary is inclusive: a circuit whose dirty timer exactly equals
// the maximum transitions to expiring.
func (c *circuit) expired(now time.Time, maxDirty, maxLifetime time.Duration) bool {
	if !c.dirtyAt.IsZero() && !now.Before(c.dirtyAt.Add(maxDirty)) {
		return true
	}
	if !c.openAt.IsZero() && !now.Before(c.openAt.Add(maxLifetime)) {
		return true
	}
	return false
}

// canAttach reports whether a new stream for the given port may join at
// now. Expiring and closed circuits accept no new streams.
func (c *circuit) canAttach(now time.Time, port uint16, limit int, maxDirty, maxLifetime time.Duration) bool {
	if c.state != CircuitOpen && c.state != CircuitDirty {
		return false
	}
	if c.expired(now, maxDirty, maxLifetime) {
		return false
	}
	if limit > 0 && len(c.attached) >= limit {
		return false
	}
	return c.allowsPort(port)
}

// allowsPort checks the exit hop's policy against a destination port.
func (c *circuit) allowsPort(port uint16) bool {
	return c.exitAllows != nil && c.exitAllows(port)
}

// attach records a stream on the circuit. The first attachment dirties
// the circuit and starts the dirty timer.
func (c *circuit) attach(stream uint64, now time.Time) (firstDirty bool) {
	c.attached[stream] = struct{}{}
	c.lastUsed = now
	if c.dirtyAt.IsZero() {
		c.dirtyAt = now
		c.state = CircuitDirty
		return true
	}
	return false
}

// detach removes a completed or failed stream.
func (c *circuit) detach(stream uint64) {
	delete(c.attached, stream)
}

func (c *circuit) idle() bool { return len(c.attached) == 0 }
