package sim

import (
	"sort"
	"time"
)

// Port-need prediction. A stream to a port creates a short-lived need for
// circuits able to exit to that port; predicted circuits are built ahead
// of demand until enough open circuits cover the need.
const (
	needLifetime  = 60 * time.Minute
	needCoverGoal = 2
)

type portNeed struct {
	port    uint16
	expires time.Time
	covers  map[uint64]struct{}
}

type portNeeds struct {
	needs map[uint16]*portNeed
}

func newPortNeeds() *portNeeds {
	return &portNeeds{needs: map[uint16]*portNeed{}}
}

// record refreshes the need for port, returning it.
func (p *portNeeds) record(port uint16, now time.Time) *portNeed {
	n := p.needs[port]
	if n == nil {
		n = &portNeed{port: port, covers: map[uint64]struct{}{}}
		p.needs[port] = n
	}
	n.expires = now.Add(needLifetime)
	return n
}

// cover marks a circuit as satisfying every live need its exit can serve.
func (p *portNeeds) cover(circuitID uint64, allows func(uint16) bool) {
	for port, n := range p.needs {
		if allows(port) {
			n.covers[circuitID] = struct{}{}
		}
	}
}

// uncover releases a closing circuit from all needs.
func (p *portNeeds) uncover(circuitID uint64) {
	for _, n := range p.needs {
		delete(n.covers, circuitID)
	}
}

// shortfall returns ports whose live needs have fewer covering circuits
// than the goal, in ascending port order for determinism.
func (p *portNeeds) shortfall(now time.Time) []uint16 {
	var ports []uint16
	for port, n := range p.needs {
		if now.After(n.expires) {
			continue
		}
		if len(n.covers) < needCoverGoal {
			ports = append(ports, port)
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// expire drops needs past their lifetime.
func (p *portNeeds) expire(now time.Time) {
	for port, n := range p.needs {
		if now.After(n.expires) {
			delete(p.needs, port)
		}
	}
}
