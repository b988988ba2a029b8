package relay

import (
	"fmt"
	"net/netip"
	"strings"
)

// Fingerprint identifies a relay. In real consensus data this is the
// uppercase hex SHA-1 of the identity key; the simulator treats it as an
// opaque string.
type Fingerprint string

// Flag is a bit set of consensus flags assigned to a relay.
type Flag uint16

const (
	FlagGuard Flag = 1 << iota
	FlagExit
	FlagFast
	FlagStable
	FlagRunning
	FlagValid
	FlagBadExit
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagGuard, "Guard"},
	{FlagExit, "Exit"},
	{FlagFast, "Fast"},
	{FlagStable, "Stable"},
	{FlagRunning, "Running"},
	{FlagValid, "Valid"},
	{FlagBadExit, "BadExit"},
}

// Has reports whether all bits in want are set.
func (f Flag) Has(want Flag) bool { return f&want == want }

// String returns the space-separated consensus-style flag list.
func (f Flag) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, " ")
}

// ParseFlag converts a single consensus flag name.
func ParseFlag(name string) (Flag, error) {
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown relay flag %q", name)
}

// ParseFlags converts a list of consensus flag names into a bit set.
func ParseFlags(names []string) (Flag, error) {
	var f Flag
	for _, name := range names {
		bit, err := ParseFlag(name)
		if err != nil {
			return 0, err
		}
		f |= bit
	}
	return f, nil
}

// Relay is one router entry from a consensus, normalized by the ingestion
// layer. Immutable once placed into a Snapshot.
type Relay struct {
	Fingerprint Fingerprint
	Nickname    string
	Address     netip.Addr
	// Bandwidth is the consensus bandwidth weight (the "w Bandwidth=" value),
	// not a byte rate.
	Bandwidth uint64
	Flags     Flag
	Policy    ExitPolicy
	// Family lists the fingerprints this relay declares as its family.
	// Membership is made symmetric and transitive during Snapshot
	// construction.
	Family []Fingerprint
}

// UsableGuard reports whether the relay may serve as an entry guard.
func (r *Relay) UsableGuard() bool {
	return r.Flags.Has(FlagGuard|FlagRunning) && !r.Flags.Has(FlagBadExit)
}

// UsableExit reports whether the relay may serve as an exit for the given
// destination port.
func (r *Relay) UsableExit(port uint16) bool {
	if !r.Flags.Has(FlagExit|FlagRunning) || r.Flags.Has(FlagBadExit) {
		return false
	}
	return r.Policy.AllowsPort(port)
}

// UsableMiddle reports whether the relay may serve as a middle hop.
func (r *Relay) UsableMiddle() bool {
	return r.Flags.Has(FlagRunning)
}

// SubnetKey returns the /16 (IPv4) or /32 (IPv6) prefix used for path
// diversity checks. Relays without a valid address share no subnet.
func (r *Relay) SubnetKey() (string, bool) {
	if !r.Address.IsValid() {
		return "", false
	}
	bits := 16
	if r.Address.Is6() {
		bits = 32
	}
	prefix, err := r.Address.Prefix(bits)
	if err != nil {
		return "", false
	}
	return prefix.String(), true
}
