package relay

import (
	"fmt"
	"net/netip"
)

// AdversarySpec describes relays an adversary contributes to every
// consensus. Injection happens before weight tables are built, so the
// adversarial relays participate in selection exactly like honest ones.
type AdversarySpec struct {
	Guards         int    `yaml:"guards"`
	GuardBandwidth uint64 `yaml:"guard_bandwidth"`
	Exits          int    `yaml:"exits"`
	ExitBandwidth  uint64 `yaml:"exit_bandwidth"`
}

// Empty reports whether no relays would be injected.
func (a AdversarySpec) Empty() bool { return a.Guards == 0 && a.Exits == 0 }

// Validate rejects specs that name relays without giving them bandwidth.
func (a AdversarySpec) Validate() error {
	if a.Guards > 0 && a.GuardBandwidth == 0 {
		return fmt.Errorf("adversary: %d guards requested with zero bandwidth", a.Guards)
	}
	if a.Exits > 0 && a.ExitBandwidth == 0 {
		return fmt.Errorf("adversary: %d exits requested with zero bandwidth", a.Exits)
	}
	return nil
}

// Relays materializes the adversarial relays. Fingerprints are stable
// across runs so trace rows can be scored offline, and each relay gets its
// own /16 so injection never trips the subnet diversity check.
func (a AdversarySpec) Relays() []Relay {
	relays := make([]Relay, 0, a.Guards+a.Exits)
	for i := 1; i <= a.Guards; i++ {
		relays = append(relays, Relay{
			Fingerprint: AdversaryFingerprint("guard", i),
			Nickname:    fmt.Sprintf("advguard%d", i),
			Address:     adversaryAddr(i),
			Bandwidth:   a.GuardBandwidth,
			Flags:       FlagGuard | FlagFast | FlagStable | FlagRunning | FlagValid,
			Policy:      RejectAll,
		})
	}
	for i := 1; i <= a.Exits; i++ {
		relays = append(relays, Relay{
			Fingerprint: AdversaryFingerprint("exit", i),
			Nickname:    fmt.Sprintf("advexit%d", i),
			Address:     adversaryAddr(a.Guards + i),
			Bandwidth:   a.ExitBandwidth,
			Flags:       FlagExit | FlagFast | FlagStable | FlagRunning | FlagValid,
			Policy:      AcceptAll,
		})
	}
	return relays
}

// AdversaryFingerprint returns the synthetic fingerprint of the i-th
// adversarial relay of a kind.
func AdversaryFingerprint(kind string, i int) Fingerprint {
	return Fingerprint(fmt.Sprintf("ADV%s%06d", kind, i))
}

// IsAdversarial reports whether a fingerprint was produced by
// AdversaryFingerprint.
func IsAdversarial(fp Fingerprint) bool {
	return len(fp) > 3 && fp[:3] == "ADV"
}

func adversaryAddr(i int) netip.Addr {
	// Dedicated /16 per relay inside 10.0.0.0/8 (wraps after 255 relays of
	// one kind, far beyond any realistic injection).
	return netip.AddrFrom4([4]byte{10, byte(i), byte(i >> 8), 1})
}
