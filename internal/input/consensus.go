// Package input loads pre-normalized consensus and workload files. The
// simulator performs no consensus parsing; ingestion tooling is expected
// to produce these YAML documents.
package input

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torfs-project/torfs/internal/relay"
)

// consensusDoc is the on-disk consensus shape.
type consensusDoc struct {
	Epochs []epochDoc `yaml:"epochs"`
}

type epochDoc struct {
	ValidFrom  time.Time               `yaml:"valid_from"`
	ValidUntil time.Time               `yaml:"valid_until"`
	Weights    *relay.BandwidthWeights `yaml:"weights"`
	Relays     []relayDoc              `yaml:"relays"`
}

type relayDoc struct {
	Fingerprint string   `yaml:"fingerprint"`
	Nickname    string   `yaml:"nickname"`
	Address     string   `yaml:"address"`
	Bandwidth   uint64   `yaml:"bandwidth"`
	Flags       []string `yaml:"flags"`
	ExitPolicy  string   `yaml:"exit_policy"`
	Family      []string `yaml:"family"`
}

// LoadConsensus reads a consensus file and builds the registry. The
// adversary's relays, if any, are injected into every epoch before the
// weight tables are computed.
func LoadConsensus(path string, adversary relay.AdversarySpec) (*relay.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read consensus: %w", err)
	}
	return ParseConsensus(data, adversary)
}

// ParseConsensus builds the registry from consensus bytes.
func ParseConsensus(data []byte, adversary relay.AdversarySpec) (*relay.Registry, error) {
	var doc consensusDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse consensus: %w", err)
	}
	if len(doc.Epochs) == 0 {
		return nil, fmt.Errorf("consensus has no epochs")
	}

	var snaps []*relay.Snapshot
	for i, epoch := range doc.Epochs {
		relays := make([]relay.Relay, 0, len(epoch.Relays)+adversary.Guards+adversary.Exits)
		for _, rd := range epoch.Relays {
			r, err := rd.toRelay()
			if err != nil {
				return nil, fmt.Errorf("epoch %d relay %q: %w", i, rd.Fingerprint, err)
			}
			relays = append(relays, r)
		}
		relays = append(relays, adversary.Relays()...)

		weights := relay.DefaultWeights
		if epoch.Weights != nil {
			weights = *epoch.Weights
		}
		snap, err := relay.NewSnapshot(epoch.ValidFrom, epoch.ValidUntil, relays, weights)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", i, err)
		}
		snaps = append(snaps, snap)
	}

	reg, err := relay.NewRegistry(snaps)
	if err != nil {
		return nil, fmt.Errorf("consensus: %w", err)
	}
	return reg, nil
}

func (rd relayDoc) toRelay() (relay.Relay, error) {
	if rd.Fingerprint == "" {
		return relay.Relay{}, fmt.Errorf("missing fingerprint")
	}
	addr, err := netip.ParseAddr(rd.Address)
	if err != nil {
		return relay.Relay{}, fmt.Errorf("address: %w", err)
	}
	flags, err := relay.ParseFlags(rd.Flags)
	if err != nil {
		return relay.Relay{}, err
	}

	// An absent policy means the relay exits nowhere.
	policy := relay.RejectAll
	if rd.ExitPolicy != "" {
		policy, err = relay.ParseExitPolicy(rd.ExitPolicy)
		if err != nil {
			return relay.Relay{}, fmt.Errorf("exit_policy: %w", err)
		}
	}

	family := make([]relay.Fingerprint, 0, len(rd.Family))
	for _, f := range rd.Family {
		family = append(family, relay.Fingerprint(f))
	}

	return relay.Relay{
		Fingerprint: relay.Fingerprint(rd.Fingerprint),
		Nickname:    rd.Nickname,
		Address:     addr,
		Bandwidth:   rd.Bandwidth,
		Flags:       flags,
		Policy:      policy,
		Family:      family,
	}, nil
}
