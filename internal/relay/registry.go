package relay

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoConsensusCoverage is matched by errors.Is when a requested simulation
// time falls outside every loaded consensus validity interval.
var ErrNoConsensusCoverage = errors.New("no consensus coverage")

// NoCoverageError reports the exact instant that lacked coverage.
type NoCoverageError struct {
	At time.Time
}

func (e *NoCoverageError) Error() string {
	return fmt.Sprintf("no consensus coverage at %s", e.At.UTC().Format(time.RFC3339))
}

func (e *NoCoverageError) Is(target error) bool { return target == ErrNoConsensusCoverage }

// Snapshot is the immutable view of the relay population during one
// consensus validity interval. All selection tables and the family
// partition are computed once in NewSnapshot.
type Snapshot struct {
	ValidFrom  time.Time
	ValidUntil time.Time

	relays  []Relay
	byFP    map[Fingerprint]int
	fams    *familySets
	weights BandwidthWeights
	tables  [3]*WeightTable
}

// NewSnapshot builds a snapshot for [from, until). The relay slice is copied
// and sorted by fingerprint so that table construction is independent of
// input order.
func NewSnapshot(from, until time.Time, relays []Relay, weights BandwidthWeights) (*Snapshot, error) {
	if !until.After(from) {
		return nil, fmt.Errorf("snapshot validity interval is empty: %s .. %s", from, until)
	}

	rs := make([]Relay, len(relays))
	copy(rs, relays)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Fingerprint < rs[j].Fingerprint })

	s := &Snapshot{
		ValidFrom:  from.UTC(),
		ValidUntil: until.UTC(),
		relays:     rs,
		byFP:       make(map[Fingerprint]int, len(rs)),
		weights:    weights,
	}
	for i := range rs {
		fp := rs[i].Fingerprint
		if fp == "" {
			return nil, fmt.Errorf("relay %d has empty fingerprint", i)
		}
		if _, dup := s.byFP[fp]; dup {
			return nil, fmt.Errorf("duplicate relay fingerprint %s", fp)
		}
		s.byFP[fp] = i
	}

	s.buildFamilies()
	for pos := PosGuard; pos <= PosExit; pos++ {
		s.tables[pos] = s.buildTable(pos, nil)
	}

	return s, nil
}

// buildFamilies resolves declared family links and shared /16 subnets into
// one disjoint-set partition.
func (s *Snapshot) buildFamilies() {
	fs := newFamilySets(len(s.relays))

	for i := range s.relays {
		for _, fp := range s.relays[i].Family {
			if j, ok := s.byFP[fp]; ok {
				fs.union(i, j)
			}
		}
	}

	bySubnet := make(map[string]int)
	for i := range s.relays {
		key, ok := s.relays[i].SubnetKey()
		if !ok {
			continue
		}
		if first, seen := bySubnet[key]; seen {
			fs.union(first, i)
		} else {
			bySubnet[key] = i
		}
	}

	s.fams = fs
}

// Lookup returns the relay with the given fingerprint, if present.
func (s *Snapshot) Lookup(fp Fingerprint) (*Relay, bool) {
	i, ok := s.byFP[fp]
	if !ok {
		return nil, false
	}
	return &s.relays[i], true
}

// Len returns the number of relays in the snapshot.
func (s *Snapshot) Len() int { return len(s.relays) }

// Relays returns the snapshot's relays in fingerprint order. Callers must
// not mutate the returned slice.
func (s *Snapshot) Relays() []Relay { return s.relays }

// NumGuards counts relays usable in the guard position.
func (s *Snapshot) NumGuards() int {
	n := 0
	for i := range s.relays {
		if s.relays[i].UsableGuard() {
			n++
		}
	}
	return n
}

// Conflict reports whether two relays may not appear in the same circuit
// because they share a family or a /16 subnet. A relay always conflicts
// with itself.
func (s *Snapshot) Conflict(a, b Fingerprint) bool {
	if a == b {
		return true
	}
	i, ok := s.byFP[a]
	if !ok {
		return false
	}
	j, ok := s.byFP[b]
	if !ok {
		return false
	}
	return s.fams.sameSet(i, j)
}

// Table returns the precomputed cumulative weight table for a position.
func (s *Snapshot) Table(pos Position) *WeightTable { return s.tables[pos] }

// ExitTableFor builds a cumulative table of relays usable as an exit for
// the given destination port. Callers cache the result (see sampler).
func (s *Snapshot) ExitTableFor(port uint16) *WeightTable {
	return s.buildTable(PosExit, func(r *Relay) bool { return r.Policy.AllowsPort(port) })
}

func (s *Snapshot) buildTable(pos Position, extra func(*Relay) bool) *WeightTable {
	t := &WeightTable{snap: s}
	for i := range s.relays {
		r := &s.relays[i]
		switch pos {
		case PosGuard:
			if !r.UsableGuard() {
				continue
			}
		case PosMiddle:
			if !r.UsableMiddle() {
				continue
			}
		case PosExit:
			if !r.Flags.Has(FlagExit|FlagRunning) || r.Flags.Has(FlagBadExit) {
				continue
			}
		}
		if extra != nil && !extra(r) {
			continue
		}
		w := s.weights.WeightFor(r, pos)
		if w == 0 {
			continue
		}
		t.idx = append(t.idx, i)
		t.total += w
		t.cum = append(t.cum, t.total)
	}
	return t
}

// WeightTable is a prefix-sum table over a filtered subset of a snapshot's
// relays. Selection is a binary search over the cumulative weights, so a
// single draw costs O(log n) even with tens of thousands of relays.
type WeightTable struct {
	snap  *Snapshot
	idx   []int
	cum   []uint64
	total uint64
}

// Total returns the summed weight of all entries.
func (t *WeightTable) Total() uint64 { return t.total }

// Len returns the number of entries.
func (t *WeightTable) Len() int { return len(t.idx) }

// At returns the i-th relay of the table, in fingerprint order.
func (t *WeightTable) At(i int) *Relay { return &t.snap.relays[t.idx[i]] }

// WeightAt returns the selection weight of the i-th entry.
func (t *WeightTable) WeightAt(i int) uint64 {
	if i == 0 {
		return t.cum[0]
	}
	return t.cum[i] - t.cum[i-1]
}

// Locate maps a draw x in [0, Total()) to its relay.
func (t *WeightTable) Locate(x uint64) *Relay {
	lo, hi := 0, len(t.cum)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cum[mid] <= x {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return &t.snap.relays[t.idx[lo]]
}

// Registry holds the ordered sequence of snapshots covering the simulated
// time range.
type Registry struct {
	snaps []*Snapshot
}

// NewRegistry builds a registry from snapshots. Snapshots are sorted by
// validity start; overlapping intervals are rejected.
func NewRegistry(snaps []*Snapshot) (*Registry, error) {
	if len(snaps) == 0 {
		return nil, errors.New("registry requires at least one snapshot")
	}
	ordered := make([]*Snapshot, len(snaps))
	copy(ordered, snaps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ValidFrom.Before(ordered[j].ValidFrom) })

	for i := 1; i < len(ordered); i++ {
		if ordered[i].ValidFrom.Before(ordered[i-1].ValidUntil) {
			return nil, fmt.Errorf("snapshot intervals overlap at %s", ordered[i].ValidFrom)
		}
	}

	return &Registry{snaps: ordered}, nil
}

// SnapshotFor returns the snapshot covering t, or a NoCoverageError.
func (g *Registry) SnapshotFor(t time.Time) (*Snapshot, error) {
	t = t.UTC()
	i := sort.Search(len(g.snaps), func(i int) bool { return g.snaps[i].ValidUntil.After(t) })
	if i == len(g.snaps) || t.Before(g.snaps[i].ValidFrom) {
		return nil, &NoCoverageError{At: t}
	}
	return g.snaps[i], nil
}

// Snapshots returns all snapshots in validity order.
func (g *Registry) Snapshots() []*Snapshot { return g.snaps }

// CheckCoverage verifies that [from, until) is covered without gaps. This
// runs before a simulation starts; a gap is a configuration-level fatal
// error rather than a mid-run surprise.
func (g *Registry) CheckCoverage(from, until time.Time) error {
	cursor := from.UTC()
	until = until.UTC()
	for _, s := range g.snaps {
		if !cursor.Before(until) {
			return nil
		}
		if cursor.Before(s.ValidFrom) {
			return &NoCoverageError{At: cursor}
		}
		if cursor.Before(s.ValidUntil) {
			cursor = s.ValidUntil
		}
	}
	if cursor.Before(until) {
		return &NoCoverageError{At: cursor}
	}
	return nil
}
