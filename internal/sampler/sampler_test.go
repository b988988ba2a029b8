package sampler

import (
	"math"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torfs-project/torfs/internal/relay"
)

var (
	t0 = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewChaCha8([32]byte{1, 2, 3, 4}))
}

func guardRelay(fp, addr string, bw uint64) relay.Relay {
	return relay.Relay{
		Fingerprint: relay.Fingerprint(fp),
		Address:     netip.MustParseAddr(addr),
		Bandwidth:   bw,
		Flags:       relay.FlagGuard | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
		Policy:      relay.RejectAll,
	}
}

func exitRelay(fp, addr string, bw uint64, policy string) relay.Relay {
	p, err := relay.ParseExitPolicy(policy)
	if err != nil {
		panic(err)
	}
	return relay.Relay{
		Fingerprint: relay.Fingerprint(fp),
		Address:     netip.MustParseAddr(addr),
		Bandwidth:   bw,
		Flags:       relay.FlagExit | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
		Policy:      p,
	}
}

func snapshot(t *testing.T, relays ...relay.Relay) *relay.Snapshot {
	t.Helper()
	s, err := relay.NewSnapshot(t0, t1, relays, relay.DefaultWeights)
	require.NoError(t, err)
	return s
}

func TestSample_ProportionalToWeight(t *testing.T) {
	// Guard weights are proportional to bandwidth when all candidates share
	// the same flags: expect 1:2:5 selection frequencies.
	snap := snapshot(t,
		guardRelay("A", "1.1.0.1", 1000),
		guardRelay("B", "2.2.0.1", 2000),
		guardRelay("C", "3.3.0.1", 5000),
	)

	s := New()
	rng := testRNG()

	const draws = 80000
	counts := map[relay.Fingerprint]int{}
	for range draws {
		r, err := s.Sample(rng, snap, relay.PosGuard, Constraints{})
		require.NoError(t, err)
		counts[r.Fingerprint]++
	}

	// Chi-squared test against the expected 1:2:5 distribution. With 2
	// degrees of freedom the 99.9th percentile is 13.82; the seeded RNG
	// makes the statistic reproducible anyway.
	expected := map[relay.Fingerprint]float64{
		"A": draws * 1.0 / 8.0,
		"B": draws * 2.0 / 8.0,
		"C": draws * 5.0 / 8.0,
	}
	chi2 := 0.0
	for fp, exp := range expected {
		d := float64(counts[fp]) - exp
		chi2 += d * d / exp
	}
	assert.Less(t, chi2, 13.82, "observed counts %v deviate from 1:2:5", counts)
	assert.False(t, math.IsNaN(chi2))
}

func TestSample_ExcludesFingerprints(t *testing.T) {
	snap := snapshot(t,
		guardRelay("A", "1.1.0.1", 1000),
		guardRelay("B", "2.2.0.1", 1000),
	)

	s := New()
	rng := testRNG()
	for range 200 {
		r, err := s.Sample(rng, snap, relay.PosGuard, Constraints{Exclude: []relay.Fingerprint{"A"}})
		require.NoError(t, err)
		assert.Equal(t, relay.Fingerprint("B"), r.Fingerprint)
	}
}

func TestSample_ExcludesFamilyAndSubnet(t *testing.T) {
	a := guardRelay("A", "1.1.0.1", 1000)
	b := guardRelay("B", "2.2.0.1", 1000)
	b.Family = []relay.Fingerprint{"A"}
	c := guardRelay("C", "1.1.9.9", 1000) // same /16 as A
	d := guardRelay("D", "4.4.0.1", 1000)
	snap := snapshot(t, a, b, c, d)

	s := New()
	rng := testRNG()
	for range 200 {
		r, err := s.Sample(rng, snap, relay.PosGuard, Constraints{
			Exclude:        []relay.Fingerprint{"A"},
			ExcludeRelated: true,
		})
		require.NoError(t, err)
		assert.Equal(t, relay.Fingerprint("D"), r.Fingerprint)
	}
}

func TestSample_NoEligibleRelay(t *testing.T) {
	snap := snapshot(t, guardRelay("A", "1.1.0.1", 1000))

	s := New()
	rng := testRNG()

	_, err := s.Sample(rng, snap, relay.PosGuard, Constraints{Exclude: []relay.Fingerprint{"A"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEligibleRelay)

	var nee *NoEligibleError
	require.ErrorAs(t, err, &nee)
	assert.Equal(t, relay.PosGuard, nee.Position)
}

func TestSample_EmptyPosition(t *testing.T) {
	snap := snapshot(t, guardRelay("A", "1.1.0.1", 1000))

	s := New()
	_, err := s.Sample(testRNG(), snap, relay.PosExit, Constraints{Port: 443})
	assert.ErrorIs(t, err, ErrNoEligibleRelay)
}

func TestSample_ExitPortConstraint(t *testing.T) {
	snap := snapshot(t,
		exitRelay("web", "1.1.0.1", 1000, "accept 80,443"),
		exitRelay("ssh", "2.2.0.1", 1000, "accept 22"),
	)

	s := New()
	rng := testRNG()
	for range 100 {
		r, err := s.Sample(rng, snap, relay.PosExit, Constraints{Port: 22})
		require.NoError(t, err)
		assert.Equal(t, relay.Fingerprint("ssh"), r.Fingerprint)
	}

	_, err := s.Sample(rng, snap, relay.PosExit, Constraints{Port: 25})
	assert.ErrorIs(t, err, ErrNoEligibleRelay)
}

func TestHasExit(t *testing.T) {
	snap := snapshot(t, exitRelay("web", "1.1.0.1", 1000, "accept 443"))

	s := New()
	assert.True(t, s.HasExit(snap, 443))
	assert.False(t, s.HasExit(snap, 22))

	// Second query hits the LRU cache and must agree.
	assert.True(t, s.HasExit(snap, 443))
}

func TestSample_Deterministic(t *testing.T) {
	snap := snapshot(t,
		guardRelay("A", "1.1.0.1", 1000),
		guardRelay("B", "2.2.0.1", 2000),
		guardRelay("C", "3.3.0.1", 5000),
	)

	draw := func() []relay.Fingerprint {
		s := New()
		rng := testRNG()
		var fps []relay.Fingerprint
		for range 50 {
			r, err := s.Sample(rng, snap, relay.PosGuard, Constraints{})
			require.NoError(t, err)
			fps = append(fps, r.Fingerprint)
		}
		return fps
	}

	assert.Equal(t, draw(), draw(), "same seed must give the same draw sequence")
}
