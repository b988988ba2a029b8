package guard

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torfs-project/torfs/internal/relay"
	"github.com/torfs-project/torfs/internal/sampler"
)

var (
	t0 = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.AddDate(1, 0, 0)
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewChaCha8([32]byte{9}))
}

// guardNetwork builds a snapshot with n guard relays G1..Gn on distinct /16s.
func guardNetwork(t *testing.T, n int) *relay.Snapshot {
	t.Helper()
	relays := make([]relay.Relay, 0, n)
	for i := 1; i <= n; i++ {
		relays = append(relays, relay.Relay{
			Fingerprint: relay.Fingerprint(fmt.Sprintf("G%03d", i)),
			Address:     netip.AddrFrom4([4]byte{byte(20 + i), byte(i), 0, 1}),
			Bandwidth:   1000,
			Flags:       relay.FlagGuard | relay.FlagFast | relay.FlagStable | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		})
	}
	s, err := relay.NewSnapshot(t0, t1, relays, relay.DefaultWeights)
	require.NoError(t, err)
	return s
}

// unrelatedNetwork builds a snapshot that shares no fingerprint with
// guardNetwork, so every sampled guard appears unlisted against it.
func unrelatedNetwork(t *testing.T) *relay.Snapshot {
	t.Helper()
	s, err := relay.NewSnapshot(t0, t1, []relay.Relay{{
		Fingerprint: "ZZZ",
		Address:     netip.AddrFrom4([4]byte{200, 1, 0, 1}),
		Bandwidth:   1000,
		Flags:       relay.FlagGuard | relay.FlagRunning | relay.FlagValid,
		Policy:      relay.RejectAll,
	}}, relay.DefaultWeights)
	require.NoError(t, err)
	return s
}

func TestGuardForCircuit_SamplesThenSticks(t *testing.T) {
	snap := guardNetwork(t, 100)
	st := NewState(PolicyPersistent)
	smp := sampler.New()
	rng := testRNG()

	first, err := st.GuardForCircuit(rng, smp, snap, t0)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, minFilteredSample, st.SampleSize(), "sample fills to the minimum")

	// Successful build confirms and promotes to primary.
	st.MarkTried(first)
	st.ReportOutcome(rng, first, t0, true)
	status, ok := st.StatusOf(first)
	require.True(t, ok)
	assert.Equal(t, StatusConfirmed, status)
	require.NotEmpty(t, st.Primary())
	assert.Equal(t, first, st.Primary()[0])

	// Every subsequent circuit uses the same guard.
	for range 50 {
		g, err := st.GuardForCircuit(rng, smp, snap, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, first, g)
	}
	assert.Equal(t, minFilteredSample, st.SampleSize(), "no new sampling once a primary exists")
}

func TestGuardForCircuit_PrefersEarliestConfirmed(t *testing.T) {
	snap := guardNetwork(t, 100)
	st := NewState(PolicyPersistent)
	smp := sampler.New()
	rng := testRNG()

	a, err := st.GuardForCircuit(rng, smp, snap, t0)
	require.NoError(t, err)
	st.ReportOutcome(rng, a, t0, true)

	// Confirm a different sampled guard much later.
	var b relay.Fingerprint
	for _, g := range st.sampled {
		if g.fp != a {
			b = g.fp
			break
		}
	}
	require.NotEmpty(t, b)
	st.ReportOutcome(rng, b, t0.AddDate(0, 1, 0), true)

	primary := st.Primary()
	require.GreaterOrEqual(t, len(primary), 2)
	assert.Equal(t, a, primary[0], "earliest confirmation wins")
}

func TestReportOutcome_FailureRotates(t *testing.T) {
	snap := guardNetwork(t, 100)
	st := NewState(PolicyPersistent)
	smp := sampler.New()
	rng := testRNG()

	first, err := st.GuardForCircuit(rng, smp, snap, t0)
	require.NoError(t, err)
	st.ReportOutcome(rng, first, t0, true)
	require.Equal(t, []relay.Fingerprint{first}, st.Primary())

	// Sustained failure marks the guard unreachable and drops it from the
	// primary set; the next circuit gets a different guard.
	st.ReportOutcome(rng, first, t0.Add(time.Hour), false)
	status, _ := st.StatusOf(first)
	assert.Equal(t, StatusUnreachable, status)
	assert.Empty(t, st.Primary())

	next, err := st.GuardForCircuit(rng, smp, snap, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
}

func TestTimedUpdate_RemovesUnlistedGuards(t *testing.T) {
	snap := guardNetwork(t, 100)
	st := NewState(PolicyPersistent)
	smp := sampler.New()
	rng := testRNG()

	first, err := st.GuardForCircuit(rng, smp, snap, t0)
	require.NoError(t, err)
	st.ReportOutcome(rng, first, t0, true)

	// A snapshot without the guard marks it unlisted; after the removal
	// window it is dropped from sample and primary.
	empty := unrelatedNetwork(t)
	st.TimedUpdate(t0.Add(time.Hour), empty, nil)

	later := t0.Add(time.Hour).Add(removeUnlistedAfter)
	removed := st.TimedUpdate(later, empty, nil)
	assert.Contains(t, removed, first)
	_, ok := st.StatusOf(first)
	assert.False(t, ok)
	assert.Empty(t, st.Primary())
}

func TestTimedUpdate_KeepsInUseGuard(t *testing.T) {
	snap := guardNetwork(t, 100)
	st := NewState(PolicyPersistent)
	smp := sampler.New()
	rng := testRNG()

	first, err := st.GuardForCircuit(rng, smp, snap, t0)
	require.NoError(t, err)

	empty := unrelatedNetwork(t)
	st.TimedUpdate(t0, empty, nil)
	later := t0.Add(removeUnlistedAfter + time.Hour)

	// A building circuit pins its guard through any rotation.
	removed := st.TimedUpdate(later, empty, map[relay.Fingerprint]bool{first: true})
	assert.NotContains(t, removed, first)
	_, ok := st.StatusOf(first)
	assert.True(t, ok, "in-use guard survives the purge")
}

func TestTimedUpdate_LifetimeExpiry(t *testing.T) {
	snap := guardNetwork(t, 100)
	st := NewState(PolicyPersistent)
	smp := sampler.New()
	rng := testRNG()

	first, err := st.GuardForCircuit(rng, smp, snap, t0)
	require.NoError(t, err)

	// Unconfirmed guards age out after guardLifetime. addedOn is smeared up
	// to guardLifetime/10 into the past, so step well past the bound.
	removed := st.TimedUpdate(t0.Add(guardLifetime+guardLifetime/10), snap, nil)
	assert.Contains(t, removed, first)
}

func TestPerCircuitPolicy_FreshGuardEachTime(t *testing.T) {
	snap := guardNetwork(t, 100)
	st := NewState(PolicyPerCircuit)
	smp := sampler.New()
	rng := testRNG()

	seen := map[relay.Fingerprint]bool{}
	for range 50 {
		g, err := st.GuardForCircuit(rng, smp, snap, t0)
		require.NoError(t, err)
		seen[g] = true
	}
	assert.Greater(t, len(seen), 1, "per-circuit policy must not pin a guard")
	assert.Zero(t, st.SampleSize(), "per-circuit policy keeps no persistent sample")
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyPersistent, p)

	p, err = ParsePolicy("persistent")
	require.NoError(t, err)
	assert.Equal(t, PolicyPersistent, p)

	p, err = ParsePolicy("per_circuit")
	require.NoError(t, err)
	assert.Equal(t, PolicyPerCircuit, p)

	_, err = ParsePolicy("weekly")
	assert.Error(t, err)
}

func TestGuardForCircuit_TinyNetwork(t *testing.T) {
	// Two guards total: the sample is capped well below minFilteredSample
	// but selection must still work.
	snap := guardNetwork(t, 2)
	st := NewState(PolicyPersistent)
	smp := sampler.New()
	rng := testRNG()

	g, err := st.GuardForCircuit(rng, smp, snap, t0)
	require.NoError(t, err)
	assert.NotEmpty(t, g)
}
