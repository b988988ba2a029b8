package sim

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torfs-project/torfs/internal/relay"
	"github.com/torfs-project/torfs/internal/trace"
)

var (
	engT0 = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	engT1 = engT0.Add(30 * 24 * time.Hour)
)

func engineParams() Params {
	p := DefaultParams()
	p.Seed = 1
	p.PredictPorts = false
	p.MaxCircuitDirtyTime = time.Second
	p.BuildLatency = Distribution{Kind: DistFixed, Mean: 420 * time.Millisecond}
	return p
}

// forcedRegistry has exactly one eligible relay per position, so every
// path is G -> M -> E regardless of random draws.
func forcedRegistry(t *testing.T) *relay.Registry {
	t.Helper()
	relays := []relay.Relay{
		{
			Fingerprint: "GGG",
			Address:     netip.AddrFrom4([4]byte{10, 1, 0, 1}),
			Bandwidth:   100,
			Flags:       relay.FlagGuard | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		},
		{
			Fingerprint: "MMM",
			Address:     netip.AddrFrom4([4]byte{10, 2, 0, 1}),
			Bandwidth:   100,
			Flags:       relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		},
		{
			Fingerprint: "EEE",
			Address:     netip.AddrFrom4([4]byte{10, 3, 0, 1}),
			Bandwidth:   100,
			Flags:       relay.FlagExit | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.AcceptAll,
		},
	}
	snap, err := relay.NewSnapshot(engT0, engT1, relays, relay.DefaultWeights)
	require.NoError(t, err)
	reg, err := relay.NewRegistry([]*relay.Snapshot{snap})
	require.NoError(t, err)
	return reg
}

func runEngine(t *testing.T, params Params, reg *relay.Registry, reqs []Request) (*trace.MemorySink, Summary) {
	t.Helper()
	eng, err := New(params, reg, nil)
	require.NoError(t, err)
	sink := trace.NewMemorySink()
	sum, err := eng.Run(context.Background(), reqs, sink)
	require.NoError(t, err)
	return sink, sum
}

func kinds(events []trace.Event) []trace.Kind {
	out := make([]trace.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestRun_SingleStreamLifecycle(t *testing.T) {
	reg := forcedRegistry(t)
	sink, sum := runEngine(t, engineParams(), reg, []Request{
		{User: 0, Start: engT0, Port: 80, Bytes: 996},
	})

	require.Equal(t, []trace.Kind{
		trace.KindCircuitRequested,
		trace.KindCircuitOpen,
		trace.KindStreamAttached,
		trace.KindStreamCompleted,
		trace.KindCircuitClosed,
	}, kinds(sink.Events))

	evs := sink.Events
	assert.Equal(t, engT0, evs[0].Time)
	assert.Equal(t, uint64(1), evs[0].Circuit)
	assert.Equal(t, uint16(80), evs[0].Port)

	open := evs[1]
	assert.Equal(t, engT0.Add(420*time.Millisecond), open.Time)
	assert.Equal(t, relay.Fingerprint("GGG"), open.Guard)
	assert.Equal(t, relay.Fingerprint("EEE"), open.Exit)

	assert.Equal(t, open.Time, evs[2].Time, "attach happens at open")

	// 996 bytes is two cells: first arrives after three hop latencies,
	// the second one cell interval later.
	done := evs[3]
	assert.Equal(t, engT0.Add(420*time.Millisecond+210*time.Millisecond+10*time.Millisecond), done.Time)
	assert.Equal(t, uint64(996), done.Bytes)

	// Dirty timer starts at attach; the close lands exactly at the
	// inclusive deadline.
	assert.Equal(t, engT0.Add(420*time.Millisecond+time.Second), evs[4].Time)

	assert.Equal(t, Summary{
		Events: 5, Users: 1,
		StreamsCompleted: 1, CircuitsOpened: 1,
	}, sum)

	require.Len(t, sink.Cells, 1)
	batch := sink.Cells[0]
	assert.Equal(t, []time.Time{
		engT0.Add(630 * time.Millisecond),
		engT0.Add(640 * time.Millisecond),
	}, batch.Timestamps)
}

func TestRun_GoldenTrace(t *testing.T) {
	reg := forcedRegistry(t)
	sink, _ := runEngine(t, engineParams(), reg, []Request{
		{User: 0, Start: engT0, Port: 80, Bytes: 996},
	})

	b, err := trace.MarshalTrace(sink.Events)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "single_stream", b)
}

// Weighted scenario from the relay mix: one Guard+Exit relay (weight 10),
// one Guard-only (weight 5), one Exit-only (weight 5). Under the default
// coefficient set dual relays carry no guard weight, so the guard-only
// relay is the unique possible guard and the dual relay serves as exit.
func TestRun_WeightedThreeRelayScenario(t *testing.T) {
	relays := []relay.Relay{
		{
			Fingerprint: "DUAL",
			Address:     netip.AddrFrom4([4]byte{10, 1, 0, 1}),
			Bandwidth:   10,
			Flags:       relay.FlagGuard | relay.FlagExit | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.AcceptAll,
		},
		{
			Fingerprint: "GONLY",
			Address:     netip.AddrFrom4([4]byte{10, 2, 0, 1}),
			Bandwidth:   5,
			Flags:       relay.FlagGuard | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		},
		{
			Fingerprint: "EONLY",
			Address:     netip.AddrFrom4([4]byte{10, 3, 0, 1}),
			Bandwidth:   5,
			Flags:       relay.FlagExit | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.AcceptAll,
		},
	}
	snap, err := relay.NewSnapshot(engT0, engT1, relays, relay.DefaultWeights)
	require.NoError(t, err)
	reg, err := relay.NewRegistry([]*relay.Snapshot{snap})
	require.NoError(t, err)

	params := engineParams()
	params.MaxBuildRetries = 1
	sink, _ := runEngine(t, params, reg, []Request{
		{User: 0, Start: engT0, Port: 80, Bytes: 100},
	})

	ks := kinds(sink.Events)
	require.GreaterOrEqual(t, len(ks), 3)
	assert.Equal(t, trace.KindCircuitRequested, ks[0])
	assert.Equal(t, trace.KindCircuitOpen, ks[1])
	assert.Equal(t, trace.KindStreamAttached, ks[2])
	assert.Equal(t, engT0, sink.Events[0].Time)
	assert.Equal(t, engT0.Add(420*time.Millisecond), sink.Events[1].Time)

	guards := map[relay.Fingerprint]bool{}
	for _, ev := range sink.Events {
		if ev.Guard != "" {
			guards[ev.Guard] = true
		}
	}
	require.Len(t, guards, 1, "exactly one guard across the run")
	assert.True(t, guards["GONLY"])
}

// With guard weight granted to dual relays and no other guard-capable
// relay, the heavy Guard+Exit relay is deterministically the guard.
func TestRun_DualRelayGuardWithCustomWeights(t *testing.T) {
	weights := relay.BandwidthWeights{
		Wgg: 6134, Wgd: 5000,
		Wmg: 3866, Wme: 1222, Wmd: 2500,
		Wee: 8778, Wed: 2500,
	}
	relays := []relay.Relay{
		{
			Fingerprint: "DUAL",
			Address:     netip.AddrFrom4([4]byte{10, 1, 0, 1}),
			Bandwidth:   10,
			Flags:       relay.FlagGuard | relay.FlagExit | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.AcceptAll,
		},
		{
			Fingerprint: "MID",
			Address:     netip.AddrFrom4([4]byte{10, 2, 0, 1}),
			Bandwidth:   5,
			Flags:       relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		},
		{
			Fingerprint: "EONLY",
			Address:     netip.AddrFrom4([4]byte{10, 3, 0, 1}),
			Bandwidth:   5,
			Flags:       relay.FlagExit | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.AcceptAll,
		},
	}
	snap, err := relay.NewSnapshot(engT0, engT1, relays, weights)
	require.NoError(t, err)
	reg, err := relay.NewRegistry([]*relay.Snapshot{snap})
	require.NoError(t, err)

	sink, _ := runEngine(t, engineParams(), reg, []Request{
		{User: 0, Start: engT0, Port: 443, Bytes: 100},
	})

	var opened bool
	for _, ev := range sink.Events {
		if ev.Kind == trace.KindCircuitOpen {
			opened = true
			assert.Equal(t, relay.Fingerprint("DUAL"), ev.Guard)
			assert.Equal(t, relay.Fingerprint("EONLY"), ev.Exit)
		}
	}
	assert.True(t, opened)
}

func TestRun_NoExitForPort(t *testing.T) {
	// Exits accept only 443; a stream to port 25 fails without a circuit
	// and leaves the user's other streams untouched.
	p443, err := relay.ParseExitPolicy("accept 443")
	require.NoError(t, err)
	relays := []relay.Relay{
		{
			Fingerprint: "GGG",
			Address:     netip.AddrFrom4([4]byte{10, 1, 0, 1}),
			Bandwidth:   100,
			Flags:       relay.FlagGuard | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		},
		{
			Fingerprint: "MMM",
			Address:     netip.AddrFrom4([4]byte{10, 2, 0, 1}),
			Bandwidth:   100,
			Flags:       relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		},
		{
			Fingerprint: "EEE",
			Address:     netip.AddrFrom4([4]byte{10, 3, 0, 1}),
			Bandwidth:   100,
			Flags:       relay.FlagExit | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      p443,
		},
	}
	snap, err := relay.NewSnapshot(engT0, engT1, relays, relay.DefaultWeights)
	require.NoError(t, err)
	reg, err := relay.NewRegistry([]*relay.Snapshot{snap})
	require.NoError(t, err)

	sink, sum := runEngine(t, engineParams(), reg, []Request{
		{User: 0, Start: engT0, Port: 25, Bytes: 100},
		{User: 0, Start: engT0.Add(time.Second), Port: 443, Bytes: 100},
	})

	require.NotEmpty(t, sink.Events)
	first := sink.Events[0]
	assert.Equal(t, trace.KindStreamFailed, first.Kind)
	assert.Equal(t, uint16(25), first.Port)
	assert.Equal(t, "no exit supports port", first.Reason)
	assert.Zero(t, first.Circuit, "no circuit is built for the doomed stream")

	for _, ev := range sink.Events {
		if ev.Kind == trace.KindCircuitRequested {
			assert.Equal(t, uint16(443), ev.Port)
		}
	}
	assert.Equal(t, 1, sum.StreamsFailed)
	assert.Equal(t, 1, sum.StreamsCompleted)
}

func TestRun_ReusesOpenCircuit(t *testing.T) {
	reg := forcedRegistry(t)
	params := engineParams()
	sink, _ := runEngine(t, params, reg, []Request{
		{User: 0, Start: engT0, Port: 443, Bytes: 498 * 500},
		{User: 0, Start: engT0.Add(time.Second), Port: 443, Bytes: 100},
	})

	var requested int
	for _, ev := range sink.Events {
		if ev.Kind == trace.KindCircuitRequested {
			requested++
		}
	}
	assert.Equal(t, 1, requested, "second stream rides the open circuit")
}

func TestRun_StreamsPerCircuitLimitForcesNewCircuit(t *testing.T) {
	reg := forcedRegistry(t)
	params := engineParams()
	params.StreamsPerCircuitLimit = 1
	sink, _ := runEngine(t, params, reg, []Request{
		{User: 0, Start: engT0, Port: 443, Bytes: 498 * 500},
		{User: 0, Start: engT0.Add(time.Second), Port: 443, Bytes: 100},
	})

	var requested int
	streams := map[uint64]uint64{}
	for _, ev := range sink.Events {
		if ev.Kind == trace.KindCircuitRequested {
			requested++
		}
		if ev.Kind == trace.KindStreamAttached {
			streams[ev.Stream] = ev.Circuit
		}
	}
	assert.Equal(t, 2, requested)
	assert.NotEqual(t, streams[1], streams[2], "streams must land on distinct circuits")
}

func TestRun_DirtyExpiryRotatesCircuit(t *testing.T) {
	reg := forcedRegistry(t)
	params := engineParams()
	params.BuildLatency = Distribution{Kind: DistFixed, Mean: 100 * time.Millisecond}

	// The second stream arrives exactly at the first circuit's dirty
	// deadline; the boundary is inclusive so it must get a fresh circuit.
	deadline := engT0.Add(100 * time.Millisecond).Add(params.MaxCircuitDirtyTime)
	sink, _ := runEngine(t, params, reg, []Request{
		{User: 0, Start: engT0, Port: 443, Bytes: 100},
		{User: 0, Start: deadline, Port: 443, Bytes: 100},
	})

	attachCircuits := map[uint64]uint64{}
	var closedAt time.Time
	for _, ev := range sink.Events {
		if ev.Kind == trace.KindStreamAttached {
			attachCircuits[ev.Stream] = ev.Circuit
		}
		if ev.Kind == trace.KindCircuitClosed && ev.Circuit == 1 {
			closedAt = ev.Time
		}
	}
	assert.Equal(t, uint64(1), attachCircuits[1])
	assert.Equal(t, uint64(2), attachCircuits[2])
	assert.Equal(t, deadline, closedAt)
}

func TestRun_PredictedCircuitsCoverNeed(t *testing.T) {
	reg := forcedRegistry(t)
	params := engineParams()
	params.PredictPorts = true

	sink, _ := runEngine(t, params, reg, []Request{
		{User: 0, Start: engT0, Port: 443, Bytes: 100},
	})

	var requested int
	for _, ev := range sink.Events {
		if ev.Kind == trace.KindCircuitRequested && ev.Time.Equal(engT0) {
			requested++
		}
	}
	// One circuit for the stream plus one predicted build to reach the
	// cover goal of two.
	assert.Equal(t, 2, requested)
}

func TestRun_DeterministicReplay(t *testing.T) {
	reg := mixedRegistry(t)
	reqs := mixedWorkload()

	params := engineParams()
	params.PredictPorts = true
	params.Seed = 7

	sink1, _ := runEngine(t, params, reg, reqs)
	sink2, _ := runEngine(t, params, reg, reqs)

	b1, err := trace.MarshalTrace(sink1.Events)
	require.NoError(t, err)
	b2, err := trace.MarshalTrace(sink2.Events)
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "identical seed must reproduce the trace byte for byte")
}

func TestRun_ReshardInvariance(t *testing.T) {
	reg := mixedRegistry(t)
	reqs := mixedWorkload()

	base := engineParams()
	base.PredictPorts = true
	base.Seed = 7

	var traces [][]byte
	for _, shards := range []int{1, 2, 5} {
		params := base
		params.Shards = shards
		sink, _ := runEngine(t, params, reg, reqs)
		b, err := trace.MarshalTrace(sink.Events)
		require.NoError(t, err)
		traces = append(traces, b)
	}
	assert.Equal(t, traces[0], traces[1])
	assert.Equal(t, traces[0], traces[2])
}

func TestRun_CoverageGapIsFatal(t *testing.T) {
	reg := forcedRegistry(t)
	eng, err := New(engineParams(), reg, nil)
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), []Request{
		{User: 0, Start: engT1.Add(time.Hour), Port: 443, Bytes: 100},
	}, trace.NewMemorySink())
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrNoConsensusCoverage)
}

func TestRun_EmptyWorkload(t *testing.T) {
	reg := forcedRegistry(t)
	eng, err := New(engineParams(), reg, nil)
	require.NoError(t, err)
	sum, err := eng.Run(context.Background(), nil, trace.NewMemorySink())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

func TestParams_Validate(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())

	bad := p
	bad.Shards = 0
	require.Error(t, bad.Validate())

	bad = p
	bad.MaxCircuitDirtyTime = 0
	require.Error(t, bad.Validate())

	bad = p
	bad.BuildLatency = Distribution{Kind: "nope"}
	require.Error(t, bad.Validate())
}

// mixedRegistry is a 60-relay network across distinct /16 subnets, large
// enough for varied draws while keeping guard sampling well inside its
// bounds.
func mixedRegistry(t *testing.T) *relay.Registry {
	t.Helper()
	var relays []relay.Relay
	addr := func(a, b byte) netip.Addr { return netip.AddrFrom4([4]byte{a, b, 0, 1}) }
	for i := 0; i < 20; i++ {
		relays = append(relays, relay.Relay{
			Fingerprint: relay.Fingerprint("G" + string(rune('A'+i))),
			Address:     addr(20, byte(i)),
			Bandwidth:   uint64(100 + 50*i),
			Flags:       relay.FlagGuard | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		}, relay.Relay{
			Fingerprint: relay.Fingerprint("M" + string(rune('A'+i))),
			Address:     addr(30, byte(i)),
			Bandwidth:   uint64(100 + 30*i),
			Flags:       relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.RejectAll,
		}, relay.Relay{
			Fingerprint: relay.Fingerprint("E" + string(rune('A'+i))),
			Address:     addr(40, byte(i)),
			Bandwidth:   uint64(100 + 40*i),
			Flags:       relay.FlagExit | relay.FlagFast | relay.FlagRunning | relay.FlagValid,
			Policy:      relay.AcceptAll,
		})
	}
	snap, err := relay.NewSnapshot(engT0, engT1, relays, relay.DefaultWeights)
	require.NoError(t, err)
	reg, err := relay.NewRegistry([]*relay.Snapshot{snap})
	require.NoError(t, err)
	return reg
}

func mixedWorkload() []Request {
	var reqs []Request
	ports := []uint16{443, 80, 22}
	for user := uint64(0); user < 10; user++ {
		for i := 0; i < 5; i++ {
			reqs = append(reqs, Request{
				User:  user,
				Start: engT0.Add(time.Duration(i) * 30 * time.Second).Add(time.Duration(user) * time.Second),
				Port:  ports[(int(user)+i)%len(ports)],
				Bytes: uint64(500 + 997*i),
			})
		}
	}
	return reqs
}
