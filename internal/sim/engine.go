// Package sim is the discrete-event simulation core: circuit lifecycle,
// stream scheduling, port-need prediction and the sharded event clock
// that turns a workload plus a consensus registry into an ordered trace.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/torfs-project/torfs/internal/guard"
	"github.com/torfs-project/torfs/internal/relay"
	"github.com/torfs-project/torfs/internal/trace"
)

// Request is one workload entry: a user asks for a stream to a port at a
// simulated instant, transferring the given volume.
type Request struct {
	User  uint64
	Start time.Time
	Port  uint16
	Bytes uint64
}

// Params is the engine configuration surface.
type Params struct {
	MaxCircuitDirtyTime    time.Duration
	MaxCircuitLifetime     time.Duration
	MaxBuildRetries        int
	StreamsPerCircuitLimit int
	GuardPolicy            guard.Policy
	BuildLatency           Distribution
	HopLatency             time.Duration
	CellInterval           time.Duration
	CellPayload            int
	Seed                   uint64
	Shards                 int
	PredictPorts           bool
}

// DefaultParams returns the engine defaults. Timer defaults follow Tor's
// client behavior (10 minute dirtiness, 1 hour lifetime); the packet
// model uses a 70 ms per-hop latency.
func DefaultParams() Params {
	return Params{
		MaxCircuitDirtyTime:    10 * time.Minute,
		MaxCircuitLifetime:     time.Hour,
		MaxBuildRetries:        3,
		StreamsPerCircuitLimit: 16,
		GuardPolicy:            guard.PolicyPersistent,
		BuildLatency:           Distribution{Kind: DistFixed, Mean: 420 * time.Millisecond},
		HopLatency:             70 * time.Millisecond,
		CellInterval:           10 * time.Millisecond,
		CellPayload:            498,
		Shards:                 1,
		PredictPorts:           true,
	}
}

// Validate checks the parameters before a run.
func (p Params) Validate() error {
	if p.MaxCircuitDirtyTime <= 0 || p.MaxCircuitLifetime <= 0 {
		return fmt.Errorf("circuit timers must be positive")
	}
	if p.Shards < 1 {
		return fmt.Errorf("shards must be >= 1, got %d", p.Shards)
	}
	if p.HopLatency < 0 || p.CellInterval < 0 {
		return fmt.Errorf("latencies must be non-negative")
	}
	return p.BuildLatency.Validate()
}

// Summary reports aggregate counts of a finished run.
type Summary struct {
	Events           int
	Users            int
	StreamsCompleted int
	StreamsFailed    int
	CircuitsOpened   int
	CircuitsFailed   int
}

// Engine drives a full simulation: it shards the workload by user, runs
// each shard on its own clock, merges the shard traces into one global
// order and feeds the sinks.
type Engine struct {
	params Params
	reg    *relay.Registry
	log    *slog.Logger
}

// New creates an Engine. The registry is shared read-only across shards.
func New(params Params, reg *relay.Registry, log *slog.Logger) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("engine params: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{params: params, reg: reg, log: log}, nil
}

// Run simulates the workload and writes the merged trace to sink. Missing
// consensus coverage for the workload's time range is fatal and reported
// before any event is simulated.
func (e *Engine) Run(ctx context.Context, requests []Request, sink trace.Sink) (Summary, error) {
	if len(requests) == 0 {
		return Summary{}, nil
	}

	// Stable sort keeps each user's request order from the input.
	reqs := make([]Request, len(requests))
	copy(reqs, requests)
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].Start.Before(reqs[j].Start) })

	first, last := reqs[0].Start, reqs[len(reqs)-1].Start
	if err := e.reg.CheckCoverage(first, last); err != nil {
		return Summary{}, fmt.Errorf("consensus coverage: %w", err)
	}

	shards := e.buildShards(reqs)
	e.log.Info("simulation starting",
		"requests", len(reqs), "shards", len(shards),
		"from", first, "until", last, "seed", e.params.Seed)

	var wg sync.WaitGroup
	for _, sh := range shards {
		wg.Add(1)
		go func(sh *shard) {
			defer wg.Done()
			sh.run(func() bool { return ctx.Err() != nil })
		}(sh)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	events, cells := mergeShards(shards)
	sum := summarize(events)
	e.log.Info("simulation finished",
		"events", sum.Events, "users", sum.Users,
		"streams_completed", sum.StreamsCompleted, "streams_failed", sum.StreamsFailed)

	for _, ev := range events {
		if err := sink.WriteEvent(ev); err != nil {
			return sum, fmt.Errorf("write event %d: %w", ev.Seq, err)
		}
	}
	if cs, ok := sink.(trace.CellSink); ok {
		for _, batch := range cells {
			if err := cs.WriteCells(batch.User, batch.Stream, batch.Timestamps); err != nil {
				return sum, fmt.Errorf("write cells for user %d stream %d: %w", batch.User, batch.Stream, err)
			}
		}
	}
	return sum, nil
}

// buildShards partitions requests by user modulo the shard count.
func (e *Engine) buildShards(reqs []Request) []*shard {
	n := e.params.Shards
	buckets := make([][]Request, n)
	for _, r := range reqs {
		i := int(r.User % uint64(n))
		buckets[i] = append(buckets[i], r)
	}
	var shards []*shard
	for _, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		shards = append(shards, newShard(e.params, e.reg, e.log, bucket))
	}
	return shards
}

// mergeShards combines shard outputs into the global trace order
// (time, user, user sequence) and assigns global sequence numbers. The
// ordering key never references shard-local state, so any shard count
// yields the identical merged trace.
func mergeShards(shards []*shard) ([]trace.Event, []trace.CellBatch) {
	var events []trace.Event
	var cells []trace.CellBatch
	for _, sh := range shards {
		events = append(events, sh.events...)
		cells = append(cells, sh.cells...)
	}

	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.User != b.User {
			return a.User < b.User
		}
		return a.UserSeq < b.UserSeq
	})
	for i := range events {
		events[i].Seq = uint64(i)
	}

	sort.Slice(cells, func(i, j int) bool {
		if cells[i].User != cells[j].User {
			return cells[i].User < cells[j].User
		}
		return cells[i].Stream < cells[j].Stream
	})
	return events, cells
}

func summarize(events []trace.Event) Summary {
	sum := Summary{Events: len(events)}
	users := map[uint64]struct{}{}
	for _, ev := range events {
		users[ev.User] = struct{}{}
		switch ev.Kind {
		case trace.KindStreamCompleted:
			sum.StreamsCompleted++
		case trace.KindStreamFailed:
			sum.StreamsFailed++
		case trace.KindCircuitOpen:
			sum.CircuitsOpened++
		case trace.KindCircuitFailed:
			sum.CircuitsFailed++
		}
	}
	sum.Users = len(users)
	return sum
}
