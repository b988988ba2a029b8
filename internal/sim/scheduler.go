package sim

import (
	"log/slog"
	"time"

	"github.com/torfs-project/torfs/internal/path"
	"github.com/torfs-project/torfs/internal/relay"
	"github.com/torfs-project/torfs/internal/sampler"
	"github.com/torfs-project/torfs/internal/trace"
)

// shard simulates a disjoint subset of users on its own event clock. All
// state here is private to the shard; the only shared input is the
// read-only registry.
type shard struct {
	params Params
	reg    *relay.Registry
	smp    *sampler.Sampler
	sel    *path.Selector
	log    *slog.Logger

	clock    *clock
	users    map[uint64]*userState
	requests []Request

	events []trace.Event
	cells  []trace.CellBatch
}

func newShard(params Params, reg *relay.Registry, log *slog.Logger, requests []Request) *shard {
	smp := sampler.New()
	sh := &shard{
		params:   params,
		reg:      reg,
		smp:      smp,
		sel:      path.NewSelector(smp),
		log:      log,
		users:    map[uint64]*userState{},
		requests: requests,
	}
	return sh
}

// run drains the shard's timeline. Events come back ordered by firing
// time; the engine re-sorts the merged trace by (time, user, user seq).
func (sh *shard) run(cancelled func() bool) {
	if len(sh.requests) == 0 {
		return
	}
	sh.clock = newClock(sh.requests[0].Start)
	for i, req := range sh.requests {
		sh.clock.schedule(req.Start, timer{
			kind:   timerStreamArrival,
			user:   req.User,
			stream: uint64(i), // request index until the stream exists
		})
	}

	processed := 0
	for {
		t, ok := sh.clock.next()
		if !ok {
			return
		}
		processed++
		if processed%1024 == 0 && cancelled() {
			sh.log.Warn("shard cancelled", "pending", sh.clock.pending())
			return
		}

		u := sh.user(t.user)
		switch t.kind {
		case timerStreamArrival:
			sh.handleArrival(u, sh.requests[t.stream])
		case timerCircuitReady:
			sh.handleCircuitReady(u, t.circuit)
		case timerCircuitExpire:
			sh.handleCircuitExpire(u, t.circuit)
		case timerStreamComplete:
			sh.handleStreamComplete(u, t.stream)
		case timerNeedExpire:
			u.needs.expire(sh.clock.now)
		}
	}
}

func (sh *shard) user(id uint64) *userState {
	u := sh.users[id]
	if u == nil {
		u = newUserState(id, sh.params.Seed, sh.params.GuardPolicy)
		sh.users[id] = u
	}
	return u
}

// emit appends a trace event at the current simulated time. The per-user
// sequence number makes merged ordering independent of sharding.
func (sh *shard) emit(u *userState, ev trace.Event) {
	ev.Time = sh.clock.now
	ev.User = u.id
	ev.UserSeq = u.userSeq
	u.userSeq++
	sh.events = append(sh.events, ev)
}

func (sh *shard) handleArrival(u *userState, req Request) {
	now := sh.clock.now

	snap, err := sh.reg.SnapshotFor(now)
	if err != nil {
		id := sh.newStreamID(u)
		sh.emit(u, trace.Event{Kind: trace.KindStreamFailed, Stream: id, Port: req.Port, Reason: reasonNoCoverage})
		return
	}

	u.guards.TimedUpdate(now, snap, u.buildingGuards())

	id := sh.newStreamID(u)
	s := &stream{id: id, port: req.Port, bytes: req.Bytes, requestedAt: now}
	u.streams[id] = s

	need := u.needs.record(req.Port, now)
	sh.clock.schedule(need.expires.Add(time.Nanosecond), timer{kind: timerNeedExpire, user: u.id})

	sh.dispatch(u, snap, s)

	if sh.params.PredictPorts {
		sh.buildPredicted(u, snap)
	}
}

func (sh *shard) newStreamID(u *userState) uint64 {
	u.nextStream++
	return u.nextStream
}

// dispatch attaches the stream to an open circuit, or requests a build and
// parks the stream on it. Streams whose port no exit can serve fail
// immediately without a circuit request.
func (sh *shard) dispatch(u *userState, snap *relay.Snapshot, s *stream) {
	now := sh.clock.now

	if c := u.openCircuitFor(now, s.port, sh.params.StreamsPerCircuitLimit,
		sh.params.MaxCircuitDirtyTime, sh.params.MaxCircuitLifetime); c != nil {
		sh.attach(u, c, s)
		return
	}

	if !sh.smp.HasExit(snap, s.port) {
		sh.emit(u, trace.Event{Kind: trace.KindStreamFailed, Stream: s.id, Port: s.port, Reason: reasonNoExit})
		delete(u.streams, s.id)
		return
	}

	c := sh.requestCircuit(u, snap, path.PurposeGeneral, s.port)
	if c == nil {
		sh.emit(u, trace.Event{Kind: trace.KindStreamFailed, Stream: s.id, Port: s.port, Reason: reasonUnavailable})
		delete(u.streams, s.id)
		return
	}
	c.pending = append(c.pending, s.id)
}

// requestCircuit runs the Requested -> Building transition, retrying path
// selection up to the configured bound. Returns nil when abandoned.
func (sh *shard) requestCircuit(u *userState, snap *relay.Snapshot, purpose path.Purpose, port uint16) *circuit {
	now := sh.clock.now

	u.nextCircuit++
	c := newCircuit(u.nextCircuit, u.id, purpose, now)
	c.predicted = purpose == path.PurposePredicted
	u.circuits[c.id] = c

	sh.emit(u, trace.Event{Kind: trace.KindCircuitRequested, Circuit: c.id, Port: port})

	attempts := sh.params.MaxBuildRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		p, err := sh.sel.Select(u.rng, snap, u.guards, now, purpose, port)
		if err != nil {
			continue
		}

		exitRelay, ok := snap.Lookup(p.Exit())
		if !ok {
			continue
		}
		pol := exitRelay.Policy
		c.path = p
		c.exitAllows = func(pt uint16) bool { return pol.AllowsPort(pt) }
		c.state = CircuitBuilding
		u.guards.MarkTried(p.Guard())

		// A building circuit already counts toward the port's cover so a
		// burst of arrivals does not trigger duplicate predicted builds.
		if n := u.needs.needs[port]; n != nil {
			n.covers[c.id] = struct{}{}
		}

		sh.clock.schedule(now.Add(sh.params.BuildLatency.Sample(u.rng)),
			timer{kind: timerCircuitReady, user: u.id, circuit: c.id})
		return c
	}

	c.state = CircuitAbandoned
	sh.emit(u, trace.Event{Kind: trace.KindCircuitFailed, Circuit: c.id, Port: port, Reason: reasonPathFailed})
	delete(u.circuits, c.id)
	return nil
}

// buildPredicted requests circuits for ports whose needs lack coverage.
// A building circuit counts as cover so one arrival does not trigger a
// burst of identical builds.
func (sh *shard) buildPredicted(u *userState, snap *relay.Snapshot) {
	now := sh.clock.now
	for _, port := range u.needs.shortfall(now) {
		if !sh.smp.HasExit(snap, port) {
			continue
		}
		missing := needCoverGoal - len(u.needs.needs[port].covers)
		for i := 0; i < missing; i++ {
			if sh.requestCircuit(u, snap, path.PurposePredicted, port) == nil {
				break
			}
		}
	}
}

// handleCircuitReady runs Building -> Open, confirms the guard, covers
// port needs and attaches parked streams.
func (sh *shard) handleCircuitReady(u *userState, circuitID uint64) {
	now := sh.clock.now
	c := u.circuits[circuitID]
	if c == nil || c.state != CircuitBuilding {
		return
	}

	c.state = CircuitOpen
	c.openAt = now
	sh.emit(u, trace.Event{
		Kind:    trace.KindCircuitOpen,
		Circuit: c.id,
		Guard:   c.path.Guard(),
		Exit:    c.path.Exit(),
	})
	u.guards.ReportOutcome(u.rng, c.path.Guard(), now, true)
	u.needs.cover(c.id, c.allowsPort)

	sh.clock.schedule(now.Add(sh.params.MaxCircuitLifetime),
		timer{kind: timerCircuitExpire, user: u.id, circuit: c.id})

	pending := c.pending
	c.pending = nil
	for _, sid := range pending {
		s := u.streams[sid]
		if s == nil {
			continue
		}
		if c.canAttach(now, s.port, sh.params.StreamsPerCircuitLimit,
			sh.params.MaxCircuitDirtyTime, sh.params.MaxCircuitLifetime) {
			sh.attach(u, c, s)
			continue
		}
		// Full or already expiring; route the stream elsewhere.
		snap, err := sh.reg.SnapshotFor(now)
		if err != nil {
			sh.emit(u, trace.Event{Kind: trace.KindStreamFailed, Stream: sid, Port: s.port, Reason: reasonNoCoverage})
			delete(u.streams, sid)
			continue
		}
		sh.dispatch(u, snap, s)
	}
}

// attach binds a stream to an open circuit and schedules its completion.
func (sh *shard) attach(u *userState, c *circuit, s *stream) {
	now := sh.clock.now

	s.circuit = c.id
	first := c.attach(s.id, now)
	sh.emit(u, trace.Event{Kind: trace.KindStreamAttached, Circuit: c.id, Stream: s.id, Port: s.port})

	if first {
		sh.clock.schedule(c.dirtyAt.Add(sh.params.MaxCircuitDirtyTime),
			timer{kind: timerCircuitExpire, user: u.id, circuit: c.id})
	}
	u.needs.cover(c.id, c.allowsPort)

	cells := sh.cellCount(s.bytes)
	firstCell := now.Add(time.Duration(len(c.path.Hops)) * sh.params.HopLatency)
	completion := firstCell.Add(time.Duration(cells-1) * sh.params.CellInterval)
	sh.clock.schedule(completion, timer{kind: timerStreamComplete, user: u.id, stream: s.id, circuit: c.id})
}

func (sh *shard) cellCount(bytes uint64) int {
	payload := uint64(sh.params.CellPayload)
	if payload == 0 {
		return 1
	}
	n := (bytes + payload - 1) / payload
	if n < 1 {
		n = 1
	}
	return int(n)
}

// handleStreamComplete emits the completion, records per-cell arrival
// timestamps and closes a drained expiring circuit.
func (sh *shard) handleStreamComplete(u *userState, streamID uint64) {
	now := sh.clock.now
	s := u.streams[streamID]
	if s == nil {
		return
	}

	cells := sh.cellCount(s.bytes)
	arrivals := make([]time.Time, cells)
	firstCell := now.Add(-time.Duration(cells-1) * sh.params.CellInterval)
	for i := range arrivals {
		arrivals[i] = firstCell.Add(time.Duration(i) * sh.params.CellInterval)
	}
	sh.cells = append(sh.cells, trace.CellBatch{User: u.id, Stream: s.id, Timestamps: arrivals})

	sh.emit(u, trace.Event{
		Kind:    trace.KindStreamCompleted,
		Circuit: s.circuit,
		Stream:  s.id,
		Port:    s.port,
		Bytes:   s.bytes,
	})
	delete(u.streams, s.id)

	c := u.circuits[s.circuit]
	if c == nil {
		return
	}
	c.detach(s.id)
	c.lastUsed = now
	if c.state == CircuitExpiring && c.idle() {
		sh.closeCircuit(u, c)
	}
}

// handleCircuitExpire checks the dirty and lifetime deadlines. The timer
// fires exactly at the deadline, so reaching it means expiry (inclusive
// boundary).
func (sh *shard) handleCircuitExpire(u *userState, circuitID uint64) {
	c := u.circuits[circuitID]
	if c == nil {
		return
	}
	if c.state != CircuitOpen && c.state != CircuitDirty {
		return
	}
	if !c.expired(sh.clock.now, sh.params.MaxCircuitDirtyTime, sh.params.MaxCircuitLifetime) {
		return
	}
	c.state = CircuitExpiring
	if c.idle() {
		sh.closeCircuit(u, c)
	}
}

func (sh *shard) closeCircuit(u *userState, c *circuit) {
	c.state = CircuitClosed
	sh.emit(u, trace.Event{Kind: trace.KindCircuitClosed, Circuit: c.id})
	u.needs.uncover(c.id)
	delete(u.circuits, c.id)
}
