package sim

import (
	"container/heap"
	"time"
)

type timerKind uint8

const (
	timerStreamArrival timerKind = iota
	timerCircuitReady
	timerCircuitExpire
	timerStreamComplete
	timerNeedExpire
)

// timer is one scheduled transition. Timers carry identifiers only; the
// handler resolves them against current user state when they fire.
type timer struct {
	at   time.Time
	seq  uint64
	kind timerKind

	user    uint64
	circuit uint64
	stream  uint64
	port    uint16
}

// clock is a shard-local discrete event queue. Timers fire in (time,
// insertion sequence) order; nothing blocks, waiting is expressed as a
// future timer. Each user's timers are scheduled in a deterministic
// relative order, so the per-user firing order does not depend on which
// other users share the shard.
type clock struct {
	heap timerHeap
	seq  uint64
	now  time.Time
}

func newClock(start time.Time) *clock {
	c := &clock{now: start}
	heap.Init(&c.heap)
	return c
}

// schedule enqueues t to fire at the given instant. Scheduling in the
// past is a bug in the caller; the timer fires immediately at current
// time instead of rewinding the clock.
func (c *clock) schedule(at time.Time, t timer) {
	if at.Before(c.now) {
		at = c.now
	}
	t.at = at
	t.seq = c.seq
	c.seq++
	heap.Push(&c.heap, t)
}

// next pops the earliest timer and advances the clock to it.
func (c *clock) next() (timer, bool) {
	if c.heap.Len() == 0 {
		return timer{}, false
	}
	t := heap.Pop(&c.heap).(timer)
	c.now = t.at
	return t, true
}

func (c *clock) pending() int { return c.heap.Len() }

type timerHeap []timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
