package trace

import (
	"time"
)

// Sink consumes the ordered event stream. WriteEvent is called strictly in
// trace order by a single goroutine; sinks do not need internal locking.
type Sink interface {
	WriteEvent(ev Event) error
	Close() error
}

// CellSink additionally consumes per-cell delivery timestamps for streams,
// for packet-level analysis. The timestamps are the instants cells arrive
// at the client, already ordered.
type CellSink interface {
	WriteCells(user, stream uint64, ts []time.Time) error
}

// MemorySink buffers everything in memory. Used by tests and golden
// comparisons.
type MemorySink struct {
	Events []Event
	Cells  []CellBatch
	closed bool
}

// CellBatch is one stream's recorded cell timestamps.
type CellBatch struct {
	User       uint64
	Stream     uint64
	Timestamps []time.Time
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) WriteEvent(ev Event) error {
	m.Events = append(m.Events, ev)
	return nil
}

func (m *MemorySink) WriteCells(user, stream uint64, ts []time.Time) error {
	cp := make([]time.Time, len(ts))
	copy(cp, ts)
	m.Cells = append(m.Cells, CellBatch{User: user, Stream: stream, Timestamps: cp})
	return nil
}

func (m *MemorySink) Close() error {
	m.closed = true
	return nil
}

// Closed reports whether Close was called. Test helper.
func (m *MemorySink) Closed() bool { return m.closed }

// MultiSink fans events out to several sinks in order. The first error
// stops the fan-out.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. Nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	ms := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			ms.sinks = append(ms.sinks, s)
		}
	}
	return ms
}

func (m *MultiSink) WriteEvent(ev Event) error {
	for _, s := range m.sinks {
		if err := s.WriteEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) WriteCells(user, stream uint64, ts []time.Time) error {
	for _, s := range m.sinks {
		if cs, ok := s.(CellSink); ok {
			if err := cs.WriteCells(user, stream, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every sink, returning the first error but attempting all.
func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Len returns the number of wrapped sinks.
func (m *MultiSink) Len() int { return len(m.sinks) }
