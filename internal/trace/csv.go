package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Cell ID bit layout. IDs are composed from (user, stream, cell index)
// rather than drawn from a global counter, so the same scenario produces
// the same IDs regardless of how users were sharded across workers.
const (
	cellUserShift     = 44
	cellStreamShift   = 20
	cellIndexMask     = 1<<cellStreamShift - 1
	maxCellsPerStream = cellIndexMask
)

// CSVSink writes per-cell delivery records in the ppcalc trace format:
//
//	m_id,source_id,source_timestamp,destination_id,destination_timestamp
//
// The timestamps handed to WriteCells are client-side arrival times; the
// source timestamp is reconstructed by subtracting the end-to-end latency.
type CSVSink struct {
	w       *csv.Writer
	closer  io.Closer
	latency time.Duration
}

// NewCSVSink wraps w. latency is the end-to-end delay between the exit
// emitting a cell and the client receiving it.
func NewCSVSink(w io.Writer, latency time.Duration) (*CSVSink, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"m_id", "source_id", "source_timestamp", "destination_id", "destination_timestamp"}); err != nil {
		return nil, fmt.Errorf("csv sink: write header: %w", err)
	}
	s := &CSVSink{w: cw, latency: latency}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// WriteEvent is a no-op; the CSV format carries cells only.
func (s *CSVSink) WriteEvent(Event) error { return nil }

// WriteCells emits one row per cell. Cells within a stream share a source
// ID; the destination is the user.
func (s *CSVSink) WriteCells(user, stream uint64, ts []time.Time) error {
	if len(ts) > maxCellsPerStream {
		return fmt.Errorf("csv sink: stream %d of user %d has %d cells, limit %d", stream, user, len(ts), maxCellsPerStream)
	}
	sourceID := user<<cellStreamShift | stream
	for i, arrival := range ts {
		mID := user<<cellUserShift | stream<<cellStreamShift | uint64(i)
		departure := arrival.Add(-s.latency)
		row := []string{
			strconv.FormatUint(mID, 10),
			strconv.FormatUint(sourceID, 10),
			departure.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(user, 10),
			arrival.UTC().Format(time.RFC3339Nano),
		}
		if err := s.w.Write(row); err != nil {
			return fmt.Errorf("csv sink: write cell %d of stream %d: %w", i, stream, err)
		}
	}
	return nil
}

// Close flushes buffered rows and closes the underlying writer if it is
// closable.
func (s *CSVSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("csv sink: flush: %w", err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
