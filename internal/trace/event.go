// Package trace defines the simulator's output event model and the sinks
// that persist it.
//
// The simulation core emits one ordered stream of Events; sinks are dumb
// consumers. Cell-level output (per-cell timestamps for packet analysis)
// goes through the separate CellSink interface because most sinks do not
// want it.
package trace

import (
	"time"

	"github.com/torfs-project/torfs/internal/relay"
)

// Kind discriminates trace events.
type Kind string

const (
	KindCircuitRequested Kind = "circuit_requested"
	KindCircuitOpen      Kind = "circuit_open"
	KindCircuitFailed    Kind = "circuit_failed"
	KindCircuitClosed    Kind = "circuit_closed"
	KindStreamAttached   Kind = "stream_attached"
	KindStreamCompleted  Kind = "stream_completed"
	KindStreamFailed     Kind = "stream_failed"
)

// Event is one record of the simulation trace.
//
// Ordering is (Time, User, UserSeq): UserSeq is a per-user counter, so the
// merged order is identical no matter how users were sharded across
// workers. Seq is the global position assigned after the merge.
type Event struct {
	Seq     uint64
	Time    time.Time
	User    uint64
	UserSeq uint64

	Kind Kind

	// Circuit and Stream are per-user identifiers; zero means not
	// applicable (e.g. a StreamFailed with no circuit built).
	Circuit uint64
	Stream  uint64

	// Guard and Exit carry the relevant hops for circuit events.
	Guard relay.Fingerprint
	Exit  relay.Fingerprint

	// Port is the destination port for stream events.
	Port uint16
	// Bytes is the payload volume for StreamCompleted.
	Bytes uint64
	// Reason describes a failure for the *Failed kinds.
	Reason string
}

// canonicalMap renders the event as a map for canonical JSON encoding.
// Zero-valued optional fields are omitted so traces stay byte-comparable
// across versions that add fields.
func (e Event) canonicalMap() map[string]any {
	m := map[string]any{
		"seq":  e.Seq,
		"time": e.Time.UTC().Format(time.RFC3339Nano),
		"user": e.User,
		"kind": string(e.Kind),
	}
	if e.Circuit != 0 {
		m["circuit"] = e.Circuit
	}
	if e.Stream != 0 {
		m["stream"] = e.Stream
	}
	if e.Guard != "" {
		m["guard"] = string(e.Guard)
	}
	if e.Exit != "" {
		m["exit"] = string(e.Exit)
	}
	if e.Port != 0 {
		m["port"] = uint64(e.Port)
	}
	if e.Bytes != 0 {
		m["bytes"] = e.Bytes
	}
	if e.Reason != "" {
		m["reason"] = e.Reason
	}
	return m
}

// MarshalCanonical encodes the event as canonical JSON: sorted keys, NFC
// normalized strings, no insignificant whitespace. Two traces are equal
// exactly when their canonical encodings are byte-equal.
func (e Event) MarshalCanonical() ([]byte, error) {
	return marshalCanonical(e.canonicalMap())
}
