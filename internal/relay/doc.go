// Package relay models the Tor relay population as seen through consensus
// snapshots.
//
// A Registry holds an ordered sequence of immutable Snapshots, one per
// consensus validity interval. Each Snapshot precomputes the cumulative
// bandwidth-weight tables used for position-aware relay selection, plus the
// family/subnet partition used to enforce path diversity.
//
// Nothing in this package mutates a Snapshot after construction. Snapshots
// are shared freely across simulation shards.
package relay
