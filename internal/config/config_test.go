package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torfs-project/torfs/internal/guard"
	"github.com/torfs-project/torfs/internal/sim"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("random_seed: 42\n"))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), cfg.RandomSeed)
	assert.Equal(t, 10*time.Minute, time.Duration(cfg.MaxCircuitDirtyTime))
	assert.Equal(t, "persistent", cfg.GuardRotationPolicy)
	assert.True(t, cfg.PredictPorts)

	p, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), p.Seed)
	assert.Equal(t, guard.PolicyPersistent, p.GuardPolicy)
}

func TestParse_FullFile(t *testing.T) {
	doc := `
random_seed: 7
shards: 4
max_circuit_dirty_time: 5m
max_circuit_lifetime: 30m
max_build_retries: 2
streams_per_circuit_limit: 8
guard_rotation_policy: per_circuit
build_latency_distribution:
  kind: uniform
  min: 200ms
  max: 600ms
hop_latency: 70ms
cell_interval: 5ms
cell_payload: 498
predict_ports: false
adversary:
  guards: 2
  guard_bandwidth: 1000
sinks:
  sqlite: out/trace.db
  csv: out/cells.csv
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	p, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, 4, p.Shards)
	assert.Equal(t, 5*time.Minute, p.MaxCircuitDirtyTime)
	assert.Equal(t, guard.PolicyPerCircuit, p.GuardPolicy)
	assert.Equal(t, sim.DistUniform, p.BuildLatency.Kind)
	assert.Equal(t, 200*time.Millisecond, p.BuildLatency.Min)
	assert.False(t, p.PredictPorts)
	assert.Equal(t, 2, cfg.Adversary.Guards)
	assert.Equal(t, "out/trace.db", cfg.Sinks.SQLite)
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("max_dirty: 10m\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestParse_BadValues(t *testing.T) {
	cases := []string{
		"shards: 0\n",
		"guard_rotation_policy: daily\n",
		"cell_payload: -1\n",
		"max_build_retries: 0\n",
		"build_latency_distribution:\n  kind: gamma\n",
		"max_circuit_dirty_time: soon\n",
	}
	for _, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, "doc: %s", doc)
	}
}

func TestParse_IntegerNanosecondDuration(t *testing.T) {
	cfg, err := Parse([]byte("hop_latency: 70000000\n"))
	require.NoError(t, err)
	assert.Equal(t, 70*time.Millisecond, time.Duration(cfg.HopLatency))
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	v, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}
