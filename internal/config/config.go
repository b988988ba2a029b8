// Package config loads and validates simulation run configuration from
// YAML, checked against an embedded CUE schema before use.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/torfs-project/torfs/internal/guard"
	"github.com/torfs-project/torfs/internal/relay"
	"github.com/torfs-project/torfs/internal/sim"
)

//go:embed schema.cue
var schemaCUE string

// Duration wraps time.Duration so YAML accepts "10m" style strings as
// well as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds")
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Latency configures the build latency distribution.
type Latency struct {
	Kind string   `yaml:"kind"`
	Mean Duration `yaml:"mean"`
	Min  Duration `yaml:"min"`
	Max  Duration `yaml:"max"`
}

// Sinks names the optional trace outputs of a run. Empty values disable
// the corresponding sink.
type Sinks struct {
	SQLite      string `yaml:"sqlite"`
	CSV         string `yaml:"csv"`
	Pcap        string `yaml:"pcap"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisStream string `yaml:"redis_stream"`
}

// Config is the YAML run configuration.
type Config struct {
	RandomSeed             uint64              `yaml:"random_seed"`
	Shards                 int                 `yaml:"shards"`
	MaxCircuitDirtyTime    Duration            `yaml:"max_circuit_dirty_time"`
	MaxCircuitLifetime     Duration            `yaml:"max_circuit_lifetime"`
	MaxBuildRetries        int                 `yaml:"max_build_retries"`
	StreamsPerCircuitLimit int                 `yaml:"streams_per_circuit_limit"`
	GuardRotationPolicy    string              `yaml:"guard_rotation_policy"`
	BuildLatency           Latency             `yaml:"build_latency_distribution"`
	HopLatency             Duration            `yaml:"hop_latency"`
	CellInterval           Duration            `yaml:"cell_interval"`
	CellPayload            int                 `yaml:"cell_payload"`
	PredictPorts           bool                `yaml:"predict_ports"`
	Adversary              relay.AdversarySpec `yaml:"adversary"`
	Sinks                  Sinks               `yaml:"sinks"`
}

// Default returns the configuration used when a field is absent from the
// file. Values mirror the engine defaults.
func Default() Config {
	p := sim.DefaultParams()
	return Config{
		Shards:                 p.Shards,
		MaxCircuitDirtyTime:    Duration(p.MaxCircuitDirtyTime),
		MaxCircuitLifetime:     Duration(p.MaxCircuitLifetime),
		MaxBuildRetries:        p.MaxBuildRetries,
		StreamsPerCircuitLimit: p.StreamsPerCircuitLimit,
		GuardRotationPolicy:    "persistent",
		BuildLatency: Latency{
			Kind: string(p.BuildLatency.Kind),
			Mean: Duration(p.BuildLatency.Mean),
		},
		HopLatency:   Duration(p.HopLatency),
		CellInterval: Duration(p.CellInterval),
		CellPayload:  p.CellPayload,
		PredictPorts: p.PredictPorts,
	}
}

// Load reads and validates a YAML configuration file. Unknown fields and
// type mismatches are schema errors, reported before decoding.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes configuration bytes.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return Config{}, fmt.Errorf("config schema: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if _, err := cfg.Params(); err != nil {
		return Config{}, err
	}
	if err := cfg.Adversary.Validate(); err != nil {
		return Config{}, fmt.Errorf("adversary: %w", err)
	}
	return cfg, nil
}

// validateSchema unifies the raw document with the embedded CUE schema.
func validateSchema(raw map[string]any) error {
	if raw == nil {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema missing #Config: %w", err)
	}
	unified := def.Unify(ctx.Encode(raw))
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return err
	}
	return nil
}

// Params converts the file configuration into engine parameters.
func (c Config) Params() (sim.Params, error) {
	policy, err := guard.ParsePolicy(c.GuardRotationPolicy)
	if err != nil {
		return sim.Params{}, fmt.Errorf("guard_rotation_policy: %w", err)
	}
	p := sim.Params{
		MaxCircuitDirtyTime:    time.Duration(c.MaxCircuitDirtyTime),
		MaxCircuitLifetime:     time.Duration(c.MaxCircuitLifetime),
		MaxBuildRetries:        c.MaxBuildRetries,
		StreamsPerCircuitLimit: c.StreamsPerCircuitLimit,
		GuardPolicy:            policy,
		BuildLatency: sim.Distribution{
			Kind: sim.DistKind(c.BuildLatency.Kind),
			Mean: time.Duration(c.BuildLatency.Mean),
			Min:  time.Duration(c.BuildLatency.Min),
			Max:  time.Duration(c.BuildLatency.Max),
		},
		HopLatency:   time.Duration(c.HopLatency),
		CellInterval: time.Duration(c.CellInterval),
		CellPayload:  c.CellPayload,
		Seed:         c.RandomSeed,
		Shards:       c.Shards,
		PredictPorts: c.PredictPorts,
	}
	if err := p.Validate(); err != nil {
		return sim.Params{}, err
	}
	return p, nil
}
