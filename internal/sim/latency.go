package sim

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// DistKind selects the build-latency distribution.
type DistKind string

const (
	DistFixed       DistKind = "fixed"
	DistUniform     DistKind = "uniform"
	DistExponential DistKind = "exponential"
)

// Distribution describes how circuit build latency is drawn. Fixed uses
// Mean as a constant; Uniform draws from [Min, Max]; Exponential draws
// with the given Mean.
type Distribution struct {
	Kind DistKind      `yaml:"kind"`
	Mean time.Duration `yaml:"mean"`
	Min  time.Duration `yaml:"min"`
	Max  time.Duration `yaml:"max"`
}

// Validate checks the distribution parameters.
func (d Distribution) Validate() error {
	switch d.Kind {
	case DistFixed, DistExponential:
		if d.Mean <= 0 {
			return fmt.Errorf("distribution %q needs mean > 0, got %v", d.Kind, d.Mean)
		}
	case DistUniform:
		if d.Min < 0 || d.Max < d.Min {
			return fmt.Errorf("distribution uniform needs 0 <= min <= max, got [%v, %v]", d.Min, d.Max)
		}
	default:
		return fmt.Errorf("unknown distribution kind %q", d.Kind)
	}
	return nil
}

// Sample draws one latency value. The result is never negative.
func (d Distribution) Sample(rng *rand.Rand) time.Duration {
	switch d.Kind {
	case DistUniform:
		span := d.Max - d.Min
		if span <= 0 {
			return d.Min
		}
		return d.Min + time.Duration(rng.Int64N(int64(span)+1))
	case DistExponential:
		return time.Duration(rng.ExpFloat64() * float64(d.Mean))
	default:
		return d.Mean
	}
}
