package sim

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistribution_Validate(t *testing.T) {
	require.NoError(t, Distribution{Kind: DistFixed, Mean: time.Second}.Validate())
	require.NoError(t, Distribution{Kind: DistUniform, Min: time.Second, Max: 2 * time.Second}.Validate())
	require.NoError(t, Distribution{Kind: DistExponential, Mean: time.Second}.Validate())

	require.Error(t, Distribution{Kind: DistFixed}.Validate())
	require.Error(t, Distribution{Kind: DistUniform, Min: 2 * time.Second, Max: time.Second}.Validate())
	require.Error(t, Distribution{Kind: "gamma", Mean: time.Second}.Validate())
}

func TestDistribution_Sample(t *testing.T) {
	rng := rand.New(rand.NewChaCha8([32]byte{9}))

	fixed := Distribution{Kind: DistFixed, Mean: 420 * time.Millisecond}
	for range 10 {
		assert.Equal(t, 420*time.Millisecond, fixed.Sample(rng))
	}

	uni := Distribution{Kind: DistUniform, Min: 100 * time.Millisecond, Max: 200 * time.Millisecond}
	for range 1000 {
		d := uni.Sample(rng)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}

	exp := Distribution{Kind: DistExponential, Mean: time.Second}
	var total time.Duration
	for range 2000 {
		d := exp.Sample(rng)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		total += d
	}
	mean := total / 2000
	assert.InEpsilon(t, float64(time.Second), float64(mean), 0.15)
}
