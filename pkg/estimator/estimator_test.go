// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package estimator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testConfig() Config {
	return Config{
		LearningRate: 0.1,
		MinFactor:    0.1,
		MaxFactor:    10.0,
		Neutral:      1.0,
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"learning rate above one", func(c *Config) { c.LearningRate = 1.5 }},
		{"inverted bounds", func(c *Config) { c.MinFactor, c.MaxFactor = 5, 1 }},
		{"equal bounds", func(c *Config) { c.MinFactor, c.MaxFactor = 2, 2 }},
		{"neutral below min", func(c *Config) { c.Neutral = 0.01 }},
		{"neutral above max", func(c *Config) { c.Neutral = 100 }},
	}
	for _, test := range tests {
		cfg := testConfig()
		test.mutate(&cfg)
		_, err := New(cfg)
		assert.Error(t, err, test.name)
	}
}

func TestNeutralBeforeFirstUpdate(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Factor())
}

// The factor must stay inside the configured bounds no matter how extreme
// the rewards are.
func TestClampingExtremes(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	rewards := []float64{0, 1e300, math.Inf(1), math.NaN(), -5, math.MaxFloat64, 1e-300}
	for _, r := range rewards {
		f := e.Update(r)
		assert.GreaterOrEqual(t, f, 0.1, "reward %v", r)
		assert.LessOrEqual(t, f, 10.0, "reward %v", r)
		assert.False(t, math.IsNaN(f), "reward %v", r)
	}
	assert.Equal(t, uint64(3), e.Snapshot().Anomalies) // Inf, NaN, -5
}

func TestPropertyFactorBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e, err := New(testConfig())
		if err != nil {
			t.Fatal(err)
		}
		gen := rapid.OneOf(
			rapid.Float64(),
			rapid.Just(math.Inf(1)),
			rapid.Just(math.Inf(-1)),
			rapid.Just(math.NaN()),
		)
		n := rapid.IntRange(1, 200).Draw(t, "updates")
		for i := 0; i < n; i++ {
			r := gen.Draw(t, "reward")
			f := e.Update(r)
			if f < 0.1 || f > 10.0 || math.IsNaN(f) {
				t.Fatalf("factor %v escaped bounds after reward %v", f, r)
			}
		}
	})
}

// Bit-for-bit reproducibility given the same reward sequence.
func TestDeterministicTrajectory(t *testing.T) {
	rewards := make([]float64, 500)
	for i := range rewards {
		rewards[i] = 1.0 / float64(i+1)
	}
	a, err := New(testConfig())
	require.NoError(t, err)
	b, err := New(testConfig())
	require.NoError(t, err)
	for i, r := range rewards {
		fa := a.Update(r)
		fb := b.Update(r)
		require.Equal(t, math.Float64bits(fa), math.Float64bits(fb), "iteration %d", i)
	}
	assert.Equal(t, a.Snapshot(), b.Snapshot())
}

// Decaying rewards pull the factor monotonically toward the lower bound.
func TestTrendsTowardMinimum(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	prev := e.Update(1.0)
	for i := 2; i <= 200; i++ {
		f := e.Update(1.0 / float64(i))
		assert.LessOrEqual(t, f, prev, "iteration %d", i)
		prev = f
	}
	assert.Less(t, prev, 1.0)
}

// Constant high rewards saturate near the upper bound without crossing it.
func TestSaturatesBelowMaximum(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	var f float64
	for i := 0; i < 1000; i++ {
		f = e.Update(1e6)
	}
	assert.Greater(t, f, 9.0)
	assert.LessOrEqual(t, f, 10.0)
}

func TestSetDirectBypassesSmoothing(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)

	f1 := e.SetDirect(1.0) // transfer(1) = 0.1 + 9.9*0.5
	assert.InDelta(t, 5.05, f1, 1e-12)
	f2 := e.SetDirect(0.0)
	assert.InDelta(t, 0.1, f2, 1e-12)
	// No memory of the previous value: direct application, no EMA.
	f3 := e.SetDirect(1.0)
	assert.Equal(t, f1, f3)
}

func TestSnapshotCounts(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	e.Update(0.5)
	e.Update(0.25)
	snap := e.Snapshot()
	assert.Equal(t, uint64(2), snap.Updates)
	assert.Equal(t, 0.1, snap.MinFactor)
	assert.Equal(t, 10.0, snap.MaxFactor)
	assert.Equal(t, e.Factor(), snap.Factor)
}
