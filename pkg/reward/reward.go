// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package reward converts per-execution rarity scores into scalar rewards
// under the configured mode. The mode is resolved once at startup and
// dispatched through a single strategy; the hot path never re-branches on
// configuration.
package reward

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
)

// Mode is the reward/learning strategy for the whole campaign.
// Fixed at configuration time, immutable afterwards.
type Mode int

const (
	// ModeNone disables learning; the correction factor stays at the
	// configured neutral constant. Baseline for overhead comparison.
	ModeNone Mode = iota
	// ModeRareness rewards linearly by rarity score.
	ModeRareness
	// ModeRarenessSqrt compresses reward magnitude via square root,
	// damping runaway correction factors on very rare edges.
	ModeRarenessSqrt
	// ModeSampledRareness computes rewards only for a pseudo-random
	// subset of executions, trading estimator variance for overhead.
	ModeSampledRareness
	// ModeRareNoLearning applies the raw rarity score directly as the
	// correction factor, bypassing the learning update. Ablation mode.
	ModeRareNoLearning

	numModes
)

var modeNames = map[Mode]string{
	ModeNone:            "none",
	ModeRareness:        "rareness",
	ModeRarenessSqrt:    "rareness_sqrt",
	ModeSampledRareness: "sampled_rareness",
	ModeRareNoLearning:  "rare_no_learning",
}

// ParseMode resolves a mode from configuration. Accepts both the symbolic
// name and the numeric encoding (none=0 .. rare_no_learning=4) used by the
// external fuzzer environment. Unknown values are a hard error: silently
// running the wrong mode invalidates experiment results.
func ParseMode(s string) (Mode, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if v == name {
			return m, nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n >= 0 && n < int(numModes) {
			return Mode(n), nil
		}
	}
	return 0, fmt.Errorf("unknown scheduler mode %q (want none=0, rareness=1, "+
		"rareness_sqrt=2, sampled_rareness=3, rare_no_learning=4)", s)
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Sample is the outcome of one reward computation.
type Sample struct {
	Reward float64
	// Skip means the estimator must not be updated for this execution
	// (mode none, or an unsampled execution in sampled mode).
	Skip bool
	// Direct means the reward is applied as the correction factor
	// without the learning update (rare_no_learning).
	Direct bool
}

// Calculator computes rewards for the configured mode. Stateless except
// for the sampling RNG, which is seeded once so that campaigns replay
// bit-for-bit.
type Calculator struct {
	mode       Mode
	constant   float64
	sampleRate float64

	mu  sync.Mutex // guards rnd in sampled mode
	rnd *rand.Rand
}

// NewCalculator builds the strategy for mode. constant is the neutral
// reward published in mode none. sampleRate is only consulted in sampled
// mode and must be in (0, 1].
func NewCalculator(mode Mode, constant, sampleRate float64, seed int64) (*Calculator, error) {
	if _, ok := modeNames[mode]; !ok {
		return nil, fmt.Errorf("unknown scheduler mode %d", int(mode))
	}
	if mode == ModeSampledRareness && (sampleRate <= 0 || sampleRate > 1) {
		return nil, fmt.Errorf("sampling rate must be in (0, 1], got %v", sampleRate)
	}
	c := &Calculator{
		mode:       mode,
		constant:   constant,
		sampleRate: sampleRate,
	}
	if mode == ModeSampledRareness {
		c.rnd = rand.New(rand.NewSource(seed))
	}
	return c, nil
}

// Mode returns the configured mode.
func (c *Calculator) Mode() Mode { return c.mode }

// Compute maps one rarity score to a reward sample. Pure given the seed
// and call sequence. A zero score (empty report) yields reward 0 in every
// learning mode and never perturbs the estimator state.
func (c *Calculator) Compute(score float64) Sample {
	switch c.mode {
	case ModeNone:
		return Sample{Reward: c.constant, Skip: true}
	case ModeRareness:
		return Sample{Reward: score}
	case ModeRarenessSqrt:
		return Sample{Reward: math.Sqrt(score)}
	case ModeSampledRareness:
		c.mu.Lock()
		sampled := c.rnd.Float64() < c.sampleRate
		c.mu.Unlock()
		if !sampled {
			return Sample{Skip: true}
		}
		return Sample{Reward: score}
	case ModeRareNoLearning:
		return Sample{Reward: score, Direct: true}
	}
	// Unreachable: NewCalculator rejects unknown modes.
	return Sample{Skip: true}
}
