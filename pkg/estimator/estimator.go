// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package estimator keeps the online estimate of expected reward and maps
// it through a bounded transfer function to the published correction
// factor. Single writer (the scheduler's update path), many lock-free
// readers (fuzzer workers).
package estimator

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Config bounds the estimator. MinFactor/MaxFactor clamp the published
// correction factor; an unclamped estimator risks oscillation or corpus
// starvation when rewards spike.
type Config struct {
	LearningRate float64 // EMA step size, in (0, 1]
	MinFactor    float64
	MaxFactor    float64
	Neutral      float64 // factor published before any update and in mode none
	Logf         func(level int, msg string, args ...any)
}

func (cfg Config) validate() error {
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		return fmt.Errorf("learning rate must be in (0, 1], got %v", cfg.LearningRate)
	}
	if !(cfg.MinFactor < cfg.MaxFactor) {
		return fmt.Errorf("factor bounds invalid: min=%v must be below max=%v",
			cfg.MinFactor, cfg.MaxFactor)
	}
	if cfg.Neutral < cfg.MinFactor || cfg.Neutral > cfg.MaxFactor {
		return fmt.Errorf("neutral factor %v outside bounds [%v, %v]",
			cfg.Neutral, cfg.MinFactor, cfg.MaxFactor)
	}
	return nil
}

// Estimator is an exponential-moving-average reward tracker with a clamped
// transfer function. Deterministic: the factor trajectory depends only on
// the reward sequence.
type Estimator struct {
	mu       sync.Mutex
	cfg      Config
	estimate float64
	updates  uint64

	factorBits atomic.Uint64 // math.Float64bits of the current factor
	anomalies  atomic.Uint64 // NaN/Inf rewards clamped so far
}

// State is the serializable estimator state, flushed at shutdown for
// reproducibility analysis.
type State struct {
	Estimate  float64 `json:"estimate"`
	Factor    float64 `json:"correction_factor"`
	Updates   uint64  `json:"updates"`
	Anomalies uint64  `json:"anomalies"`
	MinFactor float64 `json:"min_factor"`
	MaxFactor float64 `json:"max_factor"`
}

// New creates an estimator publishing cfg.Neutral until the first update.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Estimator{cfg: cfg}
	e.publish(cfg.Neutral)
	return e, nil
}

// Update folds one reward into the running estimate and returns the new
// correction factor. Bad numeric values are clamped and logged, never
// propagated: one bad iteration must not stop a multi-hour campaign.
func (e *Estimator) Update(reward float64) float64 {
	reward = e.sanitize(reward)

	e.mu.Lock()
	e.updates++
	if e.updates == 1 {
		e.estimate = reward
	} else {
		e.estimate += e.cfg.LearningRate * (reward - e.estimate)
	}
	factor := e.transfer(e.estimate)
	e.mu.Unlock()

	e.publish(factor)
	return factor
}

// SetDirect bypasses the learning update and publishes the clamped
// transfer of a raw score. Used by the rare-without-learning ablation.
func (e *Estimator) SetDirect(score float64) float64 {
	score = e.sanitize(score)
	e.mu.Lock()
	e.updates++
	factor := e.transfer(score)
	e.mu.Unlock()
	e.publish(factor)
	return factor
}

// Factor returns the current correction factor. Lock-free; readers may
// observe a value one update behind, which is acceptable by contract.
func (e *Estimator) Factor() float64 {
	return math.Float64frombits(e.factorBits.Load())
}

// Snapshot copies the current state.
func (e *Estimator) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Estimate:  e.estimate,
		Factor:    e.Factor(),
		Updates:   e.updates,
		Anomalies: e.anomalies.Load(),
		MinFactor: e.cfg.MinFactor,
		MaxFactor: e.cfg.MaxFactor,
	}
}

// transfer maps a non-negative estimate into [MinFactor, MaxFactor].
// x/(x+1) is monotone and saturating, so reward spikes push the factor
// toward the upper bound without ever crossing it.
func (e *Estimator) transfer(x float64) float64 {
	if x < 0 {
		x = 0
	}
	f := e.cfg.MinFactor + (e.cfg.MaxFactor-e.cfg.MinFactor)*(x/(x+1))
	return clamp(f, e.cfg.MinFactor, e.cfg.MaxFactor)
}

func (e *Estimator) sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		n := e.anomalies.Add(1)
		if e.cfg.Logf != nil {
			e.cfg.Logf(0, "estimator: anomalous reward %v clamped (total anomalies: %d)", v, n)
		}
		if math.IsInf(v, 1) {
			return math.MaxFloat64
		}
		return 0
	}
	return v
}

func (e *Estimator) publish(factor float64) {
	e.factorBits.Store(math.Float64bits(factor))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
