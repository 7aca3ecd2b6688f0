// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config resolves the campaign configuration once at startup.
// The active mode and all knobs are immutable afterwards. Invalid values
// fail fast: silently running the wrong mode invalidates an experiment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/rarity"
	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/reward"
)

// Config is the resolved campaign configuration.
type Config struct {
	Mode        reward.Mode        `json:"-"`
	ModeName    string             `json:"mode"`
	Aggregation rarity.Aggregation `json:"-"`
	AggName     string             `json:"aggregation"`

	SampleRate    float64 `json:"sample_rate"`
	LearningRate  float64 `json:"learning_rate"`
	MinFactor     float64 `json:"min_factor"`
	MaxFactor     float64 `json:"max_factor"`
	NeutralFactor float64 `json:"neutral_factor"`
	MaxEdges      int64   `json:"max_edges"`
	Seed          int64   `json:"seed"`

	// Channel and dashboard endpoints. Listen accepts "tcp:addr" or
	// "unix:/path"; empty disables the RPC server (in-process use).
	Listen string `json:"listen"`
	HTTP   string `json:"http"`

	// Export destinations; empty disables the corresponding writer.
	TracePath    string `json:"trace_path"`
	StatePath    string `json:"state_path"`
	CoveragePath string `json:"coverage_path"`
	BugPath      string `json:"bug_path"`

	// Campaign identity for the analysis pipeline.
	Fuzzer    string `json:"fuzzer"`
	Benchmark string `json:"benchmark"`
	Trial     string `json:"trial"`

	// Passed through to the external fuzzer environment untouched;
	// no scheduler logic reads them.
	SkipCPUFreqCheck      bool `json:"skip_cpufreq_check"`
	MissingCrashTolerance bool `json:"missing_crash_tolerance"`
}

// Default returns the baseline configuration before env/file overrides.
func Default() *Config {
	return &Config{
		ModeName:      "none",
		AggName:       "sum",
		SampleRate:    0.25,
		LearningRate:  0.1,
		MinFactor:     0.1,
		MaxFactor:     10.0,
		NeutralFactor: 1.0,
		MaxEdges:      1 << 20, // testcache-size equivalent
		Seed:          1,
		Fuzzer:        "t-scheduler",
		Benchmark:     "unknown",
	}
}

// Load resolves the configuration from an optional JSON file plus
// environment overrides, then validates it. getenv defaults to os.Getenv;
// tests inject their own.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %v: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var err error
	f64 := func(key string, dst *float64) {
		v := getenv(key)
		if v == "" || err != nil {
			return
		}
		parsed, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = fmt.Errorf("bad %v=%q: %w", key, v, perr)
			return
		}
		*dst = parsed
	}
	i64 := func(key string, dst *int64) {
		v := getenv(key)
		if v == "" || err != nil {
			return
		}
		parsed, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("bad %v=%q: %w", key, v, perr)
			return
		}
		*dst = parsed
	}

	str("TSCHED_MODE", &cfg.ModeName)
	str("TSCHED_AGGREGATION", &cfg.AggName)
	f64("TSCHED_SAMPLE_RATE", &cfg.SampleRate)
	f64("TSCHED_LEARNING_RATE", &cfg.LearningRate)
	f64("TSCHED_MIN_FACTOR", &cfg.MinFactor)
	f64("TSCHED_MAX_FACTOR", &cfg.MaxFactor)
	f64("TSCHED_NEUTRAL_FACTOR", &cfg.NeutralFactor)
	i64("TSCHED_MAX_EDGES", &cfg.MaxEdges)
	i64("TSCHED_SEED", &cfg.Seed)
	str("TSCHED_LISTEN", &cfg.Listen)
	str("TSCHED_HTTP", &cfg.HTTP)
	str("TSCHED_TRACE", &cfg.TracePath)
	str("TSCHED_STATE", &cfg.StatePath)
	str("TSCHED_COVERAGE", &cfg.CoveragePath)
	str("TSCHED_BUGS", &cfg.BugPath)
	str("TSCHED_FUZZER", &cfg.Fuzzer)
	str("TSCHED_BENCHMARK", &cfg.Benchmark)
	str("TSCHED_TRIAL", &cfg.Trial)
	if getenv("AFL_SKIP_CPUFREQ") != "" {
		cfg.SkipCPUFreqCheck = true
	}
	if getenv("AFL_I_DONT_CARE_ABOUT_MISSING_CRASHES") != "" {
		cfg.MissingCrashTolerance = true
	}
	return err
}

// finalize parses enums and checks bounds. This is the only startup-fatal
// path in the scheduler.
func (cfg *Config) finalize() error {
	mode, err := reward.ParseMode(cfg.ModeName)
	if err != nil {
		return err
	}
	cfg.Mode = mode
	cfg.ModeName = mode.String()

	agg, err := rarity.ParseAggregation(cfg.AggName)
	if err != nil {
		return err
	}
	cfg.Aggregation = agg
	cfg.AggName = agg.String()

	if cfg.Mode == reward.ModeSampledRareness && (cfg.SampleRate <= 0 || cfg.SampleRate > 1) {
		return fmt.Errorf("sampling rate must be in (0, 1], got %v", cfg.SampleRate)
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		return fmt.Errorf("learning rate must be in (0, 1], got %v", cfg.LearningRate)
	}
	if !(cfg.MinFactor < cfg.MaxFactor) {
		return fmt.Errorf("factor bounds invalid: min=%v max=%v", cfg.MinFactor, cfg.MaxFactor)
	}
	if cfg.NeutralFactor < cfg.MinFactor || cfg.NeutralFactor > cfg.MaxFactor {
		return fmt.Errorf("neutral factor %v outside [%v, %v]",
			cfg.NeutralFactor, cfg.MinFactor, cfg.MaxFactor)
	}
	if cfg.MaxEdges <= 0 {
		return fmt.Errorf("edge table bound must be positive, got %d", cfg.MaxEdges)
	}
	if cfg.Trial == "" {
		cfg.Trial = uuid.NewString()
	}
	return nil
}
