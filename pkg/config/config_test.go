// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/rarity"
	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/reward"
)

func env(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, reward.ModeNone, cfg.Mode)
	assert.Equal(t, rarity.AggSum, cfg.Aggregation)
	assert.Equal(t, 1.0, cfg.NeutralFactor)
	assert.Equal(t, int64(1<<20), cfg.MaxEdges)
	assert.NotEmpty(t, cfg.Trial, "trial id must be auto-assigned")
	assert.False(t, cfg.SkipCPUFreqCheck)
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"TSCHED_MODE":                           "sampled_rareness",
		"TSCHED_AGGREGATION":                    "min",
		"TSCHED_SAMPLE_RATE":                    "0.125",
		"TSCHED_LEARNING_RATE":                  "0.05",
		"TSCHED_MIN_FACTOR":                     "0.2",
		"TSCHED_MAX_FACTOR":                     "5",
		"TSCHED_MAX_EDGES":                      "65536",
		"TSCHED_SEED":                           "77",
		"TSCHED_LISTEN":                         "unix:/tmp/tsched.sock",
		"TSCHED_FUZZER":                         "rl_fuzzing_sample",
		"TSCHED_TRIAL":                          "trial-9",
		"AFL_SKIP_CPUFREQ":                      "1",
		"AFL_I_DONT_CARE_ABOUT_MISSING_CRASHES": "1",
	}))
	require.NoError(t, err)
	assert.Equal(t, reward.ModeSampledRareness, cfg.Mode)
	assert.Equal(t, rarity.AggMin, cfg.Aggregation)
	assert.Equal(t, 0.125, cfg.SampleRate)
	assert.Equal(t, 0.05, cfg.LearningRate)
	assert.Equal(t, 0.2, cfg.MinFactor)
	assert.Equal(t, 5.0, cfg.MaxFactor)
	assert.Equal(t, int64(65536), cfg.MaxEdges)
	assert.Equal(t, int64(77), cfg.Seed)
	assert.Equal(t, "unix:/tmp/tsched.sock", cfg.Listen)
	assert.Equal(t, "rl_fuzzing_sample", cfg.Fuzzer)
	assert.Equal(t, "trial-9", cfg.Trial)
	assert.True(t, cfg.SkipCPUFreqCheck)
	assert.True(t, cfg.MissingCrashTolerance)
}

// Numeric mode encodings come from the external fuzzer environment.
func TestNumericModeEncoding(t *testing.T) {
	for n, want := range map[string]reward.Mode{
		"0": reward.ModeNone,
		"1": reward.ModeRareness,
		"2": reward.ModeRarenessSqrt,
		"3": reward.ModeSampledRareness,
		"4": reward.ModeRareNoLearning,
	} {
		cfg, err := Load("", env(map[string]string{"TSCHED_MODE": n}))
		require.NoError(t, err, "mode %s", n)
		assert.Equal(t, want, cfg.Mode, "mode %s", n)
	}
}

// Invalid configuration is the only startup-fatal condition; nothing may
// silently default.
func TestFailFast(t *testing.T) {
	tests := []map[string]string{
		{"TSCHED_MODE": "5"},
		{"TSCHED_MODE": "exploit"},
		{"TSCHED_AGGREGATION": "median"},
		{"TSCHED_MODE": "sampled_rareness", "TSCHED_SAMPLE_RATE": "0"},
		{"TSCHED_MODE": "sampled_rareness", "TSCHED_SAMPLE_RATE": "1.5"},
		{"TSCHED_LEARNING_RATE": "0"},
		{"TSCHED_LEARNING_RATE": "2"},
		{"TSCHED_MIN_FACTOR": "5", "TSCHED_MAX_FACTOR": "1"},
		{"TSCHED_NEUTRAL_FACTOR": "100"},
		{"TSCHED_MAX_EDGES": "0"},
		{"TSCHED_MAX_EDGES": "not-a-number"},
		{"TSCHED_SAMPLE_RATE": "abc", "TSCHED_MODE": "sampled_rareness"},
	}
	for _, environ := range tests {
		_, err := Load("", env(environ))
		assert.Error(t, err, "env %v", environ)
	}
}

func TestSampleRateOnlyCheckedInSampledMode(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"TSCHED_MODE":        "rareness",
		"TSCHED_SAMPLE_RATE": "0",
	}))
	require.NoError(t, err)
	assert.Equal(t, reward.ModeRareness, cfg.Mode)
}

func TestFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mode": "rareness",
		"learning_rate": 0.2,
		"fuzzer": "rl_fuzzing_rare",
		"benchmark": "sqlite3_ossfuzz"
	}`), 0644))

	cfg, err := Load(path, env(map[string]string{"TSCHED_MODE": "rareness_sqrt"}))
	require.NoError(t, err)
	// Env wins over file.
	assert.Equal(t, reward.ModeRarenessSqrt, cfg.Mode)
	assert.Equal(t, 0.2, cfg.LearningRate)
	assert.Equal(t, "rl_fuzzing_rare", cfg.Fuzzer)
	assert.Equal(t, "sqlite3_ossfuzz", cfg.Benchmark)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"), env(nil))
	assert.Error(t, err)
}

func TestBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))
	_, err := Load(path, env(nil))
	assert.Error(t, err)
}
