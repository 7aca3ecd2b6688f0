// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package export

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCampaign = Campaign{
	Fuzzer:    "rl_fuzzing_rare",
	Benchmark: "libpng-1.2.56",
	Trial:     "trial-1",
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestTraceWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	tw, err := NewTraceWriter(path)
	require.NoError(t, err)

	require.NoError(t, tw.Append(TraceRecord{
		Time:           1500 * time.Millisecond,
		Overhead:       25 * time.Microsecond,
		UpdateOverhead: 3 * time.Microsecond,
		Factor:         1.25,
		RarityScore:    0.5,
	}))
	require.NoError(t, tw.Append(TraceRecord{
		Time:   2 * time.Second,
		Factor: 0.75,
	}))
	require.NoError(t, tw.Close())

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"time", "overhead", "update_overhead",
		"correction_factor", "rarity_score"}, rows[0])
	assert.Equal(t, []string{"1.500000", "0.000025", "0.000003", "1.25", "0.5"}, rows[1])
	assert.Equal(t, "2.000000", rows[2][0])

	assert.Error(t, tw.Append(TraceRecord{}), "append after close")
	assert.NoError(t, tw.Close(), "close is idempotent")
}

// Records buffer up to the flush threshold but must all land on Close.
func TestTraceWriterFlushesEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	tw, err := NewTraceWriter(path)
	require.NoError(t, err)
	const n = traceFlushEvery*2 + 7
	for i := 0; i < n; i++ {
		require.NoError(t, tw.Append(TraceRecord{Factor: float64(i)}))
	}
	require.NoError(t, tw.Close())
	assert.Len(t, readCSV(t, path), n+1)
}

func TestCoverageWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv.gz")
	cw, err := NewCoverageWriter(path, testCampaign)
	require.NoError(t, err)
	require.NoError(t, cw.Append(10*time.Second, 100))
	require.NoError(t, cw.Append(70*time.Second, 250))
	require.NoError(t, cw.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	rows, err := csv.NewReader(gz).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, []string{"fuzzer", "benchmark", "trial", "time", "edges_covered"}, rows[0])
	assert.Equal(t, []string{"rl_fuzzing_rare", "libpng-1.2.56", "trial-1", "10", "100"}, rows[1])
	assert.Equal(t, []string{"rl_fuzzing_rare", "libpng-1.2.56", "trial-1", "70", "250"}, rows[2])

	assert.Error(t, cw.Append(0, 0), "append after close")
	assert.NoError(t, cw.Close())
}

func TestBugWriterDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bugs.csv")
	bw, err := NewBugWriter(path, testCampaign)
	require.NoError(t, err)

	wrote, err := bw.Record("uaf in png_free", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = bw.Record("uaf in png_free", 120*time.Second)
	require.NoError(t, err)
	assert.False(t, wrote, "duplicate bug must not be re-recorded")

	wrote, err = bw.Record("oob read in png_handle_tRNS", 200*time.Second)
	require.NoError(t, err)
	assert.True(t, wrote)
	require.NoError(t, bw.Close())

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"fuzzer", "trial", "bug_id", "time_to_discovery"}, rows[0])
	assert.Equal(t, []string{"rl_fuzzing_rare", "trial-1", "uaf in png_free", "90"}, rows[1])
	assert.Equal(t, []string{"rl_fuzzing_rare", "trial-1", "oob read in png_handle_tRNS", "200"}, rows[2])

	_, err = bw.Record("late", 0)
	assert.Error(t, err, "record after close")
}

// Bug records must be readable immediately, without waiting for Close.
func TestBugWriterFlushesPerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bugs.csv")
	bw, err := NewBugWriter(path, testCampaign)
	require.NoError(t, err)
	defer bw.Close()

	_, err = bw.Record("null deref", 5*time.Second)
	require.NoError(t, err)
	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, "null deref", rows[1][2])
}

func TestWriteState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	type state struct {
		Mode       string `json:"mode"`
		Iterations uint64 `json:"iterations"`
	}
	require.NoError(t, WriteState(path, state{Mode: "rareness", Iterations: 42}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got state
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, state{Mode: "rareness", Iterations: 42}, got)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// Overwrite replaces the previous state atomically.
	require.NoError(t, WriteState(path, state{Mode: "none", Iterations: 43}))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, uint64(43), got.Iterations)
}

func TestWriteStateUnmarshalable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	assert.Error(t, WriteState(path, make(chan int)))
}

func TestDedupLRUEviction(t *testing.T) {
	lru := newDedupLRU[string](3)
	for _, k := range []string{"a", "b", "c"} {
		assert.False(t, lru.Seen(k), "key %q", k)
	}
	assert.True(t, lru.Seen("a"))
	assert.Equal(t, 3, lru.Len())

	// "b" is now the oldest; inserting "d" evicts it.
	assert.False(t, lru.Seen("d"))
	assert.Equal(t, 3, lru.Len())
	assert.False(t, lru.Seen("b"), "evicted key reads as unseen")
	assert.True(t, lru.Seen("d"))
}

func TestDedupLRUManyKeys(t *testing.T) {
	lru := newDedupLRU[string](64)
	for i := 0; i < 1000; i++ {
		lru.Seen(fmt.Sprintf("bug-%d", i))
	}
	assert.Equal(t, 64, lru.Len())
	assert.True(t, lru.Seen("bug-999"), "most recent keys retained")
}
