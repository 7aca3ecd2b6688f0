// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package export emits the campaign artifacts consumed by the offline
// analysis pipeline: the per-iteration scheduler trace, coverage-over-time
// data, bug discovery records and the final scheduler state. Schemas are
// stable; the analysis scripts correlate scheduling behavior with
// discovered bugs and coverage through them.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// traceFlushEvery bounds how many records buffer before a flush, keeping
// the trace usable even if the campaign dies without a clean shutdown.
const traceFlushEvery = 256

// TraceRecord is one per-iteration scheduler observation.
type TraceRecord struct {
	Time           time.Duration // since campaign start
	Overhead       time.Duration // full submit path
	UpdateOverhead time.Duration // estimator update only
	Factor         float64
	RarityScore    float64
}

// TraceWriter appends per-iteration correction-factor and rarity-score
// values as CSV with columns time,overhead,update_overhead,
// correction_factor,rarity_score.
type TraceWriter struct {
	mu      sync.Mutex
	w       *csv.Writer
	closer  io.Closer
	pending int
	closed  bool
}

// NewTraceWriter creates the trace file, truncating any previous trace.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	tw := &TraceWriter{w: csv.NewWriter(f), closer: f}
	if err := tw.w.Write([]string{"time", "overhead", "update_overhead",
		"correction_factor", "rarity_score"}); err != nil {
		f.Close()
		return nil, err
	}
	return tw, nil
}

// Append writes one record. Errors are returned but callers on the hot
// path treat them as non-fatal.
func (tw *TraceWriter) Append(rec TraceRecord) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closed {
		return fmt.Errorf("trace writer closed")
	}
	err := tw.w.Write([]string{
		formatSeconds(rec.Time),
		formatSeconds(rec.Overhead),
		formatSeconds(rec.UpdateOverhead),
		strconv.FormatFloat(rec.Factor, 'g', -1, 64),
		strconv.FormatFloat(rec.RarityScore, 'g', -1, 64),
	})
	if err != nil {
		return err
	}
	tw.pending++
	if tw.pending >= traceFlushEvery {
		tw.w.Flush()
		tw.pending = 0
	}
	return tw.w.Error()
}

// Close flushes and closes the underlying file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closed {
		return nil
	}
	tw.closed = true
	tw.w.Flush()
	err := tw.w.Error()
	if cerr := tw.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}
