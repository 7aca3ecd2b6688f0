// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package export

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Campaign identifies one fuzzing run in the exported artifacts.
type Campaign struct {
	Fuzzer    string
	Benchmark string
	Trial     string
}

// CoverageWriter appends coverage-over-time samples as gzipped CSV with
// columns fuzzer,benchmark,trial,time,edges_covered. Consumed by the AUC
// and significance-testing tooling.
type CoverageWriter struct {
	mu       sync.Mutex
	campaign Campaign
	w        *csv.Writer
	gz       *gzip.Writer
	file     *os.File
	closed   bool
}

// NewCoverageWriter creates the gzipped coverage file.
func NewCoverageWriter(path string, campaign Campaign) (*CoverageWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create coverage file: %w", err)
	}
	gz := gzip.NewWriter(f)
	cw := &CoverageWriter{
		campaign: campaign,
		w:        csv.NewWriter(gz),
		gz:       gz,
		file:     f,
	}
	if err := cw.w.Write([]string{"fuzzer", "benchmark", "trial", "time", "edges_covered"}); err != nil {
		gz.Close()
		f.Close()
		return nil, err
	}
	return cw, nil
}

// Append records the number of covered edges at a point in campaign time.
func (cw *CoverageWriter) Append(at time.Duration, edges int) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return fmt.Errorf("coverage writer closed")
	}
	if err := cw.w.Write([]string{
		cw.campaign.Fuzzer,
		cw.campaign.Benchmark,
		cw.campaign.Trial,
		strconv.FormatInt(int64(at.Seconds()), 10),
		strconv.Itoa(edges),
	}); err != nil {
		return err
	}
	return cw.w.Error()
}

// Close flushes the CSV and gzip layers and closes the file.
func (cw *CoverageWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return nil
	}
	cw.closed = true
	cw.w.Flush()
	err := cw.w.Error()
	if gerr := cw.gz.Close(); err == nil {
		err = gerr
	}
	if ferr := cw.file.Close(); err == nil {
		err = ferr
	}
	return err
}
