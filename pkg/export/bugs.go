// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// bugDedupCapacity bounds the dedup set. A long campaign on a crashy
// target can produce far more crash reports than distinct bugs.
const bugDedupCapacity = 4096

// BugWriter appends bug discovery records as CSV with columns
// fuzzer,trial,bug_id,time_to_discovery. Consumed by the survival-analysis
// tooling; only the first discovery of each bug per trial is recorded.
type BugWriter struct {
	mu       sync.Mutex
	campaign Campaign
	w        *csv.Writer
	file     *os.File
	seen     *dedupLRU[string]
	closed   bool
}

// NewBugWriter creates the bug record file.
func NewBugWriter(path string, campaign Campaign) (*BugWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create bug record file: %w", err)
	}
	bw := &BugWriter{
		campaign: campaign,
		w:        csv.NewWriter(f),
		file:     f,
		seen:     newDedupLRU[string](bugDedupCapacity),
	}
	if err := bw.w.Write([]string{"fuzzer", "trial", "bug_id", "time_to_discovery"}); err != nil {
		f.Close()
		return nil, err
	}
	return bw, nil
}

// Record logs the discovery of bugID at campaign time t. Duplicate
// discoveries of the same bug are dropped. Returns whether the record was
// written.
func (bw *BugWriter) Record(bugID string, t time.Duration) (bool, error) {
	if bw.seen.Seen(bugID) {
		return false, nil
	}
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return false, fmt.Errorf("bug writer closed")
	}
	err := bw.w.Write([]string{
		bw.campaign.Fuzzer,
		bw.campaign.Trial,
		bugID,
		strconv.FormatInt(int64(t.Seconds()), 10),
	})
	if err != nil {
		return false, err
	}
	// Flush immediately: bug records are rare and must survive a crash
	// of the scheduler process itself.
	bw.w.Flush()
	return true, bw.w.Error()
}

// Close flushes and closes the file.
func (bw *BugWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return nil
	}
	bw.closed = true
	bw.w.Flush()
	err := bw.w.Error()
	if ferr := bw.file.Close(); err == nil {
		err = ferr
	}
	return err
}
