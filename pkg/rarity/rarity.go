// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package rarity maintains the global edge hit-count table and derives
// per-execution rarity scores from it. The table sits on the fuzzer's
// critical path: increments are sharded and atomic, and slightly stale
// reads are acceptable by contract.
package rarity

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// Aggregation selects how per-edge rarity values (1/hit_count) are combined
// into a single score for one execution.
type Aggregation int

const (
	// AggSum accumulates rarity over all hit edges. An execution touching
	// many rare edges scores higher than one touching a single rare edge.
	AggSum Aggregation = iota
	// AggMin scores an execution by its most common edge.
	AggMin
	// AggMean normalizes rarity by the number of edges hit.
	AggMean
)

// ParseAggregation resolves an aggregation name from configuration.
func ParseAggregation(s string) (Aggregation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sum":
		return AggSum, nil
	case "min":
		return AggMin, nil
	case "mean", "avg":
		return AggMean, nil
	}
	return 0, fmt.Errorf("unknown rarity aggregation %q (want sum, min or mean)", s)
}

func (a Aggregation) String() string {
	switch a {
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMean:
		return "mean"
	}
	return fmt.Sprintf("Aggregation(%d)", int(a))
}

const numShards = 64 // power of two, shard = id & (numShards-1)

type edgeRecord struct {
	hits      atomic.Uint64
	firstSeen uint64 // iteration of first observation, immutable after create
}

type shard struct {
	mu    sync.RWMutex
	edges map[uint64]*edgeRecord
}

// Table is the process-wide edge hit-count table. Records are created on
// first observation and never deleted; counts only grow. When the exact
// table reaches its configured bound, previously unseen edges degrade into
// a count-min sketch instead of failing.
type Table struct {
	shards    [numShards]shard
	agg       Aggregation
	maxEdges  int64
	tracked   atomic.Int64  // edges held exactly (lock-free size reads)
	overflow  atomic.Int64  // distinct-ish edges pushed to the sketch
	iteration atomic.Uint64 // reports processed so far
	sketch    *countSketch
}

// Result is the outcome of recording one execution report.
type Result struct {
	Score    float64 // aggregated rarity, computed from post-increment counts
	NewEdges int     // edges observed for the first time by this report
	Edges    int     // edges in the report
}

// NewTable creates a table bounded to maxEdges exactly-tracked edges.
// maxEdges must be positive; the sketch absorbs everything beyond it.
func NewTable(maxEdges int64, agg Aggregation) (*Table, error) {
	if maxEdges <= 0 {
		return nil, fmt.Errorf("rarity table bound must be positive, got %d", maxEdges)
	}
	t := &Table{
		agg:      agg,
		maxEdges: maxEdges,
		sketch:   newCountSketch(maxEdges),
	}
	for i := range t.shards {
		t.shards[i].edges = make(map[uint64]*edgeRecord)
	}
	return t, nil
}

// Record increments the global hit count of every edge in the report and
// returns the rarity score over the incremented counts. Unseen edges are
// implicitly valid. An empty report yields score 0.
func (t *Table) Record(edges []uint64) Result {
	iter := t.iteration.Add(1)
	res := Result{Edges: len(edges)}
	if len(edges) == 0 {
		return res
	}

	minRarity := math.Inf(1)
	sum := 0.0
	for _, edge := range edges {
		count, isNew := t.hit(edge, iter)
		if isNew {
			res.NewEdges++
		}
		r := 1.0 / float64(count)
		sum += r
		if r < minRarity {
			minRarity = r
		}
	}

	switch t.agg {
	case AggMin:
		res.Score = minRarity
	case AggMean:
		res.Score = sum / float64(len(edges))
	default:
		res.Score = sum
	}
	return res
}

// hit increments one edge and returns its post-increment count.
// Fast path: shard read lock + atomic increment on an existing record.
func (t *Table) hit(edge uint64, iter uint64) (count uint64, isNew bool) {
	s := &t.shards[edge&(numShards-1)]

	s.mu.RLock()
	rec := s.edges[edge]
	s.mu.RUnlock()
	if rec != nil {
		return rec.hits.Add(1), false
	}

	// Beyond the bound, approximate instead of growing.
	if t.tracked.Load() >= t.maxEdges {
		count = t.sketch.hit(edge)
		if count == 1 {
			t.overflow.Add(1)
		}
		return count, count == 1
	}

	s.mu.Lock()
	rec = s.edges[edge]
	if rec == nil {
		rec = &edgeRecord{firstSeen: iter}
		s.edges[edge] = rec
		t.tracked.Add(1)
		isNew = true
	}
	s.mu.Unlock()
	return rec.hits.Add(1), isNew
}

// HitCount returns the current global hit count for an edge.
// Reads are lock-free once the record exists; sketch-resident edges return
// the approximate count.
func (t *Table) HitCount(edge uint64) uint64 {
	s := &t.shards[edge&(numShards-1)]
	s.mu.RLock()
	rec := s.edges[edge]
	s.mu.RUnlock()
	if rec != nil {
		return rec.hits.Load()
	}
	return t.sketch.estimate(edge)
}

// FirstSeen returns the iteration at which an exactly-tracked edge was
// first observed, or 0 if the edge is unknown or sketch-resident.
func (t *Table) FirstSeen(edge uint64) uint64 {
	s := &t.shards[edge&(numShards-1)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec := s.edges[edge]; rec != nil {
		return rec.firstSeen
	}
	return 0
}

// Len returns the number of exactly-tracked edges. Lock-free.
func (t *Table) Len() int {
	return int(t.tracked.Load())
}

// Overflowed returns how many first observations landed in the sketch.
func (t *Table) Overflowed() int64 {
	return t.overflow.Load()
}

// Iterations returns the number of reports recorded so far.
func (t *Table) Iterations() uint64 {
	return t.iteration.Load()
}
