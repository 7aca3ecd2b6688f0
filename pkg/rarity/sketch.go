// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package rarity

import "sync/atomic"

const sketchRows = 4

// countSketch is a fixed-size count-min sketch that absorbs edge hits once
// the exact table is full. Estimates can exceed true counts (hash
// collisions) but never undercount, so per-edge counts stay non-decreasing
// and rarity degrades gracefully instead of the table failing.
type countSketch struct {
	width uint64
	rows  [sketchRows][]atomic.Uint64
}

// newCountSketch sizes the sketch relative to the exact-table bound.
// Memory is bounded: sketchRows * width counters, independent of how many
// distinct edges overflow.
func newCountSketch(maxEdges int64) *countSketch {
	width := uint64(maxEdges)
	if width < 1024 {
		width = 1024
	}
	// Round up to a power of two for mask indexing.
	w := uint64(1024)
	for w < width {
		w <<= 1
	}
	cs := &countSketch{width: w}
	for i := range cs.rows {
		cs.rows[i] = make([]atomic.Uint64, w)
	}
	return cs
}

// Row-seeded splitmix64. Distinct seeds give near-independent hash rows.
func sketchHash(edge, seed uint64) uint64 {
	x := edge + seed*0x9e3779b97f4a7c15
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// hit increments the edge in every row and returns the post-increment
// count-min estimate.
func (cs *countSketch) hit(edge uint64) uint64 {
	min := ^uint64(0)
	for i := range cs.rows {
		idx := sketchHash(edge, uint64(i)+1) & (cs.width - 1)
		v := cs.rows[i][idx].Add(1)
		if v < min {
			min = v
		}
	}
	return min
}

// estimate returns the count-min estimate without incrementing.
func (cs *countSketch) estimate(edge uint64) uint64 {
	min := ^uint64(0)
	for i := range cs.rows {
		idx := sketchHash(edge, uint64(i)+1) & (cs.width - 1)
		v := cs.rows[i][idx].Load()
		if v < min {
			min = v
		}
	}
	return min
}
