// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package scheduler decides, per fuzzer iteration, what scheduling bias to
// apply, and learns it from observed edge rarity. It is the in-process
// form of the scheduler channel: Submit ingests coverage observations,
// CorrectionFactor is the lock-free read on the fuzzer's hot path.
package scheduler

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/config"
	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/estimator"
	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/export"
	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/rarity"
	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/reward"
)

// covSampleEvery controls how often a coverage-over-time point is
// exported, in iterations. Count-based so the hot path never consults a
// timer for export decisions.
const covSampleEvery = 1000

// Report is one execution's coverage observation. Transient: consumed by
// Submit, not retained.
type Report struct {
	// Edges are the coverage edge ids hit during the execution.
	Edges []uint64 `json:"edges"`
	// NewCoverage is the fuzzer's own claim that this execution
	// introduced a never-before-seen edge. The tracker re-derives
	// novelty from its table; the claim is exported for analysis.
	NewCoverage bool `json:"new_cov,omitempty"`
}

// Scheduler owns the rarity table, reward strategy and estimator, and
// exports the campaign artifacts. Safe for concurrent use by multiple
// fuzzer workers.
type Scheduler struct {
	cfg   *config.Config
	table *rarity.Table
	calc  *reward.Calculator
	est   *estimator.Estimator
	logf  func(level int, msg string, args ...any)

	start     time.Time
	closed    atomic.Bool
	inflight  atomic.Int64 // Submit calls currently executing
	newEdges  atomic.Int64
	lastScore atomic.Uint64 // Float64bits, diagnostics only

	trace *export.TraceWriter
	cov   *export.CoverageWriter
	bugs  *export.BugWriter
}

// Snapshot is the long-lived scheduler state, reported at shutdown.
type Snapshot struct {
	Mode         string          `json:"mode"`
	Aggregation  string          `json:"aggregation"`
	Fuzzer       string          `json:"fuzzer"`
	Benchmark    string          `json:"benchmark"`
	Trial        string          `json:"trial"`
	Seed         int64           `json:"seed"`
	Iterations   uint64          `json:"iterations"`
	EdgesTracked int             `json:"edges_tracked"`
	EdgesSketch  int64           `json:"edges_in_sketch"`
	NewEdges     int64           `json:"new_edges"`
	Estimator    estimator.State `json:"estimator"`
}

// New builds a scheduler from a validated configuration. The scheduler
// accepts reports from iteration 1; start it before the fuzzing loop.
func New(cfg *config.Config, logf func(level int, msg string, args ...any)) (*Scheduler, error) {
	table, err := rarity.NewTable(cfg.MaxEdges, cfg.Aggregation)
	if err != nil {
		return nil, err
	}
	calc, err := reward.NewCalculator(cfg.Mode, cfg.NeutralFactor, cfg.SampleRate, cfg.Seed)
	if err != nil {
		return nil, err
	}
	est, err := estimator.New(estimator.Config{
		LearningRate: cfg.LearningRate,
		MinFactor:    cfg.MinFactor,
		MaxFactor:    cfg.MaxFactor,
		Neutral:      cfg.NeutralFactor,
		Logf:         logf,
	})
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:   cfg,
		table: table,
		calc:  calc,
		est:   est,
		logf:  logf,
		start: time.Now(),
	}
	gaugeFactor.Set(est.Factor())

	campaign := export.Campaign{
		Fuzzer:    cfg.Fuzzer,
		Benchmark: cfg.Benchmark,
		Trial:     cfg.Trial,
	}
	if cfg.TracePath != "" {
		if s.trace, err = export.NewTraceWriter(cfg.TracePath); err != nil {
			return nil, err
		}
	}
	if cfg.CoveragePath != "" {
		if s.cov, err = export.NewCoverageWriter(cfg.CoveragePath, campaign); err != nil {
			s.closeWriters()
			return nil, err
		}
	}
	if cfg.BugPath != "" {
		if s.bugs, err = export.NewBugWriter(cfg.BugPath, campaign); err != nil {
			s.closeWriters()
			return nil, err
		}
	}
	s.Logf(0, "scheduler started: mode=%v aggregation=%v factor bounds=[%v, %v] trial=%v",
		cfg.Mode, cfg.Aggregation, cfg.MinFactor, cfg.MaxFactor, cfg.Trial)
	return s, nil
}

// Submit ingests one execution report: the rarity table is updated first,
// then the reward is computed from the incremented counts, then the
// estimator. Reports arriving after Close are dropped without touching
// shared counters.
func (s *Scheduler) Submit(rep Report) {
	if s.closed.Load() {
		statDroppedReports.Inc()
		return
	}
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	t0 := time.Now()
	res := s.table.Record(rep.Edges)
	sample := s.calc.Compute(res.Score)

	u0 := time.Now()
	switch {
	case sample.Direct:
		gaugeFactor.Set(s.est.SetDirect(sample.Reward))
	case sample.Skip:
		statSkippedUpdates.Inc()
	default:
		gaugeFactor.Set(s.est.Update(sample.Reward))
	}
	updateOverhead := time.Since(u0)

	iter := s.table.Iterations()
	statExecutions.Inc()
	if res.NewEdges > 0 {
		s.newEdges.Add(int64(res.NewEdges))
		statNewEdges.Add(float64(res.NewEdges))
		s.Logf(2, "iteration %d: %d new edges, rarity=%.6g", iter, res.NewEdges, res.Score)
	}
	gaugeEdgesTracked.Set(float64(s.table.Len()))
	gaugeLastRarity.Set(res.Score)
	s.lastScore.Store(math.Float64bits(res.Score))

	if s.trace != nil {
		err := s.trace.Append(export.TraceRecord{
			Time:           time.Since(s.start),
			Overhead:       time.Since(t0),
			UpdateOverhead: updateOverhead,
			Factor:         s.est.Factor(),
			RarityScore:    res.Score,
		})
		if err != nil {
			s.Logf(0, "trace append failed: %v", err)
		}
	}
	if s.cov != nil && iter%covSampleEvery == 0 {
		if err := s.cov.Append(time.Since(s.start), s.table.Len()); err != nil {
			s.Logf(0, "coverage append failed: %v", err)
		}
	}
}

// CorrectionFactor returns the current scheduling bias. Lock-free;
// called once per scheduling decision by every fuzzer worker.
func (s *Scheduler) CorrectionFactor() float64 {
	return s.est.Factor()
}

// ReportBug records a crash discovery for the survival-analysis export.
// No-op when bug export is not configured.
func (s *Scheduler) ReportBug(bugID string) {
	if s.bugs == nil || s.closed.Load() {
		return
	}
	written, err := s.bugs.Record(bugID, time.Since(s.start))
	if err != nil {
		s.Logf(0, "bug record failed: %v", err)
		return
	}
	if written {
		s.Logf(0, "bug %q first triggered at %v", bugID, time.Since(s.start).Round(time.Second))
	}
}

// Snapshot copies the current long-lived state.
func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		Mode:         s.cfg.Mode.String(),
		Aggregation:  s.cfg.Aggregation.String(),
		Fuzzer:       s.cfg.Fuzzer,
		Benchmark:    s.cfg.Benchmark,
		Trial:        s.cfg.Trial,
		Seed:         s.cfg.Seed,
		Iterations:   s.table.Iterations(),
		EdgesTracked: s.table.Len(),
		EdgesSketch:  s.table.Overflowed(),
		NewEdges:     s.newEdges.Load(),
		Estimator:    s.est.Snapshot(),
	}
}

// LastRarityScore returns the score of the most recent report.
// Diagnostics only; may lag in-flight submissions.
func (s *Scheduler) LastRarityScore() float64 {
	return math.Float64frombits(s.lastScore.Load())
}

// Close stops accepting reports, waits briefly for in-flight submissions,
// exports the final state and closes all writers. Idempotent.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// In-flight reports either complete or were dropped at entry;
	// give them a bounded window to finish.
	deadline := time.Now().Add(time.Second)
	for s.inflight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	var firstErr error
	if s.cov != nil {
		if err := s.cov.Append(time.Since(s.start), s.table.Len()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.StatePath != "" {
		if err := export.WriteState(s.cfg.StatePath, s.Snapshot()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.closeWriters(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.Logf(0, "scheduler stopped: %d iterations, %d edges tracked, factor=%v",
		s.table.Iterations(), s.table.Len(), s.est.Factor())
	return firstErr
}

func (s *Scheduler) closeWriters() error {
	var firstErr error
	if s.trace != nil {
		if err := s.trace.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cov != nil {
		if err := s.cov.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.bugs != nil {
		if err := s.bugs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logf forwards to the injected logger, if any.
func (s *Scheduler) Logf(level int, msg string, args ...any) {
	if s.logf == nil {
		return
	}
	s.logf(level, msg, args...)
}

