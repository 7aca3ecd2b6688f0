// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Campaign metrics, served on /metrics by the dashboard server.
// A process runs a single scheduler, so these are process-wide.
var (
	statExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsched_executions_total",
		Help: "Execution reports submitted to the scheduler.",
	})
	statNewEdges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsched_new_edges_total",
		Help: "Edges observed for the first time.",
	})
	statSkippedUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsched_skipped_updates_total",
		Help: "Executions that did not update the estimator (mode none or unsampled).",
	})
	statDroppedReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsched_dropped_reports_total",
		Help: "Reports dropped after shutdown began.",
	})
	gaugeFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsched_correction_factor",
		Help: "Current published correction factor.",
	})
	gaugeEdgesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsched_edges_tracked",
		Help: "Edges held exactly in the rarity table.",
	})
	gaugeLastRarity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsched_last_rarity_score",
		Help: "Rarity score of the most recent execution report.",
	})
)
