// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the eviction sweeper.
//
// Thread Safety: safe for concurrent use.
type Metrics struct {
	// EvictionsTotal counts scope evictions by reason (ttl, pressure).
	EvictionsTotal *prometheus.CounterVec

	// HeapRatio gauges the last observed used/max heap ratio.
	HeapRatio prometheus.Gauge

	// EffectiveTTLSeconds gauges the TTL currently in force.
	EffectiveTTLSeconds prometheus.Gauge

	// SweepDuration measures sweep cycle durations.
	SweepDuration prometheus.Histogram

	// ClosedFilesSwept counts expired closed-file cache entries removed.
	ClosedFilesSwept prometheus.Counter

	// IndexesShed counts derived-index drops under memory scaling.
	IndexesShed prometheus.Counter
}

// NewMetrics creates and registers sweeper metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EvictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langserver",
				Subsystem: "sweeper",
				Name:      "evictions_total",
				Help:      "Scope evictions by reason",
			},
			[]string{"reason"},
		),
		HeapRatio: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "langserver",
				Subsystem: "sweeper",
				Name:      "heap_ratio",
				Help:      "Last observed used/max heap ratio",
			},
		),
		EffectiveTTLSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "langserver",
				Subsystem: "sweeper",
				Name:      "effective_ttl_seconds",
				Help:      "TTL currently in force after dynamic scaling",
			},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "langserver",
				Subsystem: "sweeper",
				Name:      "sweep_duration_seconds",
				Help:      "Sweep cycle durations",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		ClosedFilesSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "langserver",
				Subsystem: "sweeper",
				Name:      "closed_files_swept_total",
				Help:      "Expired closed-file cache entries removed",
			},
		),
		IndexesShed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "langserver",
				Subsystem: "sweeper",
				Name:      "indexes_shed_total",
				Help:      "Derived reference indexes dropped under scaling",
			},
		),
	}
}
