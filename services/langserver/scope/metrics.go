// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scope

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for scope compilation.
//
// Thread Safety: safe for concurrent use.
type Metrics struct {
	// CompilesTotal counts compiler invocations by outcome
	// (success, unavailable, fatal).
	CompilesTotal *prometheus.CounterVec

	// CompileDuration measures successful compile durations.
	CompileDuration prometheus.Histogram

	// ScopesLive is a gauge of registered scopes.
	ScopesLive prometheus.Gauge
}

// NewMetrics creates and registers scope metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CompilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langserver",
				Subsystem: "scope",
				Name:      "compiles_total",
				Help:      "Compiler invocations by outcome",
			},
			[]string{"outcome"},
		),
		CompileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "langserver",
				Subsystem: "scope",
				Name:      "compile_duration_seconds",
				Help:      "Duration of successful compiler invocations",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		ScopesLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "langserver",
				Subsystem: "scope",
				Name:      "scopes_live",
				Help:      "Currently registered scopes",
			},
		),
	}
}
