// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the pool fabric.
//
// Thread Safety: safe for concurrent use.
type Metrics struct {
	// TasksSubmitted counts accepted submissions by pool.
	TasksSubmitted *prometheus.CounterVec

	// TasksCompleted counts finished tasks by pool, panics included.
	TasksCompleted *prometheus.CounterVec

	// TaskPanics counts contained task panics by pool.
	TaskPanics *prometheus.CounterVec

	// QueueDepth gauges pending tasks by pool.
	QueueDepth *prometheus.GaugeVec
}

// NewMetrics creates and registers pool metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langserver",
				Subsystem: "pool",
				Name:      "tasks_submitted_total",
				Help:      "Tasks accepted by pool",
			},
			[]string{"pool"},
		),
		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langserver",
				Subsystem: "pool",
				Name:      "tasks_completed_total",
				Help:      "Tasks finished by pool",
			},
			[]string{"pool"},
		),
		TaskPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "langserver",
				Subsystem: "pool",
				Name:      "task_panics_total",
				Help:      "Contained task panics by pool",
			},
			[]string{"pool"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "langserver",
				Subsystem: "pool",
				Name:      "queue_depth",
				Help:      "Pending tasks by pool",
			},
			[]string{"pool"},
		),
	}
}
