// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package builddispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	mQueued        prometheus.Gauge
	mWorkers       prometheus.Gauge
	mStarted       prometheus.Counter
	mNoVM          prometheus.Counter
	mFinished      *prometheus.CounterVec
	mCycleDuration prometheus.Summary
}

func (d *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "copr",
		Subsystem: "builddispatch",
		Name:      "queued_tasks",
		Help:      "Number of pending build tasks waiting for a worker.",
	})
	reg.MustRegister(d.mQueued)
	d.mWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "copr",
		Subsystem: "builddispatch",
		Name:      "workers",
		Help:      "Number of build workers being tracked.",
	})
	reg.MustRegister(d.mWorkers)
	d.mStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "builddispatch",
		Name:      "workers_started_total",
		Help:      "Number of build worker processes started.",
	})
	reg.MustRegister(d.mStarted)
	d.mNoVM = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "builddispatch",
		Name:      "no_vm_available_total",
		Help:      "Number of times a task was deferred because no VM was available.",
	})
	reg.MustRegister(d.mNoVM)
	d.mFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "builddispatch",
		Name:      "workers_finished_total",
		Help:      "Number of build workers that reported a status.",
	}, []string{"status"})
	reg.MustRegister(d.mFinished)
	d.mCycleDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "copr",
		Subsystem:  "builddispatch",
		Name:       "cycle_duration_seconds",
		Help:       "Time spent in each dispatch cycle.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(d.mCycleDuration)
}
