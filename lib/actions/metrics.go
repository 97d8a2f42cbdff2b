// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package actions

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	mQueued   prometheus.Gauge
	mWorkers  prometheus.Gauge
	mStarted  prometheus.Counter
	mFinished *prometheus.CounterVec
}

func (d *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "copr",
		Subsystem: "actions",
		Name:      "queued",
		Help:      "Number of pending actions waiting for a worker.",
	})
	reg.MustRegister(d.mQueued)
	d.mWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "copr",
		Subsystem: "actions",
		Name:      "workers",
		Help:      "Number of action workers being tracked.",
	})
	reg.MustRegister(d.mWorkers)
	d.mStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "actions",
		Name:      "workers_started_total",
		Help:      "Number of action worker processes started.",
	})
	reg.MustRegister(d.mStarted)
	d.mFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "actions",
		Name:      "finished_total",
		Help:      "Number of actions finished, by result.",
	}, []string{"result"})
	reg.MustRegister(d.mFinished)
}
