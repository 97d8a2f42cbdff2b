// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"strconv"

	"github.com/fedora-copr/copr-backend/lib/vmmanager"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	mVMs            *prometheus.GaugeVec
	mSpawnProcs     *prometheus.GaugeVec
	mHealthChecks   prometheus.Gauge
	mSpawnsStarted  *prometheus.CounterVec
	mSpawnFailures  *prometheus.CounterVec
	mCycleDuration  prometheus.Summary
	mTerminatesSent prometheus.Counter
}

func (m *Master) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.mVMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "copr",
		Subsystem: "vmmaster",
		Name:      "vms",
		Help:      "Number of VMs in the pool.",
	}, []string{"group", "state"})
	reg.MustRegister(m.mVMs)
	m.mSpawnProcs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "copr",
		Subsystem: "vmmaster",
		Name:      "spawn_processes",
		Help:      "Number of spawn attempts in progress.",
	}, []string{"group"})
	reg.MustRegister(m.mSpawnProcs)
	m.mHealthChecks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "copr",
		Subsystem: "vmmaster",
		Name:      "health_checks",
		Help:      "Number of health checks in progress.",
	})
	reg.MustRegister(m.mHealthChecks)
	m.mSpawnsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "vmmaster",
		Name:      "spawns_started_total",
		Help:      "Number of spawn attempts started.",
	}, []string{"group"})
	reg.MustRegister(m.mSpawnsStarted)
	m.mSpawnFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "vmmaster",
		Name:      "spawn_failures_total",
		Help:      "Number of failed spawn attempts.",
	}, []string{"group"})
	reg.MustRegister(m.mSpawnFailures)
	m.mCycleDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "copr",
		Subsystem:  "vmmaster",
		Name:       "cycle_duration_seconds",
		Help:       "Time spent in each VM master cycle.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(m.mCycleDuration)
	m.mTerminatesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "vmmaster",
		Name:      "terminations_started_total",
		Help:      "Number of VM terminations started by the master cycle.",
	})
	reg.MustRegister(m.mTerminatesSent)
}

func (m *Master) updateMetrics(info []vmmanager.GroupInfo) {
	for _, gi := range info {
		group := strconv.Itoa(gi.ID)
		for state, n := range gi.States {
			m.mVMs.WithLabelValues(group, string(state)).Set(float64(n))
		}
		m.mSpawnProcs.WithLabelValues(group).Set(float64(m.spawner.Count(gi.ID)))
	}
	m.mHealthChecks.Set(float64(m.checker.Running()))
}
