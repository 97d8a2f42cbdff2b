// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package headproc is the backend head process. It puts builds left
// over from a previous run back into the frontend queue at startup,
// and does the same for builds still running when it shuts down.
package headproc

import (
	"context"
	"fmt"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/frontend"
	"github.com/fedora-copr/copr-backend/lib/service"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Rescheduler is the part of *frontend.Client the head process uses.
type Rescheduler interface {
	RescheduleAllRunning(ctx context.Context) error
}

// Head is the backend head process.
type Head struct {
	cfg      *config.Config
	rdb      redis.UniversalClient
	frontend Rescheduler
	logger   logrus.FieldLogger

	// How long to keep trying to reschedule at shutdown.
	ShutdownTimeout time.Duration

	mReschedules *prometheus.CounterVec
}

func New(cfg *config.Config, rdb redis.UniversalClient, fc Rescheduler, logger logrus.FieldLogger, reg *prometheus.Registry) *Head {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	h := &Head{
		cfg:             cfg,
		rdb:             rdb,
		frontend:        fc,
		logger:          logger,
		ShutdownTimeout: time.Minute,
	}
	h.mReschedules = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "backend",
		Name:      "reschedule_all_total",
		Help:      "Number of requests to reschedule all running builds, by outcome.",
	}, []string{"when", "result"})
	reg.MustRegister(h.mReschedules)
	return h
}

// NewDaemon is the service.NewDaemonFunc of the backend command.
func NewDaemon(ctx context.Context, cfg *config.Config, rdb *redis.Client, reg *prometheus.Registry) (service.Daemon, error) {
	logger := ctxlog.FromContext(ctx)
	return New(cfg, rdb, frontend.New(cfg, logger), logger, reg), nil
}

// Run reschedules unfinished builds, then waits for ctx to be done
// and reschedules the builds running at that point.
func (h *Head) Run(ctx context.Context) error {
	h.logger.WithFields(logrus.Fields{
		"FrontendURL": h.cfg.FrontendBaseURL,
		"DestDir":     h.cfg.DestDir,
	}).Info("backend starting")
	h.logger.Info("rescheduling old unfinished builds")
	if err := h.reschedule(ctx, "start"); err != nil {
		return fmt.Errorf("rescheduling unfinished builds: %w", err)
	}
	<-ctx.Done()

	h.logger.Info("shutting down, rescheduling running builds")
	sctx, cancel := context.WithTimeout(context.Background(), h.ShutdownTimeout)
	defer cancel()
	if err := h.reschedule(sctx, "shutdown"); err != nil {
		h.logger.WithError(err).Error("failed to reschedule running builds")
	}
	return nil
}

func (h *Head) reschedule(ctx context.Context, when string) error {
	err := h.frontend.RescheduleAllRunning(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.mReschedules.WithLabelValues(when, result).Inc()
	return err
}

// CheckHealth reports whether Redis is reachable.
func (h *Head) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.rdb.Ping(ctx).Err()
}
