// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"context"
	"os"

	"github.com/fedora-copr/copr-backend/lib/actions"
	"github.com/fedora-copr/copr-backend/lib/builddispatch"
	"github.com/fedora-copr/copr-backend/lib/buildworker"
	"github.com/fedora-copr/copr-backend/lib/cmd"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/headproc"
	"github.com/fedora-copr/copr-backend/lib/logcollector"
	"github.com/fedora-copr/copr-backend/lib/service"
	"github.com/fedora-copr/copr-backend/lib/vmmaster"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"backend":           service.Command("backend", headproc.NewDaemon),
		"vm-master":         service.Command("vm-master", vmmaster.NewDaemon),
		"build-dispatcher":  service.Command("build-dispatcher", builddispatch.NewDaemon),
		"action-dispatcher": service.Command("action-dispatcher", actions.NewDaemon),
		"log-collector":     service.Command("log-collector", newLogCollector),

		"build-worker":  service.WorkerCommand("build-worker", buildworker.Main),
		"action-worker": service.WorkerCommand("action-worker", actions.Main),
	})
)

func newLogCollector(ctx context.Context, cfg *config.Config, rdb *redis.Client, reg *prometheus.Registry) (service.Daemon, error) {
	return logcollector.New(ctx, cfg, rdb, reg)
}

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
