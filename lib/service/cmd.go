// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides a cmd.Handler that brings up a long-lived
// backend daemon.
package service

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/fedora-copr/copr-backend/lib/cmd"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/logcollector"
	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// A Daemon is the long-running part of a backend service.
type Daemon interface {
	// Run returns when ctx is done (nil error) or the daemon
	// cannot continue (non-nil error).
	Run(ctx context.Context) error
	CheckHealth() error
}

// A Daemon that also implements ManagementRoutes gets its routes
// added to the management HTTP server, behind the management token.
type routeProvider interface {
	ManagementRoutes() map[string]http.Handler
}

// NewDaemonFunc returns a daemon for the given configuration. The
// logger for the daemon is available via ctxlog.FromContext(ctx).
type NewDaemonFunc func(ctx context.Context, cfg *config.Config, rdb *redis.Client, reg *prometheus.Registry) (Daemon, error)

type command struct {
	name      string
	newDaemon NewDaemonFunc
	ctx       context.Context // enables tests to shutdown service; no public API yet

	// Records logged by the daemon are also pushed to the central
	// log FIFO, unless this is the collector itself.
	logToRedis bool
}

// Command returns a cmd.Handler that loads the site config, sets up
// logging, connects to Redis, calls newDaemon, and runs the daemon
// until it fails or the process receives SIGTERM/SIGINT/SIGHUP.
func Command(name string, newDaemon NewDaemonFunc) cmd.Handler {
	return &command{
		name:       name,
		newDaemon:  newDaemon,
		ctx:        context.Background(),
		logToRedis: name != "log-collector",
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.name,
	})

	ctx, cancel := cmd.NotifyContext(c.ctx)
	defer cancel()

	rdb, err := redisconn.NewClient(ctx, cfg.Redis)
	if err != nil {
		return 1
	}
	defer rdb.Close()
	if c.logToRedis {
		log.AddHook(logcollector.NewHook(rdb, c.name))
	}
	ctx = ctxlog.Context(ctx, logger)

	reg := prometheus.NewRegistry()
	// copr_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "copr",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	d, err := c.newDaemon(ctx, cfg, rdb, reg)
	if err != nil {
		return 1
	}
	if err = d.CheckHealth(); err != nil {
		return 1
	}

	if cfg.Management.Listen != "" {
		mgmt := &managementServer{
			Addr:           cfg.Management.Listen,
			Token:          cfg.Management.Token,
			MaxConnections: cfg.Management.MaxConnections,
			Registry:       reg,
			Logger:         logger,
			CheckHealth:    d.CheckHealth,
		}
		if rp, ok := d.(routeProvider); ok {
			mgmt.Routes = rp.ManagementRoutes()
		}
		if err = mgmt.Start(ctx); err != nil {
			return 1
		}
		defer mgmt.Close()
		logger.WithField("Listen", mgmt.Addr).Info("management API listening")
	}

	if loader.Path != "-" {
		go config.Watch(ctx, logger, loader.Path, cfg, cancel)
	}

	logger.WithField("Version", cmd.Version.String()).Info("starting")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	err = d.Run(ctx)
	if err != nil {
		return 1
	}
	logger.Info("stopped")
	return 0
}
