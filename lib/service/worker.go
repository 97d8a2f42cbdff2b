// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/fedora-copr/copr-backend/lib/cmd"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/logcollector"
	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// WorkerArgs identify the task a worker process handles.
type WorkerArgs struct {
	TaskID   string
	WorkerID string
	// Build workers only.
	VMName   string
	Reattach bool
}

// WorkerFunc processes one task. The logger is available via
// ctxlog.FromContext(ctx). An error implementing ExitCode() int sets
// the process exit code; other errors exit 1.
type WorkerFunc func(ctx context.Context, cfg *config.Config, rdb *redis.Client, args WorkerArgs) error

type workerCommand struct {
	name string
	run  WorkerFunc
}

// WorkerCommand returns a cmd.Handler for a short-lived worker process
// started by a dispatcher.
func WorkerCommand(name string, run WorkerFunc) cmd.Handler {
	return &workerCommand{name: name, run: run}
}

func (c *workerCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	var wa WorkerArgs
	flags.StringVar(&wa.TaskID, "task-id", "", "task to process")
	flags.StringVar(&wa.WorkerID, "worker-id", "", "registry key of this worker")
	flags.StringVar(&wa.VMName, "vm-name", "", "builder VM acquired for the task")
	flags.BoolVar(&wa.Reattach, "reattach", false, "follow a build already running on the VM")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if wa.TaskID == "" || wa.WorkerID == "" {
		err = errors.New("-task-id and -worker-id are required")
		return 2
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	log = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":      os.Getpid(),
		"Service":  c.name,
		"WorkerID": wa.WorkerID,
	})

	ctx, cancel := cmd.NotifyContext(context.Background())
	defer cancel()

	rdb, err := redisconn.NewClient(ctx, cfg.Redis)
	if err != nil {
		return 1
	}
	defer rdb.Close()
	log.AddHook(logcollector.NewHook(rdb, c.name))

	err = c.run(ctxlog.Context(ctx, logger), cfg, rdb, wa)
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	} else if err != nil {
		return 1
	}
	return 0
}
