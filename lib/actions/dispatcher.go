// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/frontend"
	"github.com/fedora-copr/copr-backend/lib/service"
	"github.com/fedora-copr/copr-backend/lib/workermgr"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// WorkerPrefix prefixes the Redis registry keys of action workers.
const WorkerPrefix = "action_worker"

// FieldMessage is the worker registry field holding the result
// message.
const FieldMessage = "message"

const (
	defaultSleepTime  = 5 * time.Second
	defaultMaxWorkers = 10
)

// Task is a pending action in the worker manager's queue.
type Task struct {
	Action copr.Action
}

func (t *Task) ID() string    { return strconv.FormatInt(t.Action.ID, 10) }
func (t *Task) Priority() int { return t.Action.Priority }

// Dispatcher runs the action dispatch cycle. It implements
// workermgr.Handler for its own worker manager.
type Dispatcher struct {
	cfg      *config.Config
	rdb      redis.UniversalClient
	frontend *frontend.Client
	// Used to report results; retries forever.
	reporter *frontend.Client
	workers  *workermgr.Manager
	logger   logrus.FieldLogger
	now      func() time.Time

	// Overridden in tests.
	startProcess func(argv, env []string, logger logrus.FieldLogger) (int, error)

	metrics
}

func NewDispatcher(cfg *config.Config, rdb redis.UniversalClient, fc *frontend.Client, logger logrus.FieldLogger, reg *prometheus.Registry) *Dispatcher {
	d := &Dispatcher{
		cfg:          cfg,
		rdb:          rdb,
		frontend:     fc,
		reporter:     fc.Relentless(),
		logger:       logger,
		now:          time.Now,
		startProcess: workermgr.StartProcess,
	}
	max := cfg.ActionsMaxWorkers
	if max <= 0 {
		max = defaultMaxWorkers
	}
	d.workers = workermgr.New(rdb, WorkerPrefix, max, d, logger)
	d.registerMetrics(reg)
	return d
}

// NewDaemon is the service.NewDaemonFunc of the action-dispatcher
// command.
func NewDaemon(ctx context.Context, cfg *config.Config, rdb *redis.Client, reg *prometheus.Registry) (service.Daemon, error) {
	logger := ctxlog.FromContext(ctx)
	return NewDispatcher(cfg, rdb, frontend.New(cfg, logger), logger, reg), nil
}

// Run dispatches actions every sleeptime until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.cfg.SleepTime.Duration()
	if interval <= 0 {
		interval = defaultSleepTime
	}
	for ctx.Err() == nil {
		t0 := time.Now()
		if err := d.DoCycle(ctx, interval); err != nil && ctx.Err() == nil {
			d.logger.WithError(err).Error("action dispatch cycle failed")
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval - time.Since(t0)):
		}
	}
	return nil
}

// CheckHealth reports whether Redis is reachable.
func (d *Dispatcher) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.rdb.Ping(ctx).Err()
}

// ManagementRoutes serves the ids of running action workers at
// /workers.
func (d *Dispatcher) ManagementRoutes() map[string]http.Handler {
	return map[string]http.Handler{
		"/workers": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ids, err := d.workers.WorkerIDs(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			sort.Strings(ids)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{"workers": ids})
		}),
	}
}

// DoCycle refreshes the queue from the frontend and starts workers
// for up to timeout.
func (d *Dispatcher) DoCycle(ctx context.Context, timeout time.Duration) error {
	actions, err := d.frontend.GetPendingActions(ctx)
	if err != nil {
		d.logger.WithError(err).Error("failed to get pending actions")
		actions = nil
	}
	if len(actions) > 0 {
		d.workers.CleanTasks()
	}
	for _, a := range actions {
		if err := d.workers.AddTask(ctx, &Task{Action: a}); err != nil {
			return err
		}
	}
	d.mQueued.Set(float64(d.workers.QueueLen()))
	err = d.workers.Run(ctx, timeout)
	d.mWorkers.Set(float64(d.workers.RunningWorkers()))
	return err
}

// StartTask launches an action-worker process.
func (d *Dispatcher) StartTask(ctx context.Context, workerID string, task workermgr.QueueTask) error {
	argv, err := workermgr.Command(d.cfg.WorkerCommand, "action-worker", "--task-id", task.ID(), "--worker-id", workerID)
	if err != nil {
		return err
	}
	if _, err := d.startProcess(argv, nil, d.logger.WithField("WorkerID", workerID)); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	d.mStarted.Inc()
	return nil
}

// FinishTask reports the worker's result to the frontend.
func (d *Dispatcher) FinishTask(ctx context.Context, workerID string, info map[string]string) error {
	id, err := strconv.ParseInt(workermgr.TaskID(workerID), 10, 64)
	if err != nil {
		return fmt.Errorf("bad action worker id %q", workerID)
	}
	res := copr.ActionResult{
		ID:      id,
		Result:  copr.ActionFailure,
		Message: info[FieldMessage],
		EndedOn: d.now().Unix(),
	}
	if code, err := strconv.Atoi(info[workermgr.FieldStatus]); err == nil {
		res.Result = copr.ActionResultCode(code)
	}
	d.mFinished.WithLabelValues(res.Result.String()).Inc()
	d.logger.WithFields(logrus.Fields{
		"ActionID": id,
		"Result":   res.Result.String(),
	}).Info("action worker finished")
	return d.reporter.Update(ctx, frontend.UpdateRequest{Actions: []copr.ActionResult{res}})
}

// Main is the service.WorkerFunc of the action-worker command.
func Main(ctx context.Context, cfg *config.Config, rdb *redis.Client, args service.WorkerArgs) error {
	logger := ctxlog.FromContext(ctx)
	fc := frontend.New(cfg, logger)
	runner, err := NewRunner(cfg, fc)
	if err != nil {
		return err
	}
	return RunWorker(ctx, rdb, fc, runner, args)
}

// RunWorker fetches the action and runs it, recording the result in
// the worker registry.
func RunWorker(ctx context.Context, rdb redis.UniversalClient, fc *frontend.Client, runner *Runner, args service.WorkerArgs) error {
	entry := workermgr.OpenEntry(rdb, args.WorkerID)
	if err := entry.MarkStarted(ctx); err != nil {
		return err
	}
	id, err := strconv.ParseInt(args.TaskID, 10, 64)
	if err != nil {
		return copr.Fatal(fmt.Errorf("bad action id %q", args.TaskID))
	}
	var res Result
	action, err := fc.GetAction(ctx, id)
	if frontend.IsNotFound(err) {
		res = failure("action %d not found", id)
	} else if err != nil {
		// Without a status the manager notices the dead worker
		// and the action is dispatched again.
		return err
	} else {
		res = runner.Run(ctx, action)
	}
	if err := entry.Set(ctx, map[string]interface{}{FieldMessage: res.Message}); err != nil {
		return err
	}
	return entry.SetStatus(ctx, strconv.Itoa(int(res.Code)))
}
