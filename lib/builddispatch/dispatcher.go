// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package builddispatch polls the frontend for pending build jobs and
// starts one build-worker process per job, on a VM acquired from the
// pool.
package builddispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/frontend"
	"github.com/fedora-copr/copr-backend/lib/service"
	"github.com/fedora-copr/copr-backend/lib/vmmanager"
	"github.com/fedora-copr/copr-backend/lib/workermgr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// WorkerPrefix prefixes the Redis registry keys of build workers.
const WorkerPrefix = "worker"

const defaultSleepTime = 5 * time.Second

// Dispatcher runs the build dispatch cycle. It implements
// workermgr.Handler for its own worker manager.
type Dispatcher struct {
	cfg      *config.Config
	rdb      redis.UniversalClient
	frontend *frontend.Client
	vmm      *vmmanager.Manager
	workers  *workermgr.Manager
	logger   logrus.FieldLogger

	// Overridden in tests.
	startProcess func(argv, env []string, logger logrus.FieldLogger) (int, error)

	metrics
}

func New(cfg *config.Config, rdb redis.UniversalClient, fc *frontend.Client, logger logrus.FieldLogger, reg *prometheus.Registry) *Dispatcher {
	d := &Dispatcher{
		cfg:          cfg,
		rdb:          rdb,
		frontend:     fc,
		vmm:          vmmanager.New(rdb, cfg, logger),
		logger:       logger,
		startProcess: workermgr.StartProcess,
	}
	d.workers = workermgr.New(rdb, WorkerPrefix, cfg.BuildsMaxWorkers, d, logger)
	d.workers.Limits = newLimits(cfg.BuildsLimits)
	d.registerMetrics(reg)
	return d
}

// NewDaemon is the service.NewDaemonFunc of the build-dispatcher
// command.
func NewDaemon(ctx context.Context, cfg *config.Config, rdb *redis.Client, reg *prometheus.Registry) (service.Daemon, error) {
	logger := ctxlog.FromContext(ctx)
	return New(cfg, rdb, frontend.New(cfg, logger), logger, reg), nil
}

// Run dispatches builds every sleeptime until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.cfg.SleepTime.Duration()
	if interval <= 0 {
		interval = defaultSleepTime
	}
	for ctx.Err() == nil {
		t0 := time.Now()
		if err := d.DoCycle(ctx, interval); err != nil && ctx.Err() == nil {
			d.logger.WithError(err).Error("dispatch cycle failed")
		}
		d.mCycleDuration.Observe(time.Since(t0).Seconds())
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

// ManagementRoutes serves the ids of running workers at /workers.
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

// DoCycle refreshes the queue from the frontend, handles cancel
// requests, and starts workers for up to timeout.
func (d *Dispatcher) DoCycle(ctx context.Context, timeout time.Duration) error {
	tasks := d.getTasks(ctx)
	if len(tasks) > 0 {
		d.workers.CleanTasks()
	}
	for _, t := range tasks {
		if err := d.workers.AddTask(ctx, t); err != nil {
			return err
		}
	}
	d.handleCancelRequests(ctx)
	d.mQueued.Set(float64(d.workers.QueueLen()))
	err := d.workers.Run(ctx, timeout)
	d.mWorkers.Set(float64(d.workers.RunningWorkers()))
	return err
}

// getTasks returns the pending jobs, in priority order. Errors are
// logged and yield no tasks.
func (d *Dispatcher) getTasks(ctx context.Context) []*Task {
	jobs, err := d.frontend.GetPendingJobs(ctx)
	if err != nil {
		d.logger.WithError(err).Error("failed to get pending jobs")
		return nil
	}
	tasks := make([]*Task, 0, len(jobs))
	for i := range jobs {
		tasks = append(tasks, &Task{Job: &jobs[i]})
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].FrontendPriority() < tasks[j].FrontendPriority()
	})
	assignPriorities(tasks)
	d.logger.WithField("Tasks", len(tasks)).Debug("got pending jobs")
	return tasks
}

func (d *Dispatcher) handleCancelRequests(ctx context.Context) {
	ids, err := d.frontend.GetCancelRequests(ctx)
	if err != nil {
		d.logger.WithError(err).Error("failed to get cancel requests")
		return
	}
	for _, taskID := range ids {
		logger := d.logger.WithField("TaskID", taskID)
		wasRunning, err := d.workers.CancelTaskID(ctx, taskID)
		if err != nil {
			logger.WithError(err).Error("failed to cancel task")
			continue
		}
		if err := d.frontend.ReportCanceled(ctx, taskID, wasRunning); err != nil {
			logger.WithError(err).Error("failed to report canceled task")
		}
	}
}

// StartTask implements workermgr.Handler. A VM still carrying the
// task from an earlier worker is re-attached; otherwise a VM is
// acquired and the frontend asked whether the build may start.
func (d *Dispatcher) StartTask(ctx context.Context, workerID string, qt workermgr.QueueTask) error {
	task := qt.(*Task)
	logger := d.logger.WithFields(logrus.Fields{"TaskID": task.ID(), "WorkerID": workerID})

	reattach := false
	vm, err := d.vmm.GetVMByTaskID(ctx, task.ID())
	switch {
	case err == nil:
		logger.WithField("VMName", vm.Name).Info("re-attaching to VM")
		reattach = true
	case errors.Is(err, vmmanager.ErrVMNotFound):
		vm, err = d.acquireVM(ctx, workerID, task)
		if err != nil {
			return err
		}
	default:
		return err
	}

	args := []string{"--task-id", task.ID(), "--worker-id", workerID, "--vm-name", vm.Name}
	if reattach {
		args = append(args, "--reattach")
	}
	argv, err := workermgr.Command(d.cfg.WorkerCommand, "build-worker", args...)
	if err == nil {
		_, err = d.startProcess(argv, nil, logger)
	}
	if err != nil {
		if !reattach {
			d.releaseVM(ctx, logger, vm.Name)
		}
		return fmt.Errorf("starting worker: %w", err)
	}
	d.mStarted.Inc()
	return nil
}

// acquireVM binds a VM to the task, and tells the frontend the build
// is starting. The VM is released again if the frontend refuses.
func (d *Dispatcher) acquireVM(ctx context.Context, workerID string, task *Task) (*vmmanager.VM, error) {
	logger := d.logger.WithField("TaskID", task.ID())
	var groups []int
	for _, g := range d.cfg.GroupsForArch(task.vmArch()) {
		groups = append(groups, g.ID)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no build group can run arch %s", task.vmArch())
	}
	job := task.Job
	vm, err := d.vmm.AcquireVM(ctx, groups, job.ProjectOwner, workerID, task.ID(), job.BuildID, job.Chroot)
	if errors.Is(err, vmmanager.ErrNoVMAvailable) {
		d.mNoVM.Inc()
		return nil, fmt.Errorf("%w: %v", workermgr.ErrSkipTask, err)
	} else if err != nil {
		return nil, err
	}
	ok, err := d.frontend.StartingBuild(ctx, job)
	if err != nil {
		d.releaseVM(ctx, logger, vm.Name)
		return nil, err
	}
	if !ok {
		d.releaseVM(ctx, logger, vm.Name)
		return nil, fmt.Errorf("%w: frontend refused to start the build", workermgr.ErrSkipTask)
	}
	return vm, nil
}

func (d *Dispatcher) releaseVM(ctx context.Context, logger logrus.FieldLogger, name string) {
	if _, err := d.vmm.ReleaseVM(ctx, name); err != nil {
		logger.WithError(err).WithField("VMName", name).Error("failed to release VM")
	}
}

// FinishTask implements workermgr.Handler. Build workers report to
// the frontend themselves, so this only accounts for the result.
func (d *Dispatcher) FinishTask(ctx context.Context, workerID string, info map[string]string) error {
	status := info[workermgr.FieldStatus]
	d.logger.WithFields(logrus.Fields{"WorkerID": workerID, "Status": status}).Info("build worker finished")
	d.mFinished.WithLabelValues(status).Inc()
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
