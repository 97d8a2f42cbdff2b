// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workermgr processes a priority queue of tasks by starting
// one background worker process per task, tracking the workers in
// Redis so a restarted dispatcher adopts the workers of its
// predecessor.
package workermgr

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrSkipTask is returned by (Handler).StartTask when the task should
// not run now, e.g. because no resources are available. It is not
// logged as a failure.
var ErrSkipTask = errors.New("task skipped")

// A Handler starts workers and processes their results.
type Handler interface {
	// StartTask launches the worker for task. The worker must
	// call (*Entry).MarkStarted soon after.
	StartTask(ctx context.Context, workerID string, task QueueTask) error
	// FinishTask is called once the worker has set a status.
	FinishTask(ctx context.Context, workerID string, info map[string]string) error
}

// Manager starts workers for queued tasks, in priority order, within
// MaxWorkers and Limits.
type Manager struct {
	Prefix     string
	MaxWorkers int
	Limits     []Limit
	Handler    Handler
	Logger     logrus.FieldLogger

	// A worker that hasn't called MarkStarted after
	// TimeoutStart is given up.
	TimeoutStart time.Duration
	// A started worker is checked for liveness this often.
	TimeoutDeadcheck time.Duration
	CleanupPeriod    time.Duration
	// Pause in Run while waiting for running workers.
	PollInterval time.Duration

	rdb         redis.UniversalClient
	queue       *jobQueue
	tracked     map[string]bool
	lastCleanup time.Time
	now         func() time.Time
}

func New(rdb redis.UniversalClient, prefix string, maxWorkers int, handler Handler, logger logrus.FieldLogger) *Manager {
	return &Manager{
		Prefix:           prefix,
		MaxWorkers:       maxWorkers,
		Handler:          handler,
		Logger:           logger,
		TimeoutStart:     30 * time.Second,
		TimeoutDeadcheck: 3 * time.Minute,
		CleanupPeriod:    3 * time.Second,
		PollInterval:     time.Second,
		rdb:              rdb,
		queue:            newJobQueue(),
		now:              time.Now,
	}
}

// load adopts workers already registered in Redis.
func (m *Manager) load(ctx context.Context) error {
	if m.tracked != nil {
		return nil
	}
	ids, err := m.WorkerIDs(ctx)
	if err != nil {
		return err
	}
	m.tracked = map[string]bool{}
	for _, id := range ids {
		m.tracked[id] = true
	}
	return nil
}

// WorkerIDs returns the registry keys of all workers of this manager.
func (m *Manager) WorkerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := m.rdb.Scan(ctx, 0, m.Prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val())
	}
	return ids, iter.Err()
}

// RunningWorkers returns the number of tracked workers.
func (m *Manager) RunningWorkers() int { return len(m.tracked) }

// QueueLen returns the number of queued tasks.
func (m *Manager) QueueLen() int { return m.queue.Len() }

// HasWorker returns true if a worker for taskID is being tracked.
func (m *Manager) HasWorker(ctx context.Context, taskID string) (bool, error) {
	if err := m.load(ctx); err != nil {
		return false, err
	}
	return m.tracked[WorkerID(m.Prefix, taskID)], nil
}

// AddTask queues a task. A task that already has a worker is only
// counted in the limits.
func (m *Manager) AddTask(ctx context.Context, task QueueTask) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	workerID := WorkerID(m.Prefix, task.ID())
	if m.tracked[workerID] {
		m.addToLimits(workerID, task)
		m.Logger.WithField("TaskID", task.ID()).Debug("task already has a worker")
		return nil
	}
	m.Logger.WithFields(logrus.Fields{"TaskID": task.ID(), "Priority": task.Priority()}).Debug("adding task to queue")
	m.queue.Add(task)
	return nil
}

func (m *Manager) addToLimits(workerID string, task QueueTask) {
	for _, l := range m.Limits {
		l.WorkerAdded(workerID, task)
	}
}

// CleanTasks empties the queue and resets the limits.
func (m *Manager) CleanTasks() {
	m.queue = newJobQueue()
	for _, l := range m.Limits {
		l.Clear()
	}
}

// CancelTaskID drops the task from the queue and asks its worker (if
// any) to stop. It returns true if a worker was asked.
func (m *Manager) CancelTaskID(ctx context.Context, taskID string) (bool, error) {
	m.queue.Remove(taskID)
	workerID := WorkerID(m.Prefix, taskID)
	n, err := m.rdb.Exists(ctx, workerID).Result()
	if err != nil {
		return false, err
	}
	logger := m.Logger.WithField("WorkerID", workerID)
	if n == 0 {
		logger.Info("cancel request, worker is not running")
		return false, nil
	}
	logger.Info("cancel request, asking worker to stop")
	return true, m.rdb.HSet(ctx, workerID, FieldCancelRequest, "1").Err()
}

// Run starts workers for queued tasks until the queue is empty and no
// workers are running, or timeout expires, or ctx is done.
func (m *Manager) Run(ctx context.Context, timeout time.Duration) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	start := m.now()
	m.lastCleanup = time.Time{}
	for ctx.Err() == nil && m.now().Sub(start) < timeout {
		if err := m.cleanupWorkers(ctx); err != nil {
			return err
		}
		if n := len(m.tracked); n >= m.MaxWorkers {
			m.Logger.WithField("Workers", n).Debug("worker count on a limit")
			m.sleep(ctx)
			continue
		}
		task := m.queue.Pop()
		if task == nil {
			if len(m.tracked) == 0 {
				break
			}
			m.Logger.Debug("no more tasks, waiting for workers")
			m.sleep(ctx)
			continue
		}
		if m.blockedByLimit(task) {
			// Skipped for now; the dispatcher re-queues it
			// next cycle.
			continue
		}
		if err := m.startWorker(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) blockedByLimit(task QueueTask) bool {
	for _, l := range m.Limits {
		if !l.Check(task) {
			m.Logger.WithFields(logrus.Fields{"TaskID": task.ID(), "Limit": l.Info()}).Debug("task skipped by limit")
			return true
		}
	}
	return false
}

func (m *Manager) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.PollInterval):
	}
}

func (m *Manager) startWorker(ctx context.Context, task QueueTask) error {
	workerID := WorkerID(m.Prefix, task.ID())
	logger := m.Logger.WithFields(logrus.Fields{"WorkerID": workerID, "Priority": task.Priority()})
	ok, err := m.rdb.HSetNX(ctx, workerID, FieldAllocated, formatTime(m.now())).Result()
	if err != nil {
		return err
	}
	m.tracked[workerID] = true
	m.addToLimits(workerID, task)
	if !ok {
		logger.Info("worker already allocated elsewhere, adopting it")
		return nil
	}
	logger.Info("starting worker")
	if err := m.Handler.StartTask(ctx, workerID, task); errors.Is(err, ErrSkipTask) {
		logger.WithError(err).Info("not starting worker")
		m.deleteWorker(ctx, workerID)
	} else if err != nil {
		logger.WithError(err).Error("failed to start worker")
		m.deleteWorker(ctx, workerID)
	}
	return nil
}

func (m *Manager) deleteWorker(ctx context.Context, workerID string) {
	if err := m.rdb.Del(ctx, workerID).Err(); err != nil {
		m.Logger.WithError(err).WithField("WorkerID", workerID).Warn("failed to delete worker entry")
	}
	delete(m.tracked, workerID)
}

// cleanupWorkers finishes ended workers and gives up on workers that
// failed to start or died.
func (m *Manager) cleanupWorkers(ctx context.Context) error {
	now := m.now()
	if now.Sub(m.lastCleanup) < m.CleanupPeriod {
		return nil
	}
	m.lastCleanup = now
	ids, err := m.WorkerIDs(ctx)
	if err != nil {
		return err
	}
	// Forget workers whose entries were removed elsewhere.
	present := map[string]bool{}
	for _, id := range ids {
		present[id] = true
	}
	for id := range m.tracked {
		if !present[id] {
			delete(m.tracked, id)
		}
	}
	for _, workerID := range ids {
		m.tracked[workerID] = true
		if err := m.cleanupWorker(ctx, workerID, now); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) cleanupWorker(ctx context.Context, workerID string, now time.Time) error {
	logger := m.Logger.WithField("WorkerID", workerID)
	info, err := m.rdb.HGetAll(ctx, workerID).Result()
	if err != nil {
		return err
	}
	allocated, ok := parseTime(info[FieldAllocated])
	switch {
	case !ok:
		// The manager always sets allocated, so this is a
		// worker we gave up on that still writes to its entry.
		logger.Info("missing allocated flag, dropping worker")
		m.deleteWorker(ctx, workerID)
	case info[FieldStatus] != "":
		logger.WithField("Status", info[FieldStatus]).Info("worker finished")
		if err := m.Handler.FinishTask(ctx, workerID, info); err != nil {
			logger.WithError(err).Error("failed to finish task")
		}
		m.deleteWorker(ctx, workerID)
	case info[FieldDelete] != "":
		logger.Warn("worker deleted")
		m.deleteWorker(ctx, workerID)
	case info[FieldStarted] == "":
		if now.Sub(allocated) > m.TimeoutStart {
			logger.Error("worker failed to start")
			m.deleteWorker(ctx, workerID)
		}
	default:
		checked, ok := parseTime(info[FieldChecked])
		if !ok {
			checked = allocated
		}
		if now.Sub(checked) <= m.TimeoutDeadcheck {
			return nil
		}
		logger.Debug("checking worker")
		if err := m.rdb.HSet(ctx, workerID, FieldChecked, formatTime(now)).Err(); err != nil {
			return err
		}
		if _, ok := info[FieldPID]; ok && info[FieldHost] == hostname && !pidAlive(info[FieldPID]) {
			logger.Error("dead worker")
			// The worker may have finished meanwhile; the
			// next cleanup looks again before deleting.
			return m.rdb.HSet(ctx, workerID, FieldDelete, "1").Err()
		}
	}
	return nil
}
