// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workermgr

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"
)

// Fields of a worker registry entry, the Redis hash <prefix>:<taskID>.
const (
	FieldAllocated     = "allocated"
	FieldStarted       = "started"
	FieldStatus        = "status"
	FieldPID           = "PID"
	FieldHost          = "host"
	FieldChecked       = "checked"
	FieldDelete        = "delete"
	FieldCancelRequest = "cancel_request"
)

// WorkerID returns the registry key of the worker processing taskID.
func WorkerID(prefix, taskID string) string {
	return prefix + ":" + taskID
}

// TaskID is the inverse of WorkerID.
func TaskID(workerID string) string {
	if i := strings.Index(workerID, ":"); i >= 0 {
		return workerID[i+1:]
	}
	return workerID
}

func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64)
}

func parseTime(s string) (time.Time, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, int64(f*1e9)), true
}

var hostname, _ = os.Hostname()

// Entry is the worker process's handle on its registry entry.
type Entry struct {
	rdb redis.UniversalClient
	ID  string
}

func OpenEntry(rdb redis.UniversalClient, workerID string) *Entry {
	return &Entry{rdb: rdb, ID: workerID}
}

// MarkStarted tells the manager the worker process is running.
func (e *Entry) MarkStarted(ctx context.Context) error {
	return e.rdb.HSet(ctx, e.ID,
		FieldStarted, "1",
		FieldPID, strconv.Itoa(os.Getpid()),
		FieldHost, hostname).Err()
}

// SetStatus records the final status. The manager then calls
// FinishTask and removes the entry.
func (e *Entry) SetStatus(ctx context.Context, status string) error {
	return e.rdb.HSet(ctx, e.ID, FieldStatus, status).Err()
}

// Set stores additional fields for the manager's FinishTask.
func (e *Entry) Set(ctx context.Context, values map[string]interface{}) error {
	return e.rdb.HSet(ctx, e.ID, values).Err()
}

func (e *Entry) Get(ctx context.Context) (map[string]string, error) {
	return e.rdb.HGetAll(ctx, e.ID).Result()
}

// CancelRequested returns true if the dispatcher asked the worker to
// stop.
func (e *Entry) CancelRequested(ctx context.Context) (bool, error) {
	v, err := e.rdb.HGet(ctx, e.ID, FieldCancelRequest).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return v != "" && v != "0", nil
}

// IsAlive returns true if the worker has a registry entry that isn't
// marked for deletion, and its process still exists (when it runs on
// this host).
func IsAlive(ctx context.Context, rdb redis.UniversalClient, workerID string) (bool, error) {
	info, err := rdb.HGetAll(ctx, workerID).Result()
	if err != nil {
		return false, err
	}
	if len(info) == 0 || info[FieldDelete] != "" {
		return false, nil
	}
	if info[FieldHost] != "" && info[FieldHost] != hostname {
		return true, nil
	}
	if _, ok := info[FieldPID]; !ok {
		// not started yet
		return info[FieldStarted] == "", nil
	}
	return pidAlive(info[FieldPID]), nil
}

func pidAlive(s string) bool {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return false
	}
	// EPERM means the process exists but belongs to someone else
	err = unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
