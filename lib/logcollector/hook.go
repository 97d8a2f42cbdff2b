// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package logcollector funnels log records from all backend
// processes through a Redis list into per-process log files.
package logcollector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Record is a log record as stored in the log FIFO.
type Record struct {
	Who    string                 `json:"who"`
	Time   time.Time              `json:"time"`
	Level  string                 `json:"level"`
	Msg    string                 `json:"msg"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Hook is a logrus hook that pushes every record onto the log FIFO,
// tagged with the name of the emitting process.
type Hook struct {
	rdb     redis.UniversalClient
	who     string
	timeout time.Duration
}

// NewHook returns a hook that tags records with who, e.g.
// "vm-master" or "worker-123-fedora-rawhide-x86_64".
func NewHook(rdb redis.UniversalClient, who string) *Hook {
	return &Hook{rdb: rdb, who: who, timeout: 5 * time.Second}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook. A record that cannot be pushed is
// dropped: the process's own stderr still has it.
func (h *Hook) Fire(entry *logrus.Entry) error {
	rec := Record{
		Who:   h.who,
		Time:  entry.Time,
		Level: entry.Level.String(),
		Msg:   entry.Message,
	}
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			rec.Fields[k] = v
		}
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return redisconn.PushLog(ctx, h.rdb, buf)
}
