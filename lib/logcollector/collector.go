// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package logcollector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// "who" values are used as file names.
	unsafeWho = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

	popTimeout    = 5 * time.Second
	statsInterval = 10 * time.Minute
)

// Collector pops records off the log FIFO and appends each to
// <log_dir>/<who>.log.
type Collector struct {
	rdb    redis.UniversalClient
	logDir string
	logger logrus.FieldLogger

	formatter logrus.Formatter
	files     map[string]*logFile
	records   int
	bytes     uint64

	mRecords *prometheus.CounterVec
	mBytes   prometheus.Counter
}

type logFile struct {
	*os.File
	fi os.FileInfo
}

// New returns a collector that writes into cfg.LogDir.
func New(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, reg *prometheus.Registry) (*Collector, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, err
	}
	col := &Collector{
		rdb:    rdb,
		logDir: cfg.LogDir,
		logger: ctxlog.FromContext(ctx),
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		},
		files: map[string]*logFile{},
	}
	col.registerMetrics(reg)
	return col, nil
}

func (col *Collector) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	col.mRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "log_collector",
		Name:      "records_total",
		Help:      "Log records written, by source process.",
	}, []string{"who"})
	reg.MustRegister(col.mRecords)
	col.mBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "copr",
		Subsystem: "log_collector",
		Name:      "bytes_total",
		Help:      "Bytes written to log files.",
	})
	reg.MustRegister(col.mBytes)
}

// CheckHealth reports whether Redis is reachable.
func (col *Collector) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return col.rdb.Ping(ctx).Err()
}

// Run processes records until ctx is done.
func (col *Collector) Run(ctx context.Context) error {
	defer col.closeAll()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	for {
		select {
		case <-ctx.Done():
			col.logStats()
			return nil
		case <-stats.C:
			col.logStats()
		default:
		}
		buf, err := redisconn.PopLog(ctx, col.rdb, popTimeout)
		if errors.Is(err, redisconn.ErrEmpty) {
			continue
		} else if ctx.Err() != nil {
			col.logStats()
			return nil
		} else if err != nil {
			col.logger.WithError(err).Warn("error reading log fifo")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if err := col.handle(buf); err != nil {
			col.logger.WithError(err).Warn("error writing log record")
		}
	}
}

func (col *Collector) handle(buf []byte) error {
	var rec Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return fmt.Errorf("malformed record %q: %w", buf, err)
	}
	who := unsafeWho.ReplaceAllString(rec.Who, "_")
	if who == "" {
		who = "backend"
	}
	lvl, err := logrus.ParseLevel(rec.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	line, err := col.formatter.Format(&logrus.Entry{
		Data:    logrus.Fields(rec.Fields),
		Time:    rec.Time,
		Level:   lvl,
		Message: rec.Msg,
	})
	if err != nil {
		return err
	}
	f, err := col.open(who)
	if err != nil {
		return err
	}
	n, err := f.Write(line)
	col.records++
	col.bytes += uint64(n)
	col.mRecords.WithLabelValues(who).Inc()
	col.mBytes.Add(float64(n))
	return err
}

// open returns the log file for who, reopening it if it has been
// moved or removed (e.g., by logrotate) since it was last opened.
func (col *Collector) open(who string) (*logFile, error) {
	path := filepath.Join(col.logDir, who+".log")
	if f, ok := col.files[who]; ok {
		if fi, err := os.Stat(path); err == nil && os.SameFile(fi, f.fi) {
			return f, nil
		}
		f.Close()
		delete(col.files, who)
	}
	osf, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := osf.Stat()
	if err != nil {
		osf.Close()
		return nil, err
	}
	f := &logFile{File: osf, fi: fi}
	col.files[who] = f
	return f, nil
}

func (col *Collector) closeAll() {
	for who, f := range col.files {
		f.Close()
		delete(col.files, who)
	}
}

func (col *Collector) logStats() {
	col.logger.WithFields(logrus.Fields{
		"Records": col.records,
		"Files":   len(col.files),
	}).Infof("wrote %s of log records", humanize.Bytes(col.bytes))
}
