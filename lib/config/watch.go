// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"io"
	"reflect"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch calls fn (at most once) when the file at path changes to a
// loadable configuration that differs from prev. It returns when ctx
// is done, after calling fn, or when the watcher fails.
//
// A config that fails to load is logged and otherwise ignored: the
// running daemon keeps its current configuration.
func Watch(ctx context.Context, logger logrus.FieldLogger, path string, prev *Config, fn func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(path)
	if err != nil {
		logger.WithError(err).Error("fsnotify watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("fsnotify watcher reported error")
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			loader := &Loader{Path: path, Logger: &logrus.Logger{Out: io.Discard}}
			cfg, err := loader.Load()
			if err != nil {
				logger.WithError(err).Warn("error reloading config file after change detected; ignoring new config for now")
			} else if reflect.DeepEqual(cfg, prev) {
				logger.Debug("config file changed but is still DeepEqual to the existing config")
			} else {
				logger.Info("config file changed")
				fn()
				return
			}
		}
	}
}
