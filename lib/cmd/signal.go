// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Daemons stop gracefully on any of these. SIGHUP is included so
// that "systemctl reload" restarts the process with the new config
// rather than leaving it running with the old one.
var stopSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, stopSignals...)
}
