// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"sync"
	"time"
)

// throttle holds off spawns in a group after a failure.
type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// ErrorUntil makes Error return err until the given time. If a notify
// func is given, it is called once the holdoff period expires.
func (thr *throttle) ErrorUntil(err error, until time.Time, notify func()) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
	if notify != nil {
		time.AfterFunc(time.Until(until), notify)
	}
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
