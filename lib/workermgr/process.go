// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workermgr

import (
	"errors"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// StartProcess starts argv in the background and returns its pid. The
// process is reaped when it exits; its exit status is only logged,
// since workers report results through their registry entry.
func StartProcess(argv []string, env []string, logger logrus.FieldLogger) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("empty worker command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	logger.WithFields(logrus.Fields{"PID": pid, "Command": argv}).Debug("background process started")
	go func() {
		err := cmd.Wait()
		logger.WithFields(logrus.Fields{"PID": pid}).WithError(err).Debug("background process exited")
	}()
	return pid, nil
}

// Command returns the argv that runs the given subcommand of the
// current program. A non-empty base replaces the program path, e.g.
// to run workers through a wrapper.
func Command(base []string, subcommand string, args ...string) ([]string, error) {
	argv := append([]string(nil), base...)
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		argv = []string{exe}
	}
	argv = append(argv, subcommand)
	return append(argv, args...), nil
}
