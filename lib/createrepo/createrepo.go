// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package createrepo runs the repository metadata tool on a chroot
// directory.
package createrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/google/shlex"
	"golang.org/x/sys/unix"
)

// LockFile is created in each repository directory. The repo tool
// only runs while an exclusive flock is held on it.
const LockFile = "createrepo.lock"

// Options describe one repo tool invocation.
type Options struct {
	// Chroot directory, e.g. <destdir>/<owner>/<project>/<chroot>.
	Dir string
	// Build subdirectories to add to / remove from the metadata.
	Add          []string
	Delete       []string
	RPMsToRemove []string
	Devel        bool
	NoAppstream  bool
}

func (opts Options) args() []string {
	args := []string{"--batched", opts.Dir}
	for _, flag := range []struct {
		name string
		vals []string
	}{
		{"--add", opts.Add},
		{"--delete", opts.Delete},
		{"--rpms-to-remove", opts.RPMsToRemove},
	} {
		for _, val := range flag.vals {
			if val == "" {
				continue
			}
			args = append(args, flag.name, val)
		}
	}
	if opts.Devel {
		args = append(args, "--devel")
	}
	if opts.NoAppstream {
		args = append(args, "--no-appstream-metadata")
	}
	return args
}

// Runner invokes the configured repo tool.
type Runner struct {
	// Command line prefix, e.g. ["copr-repo"].
	Command []string
	Timeout time.Duration
}

// NewRunner returns a runner for the repo tool in cfg.
func NewRunner(cfg *config.Config) (*Runner, error) {
	cmd, err := shlex.Split(cfg.RepoTool)
	if err != nil {
		return nil, fmt.Errorf("repo_tool: %w", err)
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("repo_tool is empty")
	}
	return &Runner{Command: cmd, Timeout: cfg.RepoToolTimeout.Duration()}, nil
}

// Run runs the repo tool and reports whether it succeeded. A
// failure, including a timeout, is also described by the returned
// error; callers typically log it and carry on.
func (r *Runner) Run(ctx context.Context, opts Options) (bool, error) {
	logger := ctxlog.FromContext(ctx).WithField("Dir", opts.Dir)
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	unlock, err := lock(ctx, opts.Dir)
	if err != nil {
		return false, err
	}
	defer unlock()

	args := append(append([]string(nil), r.Command[1:]...), opts.args()...)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	logger.Infof("running %s %s", r.Command[0], strings.Join(args, " "))
	t0 := time.Now()
	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Errorf("%s timed out after %s", r.Command[0], time.Since(t0).Truncate(time.Second))
	} else if err != nil {
		return false, fmt.Errorf("%s failed: %w: %s", r.Command[0], err, strings.TrimSpace(stderr.String()))
	}
	logger.WithField("Duration", time.Since(t0).Seconds()).Debug("repo tool finished")
	return true, nil
}

// lock acquires an exclusive flock on the directory's lock file,
// waiting until it is available or ctx is done.
func lock(ctx context.Context, dir string) (func(), error) {
	f, err := os.OpenFile(filepath.Join(dir, LockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	locked := make(chan error, 1)
	go func() {
		locked <- unix.Flock(int(f.Fd()), unix.LOCK_EX)
	}()
	select {
	case err := <-locked:
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", f.Name(), err)
		}
		return func() {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		}, nil
	case <-ctx.Done():
		go func() {
			// Release the lock as soon as we get it.
			if <-locked == nil {
				unix.Flock(int(f.Fd()), unix.LOCK_UN)
			}
			f.Close()
		}()
		return nil, fmt.Errorf("waiting for %s: %w", f.Name(), ctx.Err())
	}
}
