// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// A Provisioner creates and destroys builder VMs.
type Provisioner interface {
	Spawn(ctx context.Context, group config.BuildGroup) (name, ip string, err error)
	Terminate(ctx context.Context, group config.BuildGroup, name, ip string) error
}

// SpawnError reports a failed spawn. If the VM was created before the
// failure, Name and IP identify it so it can be terminated.
type SpawnError struct {
	Group  int
	Name   string
	IP     string
	Output string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn in group %d failed: %s", e.Group, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Another spawn attempt may succeed.
func (e *SpawnError) Retryable() bool { return true }

var (
	ipRegexp     = regexp.MustCompile(`IP=([^{}"\n\\]+)`)
	vmNameRegexp = regexp.MustCompile(`vm_name=([^{}"\n\\]+)`)
)

// parseSpawnOutput finds the IP=... and vm_name=... markers the spawn
// playbook prints.
func parseSpawnOutput(out string) (name, ip string) {
	if m := vmNameRegexp.FindStringSubmatch(out); m != nil {
		name = m[1]
	}
	if m := ipRegexp.FindStringSubmatch(out); m != nil {
		ip = m[1]
	}
	return
}

// PlaybookProvisioner runs the group's ansible playbooks.
type PlaybookProvisioner struct {
	Command []string
	Logger  logrus.FieldLogger
}

func NewPlaybookProvisioner(cfg *config.Config, logger logrus.FieldLogger) (*PlaybookProvisioner, error) {
	argv, err := shlex.Split(cfg.PlaybookCommand)
	if err != nil {
		return nil, fmt.Errorf("playbook_command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("playbook_command is empty")
	}
	return &PlaybookProvisioner{Command: argv, Logger: logger}, nil
}

func (pp *PlaybookProvisioner) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	argv := append(append([]string(nil), pp.Command...), args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("playbook timed out after %s", timeout)
	}
	return out.String(), err
}

func (pp *PlaybookProvisioner) Spawn(ctx context.Context, group config.BuildGroup) (string, string, error) {
	if group.SpawnPlaybook == "" {
		return "", "", &SpawnError{Group: group.ID, Err: errors.New("no spawn playbook configured")}
	}
	if _, err := os.Stat(group.SpawnPlaybook); err != nil {
		return "", "", &SpawnError{Group: group.ID, Err: err}
	}
	t0 := time.Now()
	out, err := pp.run(ctx, group.PlaybookTimeout.Duration(), "-c", "ssh", group.SpawnPlaybook)
	name, ip := parseSpawnOutput(out)
	if err != nil {
		return "", "", &SpawnError{Group: group.ID, Name: name, IP: ip, Output: out, Err: err}
	}
	switch {
	case ip == "":
		return "", "", &SpawnError{Group: group.ID, Name: name, Output: out, Err: errors.New("no IP in playbook output")}
	case name == "":
		return "", "", &SpawnError{Group: group.ID, IP: ip, Output: out, Err: errors.New("no vm_name in playbook output")}
	case net.ParseIP(ip) == nil:
		return "", "", &SpawnError{Group: group.ID, Name: name, Output: out, Err: fmt.Errorf("invalid IP %q in playbook output", ip)}
	}
	pp.Logger.WithFields(logrus.Fields{
		"VMName":  name,
		"VMIP":    ip,
		"Group":   group.ID,
		"Elapsed": time.Since(t0).Seconds(),
	}).Info("VM spawned")
	return name, ip, nil
}

func (pp *PlaybookProvisioner) Terminate(ctx context.Context, group config.BuildGroup, name, ip string) error {
	if group.TerminatePlaybook == "" {
		return errors.New("no terminate playbook configured")
	}
	if _, err := os.Stat(group.TerminatePlaybook); err != nil {
		return err
	}
	extra, err := json.Marshal(map[string]interface{}{
		"copr_task": map[string]string{"ip": ip, "vm_name": name},
	})
	if err != nil {
		return err
	}
	out, err := pp.run(ctx, group.PlaybookTimeout.Duration(), "-c", "ssh", group.TerminatePlaybook, "--extra-vars", string(extra))
	if err != nil {
		return fmt.Errorf("terminate playbook: %w: %s", err, lastLines(out, 10))
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := bytes.Split(bytes.TrimRight([]byte(s), "\n"), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}

// NewProvisioners returns a provisioner for each configured group.
func NewProvisioners(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (map[int]Provisioner, error) {
	provs := map[int]Provisioner{}
	var playbook *PlaybookProvisioner
	for _, g := range cfg.BuildGroups {
		switch g.Provisioner {
		case "", "playbook":
			if playbook == nil {
				var err error
				if playbook, err = NewPlaybookProvisioner(cfg, logger); err != nil {
					return nil, err
				}
			}
			provs[g.ID] = playbook
		case "ec2":
			ec2p, err := NewEC2Provisioner(ctx, g.EC2, logger)
			if err != nil {
				return nil, fmt.Errorf("group %d: %w", g.ID, err)
			}
			provs[g.ID] = ec2p
		default:
			return nil, fmt.Errorf("group %d: unknown provisioner %q", g.ID, g.Provisioner)
		}
	}
	return provs, nil
}
