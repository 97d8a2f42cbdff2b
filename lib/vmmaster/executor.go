// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/lib/sshexecutor"
	"github.com/fedora-copr/copr-backend/lib/vmmanager"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// procs tracks detached goroutines per group. Finished goroutines
// still count until Recycle is called.
type procs struct {
	mtx     sync.Mutex
	wg      sync.WaitGroup
	list    map[*proc]int
	stopped bool
}

var errStopped = errors.New("shutting down")

type proc struct {
	done chan struct{}
}

func (ps *procs) run(ctx context.Context, group int, f func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := &proc{done: make(chan struct{})}
	ps.mtx.Lock()
	if ps.stopped {
		ps.mtx.Unlock()
		return errStopped
	}
	if ps.list == nil {
		ps.list = map[*proc]int{}
	}
	ps.list[p] = group
	ps.mtx.Unlock()
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		defer close(p.done)
		f()
	}()
	return nil
}

// Count returns the number of unrecycled procs in group.
func (ps *procs) Count(group int) int {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	n := 0
	for _, g := range ps.list {
		if g == group {
			n++
		}
	}
	return n
}

// Running returns the number of procs that have not finished yet.
func (ps *procs) Running() int {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	n := 0
	for p := range ps.list {
		select {
		case <-p.done:
		default:
			n++
		}
	}
	return n
}

// Recycle forgets finished procs.
func (ps *procs) Recycle() {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	for p := range ps.list {
		select {
		case <-p.done:
			delete(ps.list, p)
		default:
		}
	}
}

// Wait waits for all procs to finish.
func (ps *procs) Wait() { ps.wg.Wait() }

// Stop makes further attempts to start procs fail.
func (ps *procs) Stop() {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	ps.stopped = true
}

func publish(ctx context.Context, rdb redis.UniversalClient, logger logrus.FieldLogger, ev vmmanager.Event) {
	if err := redisconn.PublishJSON(ctx, rdb, redisconn.VMPubSub, ev); err != nil {
		buf, _ := json.Marshal(ev)
		logger.WithError(err).WithField("Event", string(buf)).Error("failed to publish VM event")
	}
}

// Spawner starts new VMs and announces them with a vm_spawned event.
type Spawner struct {
	Provisioners map[int]Provisioner
	Terminator   *Terminator
	rdb          redis.UniversalClient
	logger       logrus.FieldLogger
	procs
}

// Start spawns a VM in the background.
func (sp *Spawner) Start(ctx context.Context, group config.BuildGroup, onFailure func(error)) error {
	prov, ok := sp.Provisioners[group.ID]
	if !ok {
		return fmt.Errorf("no provisioner for group %d", group.ID)
	}
	return sp.run(ctx, group.ID, func() {
		logger := sp.logger.WithField("Group", group.ID)
		logger.Debug("going to spawn")
		name, ip, err := prov.Spawn(ctx, group)
		if err != nil {
			logger.WithError(err).Error("failed to spawn builder")
			if se, ok := err.(*SpawnError); ok && se.Name != "" && se.IP != "" && sp.Terminator != nil {
				// The VM exists but is unusable.
				if err := sp.Terminator.Start(ctx, group, se.Name, se.IP); err != nil {
					logger.WithError(err).Warn("could not terminate failed VM")
				}
			}
			if onFailure != nil {
				onFailure(err)
			}
			return
		}
		publish(ctx, sp.rdb, logger, vmmanager.Event{
			Topic:  vmmanager.TopicVMSpawned,
			VMName: name,
			VMIP:   ip,
			Group:  group.ID,
		})
	})
}

// Terminator destroys VMs and announces the result with a
// vm_terminated event.
type Terminator struct {
	Provisioners map[int]Provisioner
	rdb          redis.UniversalClient
	logger       logrus.FieldLogger
	procs
}

func (t *Terminator) Start(ctx context.Context, group config.BuildGroup, name, ip string) error {
	return t.run(ctx, group.ID, func() {
		logger := t.logger.WithFields(logrus.Fields{"VMName": name, "VMIP": ip, "Group": group.ID})
		ev := vmmanager.Event{
			Topic:  vmmanager.TopicVMTerminated,
			VMName: name,
			VMIP:   ip,
			Group:  group.ID,
			Result: "OK",
		}
		t0 := time.Now()
		prov, ok := t.Provisioners[group.ID]
		var err error
		if !ok {
			err = fmt.Errorf("no provisioner for group %d", group.ID)
		} else {
			err = prov.Terminate(ctx, group, name, ip)
		}
		if err != nil {
			ev.Result = "failed"
			ev.Msg = fmt.Sprintf("failed to terminate VM %s (%s): %s", name, ip, err)
			logger.WithError(err).Error("failed to terminate VM")
		} else {
			logger.WithField("Elapsed", time.Since(t0).Seconds()).Info("VM terminated")
		}
		publish(ctx, t.rdb, logger, ev)
	})
}

// HealthChecker runs "echo hello" on VMs over SSH and publishes a
// health_check event with the result.
type HealthChecker struct {
	User    string
	Port    string
	Signers []ssh.Signer
	Timeout time.Duration
	rdb     redis.UniversalClient
	logger  logrus.FieldLogger
	procs
}

func (hc *HealthChecker) Start(ctx context.Context, group int, name, ip string) error {
	return hc.run(ctx, group, func() {
		ev := vmmanager.Event{
			Topic:  vmmanager.TopicHealthCheck,
			VMName: name,
			VMIP:   ip,
			Group:  group,
			Result: "OK",
		}
		logger := hc.logger.WithFields(logrus.Fields{"VMName": name, "VMIP": ip})
		if msg := hc.check(ctx, ip); msg != "" {
			ev.Result, ev.Msg = "failed", msg
			logger.WithField("Msg", msg).Info("health check failed")
		}
		publish(ctx, hc.rdb, logger, ev)
	})
}

// check returns "" if the VM is healthy, otherwise a message.
func (hc *HealthChecker) check(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()
	exr := sshexecutor.New(sshexecutor.Host{Addr: ip, User: hc.User})
	defer exr.Close()
	exr.SetSigners(hc.Signers...)
	if hc.Port != "" {
		exr.SetTargetPort(hc.Port)
	}
	exr.ConnectTimeout = hc.Timeout
	stdout, _, err := exr.Execute(ctx, nil, "echo hello", nil)
	if err != nil {
		return fmt.Sprintf("health check failed for VM %s: %s", ip, err)
	}
	if string(stdout) != "hello\n" {
		return fmt.Sprintf("unexpected check output %q", stdout)
	}
	return ""
}
