// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package vmmanager keeps the pool of builder VMs in Redis. All state
// transitions are performed by server-side Lua scripts, so any number
// of processes can share one pool.
package vmmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoVMAvailable = errors.New("no VM available")
	ErrVMNotFound    = errors.New("VM not found")
	ErrVMExists      = errors.New("VM already exists")
)

// Topics published on redisconn.VMPubSub.
const (
	TopicHealthCheck        = "health_check"
	TopicVMSpawned          = "vm_spawned"
	TopicTerminationRequest = "vm_termination_request"
	TopicVMTerminated       = "vm_terminated"
)

// Event is a message on the VM pub/sub channel. Fields not relevant
// to the topic are empty.
type Event struct {
	Topic  string `json:"topic"`
	VMName string `json:"vm_name,omitempty"`
	VMIP   string `json:"vm_ip,omitempty"`
	Group  int    `json:"group"`
	Result string `json:"result,omitempty"`
	Msg    string `json:"msg,omitempty"`
}

// Manager operates on the VM pool. It is safe for concurrent use.
type Manager struct {
	rdb    redis.UniversalClient
	groups []config.BuildGroup
	logger logrus.FieldLogger

	// Overridden in tests.
	now func() time.Time
}

func New(rdb redis.UniversalClient, cfg *config.Config, logger logrus.FieldLogger) *Manager {
	return &Manager{
		rdb:    rdb,
		groups: cfg.BuildGroups,
		logger: logger,
		now:    time.Now,
	}
}

func (m *Manager) group(id int) (config.BuildGroup, bool) {
	for _, g := range m.groups {
		if g.ID == id {
			return g, true
		}
	}
	return config.BuildGroup{}, false
}

// MarkServerStart records the current time as server start. VMs whose
// last health check is older than this can't be acquired.
func (m *Manager) MarkServerStart(ctx context.Context) error {
	return m.rdb.HSet(ctx, redisconn.ServerInfo, "server_start_timestamp", formatTime(m.now())).Err()
}

// AddVMToPool registers a freshly spawned VM in state got_ip.
func (m *Manager) AddVMToPool(ctx context.Context, ip, name string, group int) (*VM, error) {
	exists, err := m.rdb.SIsMember(ctx, redisconn.PoolKey(group), name).Result()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s in group %d", ErrVMExists, name, group)
	}
	vm := &VM{Name: name, IP: ip, Group: group, State: StateGotIP}
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, redisconn.PoolKey(group), name)
		pipe.HSet(ctx, redisconn.VMKey(name), vm.hash())
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{"VMName": name, "VMIP": ip, "Group": group}).Info("VM added to pool")
	return vm, nil
}

// RemoveVMFromPool drops the descriptor of a VM in state terminating.
func (m *Manager) RemoveVMFromPool(ctx context.Context, name string) error {
	vm, err := m.GetVMByName(ctx, name)
	if err != nil {
		return err
	}
	if vm.State != StateTerminating {
		return fmt.Errorf("VM %s is %s, not %s", name, vm.State, StateTerminating)
	}
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, redisconn.PoolKey(vm.Group), name)
		pipe.Del(ctx, redisconn.VMKey(name))
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{"VMName": name, "Group": vm.Group}).Info("VM removed from pool")
	return nil
}

// StartVMTermination moves the VM to terminating and asks the
// terminator to dispose of it. If allowedPreState is not empty, the
// VM must currently be in that state. It returns false (and no error)
// if the VM was not in an acceptable state.
func (m *Manager) StartVMTermination(ctx context.Context, name string, allowedPreState State) (bool, error) {
	res, err := terminateVM.Eval(ctx, m.rdb, []string{redisconn.VMKey(name)}, string(allowedPreState), formatTime(m.now()))
	if err != nil {
		return false, err
	}
	logger := m.logger.WithField("VMName", name)
	if res != "OK" {
		logger.WithField("Reason", res).Debug("not terminating VM")
		return false, nil
	}
	vm, err := m.GetVMByName(ctx, name)
	if err != nil {
		return false, err
	}
	ev := Event{Topic: TopicTerminationRequest, VMName: vm.Name, VMIP: vm.IP, Group: vm.Group}
	for _, ch := range []string{redisconn.VMPubSub, redisconn.VMTerminationChannel(name)} {
		if err := redisconn.PublishJSON(ctx, m.rdb, ch, ev); err != nil {
			return true, err
		}
	}
	if vm.IP != "" {
		if err := m.rdb.Publish(ctx, redisconn.InterruptBuildChannel(vm.IP), "terminating").Err(); err != nil {
			return true, err
		}
	}
	logger.Info("VM termination started")
	return true, nil
}

// AcquireVM binds a ready VM from one of groups (tried in the given
// order) to a build. VMs previously used by the same owner are
// preferred. It returns ErrNoVMAvailable if no VM can be acquired.
func (m *Manager) AcquireVM(ctx context.Context, groups []int, owner, workerID, taskID string, buildID int64, chroot string) (*VM, error) {
	for _, gid := range groups {
		vms, err := m.GetVMs(ctx, gid)
		if err != nil {
			return nil, err
		}
		var dirtied, clean []*VM
		boundToOwner := 0
		for _, vm := range vms {
			if vm.BoundToUser == owner && vm.State != StateTerminating {
				boundToOwner++
			}
			if vm.State != StateReady {
				continue
			}
			if vm.BoundToUser == owner {
				dirtied = append(dirtied, vm)
			} else if vm.BoundToUser == "" {
				clean = append(clean, vm)
			}
		}
		if len(dirtied) == 0 {
			if g, ok := m.group(gid); ok && g.MaxVMPerUser > 0 && boundToOwner >= g.MaxVMPerUser {
				m.logger.WithFields(logrus.Fields{"Owner": owner, "Group": gid}).Debug("per-user VM limit reached")
				continue
			}
		}
		for _, vm := range append(dirtied, clean...) {
			res, err := acquireVM.Eval(ctx, m.rdb,
				[]string{redisconn.VMKey(vm.Name), redisconn.ServerInfo},
				owner, workerID, formatTime(m.now()), taskID, strconv.FormatInt(buildID, 10), chroot)
			if err != nil {
				return nil, err
			}
			if res != "OK" {
				continue
			}
			m.logger.WithFields(logrus.Fields{"VMName": vm.Name, "TaskID": taskID, "Owner": owner}).Info("VM acquired")
			return m.GetVMByName(ctx, vm.Name)
		}
	}
	return nil, ErrNoVMAvailable
}

// ReleaseVM returns an in_use VM to the pool. It returns false if the
// VM was not in_use.
func (m *Manager) ReleaseVM(ctx context.Context, name string) (bool, error) {
	res, err := releaseVM.Eval(ctx, m.rdb, []string{redisconn.VMKey(name)}, formatTime(m.now()))
	if err != nil {
		return false, err
	}
	ok := res == "OK"
	m.logger.WithFields(logrus.Fields{"VMName": name, "Released": ok}).Info("VM release")
	return ok, nil
}

// SetCheckingState marks the start of a health check. It returns the
// state the VM had before, or "" if a check can't start now.
func (m *Manager) SetCheckingState(ctx context.Context, name string) (State, error) {
	res, err := setCheckingState.Eval(ctx, m.rdb, []string{redisconn.VMKey(name)}, formatTime(m.now()))
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return State(s), nil
}

// RestoreCheckState undoes SetCheckingState when the health check
// could not be launched.
func (m *Manager) RestoreCheckState(ctx context.Context, name string, prev State) error {
	if prev == StateInUse || prev == "" {
		return nil
	}
	_, err := restoreCheckState.Eval(ctx, m.rdb, []string{redisconn.VMKey(name)}, string(prev))
	return err
}

// MarkVMCheckFailed moves a VM stuck in check_health to
// check_health_failed.
func (m *Manager) MarkVMCheckFailed(ctx context.Context, name string) error {
	_, err := markVMCheckFailed.Eval(ctx, m.rdb, []string{redisconn.VMKey(name)})
	return err
}

// OnHealthCheckSuccess resets the failure counter, and finishes a
// health check in progress.
func (m *Manager) OnHealthCheckSuccess(ctx context.Context, name, msg string) error {
	_, err := onHealthCheckSuccess.Eval(ctx, m.rdb, []string{redisconn.VMKey(name)}, msg)
	return err
}

// RecordFailure counts a failed health check and returns the new
// number of consecutive failures. It returns 0 if the VM is in a
// state where failures are not counted.
func (m *Manager) RecordFailure(ctx context.Context, name, msg string) (int, error) {
	res, err := recordFailure.Eval(ctx, m.rdb, []string{redisconn.VMKey(name)}, msg)
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return int(n), nil
}

// GetVMByName returns ErrVMNotFound if the VM has no descriptor.
func (m *Manager) GetVMByName(ctx context.Context, name string) (*VM, error) {
	h, err := m.rdb.HGetAll(ctx, redisconn.VMKey(name)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, name)
	}
	return vmFromHash(h), nil
}

// GetVMs returns the VMs of a group, sorted by name. If states are
// given, only VMs in one of those states are returned.
func (m *Manager) GetVMs(ctx context.Context, group int, states ...State) ([]*VM, error) {
	names, err := m.rdb.SMembers(ctx, redisconn.PoolKey(group)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var vms []*VM
	for _, name := range names {
		vm, err := m.GetVMByName(ctx, name)
		if errors.Is(err, ErrVMNotFound) {
			// removed after SMEMBERS
			continue
		} else if err != nil {
			return nil, err
		}
		if len(states) == 0 || vm.hasState(states) {
			vms = append(vms, vm)
		}
	}
	return vms, nil
}

func (vm *VM) hasState(states []State) bool {
	for _, s := range states {
		if vm.State == s {
			return true
		}
	}
	return false
}

// GetAllVMs returns the VMs of all configured groups.
func (m *Manager) GetAllVMs(ctx context.Context, states ...State) ([]*VM, error) {
	var all []*VM
	for _, g := range m.groups {
		vms, err := m.GetVMs(ctx, g.ID, states...)
		if err != nil {
			return nil, err
		}
		all = append(all, vms...)
	}
	return all, nil
}

// LookupVMsByIP returns all VM records with the given address.
func (m *Manager) LookupVMsByIP(ctx context.Context, ip string) ([]*VM, error) {
	all, err := m.GetAllVMs(ctx)
	if err != nil {
		return nil, err
	}
	var found []*VM
	for _, vm := range all {
		if vm.IP == ip {
			found = append(found, vm)
		}
	}
	return found, nil
}

// GetVMByTaskID returns the in_use VM running the given task, or
// ErrVMNotFound.
func (m *Manager) GetVMByTaskID(ctx context.Context, taskID string) (*VM, error) {
	vms, err := m.GetAllVMs(ctx, StateInUse)
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.TaskID == taskID {
			return vm, nil
		}
	}
	return nil, fmt.Errorf("%w: no VM runs task %s", ErrVMNotFound, taskID)
}

// GetLastSpawnStart returns the zero time if the group never spawned.
func (m *Manager) GetLastSpawnStart(ctx context.Context, group int) (time.Time, error) {
	s, err := m.rdb.HGet(ctx, redisconn.PoolInfoKey(group), "last_vm_spawn_start").Result()
	if err == redis.Nil {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, err
	}
	return parseTime(s), nil
}

func (m *Manager) WriteSpawnStart(ctx context.Context, group int, t time.Time) error {
	return m.rdb.HSet(ctx, redisconn.PoolInfoKey(group), "last_vm_spawn_start", formatTime(t)).Err()
}

// GroupInfo summarizes one group of the pool.
type GroupInfo struct {
	ID     int           `json:"id"`
	Name   string        `json:"name"`
	States map[State]int `json:"states"`
	Total  int           `json:"total"`
}

// Info returns VM counts per group and state.
func (m *Manager) Info(ctx context.Context) ([]GroupInfo, error) {
	var info []GroupInfo
	for _, g := range m.groups {
		vms, err := m.GetVMs(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		gi := GroupInfo{ID: g.ID, Name: g.Name, States: map[State]int{}, Total: len(vms)}
		for _, s := range States {
			gi.States[s] = 0
		}
		for _, vm := range vms {
			gi.States[vm.State]++
		}
		info = append(info, gi)
	}
	return info, nil
}

// Ping checks the Redis connection. An unreachable server is reported
// as a Retryable error.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return copr.Retryable(err)
	}
	return nil
}
