// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package vmmaster runs the periodic maintenance cycle of the builder
// VM pool: it retires idle dirty VMs, health-checks, spawns new VMs
// within the group quotas, and re-terminates stragglers. Results of
// background spawns, checks and terminations come back as events on
// the VM pub/sub channel.
package vmmaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/service"
	"github.com/fedora-copr/copr-backend/lib/sshexecutor"
	"github.com/fedora-copr/copr-backend/lib/vmmanager"
	"github.com/fedora-copr/copr-backend/lib/workermgr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var (
	// A freshly acquired VM's worker may not have registered yet.
	deadBuilderGracePeriod = time.Minute

	defaultCycleInterval = 10 * time.Second
)

// Master owns the VM pool maintenance cycle. There must be only one
// running Master per pool.
type Master struct {
	cfg        *config.Config
	rdb        redis.UniversalClient
	vmm        *vmmanager.Manager
	logger     logrus.FieldLogger
	spawner    *Spawner
	terminator *Terminator
	checker    *HealthChecker
	throttles  map[int]*throttle
	handlers   map[string]eventFunc

	// Overridden in tests.
	now     func() time.Time
	isAlive func(ctx context.Context, workerID string) (bool, error)

	metrics
}

// New returns a Master for the groups in cfg. provs must have an
// entry for every group.
func New(cfg *config.Config, rdb redis.UniversalClient, provs map[int]Provisioner, signers []ssh.Signer, logger logrus.FieldLogger, reg *prometheus.Registry) *Master {
	term := &Terminator{Provisioners: provs, rdb: rdb, logger: logger}
	m := &Master{
		cfg:        cfg,
		rdb:        rdb,
		vmm:        vmmanager.New(rdb, cfg, logger),
		logger:     logger,
		terminator: term,
		spawner:    &Spawner{Provisioners: provs, Terminator: term, rdb: rdb, logger: logger},
		checker: &HealthChecker{
			User:    cfg.Builder.User,
			Port:    cfg.Builder.SSHPort,
			Signers: signers,
			Timeout: cfg.VMHealthCheckTimeout.Duration(),
			rdb:     rdb,
			logger:  logger,
		},
		throttles: map[int]*throttle{},
		now:       time.Now,
	}
	if m.checker.Timeout <= 0 {
		m.checker.Timeout = time.Minute
	}
	for _, g := range cfg.BuildGroups {
		m.throttles[g.ID] = &throttle{}
	}
	m.isAlive = func(ctx context.Context, workerID string) (bool, error) {
		return workermgr.IsAlive(ctx, rdb, workerID)
	}
	m.handlers = m.eventHandlers()
	m.registerMetrics(reg)
	return m
}

// NewDaemon is the service.NewDaemonFunc of the vm-master command.
func NewDaemon(ctx context.Context, cfg *config.Config, rdb *redis.Client, reg *prometheus.Registry) (service.Daemon, error) {
	logger := ctxlog.FromContext(ctx)
	provs, err := NewProvisioners(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	signer, err := sshexecutor.LoadSigner(cfg.Builder.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading builder SSH key: %w", err)
	}
	return New(cfg, rdb, provs, []ssh.Signer{signer}, logger, reg), nil
}

// Run marks the server start, starts the event handler, and runs the
// maintenance cycle every vm_cycle_timeout until ctx is done.
func (m *Master) Run(ctx context.Context) error {
	if err := m.vmm.MarkServerStart(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		m.spawner.Stop()
		m.checker.Stop()
		m.spawner.Wait()
		m.checker.Wait()
		m.terminator.Wait()
	}()

	ready := make(chan struct{})
	evErr := make(chan error, 1)
	go func() { evErr <- m.runEvents(ctx, ready) }()
	select {
	case <-ready:
	case err := <-evErr:
		return err
	}

	interval := m.cfg.VMCycleTimeout.Duration()
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.DoCycle(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Error("VM master cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-evErr:
			return err
		case <-ticker.C:
		}
	}
}

// CheckHealth reports whether Redis is reachable.
func (m *Master) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.vmm.Ping(ctx)
}

// ManagementRoutes serves the pool summary at /vms.
func (m *Master) ManagementRoutes() map[string]http.Handler {
	return map[string]http.Handler{
		"/vms": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := m.vmm.Info(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{"groups": info})
		}),
	}
}

// DoCycle runs one pass of pool maintenance. A failing step is
// logged and does not prevent the following steps.
func (m *Master) DoCycle(ctx context.Context) error {
	t0 := time.Now()
	defer func() { m.mCycleDuration.Observe(time.Since(t0).Seconds()) }()
	var errs []error
	for _, step := range []struct {
		name string
		f    func(context.Context, time.Time) error
	}{
		{"remove_old_dirty_vms", m.removeOldDirtyVMs},
		{"check_vms_health", m.checkVMsHealth},
		{"start_spawn_if_required", m.startSpawnIfRequired},
		{"remove_vm_with_dead_builder", m.removeVMsWithDeadBuilder},
		{"finalize_long_health_checks", m.finalizeLongHealthChecks},
		{"terminate_again", m.terminateAgain},
	} {
		if err := step.f(ctx, m.now()); err != nil {
			m.logger.WithError(err).WithField("Step", step.name).Error("cycle step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	m.recycle()
	if info, err := m.vmm.Info(ctx); err == nil {
		m.updateMetrics(info)
	}
	return errors.Join(errs...)
}

func (m *Master) recycle() {
	m.spawner.Recycle()
	m.checker.Recycle()
	m.terminator.Recycle()
}

func (m *Master) terminate(ctx context.Context, vm *vmmanager.VM, allowed vmmanager.State, reason string) error {
	m.logger.WithFields(logrus.Fields{
		"VMName": vm.Name,
		"VMIP":   vm.IP,
		"State":  vm.State,
		"Reason": reason,
	}).Info("terminating VM")
	ok, err := m.vmm.StartVMTermination(ctx, vm.Name, allowed)
	if ok {
		m.mTerminatesSent.Inc()
	}
	return err
}

// removeOldDirtyVMs terminates ready VMs that stayed bound to a user
// for too long. A failing group doesn't stop the others.
func (m *Master) removeOldDirtyVMs(ctx context.Context, now time.Time) error {
	var errs []error
	for _, g := range m.cfg.BuildGroups {
		vms, err := m.vmm.GetVMs(ctx, g.ID, vmmanager.StateReady)
		if err != nil {
			m.logger.WithError(err).WithField("Group", g.ID).Error("cannot list ready VMs")
			errs = append(errs, fmt.Errorf("group %d: %w", g.ID, err))
			continue
		}
		for _, vm := range vms {
			if vm.BoundToUser == "" || vm.LastRelease.IsZero() {
				continue
			}
			if now.Sub(vm.LastRelease) > g.VMDirtyTerminatingTimeout.Duration() {
				if err := m.terminate(ctx, vm, vmmanager.StateReady, "dirty VM unused"); err != nil {
					m.logger.WithError(err).WithField("VMName", vm.Name).Error("cannot terminate dirty VM")
					errs = append(errs, fmt.Errorf("group %d: %w", g.ID, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Master) checkVMsHealth(ctx context.Context, now time.Time) error {
	vms, err := m.vmm.GetAllVMs(ctx,
		vmmanager.StateCheckHealthFailed,
		vmmanager.StateReady,
		vmmanager.StateGotIP,
		vmmanager.StateInUse)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		g, ok := m.cfg.Group(vm.Group)
		if !ok {
			continue
		}
		if !vm.LastHealthCheck.IsZero() && now.Sub(vm.LastHealthCheck) <= g.VMHealthCheckPeriod.Duration() {
			continue
		}
		if err := m.startVMCheck(ctx, vm); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) startVMCheck(ctx context.Context, vm *vmmanager.VM) error {
	prev, err := m.vmm.SetCheckingState(ctx, vm.Name)
	if err != nil || prev == "" {
		return err
	}
	if err := m.checker.Start(ctx, vm.Group, vm.Name, vm.IP); err != nil {
		m.logger.WithError(err).WithField("VMName", vm.Name).Warn("could not start health check")
		return m.vmm.RestoreCheckState(ctx, vm.Name, prev)
	}
	return nil
}

func (m *Master) startSpawnIfRequired(ctx context.Context, now time.Time) error {
	var errs []error
	for _, g := range m.cfg.BuildGroups {
		if err := m.trySpawnOne(ctx, g, now); err != nil {
			m.logger.WithError(err).WithField("Group", g.ID).Error("cannot spawn VM")
			errs = append(errs, fmt.Errorf("group %d: %w", g.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Master) trySpawnOne(ctx context.Context, g config.BuildGroup, now time.Time) error {
	logger := m.logger.WithField("Group", g.ID)
	all, err := m.vmm.GetVMs(ctx, g.ID)
	if err != nil {
		return err
	}
	active := 0
	for _, vm := range all {
		if vm.State != vmmanager.StateTerminating {
			active++
		}
	}
	inflight := m.spawner.Count(g.ID)
	if active+inflight >= g.MaxVMTotal {
		logger.WithFields(logrus.Fields{"Active": active, "Spawning": inflight}).Debug("group is full")
		return nil
	}
	last, err := m.vmm.GetLastSpawnStart(ctx, g.ID)
	if err != nil {
		return err
	}
	if !last.IsZero() && now.Sub(last) <= g.VMSpawnMinInterval.Duration() {
		logger.Debug("too soon since last spawn")
		return nil
	}
	if inflight >= g.MaxSpawnProcesses {
		logger.WithField("Spawning", inflight).Debug("too many spawn processes")
		return nil
	}
	if len(all) >= 2*g.MaxVMTotal {
		logger.WithField("Total", len(all)).Debug("too many VMs including terminating")
		return nil
	}
	if err := m.throttles[g.ID].Error(); err != nil {
		logger.WithError(err).Debug("spawning held off after failure")
		return nil
	}
	if err := m.vmm.WriteSpawnStart(ctx, g.ID, now); err != nil {
		return err
	}
	m.mSpawnsStarted.WithLabelValues(fmt.Sprint(g.ID)).Inc()
	return m.spawner.Start(ctx, g, func(err error) {
		m.mSpawnFailures.WithLabelValues(fmt.Sprint(g.ID)).Inc()
		m.throttles[g.ID].ErrorUntil(err, time.Now().Add(g.VMSpawnMinInterval.Duration()), nil)
	})
}

func (m *Master) removeVMsWithDeadBuilder(ctx context.Context, now time.Time) error {
	vms, err := m.vmm.GetAllVMs(ctx, vmmanager.StateInUse)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		if !vm.InUseSince.IsZero() && now.Sub(vm.InUseSince) < deadBuilderGracePeriod {
			continue
		}
		alive, err := m.isAlive(ctx, vm.UsedByWorker)
		if err != nil {
			return err
		}
		if alive {
			continue
		}
		if err := m.terminate(ctx, vm, vmmanager.StateInUse, "builder is dead"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) finalizeLongHealthChecks(ctx context.Context, now time.Time) error {
	vms, err := m.vmm.GetAllVMs(ctx, vmmanager.StateCheckHealth)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		g, ok := m.cfg.Group(vm.Group)
		if !ok {
			continue
		}
		if !vm.LastHealthCheck.IsZero() && now.Sub(vm.LastHealthCheck) <= g.VMHealthCheckMaxTime.Duration() {
			continue
		}
		m.logger.WithField("VMName", vm.Name).Info("health check took too long")
		if err := m.vmm.MarkVMCheckFailed(ctx, vm.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) terminateAgain(ctx context.Context, now time.Time) error {
	vms, err := m.vmm.GetAllVMs(ctx, vmmanager.StateTerminating)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		g, ok := m.cfg.Group(vm.Group)
		if !ok {
			continue
		}
		if now.Sub(vm.TerminatingSince) <= g.VMTerminatingTimeout.Duration() {
			continue
		}
		same, err := m.vmm.LookupVMsByIP(ctx, vm.IP)
		if err != nil {
			return err
		}
		if len(same) > 1 {
			// The address was reused by a newer VM, so this
			// record is stale.
			if err := m.vmm.RemoveVMFromPool(ctx, vm.Name); err != nil {
				return err
			}
			continue
		}
		if err := m.terminate(ctx, vm, vmmanager.StateTerminating, "termination timed out"); err != nil {
			return err
		}
	}
	return nil
}
