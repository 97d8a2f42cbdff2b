// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/lib/vmmanager"
	"github.com/sirupsen/logrus"
)

type eventFunc func(ctx context.Context, ev vmmanager.Event) error

func (m *Master) eventHandlers() map[string]eventFunc {
	return map[string]eventFunc{
		vmmanager.TopicHealthCheck:        m.onHealthCheck,
		vmmanager.TopicVMSpawned:          m.onVMSpawned,
		vmmanager.TopicTerminationRequest: m.onTerminationRequest,
		vmmanager.TopicVMTerminated:       m.onVMTerminated,
	}
}

// runEvents consumes the VM pub/sub channel until ctx is done or the
// subscription ends.
func (m *Master) runEvents(ctx context.Context, ready chan<- struct{}) error {
	msgs, err := redisconn.Subscribe(ctx, m.rdb, redisconn.VMPubSub)
	if err != nil {
		return err
	}
	close(ready)
	for payload := range msgs {
		m.HandleEvent(ctx, payload)
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("subscription to %s ended", redisconn.VMPubSub)
}

// HandleEvent decodes one pub/sub message and dispatches it by topic.
// Malformed and unknown messages are logged and dropped.
func (m *Master) HandleEvent(ctx context.Context, payload string) {
	var ev vmmanager.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		m.logger.WithError(err).WithField("Payload", payload).Warn("bad event")
		return
	}
	logger := m.logger.WithFields(logrus.Fields{"Topic": ev.Topic, "VMName": ev.VMName})
	h, ok := m.handlers[ev.Topic]
	if !ok {
		logger.Debug("ignoring event with unknown topic")
		return
	}
	if err := h(ctx, ev); err != nil {
		logger.WithError(err).Error("error handling event")
	}
}

func (m *Master) onHealthCheck(ctx context.Context, ev vmmanager.Event) error {
	if ev.Result == "OK" {
		return m.vmm.OnHealthCheckSuccess(ctx, ev.VMName, ev.Msg)
	}
	fails, err := m.vmm.RecordFailure(ctx, ev.VMName, ev.Msg)
	if err != nil {
		return err
	}
	if fails <= m.cfg.VMMaxCheckFails {
		return nil
	}
	vm, err := m.vmm.GetVMByName(ctx, ev.VMName)
	if err != nil {
		return err
	}
	if vm.State != vmmanager.StateCheckHealthFailed && vm.State != vmmanager.StateInUse {
		return nil
	}
	m.logger.WithFields(logrus.Fields{
		"VMName":     vm.Name,
		"CheckFails": fails,
	}).Info("terminating VM after repeated health check failures")
	_, err = m.vmm.StartVMTermination(ctx, vm.Name, vm.State)
	return err
}

func (m *Master) onVMSpawned(ctx context.Context, ev vmmanager.Event) error {
	if ev.VMName == "" || ev.VMIP == "" {
		return fmt.Errorf("vm_spawned event without name or IP: %+v", ev)
	}
	_, err := m.vmm.AddVMToPool(ctx, ev.VMIP, ev.VMName, ev.Group)
	return err
}

func (m *Master) onTerminationRequest(ctx context.Context, ev vmmanager.Event) error {
	g, ok := m.cfg.Group(ev.Group)
	if !ok {
		return fmt.Errorf("unknown group %d", ev.Group)
	}
	return m.terminator.Start(ctx, g, ev.VMName, ev.VMIP)
}

func (m *Master) onVMTerminated(ctx context.Context, ev vmmanager.Event) error {
	if ev.Result != "OK" {
		// terminate_again retries after vm_terminating_timeout.
		m.logger.WithFields(logrus.Fields{"VMName": ev.VMName, "Msg": ev.Msg}).Warn("VM termination failed")
		return nil
	}
	return m.vmm.RemoveVMFromPool(ctx, ev.VMName)
}
