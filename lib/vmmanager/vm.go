// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmanager

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// State is the lifecycle state of a builder VM.
type State string

const (
	StateGotIP             State = "got_ip"
	StateCheckHealth       State = "check_health"
	StateCheckHealthFailed State = "check_health_failed"
	StateReady             State = "ready"
	StateInUse             State = "in_use"
	StateTerminating       State = "terminating"
)

// States lists every state, in lifecycle order.
var States = []State{StateGotIP, StateCheckHealth, StateCheckHealthFailed, StateReady, StateInUse, StateTerminating}

// VM is a VM descriptor, as stored in the vm_instance:<name> hash.
type VM struct {
	Name  string
	IP    string
	Group int
	State State

	BoundToUser  string
	UsedByWorker string
	TaskID       string
	BuildID      string
	Chroot       string

	LastHealthCheck    time.Time
	LastHealthCheckMsg string
	LastRelease        time.Time
	InUseSince         time.Time
	TerminatingSince   time.Time

	CheckFails  int
	BuildsCount int
}

func (vm *VM) String() string {
	return fmt.Sprintf("VM<%s ip=%s group=%d state=%s>", vm.Name, vm.IP, vm.Group, vm.State)
}

// Timestamps are stored as fractional unix seconds, so Lua scripts
// can compare them numerically.
func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64)
}

func parseTime(s string) time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func vmFromHash(h map[string]string) *VM {
	vm := &VM{
		Name:               h["vm_name"],
		IP:                 h["vm_ip"],
		State:              State(h["state"]),
		BoundToUser:        h["bound_to_user"],
		UsedByWorker:       h["used_by_worker"],
		TaskID:             h["task_id"],
		BuildID:            h["build_id"],
		Chroot:             h["chroot"],
		LastHealthCheck:    parseTime(h["last_health_check"]),
		LastHealthCheckMsg: h["last_health_check_msg"],
		LastRelease:        parseTime(h["last_release"]),
		InUseSince:         parseTime(h["in_use_since"]),
		TerminatingSince:   parseTime(h["terminating_since"]),
	}
	vm.Group, _ = strconv.Atoi(h["group"])
	vm.CheckFails, _ = strconv.Atoi(h["check_fails"])
	vm.BuildsCount, _ = strconv.Atoi(h["builds_count"])
	return vm
}

func (vm *VM) hash() map[string]interface{} {
	return map[string]interface{}{
		"vm_name":      vm.Name,
		"vm_ip":        vm.IP,
		"group":        vm.Group,
		"state":        string(vm.State),
		"check_fails":  vm.CheckFails,
		"builds_count": vm.BuildsCount,
	}
}
