// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package builddispatch

import (
	"strconv"
	"strings"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/workermgr"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
)

// Width of a frontend priority section. Source builds come first,
// then background source builds, then binary builds, then
// background binary builds.
const prioritySection = 1000000

// Task is a pending build job in the dispatcher's queue.
type Task struct {
	Job *copr.BuildJob

	backendPriority int
}

func (t *Task) ID() string { return t.Job.TaskID }

// SourceBuild reports whether the task builds a source RPM. Source
// build task ids are bare build ids.
func (t *Task) SourceBuild() bool {
	_, err := strconv.ParseInt(t.Job.TaskID, 10, 64)
	return err == nil
}

// FrontendPriority is the static part of the priority, derived from
// the job alone.
func (t *Task) FrontendPriority() int {
	p := t.Job.Priority
	if t.Job.Background {
		p += 2 * prioritySection
	}
	if !t.SourceBuild() {
		p += prioritySection
	}
	return p
}

// Priority implements workermgr.QueueTask. Lower runs first.
func (t *Task) Priority() int {
	return t.FrontendPriority() + t.backendPriority
}

// RequestedArch is the native builder architecture the task needs.
// Source builds may ask for a specific chroot too. It is "" when the
// job names no real chroot, and such builds run anywhere.
func (t *Task) RequestedArch() string {
	if t.Job.Chroot == "" || t.Job.Chroot == copr.SRPMChroot {
		return ""
	}
	arch := copr.ChrootArch(t.Job.Chroot)
	if strings.HasSuffix(arch, "86") {
		// i386, i586, i686
		return "x86_64"
	}
	return arch
}

// vmArch selects the build groups a VM may come from.
func (t *Task) vmArch() string {
	if arch := t.RequestedArch(); arch != "" {
		return arch
	}
	return "x86_64"
}

// assignPriorities sets backend priorities. Walking tasks in frontend
// order, the Nth task of each (background, owner, arch, sandbox)
// combination gets backend priority N, so one owner's burst of
// submissions interleaves with other owners' builds.
func assignPriorities(tasks []*Task) {
	type key struct {
		background bool
		owner      string
		arch       string
		sandbox    string
	}
	counters := map[key]int{}
	for _, t := range tasks {
		arch := t.RequestedArch()
		if t.SourceBuild() {
			arch = "srpm"
		}
		k := key{t.Job.Background, t.Job.ProjectOwner, arch, t.Job.Sandbox}
		counters[k]++
		t.backendPriority = counters[k]
	}
}

// newLimits returns the worker limits configured in cfg.
func newLimits(cfg config.BuildsLimits) []workermgr.Limit {
	var limits []workermgr.Limit
	for _, arch := range sortedKeys(cfg.Arch) {
		arch := arch
		limits = append(limits, &workermgr.PredicateLimit{
			Name:      "arch_" + arch,
			Predicate: func(qt workermgr.QueueTask) bool { return qt.(*Task).RequestedArch() == arch },
			Max:       cfg.Arch[arch],
		})
	}
	for _, tag := range sortedKeys(cfg.Tag) {
		tag := tag
		limits = append(limits, &workermgr.PredicateLimit{
			Name: "tag_" + tag,
			Predicate: func(qt workermgr.QueueTask) bool {
				for _, t := range qt.(*Task).Job.Tags {
					if t == tag {
						return true
					}
				}
				return false
			},
			Max: cfg.Tag[tag],
		})
	}
	limits = append(limits,
		&workermgr.HashLimit{
			Name:   "sandbox",
			Hasher: func(qt workermgr.QueueTask) string { return qt.(*Task).Job.Sandbox },
			Max:    cfg.Sandbox,
		},
		&workermgr.HashLimit{
			Name:   "owner",
			Hasher: func(qt workermgr.QueueTask) string { return qt.(*Task).Job.ProjectOwner },
			Max:    cfg.Owner,
		})
	return limits
}
