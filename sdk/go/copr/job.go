// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package copr

import (
	"fmt"
	"strconv"
	"time"
)

// SRPMChroot is the pseudo-chroot used for source RPM builds.
const SRPMChroot = "srpm-builds"

// BuildStatus is the frontend's numeric build-chroot state.
type BuildStatus int

const (
	StatusFailed    BuildStatus = 0
	StatusSucceeded BuildStatus = 1
	StatusCanceled  BuildStatus = 2
	StatusRunning   BuildStatus = 3
	StatusPending   BuildStatus = 4
	StatusSkipped   BuildStatus = 5
	StatusStarting  BuildStatus = 6
	StatusImporting BuildStatus = 7
	StatusForked    BuildStatus = 8
	StatusWaiting   BuildStatus = 9
)

var statusNames = map[BuildStatus]string{
	StatusFailed:    "failed",
	StatusSucceeded: "succeeded",
	StatusCanceled:  "canceled",
	StatusRunning:   "running",
	StatusPending:   "pending",
	StatusSkipped:   "skipped",
	StatusStarting:  "starting",
	StatusImporting: "importing",
	StatusForked:    "forked",
	StatusWaiting:   "waiting",
}

func (s BuildStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown-" + strconv.Itoa(int(s))
}

// Terminal reports whether the frontend treats s as final.
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusFailed, StatusSucceeded, StatusSkipped, StatusCanceled:
		return true
	}
	return false
}

// BuildJob is a single build-chroot task as handed out by the
// frontend.
type BuildJob struct {
	TaskID         string     `json:"task_id"`
	BuildID        int64      `json:"build_id"`
	Chroot         string     `json:"chroot"`
	ProjectOwner   string     `json:"project_owner"`
	ProjectName    string     `json:"project_name"`
	ProjectDirname string     `json:"project_dirname"`
	Submitter      string     `json:"submitter"`
	Sandbox        string     `json:"sandbox"`
	Background     bool       `json:"background"`
	Priority       int        `json:"priority"`
	Tags           []string   `json:"tags"`
	Timeout        int        `json:"timeout"`
	EnableNet      bool       `json:"enable_net"`
	SourceType     int        `json:"source_type"`
	SourceJSON     string     `json:"source_json"`
	Repos          []RepoSpec `json:"repos"`
	PackageName    string     `json:"package_name"`
	PackageVersion string     `json:"package_version"`
	UsesDevelRepo  bool       `json:"uses_devel_repo"`
	Appstream      bool       `json:"appstream"`
}

// BuildUpdate is one entry of the "builds" list posted to the
// frontend's update endpoint.
type BuildUpdate struct {
	BuildID   int64         `json:"build_id"`
	TaskID    string        `json:"task_id"`
	Chroot    string        `json:"chroot"`
	Status    BuildStatus   `json:"status"`
	StartedOn *int64        `json:"started_on,omitempty"`
	EndedOn   *int64        `json:"ended_on,omitempty"`
	ResultDir string        `json:"result_dir,omitempty"`
	Results   *BuildResults `json:"results,omitempty"`
	Version   string        `json:"pkg_version,omitempty"`
	Name      string        `json:"pkg_name,omitempty"`
}

// RepoSpec is an additional repository enabled for a build.
type RepoSpec struct {
	ID       string `json:"id"`
	BaseURL  string `json:"baseurl"`
	Name     string `json:"name"`
	Priority *int   `json:"priority,omitempty"`
}

// BuildResults lists the binary packages a build produced.
type BuildResults struct {
	Packages []BuiltPackage `json:"packages"`
}

// BuiltPackage is one built RPM's name/version/release/arch.
type BuiltPackage struct {
	Name    string `json:"name"`
	Epoch   int    `json:"epoch"`
	Version string `json:"version"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
}

// IsSRPM reports whether the job builds a source RPM.
func (job *BuildJob) IsSRPM() bool {
	return job.Chroot == "" || job.Chroot == SRPMChroot
}

// TimeoutDuration returns the job timeout, or def if none was given.
func (job *BuildJob) TimeoutDuration(def time.Duration) time.Duration {
	if job.Timeout > 0 {
		return time.Duration(job.Timeout) * time.Second
	}
	return def
}

// TargetDirName returns the build directory name inside the chroot
// directory.
func (job *BuildJob) TargetDirName() string {
	if job.IsSRPM() {
		return BuildTargetDir(job.BuildID, "")
	}
	return BuildTargetDir(job.BuildID, job.PackageName)
}

func (job *BuildJob) String() string {
	return fmt.Sprintf("BuildJob<id: %d, owner: %s, project: %s, chroot: %s>", job.BuildID, job.ProjectOwner, job.ProjectDirname, job.Chroot)
}

// TaskID returns the idempotency key for a build-chroot pair.
// Source builds are identified by the bare build id.
func TaskID(buildID int64, chroot string) string {
	if chroot == "" || chroot == SRPMChroot {
		return strconv.FormatInt(buildID, 10)
	}
	return fmt.Sprintf("%d-%s", buildID, chroot)
}
