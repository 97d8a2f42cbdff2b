// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package copr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&NamingSuite{})

type NamingSuite struct{}

func (s *NamingSuite) TestChrootArch(c *check.C) {
	c.Check(ChrootArch("fedora-39-x86_64"), check.Equals, "x86_64")
	c.Check(ChrootArch("epel-7-ppc64le"), check.Equals, "ppc64le")
	c.Check(ChrootArch("srpm-builds"), check.Equals, "builds")
	c.Check(ChrootArch("noarch"), check.Equals, "noarch")
}

func (s *NamingSuite) TestSplitChroot(c *check.C) {
	for _, trial := range []struct {
		chroot, distro, release, arch string
	}{
		{"fedora-39-x86_64", "fedora", "39", "x86_64"},
		{"centos-stream-9-aarch64", "centos-stream", "9", "aarch64"},
		{"fedora-rawhide-i386", "fedora", "rawhide", "i386"},
		{"weird", "", "", "weird"},
	} {
		d, r, a := SplitChroot(trial.chroot)
		c.Check([]string{d, r, a}, check.DeepEquals, []string{trial.distro, trial.release, trial.arch}, check.Commentf("%s", trial.chroot))
	}
}

func (s *NamingSuite) TestBuildDirs(c *check.C) {
	c.Check(BuildTargetDir(42, "hello"), check.Equals, "00000042-hello")
	c.Check(BuildTargetDir(42, ""), check.Equals, "00000042")
	c.Check(BuildChrootLogName(7), check.Equals, "build-00000007.log")
	c.Check(TaskID(9, "fedora-39-x86_64"), check.Equals, "9-fedora-39-x86_64")
	c.Check(TaskID(9, SRPMChroot), check.Equals, "9")

	job := BuildJob{BuildID: 42, Chroot: "fedora-39-x86_64", PackageName: "hello"}
	c.Check(job.TargetDirName(), check.Equals, "00000042-hello")
	c.Check(job.IsSRPM(), check.Equals, false)
	c.Check(job.TimeoutDuration(time.Hour), check.Equals, time.Hour)
	job.Timeout = 60
	c.Check(job.TimeoutDuration(time.Hour), check.Equals, time.Minute)
}

func (s *NamingSuite) TestSplitFilename(c *check.C) {
	n, v, r, e, a := SplitFilename("1:bar-9-123a.ia64.rpm")
	c.Check([]string{n, v, r, e, a}, check.DeepEquals, []string{"bar", "9", "123a", "1", "ia64"})
	n, v, r, e, a = SplitFilename("hello-1.0-1.fc39.x86_64.rpm")
	c.Check([]string{n, v, r, e, a}, check.DeepEquals, []string{"hello", "1.0", "1.fc39", "", "x86_64"})

	c.Check(FormatFilename("hello", "1.0", "1", "", "x86_64", false), check.Equals, "hello-1.0-1.x86_64")
	c.Check(FormatFilename("hello", "1.0", "1", "", "x86_64", true), check.Equals, "hello-0:1.0-1.x86_64")
	c.Check(FormatFilename("bar", "9", "123a", "1", "ia64", false), check.Equals, "bar-1:9-123a.ia64")
}

func (s *NamingSuite) TestStatus(c *check.C) {
	c.Check(StatusSucceeded.String(), check.Equals, "succeeded")
	c.Check(StatusSucceeded.Terminal(), check.Equals, true)
	c.Check(StatusRunning.Terminal(), check.Equals, false)
	c.Check(BuildStatus(99).String(), check.Equals, "unknown-99")
	c.Check(ActionRemoveDirs.String(), check.Equals, "remove_dirs")
	c.Check(ActionFailure.String(), check.Equals, "failure")
}

func (s *NamingSuite) TestDuration(c *check.C) {
	var cfg struct {
		A Duration
		B Duration
	}
	err := json.Unmarshal([]byte(`{"A":"1m30s","B":20}`), &cfg)
	c.Assert(err, check.IsNil)
	c.Check(cfg.A.Duration(), check.Equals, 90*time.Second)
	c.Check(cfg.B.Duration(), check.Equals, 20*time.Second)
	buf, err := json.Marshal(cfg)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"A":"1m30s","B":"20s"}`)
	c.Check(json.Unmarshal([]byte(`{"A":true}`), &cfg), check.NotNil)
}

func (s *NamingSuite) TestErrorClasses(c *check.C) {
	base := errors.New("boom")
	c.Check(IsRetryable(fmt.Errorf("ctx: %w", Retryable(base))), check.Equals, true)
	c.Check(IsFatal(Retryable(base)), check.Equals, false)
	c.Check(IsFatal(fmt.Errorf("ctx: %w", Fatal(base))), check.Equals, true)
	c.Check(errors.Is(Fatal(base), base), check.Equals, true)
	c.Check(Retryable(nil), check.IsNil)
	c.Check(IsRetryable(base), check.Equals, false)
}

func (s *NamingSuite) TestActionData(c *check.C) {
	a := Action{ID: 3, ActionType: ActionCreaterepo, Data: `{"ownername":"alice"}`}
	var data struct {
		Ownername string `json:"ownername"`
	}
	c.Assert(a.DecodeData(&data), check.IsNil)
	c.Check(data.Ownername, check.Equals, "alice")
	a.Data = "{"
	c.Check(IsFatal(a.DecodeData(&data)), check.Equals, true)
}
