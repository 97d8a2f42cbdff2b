// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package buildworker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fedora-copr/copr-backend/lib/builder"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/createrepo"
	"github.com/fedora-copr/copr-backend/lib/frontend/frontendtest"
	"github.com/fedora-copr/copr-backend/lib/msgbus"
	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/lib/redisconn/redistest"
	"github.com/fedora-copr/copr-backend/lib/service"
	"github.com/fedora-copr/copr-backend/lib/sshexecutor"
	"github.com/fedora-copr/copr-backend/lib/vmmanager"
	"github.com/fedora-copr/copr-backend/lib/workermgr"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&WorkerSuite{})

// fakeBuilder answers the commands a Driver sends to a builder VM.
type fakeBuilder struct {
	sync.Mutex
	unreachable bool
	failed      bool
	// Number of copr-rpmbuild starts that fail before one works.
	buildFailures int
	// If not nil, the build stays alive until closed or until the
	// caller gives up.
	running  chan struct{}
	commands []string
}

func (fb *fakeBuilder) Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	fb.Lock()
	fb.commands = append(fb.commands, cmd)
	unreachable, failed, running := fb.unreachable, fb.failed, fb.running
	buildFails := strings.HasPrefix(cmd, "copr-rpmbuild ") && fb.buildFailures > 0
	if buildFails {
		fb.buildFailures--
	}
	fb.Unlock()
	if unreachable {
		return nil, nil, &sshexecutor.ConnectionError{Addr: "10.0.0.5", Err: errors.New("connection refused")}
	}
	switch {
	case buildFails:
		return nil, []byte("mock: command not found\n"), &ssh.ExitError{}
	case strings.HasPrefix(cmd, "copr-rpmbuild "):
		return []byte("4242\n"), nil, nil
	case strings.HasPrefix(cmd, "cat "):
		return []byte("4242\n"), nil, nil
	case strings.HasPrefix(cmd, "/usr/bin/kill -0 "):
		if running != nil {
			select {
			case <-running:
			default:
				return nil, nil, nil
			}
		}
		return nil, nil, &ssh.ExitError{}
	case strings.HasSuffix(cmd, "/results/success"):
		if failed {
			return nil, nil, &ssh.ExitError{}
		}
	}
	return nil, nil, nil
}

func (fb *fakeBuilder) Stream(ctx context.Context, env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	io.WriteString(stdout, "Start: build phase\n")
	if fb.running != nil {
		select {
		case <-fb.running:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	io.WriteString(stdout, "Finish: build phase\n")
	return nil
}

func (fb *fakeBuilder) count(prefix string) int {
	fb.Lock()
	defer fb.Unlock()
	n := 0
	for _, cmd := range fb.commands {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

type fakeRepo struct {
	sync.Mutex
	runs []createrepo.Options
}

func (fr *fakeRepo) Run(ctx context.Context, opts createrepo.Options) (bool, error) {
	fr.Lock()
	defer fr.Unlock()
	fr.runs = append(fr.runs, opts)
	return true, nil
}

type WorkerSuite struct {
	srv      *redistest.Server
	frontend *frontendtest.Server
	cfg      *config.Config
	ctx      context.Context
	builder  *fakeBuilder
	repo     *fakeRepo
	rpm      string
	job      copr.BuildJob
	w        *Worker
	vmm      *vmmanager.Manager
	args     service.WorkerArgs
}

func (s *WorkerSuite) SetUpTest(c *check.C) {
	tmp := c.MkDir()
	s.srv = redistest.New(c)
	s.frontend = frontendtest.New()
	logger := ctxlog.TestLogger(c)
	s.ctx = ctxlog.Context(context.Background(), logger)
	s.cfg = &config.Config{
		DestDir:  filepath.Join(tmp, "results"),
		RepoTool: "/bin/true",
		Builder: config.BuilderConfig{
			User:           "mockbuilder",
			RemoteBuildDir: "/var/lib/copr-rpmbuild",
			RsyncBinary: writeScript(c, tmp, "rsync", `for dst; do :; done
echo ok >"$dst/success"
touch "$dst/hello-1.0-1.fc39.x86_64.rpm" "$dst/hello-1.0-1.fc39.src.rpm"
`),
		},
		BuildGroups: []config.BuildGroup{{ID: 0, Name: "x86", Archs: []string{"x86_64"}}},
	}
	s.rpm = writeScript(c, tmp, "rpm", `echo "hello (none) 1.0 1.fc39 x86_64"`)
	s.builder = &fakeBuilder{}
	s.repo = &fakeRepo{}
	s.job = copr.BuildJob{
		BuildID:        12,
		TaskID:         "12-fedora-39-x86_64",
		Chroot:         "fedora-39-x86_64",
		ProjectOwner:   "alice",
		ProjectName:    "hello",
		ProjectDirname: "hello",
		PackageName:    "hello",
		PackageVersion: "1.0-1",
	}
	s.frontend.Jobs[s.job.TaskID] = s.job

	s.vmm = vmmanager.New(s.srv.Client, s.cfg, logger)
	_, err := s.vmm.AddVMToPool(s.ctx, "10.0.0.5", "vm1", 0)
	c.Assert(err, check.IsNil)
	_, err = s.vmm.SetCheckingState(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Assert(s.vmm.OnHealthCheckSuccess(s.ctx, "vm1", "ok"), check.IsNil)
	s.args = service.WorkerArgs{
		TaskID:   s.job.TaskID,
		WorkerID: workermgr.WorkerID("worker", s.job.TaskID),
		VMName:   "vm1",
	}
	_, err = s.vmm.AcquireVM(s.ctx, []int{0}, "alice", s.args.WorkerID, s.job.TaskID, s.job.BuildID, s.job.Chroot)
	c.Assert(err, check.IsNil)

	sender, err := msgbus.NewMessageSender(s.cfg, s.srv.Client, "worker", logger)
	c.Assert(err, check.IsNil)
	s.w, err = New(s.cfg, s.srv.Client, s.frontend.Client(), sender, logger)
	c.Assert(err, check.IsNil)
	s.w.repo = s.repo
	s.w.CancelCheckPeriod = 5 * time.Millisecond
	s.w.newDriver = func(job *copr.BuildJob, vm *vmmanager.VM, resultsDir string, logger logrus.FieldLogger) (*builder.Driver, func(), error) {
		d := builder.New(s.cfg, job, vm.IP, s.builder, resultsDir, logger)
		d.RPMBinary = s.rpm
		d.PollInterval = 5 * time.Millisecond
		return d, func() {}, nil
	}
}

func (s *WorkerSuite) TearDownTest(c *check.C) {
	s.frontend.Close()
	s.srv.Close()
}

func writeScript(c *check.C, dir, name, body string) string {
	path := filepath.Join(dir, name)
	c.Assert(os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755), check.IsNil)
	return path
}

func (s *WorkerSuite) resultsDir() string {
	return filepath.Join(s.cfg.DestDir, "alice", "hello", "fedora-39-x86_64", s.job.TargetDirName())
}

func (s *WorkerSuite) entryStatus(c *check.C) string {
	info, err := workermgr.OpenEntry(s.srv.Client, s.args.WorkerID).Get(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(info[workermgr.FieldStarted], check.Equals, "1")
	return info[workermgr.FieldStatus]
}

func (s *WorkerSuite) buildUpdates() []copr.BuildUpdate {
	builds, _ := s.frontend.AllUpdates()
	return builds
}

func (s *WorkerSuite) TestSuccess(c *check.C) {
	c.Assert(s.w.Run(s.ctx, s.args), check.IsNil)
	c.Check(s.entryStatus(c), check.Equals, "succeeded")

	upd := s.buildUpdates()
	c.Assert(upd, check.HasLen, 2)
	c.Check(upd[0].Status, check.Equals, copr.StatusRunning)
	c.Check(upd[0].StartedOn, check.NotNil)
	c.Check(upd[1].Status, check.Equals, copr.StatusSucceeded)
	c.Check(upd[1].EndedOn, check.NotNil)
	c.Check(upd[1].ResultDir, check.Equals, s.job.TargetDirName())
	c.Assert(upd[1].Results, check.NotNil)
	c.Check(upd[1].Results.Packages, check.DeepEquals, []copr.BuiltPackage{
		{Name: "hello", Version: "1.0", Release: "1.fc39", Arch: "x86_64"},
	})

	c.Assert(s.repo.runs, check.HasLen, 1)
	c.Check(s.repo.runs[0].Add, check.DeepEquals, []string{s.job.TargetDirName()})

	for _, name := range []string{"build.info", "backend.log.gz", builder.LiveLogName + ".gz", "success"} {
		_, err := os.Stat(filepath.Join(s.resultsDir(), name))
		c.Check(err, check.IsNil, check.Commentf("%s", name))
	}

	vm, err := s.vmm.GetVMByName(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Check(vm.State, check.Equals, vmmanager.StateReady)
}

func (s *WorkerSuite) TestBuildFailed(c *check.C) {
	s.builder.failed = true
	c.Assert(s.w.Run(s.ctx, s.args), check.IsNil)
	c.Check(s.entryStatus(c), check.Equals, "failed")
	upd := s.buildUpdates()
	c.Assert(upd, check.HasLen, 2)
	c.Check(upd[1].Status, check.Equals, copr.StatusFailed)
	c.Check(upd[1].Results, check.IsNil)
	c.Check(s.repo.runs, check.HasLen, 0)
	// Results of a failed build are still downloaded.
	_, err := os.Stat(filepath.Join(s.resultsDir(), "success"))
	c.Check(err, check.IsNil)
}

func (s *WorkerSuite) TestUnreachableBuilder(c *check.C) {
	s.builder.unreachable = true
	err := s.w.Run(s.ctx, s.args)
	c.Check(errors.Is(err, ErrVM), check.Equals, true)
	c.Check(s.entryStatus(c), check.Equals, StatusRescheduled)

	s.frontend.Lock()
	c.Check(s.frontend.Rescheduled, check.DeepEquals, []string{s.job.TaskID})
	s.frontend.Unlock()
	// No end-of-build update.
	c.Check(s.buildUpdates(), check.HasLen, 1)

	vm, err := s.vmm.GetVMByName(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Check(vm.State, check.Equals, vmmanager.StateTerminating)
}

func (s *WorkerSuite) TestCancelRequest(c *check.C) {
	s.builder.running = make(chan struct{})
	defer close(s.builder.running)
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.srv.Client.HSet(context.Background(), s.args.WorkerID, workermgr.FieldCancelRequest, "1")
	}()
	c.Assert(s.w.Run(s.ctx, s.args), check.IsNil)
	c.Check(s.entryStatus(c), check.Equals, "canceled")
	upd := s.buildUpdates()
	c.Assert(upd, check.HasLen, 2)
	c.Check(upd[1].Status, check.Equals, copr.StatusCanceled)

	vm, err := s.vmm.GetVMByName(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Check(vm.State, check.Equals, vmmanager.StateTerminating)
}

func (s *WorkerSuite) TestInterrupt(c *check.C) {
	s.builder.running = make(chan struct{})
	defer close(s.builder.running)
	done := make(chan struct{})
	defer close(done)
	go func() {
		time.Sleep(50 * time.Millisecond)
		// The VM master terminates the VM, which interrupts the
		// build. Publish again until the worker has subscribed.
		s.vmm.StartVMTermination(context.Background(), "vm1", vmmanager.StateInUse)
		for {
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
				s.srv.Client.Publish(context.Background(), redisconn.InterruptBuildChannel("10.0.0.5"), "terminating")
			}
		}
	}()
	err := s.w.Run(s.ctx, s.args)
	c.Check(errors.Is(err, ErrVM), check.Equals, true)
	c.Check(s.entryStatus(c), check.Equals, StatusRescheduled)

	s.frontend.Lock()
	c.Check(s.frontend.Rescheduled, check.DeepEquals, []string{s.job.TaskID})
	s.frontend.Unlock()
	// Only the start update, no canceled or failed end.
	upd := s.buildUpdates()
	c.Assert(upd, check.HasLen, 1)
	c.Check(upd[0].Status, check.Equals, copr.StatusRunning)

	vm, err := s.vmm.GetVMByName(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Check(vm.State, check.Equals, vmmanager.StateTerminating)
}

func (s *WorkerSuite) TestRetryBuilderError(c *check.C) {
	s.cfg.Builder.MaxRetryCount = 2
	s.builder.buildFailures = 1
	c.Assert(s.w.Run(s.ctx, s.args), check.IsNil)
	c.Check(s.entryStatus(c), check.Equals, "succeeded")
	c.Check(s.builder.count("copr-rpmbuild "), check.Equals, 2)
	upd := s.buildUpdates()
	c.Assert(upd, check.HasLen, 2)
	c.Check(upd[1].Status, check.Equals, copr.StatusSucceeded)
	c.Check(s.repo.runs, check.HasLen, 1)
}

func (s *WorkerSuite) TestRetryExhausted(c *check.C) {
	s.cfg.Builder.MaxRetryCount = 2
	s.builder.buildFailures = 5
	c.Assert(s.w.Run(s.ctx, s.args), check.IsNil)
	c.Check(s.entryStatus(c), check.Equals, "failed")
	c.Check(s.builder.count("copr-rpmbuild "), check.Equals, 2)
	c.Check(s.repo.runs, check.HasLen, 0)
}

func (s *WorkerSuite) TestNoRetryOnConnectionError(c *check.C) {
	s.cfg.Builder.MaxRetryCount = 2
	s.builder.unreachable = true
	err := s.w.Run(s.ctx, s.args)
	c.Check(errors.Is(err, ErrVM), check.Equals, true)
	c.Check(s.builder.count("/bin/rpm -q copr-rpmbuild"), check.Equals, 1)
}

func (s *WorkerSuite) TestReattach(c *check.C) {
	c.Assert(os.MkdirAll(s.resultsDir(), 0755), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(s.resultsDir(), "build.info"), []byte("old"), 0644), check.IsNil)
	s.args.Reattach = true
	c.Assert(s.w.Run(s.ctx, s.args), check.IsNil)
	c.Check(s.entryStatus(c), check.Equals, "succeeded")

	// The results dir of the running build is left alone.
	buf, err := os.ReadFile(filepath.Join(s.resultsDir(), "build.info"))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "old")
	s.builder.Lock()
	for _, cmd := range s.builder.commands {
		c.Check(strings.HasPrefix(cmd, "copr-rpmbuild "), check.Equals, false)
	}
	s.builder.Unlock()
}

func (s *WorkerSuite) TestWrongVM(c *check.C) {
	s.args.VMName = "vm2"
	_, err := s.vmm.AddVMToPool(s.ctx, "10.0.0.6", "vm2", 0)
	c.Assert(err, check.IsNil)
	err = s.w.Run(s.ctx, s.args)
	c.Check(err, check.ErrorMatches, `VM vm2 is not assigned to task .*`)
	c.Check(s.entryStatus(c), check.Equals, StatusError)
	c.Check(s.buildUpdates(), check.HasLen, 0)
}

func (s *WorkerSuite) TestMissingJob(c *check.C) {
	s.frontend.Lock()
	delete(s.frontend.Jobs, s.job.TaskID)
	s.frontend.Unlock()
	err := s.w.Run(s.ctx, s.args)
	c.Check(err, check.ErrorMatches, `getting job: .*`)
	c.Check(s.entryStatus(c), check.Equals, StatusError)
	vm, err := s.vmm.GetVMByName(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Check(vm.State, check.Equals, vmmanager.StateInUse)
}
