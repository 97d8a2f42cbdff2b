// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package actions

import (
	"context"
	"sync"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/frontend/frontendtest"
	"github.com/fedora-copr/copr-backend/lib/redisconn/redistest"
	"github.com/fedora-copr/copr-backend/lib/service"
	"github.com/fedora-copr/copr-backend/lib/workermgr"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	srv      *redistest.Server
	frontend *frontendtest.Server
	cfg      *config.Config
	d        *Dispatcher
	ctx      context.Context

	mtx     sync.Mutex
	started [][]string
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	s.srv = redistest.New(c)
	s.frontend = frontendtest.New()
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cfg = &config.Config{
		DestDir:           c.MkDir(),
		ActionsMaxWorkers: 2,
		WorkerCommand:     []string{"/usr/bin/copr-backend"},
	}
	s.started = nil
	s.d = NewDispatcher(s.cfg, s.srv.Client, s.frontend.Client(), ctxlog.TestLogger(c), nil)
	s.d.workers.PollInterval = 5 * time.Millisecond
	s.d.now = func() time.Time { return time.Unix(1700000000, 0) }
	s.d.startProcess = func(argv, env []string, logger logrus.FieldLogger) (int, error) {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.started = append(s.started, argv)
		return 12345, nil
	}
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.frontend.Close()
	s.srv.Close()
}

func (s *DispatcherSuite) setActions(actions ...copr.Action) {
	s.frontend.Lock()
	defer s.frontend.Unlock()
	s.frontend.PendingActions = actions
	for _, a := range actions {
		s.frontend.Actions[a.ID] = a
	}
}

func (s *DispatcherSuite) cycle(c *check.C) {
	c.Assert(s.d.DoCycle(s.ctx, 50*time.Millisecond), check.IsNil)
}

func (s *DispatcherSuite) TestStartWorkers(c *check.C) {
	s.setActions(
		copr.Action{ID: 3, ActionType: copr.ActionLegalFlag},
		copr.Action{ID: 4, ActionType: copr.ActionLegalFlag, Priority: -10},
		copr.Action{ID: 5, ActionType: copr.ActionLegalFlag, Priority: 10},
	)
	s.cycle(c)
	// Two worker slots, the lowest priority values first.
	c.Check(s.started, check.DeepEquals, [][]string{
		{"/usr/bin/copr-backend", "action-worker", "--task-id", "4", "--worker-id", "action_worker:4"},
		{"/usr/bin/copr-backend", "action-worker", "--task-id", "3", "--worker-id", "action_worker:3"},
	})

	// The running workers are not started again.
	s.cycle(c)
	c.Check(s.started, check.HasLen, 2)
}

func (s *DispatcherSuite) TestFinishTask(c *check.C) {
	s.setActions(copr.Action{ID: 3, ActionType: copr.ActionLegalFlag})
	s.cycle(c)
	c.Assert(s.started, check.HasLen, 1)

	entry := workermgr.OpenEntry(s.srv.Client, "action_worker:3")
	c.Assert(entry.MarkStarted(s.ctx), check.IsNil)
	c.Assert(entry.Set(s.ctx, map[string]interface{}{FieldMessage: "Destination directory already exist."}), check.IsNil)
	c.Assert(entry.SetStatus(s.ctx, "2"), check.IsNil)
	s.setActions()
	s.cycle(c)

	_, results := s.frontend.AllUpdates()
	c.Check(results, check.DeepEquals, []copr.ActionResult{{
		ID:      3,
		Result:  copr.ActionFailure,
		Message: "Destination directory already exist.",
		EndedOn: 1700000000,
	}})
	n, err := s.srv.Client.Exists(s.ctx, "action_worker:3").Result()
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, int64(0))
	c.Check(s.d.workers.RunningWorkers(), check.Equals, 0)
}

func (s *DispatcherSuite) TestFinishTaskBadStatus(c *check.C) {
	err := s.d.FinishTask(s.ctx, "action_worker:8", map[string]string{workermgr.FieldStatus: "garbage"})
	c.Assert(err, check.IsNil)
	_, results := s.frontend.AllUpdates()
	c.Assert(results, check.HasLen, 1)
	c.Check(results[0].Result, check.Equals, copr.ActionFailure)

	err = s.d.FinishTask(s.ctx, "action_worker:x", map[string]string{workermgr.FieldStatus: "1"})
	c.Check(err, check.ErrorMatches, `bad action worker id .*`)
}

func (s *DispatcherSuite) TestRunWorker(c *check.C) {
	s.setActions(copr.Action{ID: 3, ActionType: copr.ActionRename, OldValue: "alice/old", NewValue: "alice/new"})
	runner := &Runner{cfg: s.cfg, destDir: s.cfg.DestDir, repo: &fakeRepo{}, signer: &fakeSigner{}}
	args := service.WorkerArgs{TaskID: "3", WorkerID: "action_worker:3"}
	c.Assert(RunWorker(s.ctx, s.srv.Client, s.frontend.Client(), runner, args), check.IsNil)

	info, err := workermgr.OpenEntry(s.srv.Client, "action_worker:3").Get(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(info[workermgr.FieldStatus], check.Equals, "1")
	c.Check(info[FieldMessage], check.Equals, "")
	c.Check(info[workermgr.FieldStarted], check.Not(check.Equals), "")
}

func (s *DispatcherSuite) TestRunWorkerMissingAction(c *check.C) {
	runner := &Runner{cfg: s.cfg, destDir: s.cfg.DestDir, repo: &fakeRepo{}, signer: &fakeSigner{}}
	args := service.WorkerArgs{TaskID: "99", WorkerID: "action_worker:99"}
	c.Assert(RunWorker(s.ctx, s.srv.Client, s.frontend.Client(), runner, args), check.IsNil)

	info, err := workermgr.OpenEntry(s.srv.Client, "action_worker:99").Get(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(info[workermgr.FieldStatus], check.Equals, "2")
	c.Check(info[FieldMessage], check.Equals, "action 99 not found")
}

func (s *DispatcherSuite) TestRunWorkerBadTaskID(c *check.C) {
	runner := &Runner{cfg: s.cfg, destDir: s.cfg.DestDir}
	args := service.WorkerArgs{TaskID: "abc", WorkerID: "action_worker:abc"}
	err := RunWorker(s.ctx, s.srv.Client, s.frontend.Client(), runner, args)
	c.Check(copr.IsFatal(err), check.Equals, true)
}

func (s *DispatcherSuite) TestRun(c *check.C) {
	s.cfg.SleepTime = copr.Duration(20 * time.Millisecond)
	s.setActions(copr.Action{ID: 3, ActionType: copr.ActionLegalFlag})
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error)
	go func() { done <- s.d.Run(ctx) }()
	deadline := time.Now().Add(10 * time.Second)
	for {
		s.mtx.Lock()
		n := len(s.started)
		s.mtx.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	c.Check(<-done, check.IsNil)
	c.Check(s.started, check.HasLen, 1)
	c.Check(s.d.CheckHealth(), check.IsNil)
}
