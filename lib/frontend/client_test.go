// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package frontend_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fedora-copr/copr-backend/lib/frontend"
	"github.com/fedora-copr/copr-backend/lib/frontend/frontendtest"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ClientSuite{})

type ClientSuite struct {
	fe  *frontendtest.Server
	ctx context.Context
}

func (s *ClientSuite) SetUpTest(c *check.C) {
	s.fe = frontendtest.New()
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
}

func (s *ClientSuite) TearDownTest(c *check.C) {
	s.fe.Close()
}

// stubServer responds with the given status codes in turn, then 200.
func stubServer(statuses []int, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(hits, 1))
		w.Header().Set(frontend.APIVersionHeader, "4")
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		w.Write([]byte(`[]`))
	}))
}

func (s *ClientSuite) TestRetryOn5xx(c *check.C) {
	var hits int32
	srv := stubServer([]int{502, 503, 500}, &hits)
	defer srv.Close()
	fc := &frontend.Client{BaseURL: srv.URL, Timeout: 5 * time.Second, RetryIncrement: time.Millisecond}
	jobs, err := fc.GetPendingJobs(s.ctx)
	c.Check(err, check.IsNil)
	c.Check(jobs, check.HasLen, 0)
	c.Check(atomic.LoadInt32(&hits), check.Equals, int32(4))
}

func (s *ClientSuite) TestNoRetryOn4xx(c *check.C) {
	var hits int32
	srv := stubServer([]int{403, 500}, &hits)
	defer srv.Close()
	fc := &frontend.Client{BaseURL: srv.URL, Timeout: 5 * time.Second, RetryIncrement: time.Millisecond}
	_, err := fc.GetPendingJobs(s.ctx)
	c.Check(err, check.ErrorMatches, `frontend: GET .*/backend/pending-jobs/: 403 Forbidden`)
	c.Check(copr.IsFatal(err), check.Equals, true)
	var fe *frontend.Error
	c.Check(errors.As(err, &fe), check.Equals, true)
	c.Check(fe.Status, check.Equals, 403)
	c.Check(atomic.LoadInt32(&hits), check.Equals, int32(1))
}

func (s *ClientSuite) TestGiveUpAfterTimeout(c *check.C) {
	var hits int32
	statuses := make([]int, 1000)
	for i := range statuses {
		statuses[i] = 500
	}
	srv := stubServer(statuses, &hits)
	defer srv.Close()
	fc := &frontend.Client{BaseURL: srv.URL, Timeout: 200 * time.Millisecond, RetryIncrement: 20 * time.Millisecond}
	t0 := time.Now()
	_, err := fc.GetPendingJobs(s.ctx)
	c.Check(err, check.NotNil)
	c.Check(copr.IsRetryable(err), check.Equals, true)
	c.Check(time.Since(t0) < 2*time.Second, check.Equals, true)
	// Linear backoff: 20+40+60+80 > 200ms, so at most 5 attempts.
	c.Check(atomic.LoadInt32(&hits) <= 5, check.Equals, true)
	c.Check(atomic.LoadInt32(&hits) >= 2, check.Equals, true)
}

func (s *ClientSuite) TestRelentlessOutlastsTimeout(c *check.C) {
	var hits int32
	srv := stubServer([]int{500, 500, 500, 500, 500}, &hits)
	defer srv.Close()
	fc := (&frontend.Client{BaseURL: srv.URL, Timeout: 10 * time.Millisecond, RetryIncrement: 5 * time.Millisecond}).Relentless()
	_, err := fc.GetPendingJobs(s.ctx)
	c.Check(err, check.IsNil)
	c.Check(atomic.LoadInt32(&hits), check.Equals, int32(6))
}

func (s *ClientSuite) TestConnectionRefused(c *check.C) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	fc := &frontend.Client{BaseURL: url, Timeout: 100 * time.Millisecond, RetryIncrement: 10 * time.Millisecond}
	err := fc.Update(s.ctx, frontend.UpdateRequest{})
	c.Check(err, check.NotNil)
	c.Check(copr.IsRetryable(err), check.Equals, true)
}

func (s *ClientSuite) TestOldAPIVersion(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(frontend.APIVersionHeader, "3")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	fc := &frontend.Client{BaseURL: srv.URL, Timeout: time.Second}
	_, err := fc.GetPendingJobs(s.ctx)
	c.Check(err, check.ErrorMatches, `frontend FE/BE API is too old: 3 < 4`)
	c.Check(copr.IsFatal(err), check.Equals, true)
}

func (s *ClientSuite) TestRequestHeaders(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pw, ok := r.BasicAuth()
		c.Check(ok, check.Equals, true)
		c.Check(user, check.Equals, "user")
		c.Check(pw, check.Equals, "pw")
		c.Check(r.Header.Get(frontend.APIVersionHeader), check.Equals, "4")
		c.Check(r.Header.Get("Content-Type"), check.Equals, "application/json")
		w.Header().Set(frontend.APIVersionHeader, "5")
		w.Write([]byte(`["1-fedora-rawhide-x86_64"]`))
	}))
	defer srv.Close()
	fc := &frontend.Client{BaseURL: srv.URL, Auth: "pw", Timeout: time.Second}
	ids, err := fc.GetCancelRequests(s.ctx)
	c.Check(err, check.IsNil)
	c.Check(ids, check.DeepEquals, []string{"1-fedora-rawhide-x86_64"})
}

func (s *ClientSuite) TestStartingBuild(c *check.C) {
	s.fe.CanStart = func(buildID int64, chroot string) bool { return buildID != 13 }
	fc := s.fe.Client()
	ok, err := fc.StartingBuild(s.ctx, &copr.BuildJob{BuildID: 12, Chroot: "fedora-39-x86_64"})
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	ok, err = fc.StartingBuild(s.ctx, &copr.BuildJob{BuildID: 13, Chroot: "fedora-39-x86_64"})
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	c.Check(s.fe.Started, check.DeepEquals, []int64{12, 13})
}

func (s *ClientSuite) TestStartingBuildBadResponse(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(frontend.APIVersionHeader, "4")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	fc := &frontend.Client{BaseURL: srv.URL, Timeout: time.Second}
	_, err := fc.StartingBuild(s.ctx, &copr.BuildJob{BuildID: 1})
	c.Check(err, check.ErrorMatches, `.*no can_start field`)
}

func (s *ClientSuite) TestUpdateAndReschedule(c *check.C) {
	fc := s.fe.Client()
	started := int64(1700000000)
	c.Assert(fc.Update(s.ctx, frontend.UpdateRequest{
		Builds: []copr.BuildUpdate{{BuildID: 5, TaskID: "5-fedora-39-x86_64", Chroot: "fedora-39-x86_64", Status: copr.StatusRunning, StartedOn: &started}},
	}), check.IsNil)
	c.Assert(fc.Update(s.ctx, frontend.UpdateRequest{
		Actions: []copr.ActionResult{{ID: 7, Result: copr.ActionSuccess}},
	}), check.IsNil)
	c.Assert(fc.RescheduleBuild(s.ctx, 5, "5-fedora-39-x86_64", "fedora-39-x86_64"), check.IsNil)
	c.Assert(fc.RescheduleAllRunning(s.ctx), check.IsNil)
	c.Assert(fc.ReportCanceled(s.ctx, "5-fedora-39-x86_64", true), check.IsNil)

	builds, actions := s.fe.AllUpdates()
	c.Assert(builds, check.HasLen, 1)
	c.Check(builds[0].Status, check.Equals, copr.StatusRunning)
	c.Check(*builds[0].StartedOn, check.Equals, started)
	c.Assert(actions, check.HasLen, 1)
	c.Check(actions[0].ID, check.Equals, int64(7))
	c.Check(s.fe.Rescheduled, check.DeepEquals, []string{"5-fedora-39-x86_64"})
	c.Check(s.fe.RescheduleAll, check.Equals, 1)
	c.Check(s.fe.Canceled, check.DeepEquals, []string{"5-fedora-39-x86_64"})
}

func (s *ClientSuite) TestGetJob(c *check.C) {
	s.fe.Jobs["77"] = copr.BuildJob{BuildID: 77, Chroot: copr.SRPMChroot}
	s.fe.Jobs["78-fedora-39-x86_64"] = copr.BuildJob{BuildID: 78, Chroot: "fedora-39-x86_64", TaskID: "78-fedora-39-x86_64"}
	fc := s.fe.Client()
	job, err := fc.GetJob(s.ctx, "77")
	c.Assert(err, check.IsNil)
	c.Check(job.TaskID, check.Equals, "77")
	c.Check(job.IsSRPM(), check.Equals, true)
	job, err = fc.GetJob(s.ctx, "78-fedora-39-x86_64")
	c.Assert(err, check.IsNil)
	c.Check(job.BuildID, check.Equals, int64(78))
	_, err = fc.GetJob(s.ctx, "79-fedora-39-x86_64")
	c.Check(frontend.IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestGetProject(c *check.C) {
	s.fe.Projects["alice/hello"] = frontend.Project{Name: "hello", Ownername: "alice", DevelMode: true}
	fc := s.fe.Client()
	p, err := fc.GetProject(s.ctx, "alice", "hello")
	c.Assert(err, check.IsNil)
	c.Check(p.DevelMode, check.Equals, true)
	_, err = fc.GetProject(s.ctx, "alice", "gone")
	c.Check(frontend.IsNotFound(err), check.Equals, true)
}

func (s *ClientSuite) TestDownload(c *check.C) {
	s.fe.Files["/coprs/alice/hello/chroot/fedora-39-x86_64/comps/"] = "<comps/>"
	fc := s.fe.Client()
	dst := filepath.Join(c.MkDir(), "comps.xml")
	c.Assert(fc.Download(s.ctx, "/coprs/alice/hello/chroot/fedora-39-x86_64/comps/", dst), check.IsNil)
	buf, err := os.ReadFile(dst)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "<comps/>")

	err = fc.Download(s.ctx, "/nonexistent", dst+".2")
	c.Check(frontend.IsNotFound(err), check.Equals, true)
	_, err = os.Stat(dst + ".2")
	c.Check(os.IsNotExist(err), check.Equals, true)
}
