// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package frontendtest provides an in-process fake frontend for
// tests.
package frontendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fedora-copr/copr-backend/lib/frontend"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
)

// Server is a fake frontend. Exported fields may be changed (with
// Lock held) while the server is running.
type Server struct {
	sync.Mutex
	*httptest.Server

	Auth           string
	PendingJobs    []copr.BuildJob
	PendingActions []copr.Action
	CancelRequests []string
	Jobs           map[string]copr.BuildJob
	Actions        map[int64]copr.Action
	// owner/name => project; a missing entry responds 404.
	Projects map[string]frontend.Project
	// Files served under /, for Client.Download.
	Files map[string]string
	// If nil, every build may start.
	CanStart func(buildID int64, chroot string) bool

	// Recorded requests.
	Updates       []frontend.UpdateRequest
	Started       []int64
	Rescheduled   []string
	RescheduleAll int
	Canceled      []string
}

// New starts a fake frontend. Call Close when done.
func New() *Server {
	s := &Server{
		Auth:     "s3cr3t",
		Jobs:     map[string]copr.BuildJob{},
		Actions:  map[int64]copr.Action{},
		Projects: map[string]frontend.Project{},
		Files:    map[string]string{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Client returns a client for the fake frontend that retries
// quickly.
func (s *Server) Client() *frontend.Client {
	return &frontend.Client{
		BaseURL:        s.URL,
		Auth:           s.Auth,
		Timeout:        5 * time.Second,
		RetryIncrement: 10 * time.Millisecond,
	}
}

// AllUpdates returns all build updates and action results received
// so far.
func (s *Server) AllUpdates() ([]copr.BuildUpdate, []copr.ActionResult) {
	s.Lock()
	defer s.Unlock()
	var builds []copr.BuildUpdate
	var actions []copr.ActionResult
	for _, upd := range s.Updates {
		builds = append(builds, upd.Builds...)
		actions = append(actions, upd.Actions...)
	}
	return builds, actions
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.Lock()
	defer s.Unlock()
	if !strings.HasPrefix(r.URL.Path, "/backend/") {
		s.servePublic(w, r)
		return
	}
	if _, pw, ok := r.BasicAuth(); !ok || pw != s.Auth {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set(frontend.APIVersionHeader, strconv.Itoa(frontend.MinAPIVersion))
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/backend/"), "/")
	switch {
	case path == "pending-jobs":
		s.reply(w, s.PendingJobs)
	case path == "pending-actions":
		s.reply(w, s.PendingActions)
	case path == "build-tasks/cancel-requests":
		s.reply(w, s.CancelRequests)
	case path == "update":
		var upd frontend.UpdateRequest
		if !s.decode(w, r, &upd) {
			return
		}
		s.Updates = append(s.Updates, upd)
		s.reply(w, map[string]string{})
	case path == "starting_build":
		var req struct {
			BuildID int64  `json:"build_id"`
			Chroot  string `json:"chroot"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		s.Started = append(s.Started, req.BuildID)
		s.reply(w, map[string]bool{"can_start": s.CanStart == nil || s.CanStart(req.BuildID, req.Chroot)})
	case path == "reschedule_build_chroot":
		var req struct {
			TaskID string `json:"task_id"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		s.Rescheduled = append(s.Rescheduled, req.TaskID)
		s.reply(w, map[string]string{})
	case path == "reschedule_all_running":
		s.RescheduleAll++
		s.reply(w, map[string]string{})
	case strings.HasPrefix(path, "build-tasks/canceled/"):
		s.Canceled = append(s.Canceled, strings.TrimPrefix(path, "build-tasks/canceled/"))
		s.reply(w, map[string]string{})
	case strings.HasPrefix(path, "get-build-task/"), strings.HasPrefix(path, "get-srpm-build-task/"):
		id := path[strings.LastIndex(path, "/")+1:]
		if job, ok := s.Jobs[id]; ok {
			s.reply(w, job)
		} else {
			http.Error(w, "no such task", http.StatusNotFound)
		}
	case strings.HasPrefix(path, "action/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(path, "action/"), 10, 64)
		if action, ok := s.Actions[id]; ok {
			s.reply(w, action)
		} else {
			http.Error(w, "no such action", http.StatusNotFound)
		}
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) servePublic(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api_3/project" {
		q := r.URL.Query()
		if p, ok := s.Projects[q.Get("ownername")+"/"+q.Get("projectname")]; ok {
			s.reply(w, p)
		} else {
			http.Error(w, `{"error": "Project does not exist"}`, http.StatusNotFound)
		}
		return
	}
	if body, ok := s.Files[r.URL.Path]; ok {
		w.Write([]byte(body))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
