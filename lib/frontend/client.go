// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package frontend is the backend's client for the frontend's
// /backend/ API.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const (
	// APIVersionHeader is sent on every request, and must be at
	// least MinAPIVersion on every response.
	APIVersionHeader = "Copr-FE-BE-API-Version"
	MinAPIVersion    = 4

	defaultTimeout        = 2 * time.Minute
	defaultRetryIncrement = 5 * time.Second
)

// Error is returned for a response with status 4xx. Such errors are
// Fatal: retrying the same request won't help.
type Error struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("frontend: %s %s: %d %s", e.Method, e.URL, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsNotFound reports whether err is a 404 response from the
// frontend.
func IsNotFound(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Status == http.StatusNotFound
}

// Client talks to the frontend. Its zero value is not usable; use
// New.
//
// Requests failing with a connection error or a 5xx status are
// retried with linearly growing pauses (RetryIncrement, then twice
// that, ...) until Timeout expires, or forever if TryIndefinitely is
// set.
type Client struct {
	BaseURL         string
	Auth            string
	Timeout         time.Duration
	TryIndefinitely bool
	RetryIncrement  time.Duration

	// If nil, the logger attached to the request context is
	// used.
	Logger logrus.FieldLogger

	setupOnce sync.Once
	rc        *retryablehttp.Client
}

// New returns a client configured from cfg.
func New(cfg *config.Config, logger logrus.FieldLogger) *Client {
	return &Client{
		BaseURL:        strings.TrimSuffix(cfg.FrontendBaseURL, "/"),
		Auth:           cfg.FrontendAuth,
		Timeout:        cfg.FrontendTimeout.Duration(),
		RetryIncrement: defaultRetryIncrement,
		Logger:         logger,
	}
}

// Relentless returns a copy of the client that never gives up on
// retryable failures.
func (c *Client) Relentless() *Client {
	return &Client{
		BaseURL:         c.BaseURL,
		Auth:            c.Auth,
		Timeout:         c.Timeout,
		TryIndefinitely: true,
		RetryIncrement:  c.RetryIncrement,
		Logger:          c.Logger,
	}
}

func (c *Client) setup() {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = math.MaxInt32
	rc.RetryWaitMin = c.RetryIncrement
	if rc.RetryWaitMin <= 0 {
		rc.RetryWaitMin = defaultRetryIncrement
	}
	rc.Backoff = linearBackoff
	rc.CheckRetry = checkRetry
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		lgr := c.logger(req.Context()).WithFields(logrus.Fields{
			"Method": req.Method,
			"URL":    req.URL.String(),
		})
		if attempt == 0 {
			lgr.Debug("sending request to frontend")
		} else {
			lgr.WithField("Attempt", attempt+1).Warn("retrying request to frontend")
		}
	}
	c.rc = rc
}

func (c *Client) logger(ctx context.Context) logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return ctxlog.FromContext(ctx)
}

// linearBackoff waits min, 2*min, 3*min, ... between attempts. There
// is no upper limit: the overall deadline is enforced by the request
// context.
func linearBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	return min * time.Duration(attemptNum+1)
}

// checkRetry retries on connection errors and 5xx responses. Any
// other response (including 4xx) is returned to the caller.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// do sends a request to the frontend and decodes the JSON response
// into respBody (if not nil).
func (c *Client) do(ctx context.Context, method, rawURL string, reqBody, respBody interface{}) error {
	c.setupOnce.Do(c.setup)
	if !c.TryIndefinitely {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			return copr.Fatal(err)
		}
	}
	for {
		req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return copr.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(APIVersionHeader, strconv.Itoa(MinAPIVersion))
		if c.Auth != "" {
			req.SetBasicAuth("user", c.Auth)
		}
		resp, err := c.rc.Do(req)
		if err != nil {
			return copr.Retryable(fmt.Errorf("frontend: %s %s: %w", method, rawURL, err))
		}
		err = c.handleResponse(method, rawURL, resp, respBody)
		if errors.Is(err, errAPITooOld) && c.TryIndefinitely {
			c.logger(ctx).WithError(err).Error("waiting for frontend upgrade")
			select {
			case <-ctx.Done():
				return copr.Retryable(ctx.Err())
			case <-time.After(c.rc.RetryWaitMin):
			}
			continue
		}
		return err
	}
}

var errAPITooOld = errors.New("frontend FE/BE API is too old")

func (c *Client) handleResponse(method, rawURL string, resp *http.Response, respBody interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return copr.Fatal(&Error{
			Method: method,
			URL:    rawURL,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(buf)),
		})
	}
	if !strings.HasPrefix(rawURL, c.BaseURL+"/backend/") {
		// Public API responses don't carry the FE/BE version.
	} else if v, _ := strconv.Atoi(resp.Header.Get(APIVersionHeader)); v < MinAPIVersion {
		return copr.Fatal(fmt.Errorf("%w: %d < %d", errAPITooOld, v, MinAPIVersion))
	}
	if respBody == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return copr.Fatal(fmt.Errorf("frontend: %s %s: decoding response: %w", method, rawURL, err))
	}
	return nil
}

func (c *Client) backendURL(path string) string {
	return c.BaseURL + "/backend/" + strings.Trim(path, "/") + "/"
}

func (c *Client) get(ctx context.Context, path string, respBody interface{}) error {
	return c.do(ctx, "GET", c.backendURL(path), nil, respBody)
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	return c.do(ctx, "POST", c.backendURL(path), reqBody, respBody)
}

// GetPendingJobs returns the build jobs waiting to be started, in
// the frontend's order.
func (c *Client) GetPendingJobs(ctx context.Context) ([]copr.BuildJob, error) {
	var jobs []copr.BuildJob
	err := c.get(ctx, "pending-jobs", &jobs)
	return jobs, err
}

// GetPendingActions returns the actions waiting to be run.
func (c *Client) GetPendingActions(ctx context.Context) ([]copr.Action, error) {
	var actions []copr.Action
	err := c.get(ctx, "pending-actions", &actions)
	return actions, err
}

// GetCancelRequests returns the task ids of builds the user has
// asked to cancel.
func (c *Client) GetCancelRequests(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.get(ctx, "build-tasks/cancel-requests", &ids)
	return ids, err
}

// UpdateRequest carries build progress and action results. The
// frontend accepts duplicates.
type UpdateRequest struct {
	Builds  []copr.BuildUpdate  `json:"builds,omitempty"`
	Actions []copr.ActionResult `json:"actions,omitempty"`
}

// Update reports build progress and/or action results.
func (c *Client) Update(ctx context.Context, upd UpdateRequest) error {
	return c.post(ctx, "update", upd, nil)
}

// StartingBuild tells the frontend the build is about to start. It
// returns false if the build must not start (e.g., it was canceled
// or deleted in the meantime).
func (c *Client) StartingBuild(ctx context.Context, job *copr.BuildJob) (bool, error) {
	var resp struct {
		CanStart *bool `json:"can_start"`
	}
	err := c.post(ctx, "starting_build", map[string]interface{}{
		"build_id": job.BuildID,
		"chroot":   job.Chroot,
	}, &resp)
	if err != nil {
		return false, err
	}
	if resp.CanStart == nil {
		return false, copr.Fatal(errors.New("frontend: bad response to starting_build: no can_start field"))
	}
	return *resp.CanStart, nil
}

// RescheduleBuild puts a build-chroot back into the pending state.
func (c *Client) RescheduleBuild(ctx context.Context, buildID int64, taskID, chroot string) error {
	return c.post(ctx, "reschedule_build_chroot", map[string]interface{}{
		"build_id": buildID,
		"task_id":  taskID,
		"chroot":   chroot,
	}, nil)
}

// RescheduleAllRunning puts every running build back into the
// pending state.
func (c *Client) RescheduleAllRunning(ctx context.Context) error {
	return c.post(ctx, "reschedule_all_running", map[string]interface{}{}, nil)
}

// ReportCanceled acknowledges a cancel request. wasRunning tells the
// frontend whether a worker was actually stopped.
func (c *Client) ReportCanceled(ctx context.Context, taskID string, wasRunning bool) error {
	return c.post(ctx, "build-tasks/canceled/"+url.PathEscape(taskID), wasRunning, nil)
}

// GetJob returns the definition of one build task.
func (c *Client) GetJob(ctx context.Context, taskID string) (*copr.BuildJob, error) {
	path := "get-build-task/" + url.PathEscape(taskID)
	if _, err := strconv.ParseInt(taskID, 10, 64); err == nil {
		path = "get-srpm-build-task/" + taskID
	}
	var job copr.BuildJob
	if err := c.get(ctx, path, &job); err != nil {
		return nil, err
	}
	if job.TaskID == "" {
		job.TaskID = taskID
	}
	return &job, nil
}

// GetAction returns the definition of one action.
func (c *Client) GetAction(ctx context.Context, id int64) (*copr.Action, error) {
	var action copr.Action
	if err := c.get(ctx, "action/"+strconv.FormatInt(id, 10), &action); err != nil {
		return nil, err
	}
	return &action, nil
}

// Project is the subset of the frontend's project record the backend
// uses.
type Project struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Ownername string `json:"ownername"`
	FullName  string `json:"full_name"`
	DevelMode bool   `json:"devel_mode"`
	Persist   bool   `json:"persistent"`
	AutoPrune bool   `json:"auto_prune"`
	Appstream bool   `json:"appstream"`
}

// GetProject returns the project's settings. IsNotFound(err) is true
// if the project doesn't exist (anymore).
func (c *Client) GetProject(ctx context.Context, owner, project string) (*Project, error) {
	q := url.Values{"ownername": {owner}, "projectname": {project}}
	var p Project
	err := c.do(ctx, "GET", c.BaseURL+"/api_3/project?"+q.Encode(), nil, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Download saves the document at path (relative to the frontend base
// URL) to dst.
func (c *Client) Download(ctx context.Context, path, dst string) error {
	c.setupOnce.Do(c.setup)
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	src := c.BaseURL + "/" + strings.TrimPrefix(path, "/")
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", src, nil)
	if err != nil {
		return copr.Fatal(err)
	}
	resp, err := c.rc.Do(req)
	if err != nil {
		return copr.Retryable(fmt.Errorf("frontend: GET %s: %w", src, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return copr.Fatal(&Error{Method: "GET", URL: src, Status: resp.StatusCode})
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, resp.Body)
	if err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err != nil {
		return copr.Retryable(fmt.Errorf("frontend: GET %s: %w", src, err))
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	c.logger(ctx).WithField("URL", src).Infof("downloaded %s to %s", humanize.Bytes(uint64(n)), dst)
	return os.Rename(tmp.Name(), dst)
}
