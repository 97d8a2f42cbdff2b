// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/hashicorp/go-retryablehttp"
)

// KeygenRequestError means the key generation service could not
// create a key pair.
type KeygenRequestError struct {
	Owner   string
	Project string
	URL     string
	Status  int
	Body    string
	Err     error
}

func (e *KeygenRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to create key-pair for user: %s, project: %s: %s", e.Owner, e.Project, e.Err)
	}
	return fmt.Sprintf("failed to create key-pair for user: %s, project: %s, status_code: %d, response: %s", e.Owner, e.Project, e.Status, e.Body)
}

// Transport failures are worth retrying; an error status is not.
func (e *KeygenRequestError) Retryable() bool {
	return e.Err != nil
}

// Keygen talks to the key generation service.
type Keygen struct {
	Host   string
	Domain string
	// Zero means a single attempt.
	RetryMax int
	Timeout  time.Duration
}

// CreateUserKeys asks the keygen service to create a key pair for the
// project.
func (kg *Keygen) CreateUserKeys(ctx context.Context, owner, project string) error {
	body, err := json.Marshal(map[string]string{
		"name_real":  owner + "_" + project,
		"name_email": GPGEmail(owner, project, kg.Domain),
	})
	if err != nil {
		return err
	}
	url := "http://" + kg.Host + "/gen_key"
	kerr := &KeygenRequestError{Owner: owner, Project: project, URL: url}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = kg.RetryMax
	client.RetryWaitMin = time.Second
	client.HTTPClient.Timeout = kg.Timeout
	if client.HTTPClient.Timeout == 0 {
		client.HTTPClient.Timeout = 2 * time.Minute
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		kerr.Err = err
		return copr.Fatal(kerr)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		kerr.Err = err
		return kerr
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kerr.Status = resp.StatusCode
		kerr.Body = strings.TrimSpace(string(buf))
		return kerr
	}
	return nil
}
