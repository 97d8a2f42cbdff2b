// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

//go:build integration

package vmmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&IntegrationSuite{})

// IntegrationSuite runs the Lua scripts against a real Redis server,
// started in a container.
type IntegrationSuite struct {
	container testcontainers.Container
	rdb       *redis.Client
	mgr       *Manager
	ctx       context.Context
}

func (s *IntegrationSuite) SetUpSuite(c *check.C) {
	if testing.Short() {
		c.Skip("skipping integration suite in short mode")
	}
	s.ctx = context.Background()
	container, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	c.Assert(err, check.IsNil)
	s.container = container
	host, err := container.Host(s.ctx)
	c.Assert(err, check.IsNil)
	port, err := container.MappedPort(s.ctx, "6379")
	c.Assert(err, check.IsNil)
	s.rdb = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
}

func (s *IntegrationSuite) TearDownSuite(c *check.C) {
	if s.rdb != nil {
		s.rdb.Close()
	}
	if s.container != nil {
		s.container.Terminate(s.ctx)
	}
}

func (s *IntegrationSuite) SetUpTest(c *check.C) {
	c.Assert(s.rdb.FlushDB(s.ctx).Err(), check.IsNil)
	s.mgr = New(s.rdb, testConfig(), ctxlog.TestLogger(c))
	c.Assert(s.mgr.MarkServerStart(s.ctx), check.IsNil)
	time.Sleep(10 * time.Millisecond)
}

// Many dispatchers racing for a few VMs never share one.
func (s *IntegrationSuite) TestConcurrentAcquire(c *check.C) {
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("vm%d", i)
		_, err := s.mgr.AddVMToPool(s.ctx, fmt.Sprintf("10.0.0.%d", i), name, 0)
		c.Assert(err, check.IsNil)
		_, err = s.mgr.SetCheckingState(s.ctx, name)
		c.Assert(err, check.IsNil)
		c.Assert(s.mgr.OnHealthCheckSuccess(s.ctx, name, "ok"), check.IsNil)
	}

	var wg sync.WaitGroup
	var mtx sync.Mutex
	acquired := map[string]string{}
	failed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskID := fmt.Sprintf("%d-fedora-39-x86_64", i)
			// distinct owners, so the per-user limit doesn't apply
			vm, err := s.mgr.AcquireVM(s.ctx, []int{0}, fmt.Sprintf("user%d", i), fmt.Sprintf("w%d", i), taskID, int64(i), "fedora-39-x86_64")
			mtx.Lock()
			defer mtx.Unlock()
			if err == ErrNoVMAvailable {
				failed++
				return
			}
			c.Check(err, check.IsNil)
			if vm != nil {
				c.Check(acquired[vm.Name], check.Equals, "")
				acquired[vm.Name] = taskID
			}
		}(i)
	}
	wg.Wait()
	c.Check(acquired, check.HasLen, 3)
	c.Check(failed, check.Equals, 7)

	for name, taskID := range acquired {
		vm, err := s.mgr.GetVMByName(s.ctx, name)
		c.Assert(err, check.IsNil)
		c.Check(vm.TaskID, check.Equals, taskID)
		c.Check(vm.State, check.Equals, StateInUse)
	}
}

func (s *IntegrationSuite) TestReleaseAfterFailedCheck(c *check.C) {
	_, err := s.mgr.AddVMToPool(s.ctx, "10.0.0.1", "vm1", 0)
	c.Assert(err, check.IsNil)
	_, err = s.mgr.SetCheckingState(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Assert(s.mgr.OnHealthCheckSuccess(s.ctx, "vm1", "ok"), check.IsNil)
	_, err = s.mgr.AcquireVM(s.ctx, []int{0}, "alice", "w1", "1-c", 1, "c")
	c.Assert(err, check.IsNil)
	n, err := s.mgr.RecordFailure(s.ctx, "vm1", "timeout")
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 1)
	ok, err := s.mgr.ReleaseVM(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	vm, err := s.mgr.GetVMByName(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	c.Check(vm.State, check.Equals, StateCheckHealthFailed)
	c.Check(vm.BuildsCount, check.Equals, 1)
}
