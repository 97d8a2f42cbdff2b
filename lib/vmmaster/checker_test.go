// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/lib/sshexecutor/sshtest"
	"github.com/fedora-copr/copr-backend/lib/vmmanager"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

func (s *MasterSuite) startSSHServer(c *check.C, reply string) *sshtest.Service {
	_, hostpriv := sshtest.GenerateKey(c)
	clientpub, clientpriv := sshtest.GenerateKey(c)
	srv := &sshtest.Service{
		Exec: func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
			if command != "echo hello" {
				fmt.Fprintf(stderr, "unexpected command %q\n", command)
				return 127
			}
			fmt.Fprint(stdout, reply)
			return 0
		},
		HostKey:        hostpriv,
		AuthorizedUser: "mockbuilder",
		AuthorizedKeys: []ssh.PublicKey{clientpub},
	}
	c.Assert(srv.Start(), check.IsNil)
	_, port, err := net.SplitHostPort(srv.Address())
	c.Assert(err, check.IsNil)
	s.m.checker.Port = port
	s.m.checker.Signers = []ssh.Signer{clientpriv}
	return srv
}

func (s *MasterSuite) checkVM(c *check.C, name string) vmmanager.Event {
	msgs, err := redisconn.Subscribe(s.ctx, s.srv.Client, redisconn.VMPubSub)
	c.Assert(err, check.IsNil)
	c.Assert(s.m.checkVMsHealth(s.ctx, s.now), check.IsNil)
	c.Check(s.state(c, name), check.Equals, vmmanager.StateCheckHealth)
	select {
	case payload := <-msgs:
		var ev vmmanager.Event
		c.Assert(json.Unmarshal([]byte(payload), &ev), check.IsNil)
		s.m.HandleEvent(s.ctx, payload)
		return ev
	case <-time.After(10 * time.Second):
		c.Fatal("no health check event")
	}
	return vmmanager.Event{}
}

func (s *MasterSuite) TestHealthCheckOK(c *check.C) {
	srv := s.startSSHServer(c, "hello\n")
	defer srv.Close()
	s.addVM(c, "a", "127.0.0.1", vmmanager.StateGotIP)
	ev := s.checkVM(c, "a")
	c.Check(ev.Topic, check.Equals, vmmanager.TopicHealthCheck)
	c.Check(ev.Result, check.Equals, "OK")
	c.Check(ev.VMName, check.Equals, "a")
	c.Check(ev.VMIP, check.Equals, "127.0.0.1")
	c.Check(s.state(c, "a"), check.Equals, vmmanager.StateReady)
}

func (s *MasterSuite) TestHealthCheckBadOutput(c *check.C) {
	srv := s.startSSHServer(c, "bye\n")
	defer srv.Close()
	s.addVM(c, "a", "127.0.0.1", vmmanager.StateReady,
		"last_health_check", stamp(s.now.Add(-3*time.Minute)))
	ev := s.checkVM(c, "a")
	c.Check(ev.Result, check.Equals, "failed")
	c.Check(ev.Msg, check.Matches, `unexpected check output "bye\\n"`)
	c.Check(s.state(c, "a"), check.Equals, vmmanager.StateCheckHealthFailed)
}

func (s *MasterSuite) TestHealthCheckUnreachable(c *check.C) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	s.m.checker.Port = port
	s.addVM(c, "a", "127.0.0.1", vmmanager.StateGotIP)
	ev := s.checkVM(c, "a")
	c.Check(ev.Result, check.Equals, "failed")
	c.Check(ev.Msg, check.Matches, `health check failed for VM 127.0.0.1: .*`)
}

func (s *MasterSuite) TestHealthCheckNotDue(c *check.C) {
	s.addVM(c, "a", "127.0.0.1", vmmanager.StateReady,
		"last_health_check", stamp(s.now.Add(-2*time.Minute)))
	c.Assert(s.m.checkVMsHealth(s.ctx, s.now), check.IsNil)
	c.Check(s.state(c, "a"), check.Equals, vmmanager.StateReady)
	c.Check(s.m.checker.Count(0), check.Equals, 0)
}
