// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PlaybookSuite{})

type PlaybookSuite struct {
	dir   string
	group config.BuildGroup
	pp    *PlaybookProvisioner
}

// The fake ansible-playbook records its arguments in args.txt and
// runs the playbook file as a shell script.
const fakePlaybookCommand = `#!/bin/sh
printf '%s\n' "$@" > "$(dirname "$0")/args.txt"
while [ $# -gt 0 ]; do
	case "$1" in
	-c) shift 2 ;;
	--extra-vars) shift 2 ;;
	*) playbook="$1"; shift ;;
	esac
done
exec /bin/sh "$playbook"
`

func (s *PlaybookSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	cmd := filepath.Join(s.dir, "ansible-playbook")
	c.Assert(os.WriteFile(cmd, []byte(fakePlaybookCommand), 0755), check.IsNil)
	s.group = config.BuildGroup{
		ID:                0,
		SpawnPlaybook:     filepath.Join(s.dir, "spawn.yml"),
		TerminatePlaybook: filepath.Join(s.dir, "terminate.yml"),
		PlaybookTimeout:   copr.Duration(10 * time.Second),
	}
	pp, err := NewPlaybookProvisioner(&config.Config{PlaybookCommand: cmd + " -v"}, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.pp = pp
}

func (s *PlaybookSuite) writePlaybook(c *check.C, path, script string) {
	c.Assert(os.WriteFile(path, []byte(script), 0644), check.IsNil)
}

func (s *PlaybookSuite) args(c *check.C) []string {
	buf, err := os.ReadFile(filepath.Join(s.dir, "args.txt"))
	c.Assert(err, check.IsNil)
	return strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
}

func (s *PlaybookSuite) TestParseSpawnOutput(c *check.C) {
	name, ip := parseSpawnOutput(`ok: [localhost] => {"msg": "IP=10.0.0.5"}` + "\n" + `ok: [localhost] => {"msg": "vm_name=builder-x86-1"}`)
	c.Check(name, check.Equals, "builder-x86-1")
	c.Check(ip, check.Equals, "10.0.0.5")
	name, ip = parseSpawnOutput("nothing here")
	c.Check(name, check.Equals, "")
	c.Check(ip, check.Equals, "")
}

func (s *PlaybookSuite) TestSpawn(c *check.C) {
	s.writePlaybook(c, s.group.SpawnPlaybook, `echo '"IP=10.0.0.7"'; echo '"vm_name=builder-7"'`)
	name, ip, err := s.pp.Spawn(context.Background(), s.group)
	c.Assert(err, check.IsNil)
	c.Check(name, check.Equals, "builder-7")
	c.Check(ip, check.Equals, "10.0.0.7")
	c.Check(s.args(c), check.DeepEquals, []string{"-v", "-c", "ssh", s.group.SpawnPlaybook})
}

func (s *PlaybookSuite) TestSpawnFailures(c *check.C) {
	for _, trial := range []struct {
		script string
		name   string
		ip     string
	}{
		{`echo IP=10.0.0.8; echo vm_name=half; exit 2`, "half", "10.0.0.8"},
		{`echo vm_name=noip`, "noip", ""},
		{`echo IP=10.0.0.9`, "", "10.0.0.9"},
		{`echo IP=not-an-ip; echo vm_name=bad`, "bad", ""},
		{`exit 1`, "", ""},
	} {
		s.writePlaybook(c, s.group.SpawnPlaybook, trial.script)
		_, _, err := s.pp.Spawn(context.Background(), s.group)
		var se *SpawnError
		c.Assert(errors.As(err, &se), check.Equals, true, check.Commentf("%q", trial.script))
		c.Check(se.Name, check.Equals, trial.name)
		c.Check(se.IP, check.Equals, trial.ip)
		c.Check(copr.IsRetryable(err), check.Equals, true)
	}
}

func (s *PlaybookSuite) TestSpawnMissingPlaybook(c *check.C) {
	_, _, err := s.pp.Spawn(context.Background(), s.group)
	c.Check(err, check.ErrorMatches, `.*no such file.*`)
}

func (s *PlaybookSuite) TestSpawnTimeout(c *check.C) {
	s.group.PlaybookTimeout = copr.Duration(200 * time.Millisecond)
	s.writePlaybook(c, s.group.SpawnPlaybook, `echo IP=10.0.0.10; exec sleep 10`)
	t0 := time.Now()
	_, _, err := s.pp.Spawn(context.Background(), s.group)
	c.Check(err, check.ErrorMatches, `.*timed out.*`)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
}

func (s *PlaybookSuite) TestTerminate(c *check.C) {
	s.writePlaybook(c, s.group.TerminatePlaybook, `exit 0`)
	err := s.pp.Terminate(context.Background(), s.group, "builder-7", "10.0.0.7")
	c.Assert(err, check.IsNil)
	c.Check(s.args(c), check.DeepEquals, []string{"-v", "-c", "ssh", s.group.TerminatePlaybook,
		"--extra-vars", `{"copr_task":{"ip":"10.0.0.7","vm_name":"builder-7"}}`})

	s.writePlaybook(c, s.group.TerminatePlaybook, `echo unreachable; exit 4`)
	err = s.pp.Terminate(context.Background(), s.group, "builder-7", "10.0.0.7")
	c.Check(err, check.ErrorMatches, `(?s)terminate playbook: .*unreachable`)
}

func (s *PlaybookSuite) TestNewProvisioners(c *check.C) {
	cfg := &config.Config{
		PlaybookCommand: "ansible-playbook",
		BuildGroups:     []config.BuildGroup{{ID: 0, Provisioner: "playbook"}, {ID: 1}},
	}
	provs, err := NewProvisioners(context.Background(), cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(provs, check.HasLen, 2)
	c.Check(provs[0], check.Equals, provs[1])

	cfg.BuildGroups = append(cfg.BuildGroups, config.BuildGroup{ID: 2, Provisioner: "openstack"})
	_, err = NewProvisioners(context.Background(), cfg, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `group 2: unknown provisioner "openstack"`)
}

func (s *PlaybookSuite) TestThrottle(c *check.C) {
	var thr throttle
	c.Check(thr.Error(), check.IsNil)
	notified := make(chan struct{})
	thr.ErrorUntil(errors.New("boom"), time.Now().Add(100*time.Millisecond), func() { close(notified) })
	c.Check(thr.Error(), check.ErrorMatches, "boom")
	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		c.Fatal("not notified")
	}
	time.Sleep(time.Millisecond)
	c.Check(thr.Error(), check.IsNil)
}
