// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("copr-backend config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*flag provided but not defined: -badarg.*`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("copr-backend config-dump", []string{"-config=-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*frontend_base_url is not set\n`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("copr-backend config-dump", []string{"-config=-"}, bytes.NewBufferString(minimalYAML+"frontend_auth: secret\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nfrontend_auth: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nsleeptime: 5s\n.*`)
}

func (s *CommandSuite) TestCheckUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("copr-backend config-check", []string{"-config=-"}, bytes.NewBufferString(minimalYAML+"destdirr: /tmp\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown config entry: destdirr.*`)
}

func (s *CommandSuite) TestCheckOK(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("copr-backend config-check", []string{"-config=-"}, bytes.NewBufferString(minimalYAML), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("copr-backend config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
