// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest helps test cmd.Handlers.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck swaps os.Stdout and os.Stderr for temp files, and returns
// a func that puts them back and fails the test if anything was
// written to them. Handlers must write to the streams they are given.
//
//	defer cmdtest.LeakCheck(c)()
func LeakCheck(c *check.C) func() {
	origStdout, origStderr := os.Stdout, os.Stderr
	tmpfiles := map[string]*os.File{}
	for _, name := range []string{"stdout", "stderr"} {
		f, err := os.CreateTemp(c.MkDir(), name)
		c.Assert(err, check.IsNil)
		tmpfiles[name] = f
	}
	os.Stdout, os.Stderr = tmpfiles["stdout"], tmpfiles["stderr"]
	return func() {
		os.Stdout, os.Stderr = origStdout, origStderr
		for name, f := range tmpfiles {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", name))
			f.Close()
		}
	}
}
