// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sign

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&SignSuite{})

type SignSuite struct {
	tmp    string
	ctx    context.Context
	keygen *httptest.Server

	mtx     sync.Mutex
	keyreqs []map[string]string
	status  int
}

// fakeSign mimics /bin/sign: "-p" prints a key if $tmp/haskey
// exists, "-r" fails for paths containing "broken". Each call appends
// its arguments to calls.log. While $tmp/timeouts has lines left, a
// call consumes one and fails with a connection timeout.
const fakeSign = `#!/bin/sh
echo "$@" >> "$TMP/calls.log"
if [ -s "$TMP/timeouts" ]; then
  sed -i 1d "$TMP/timeouts"
  echo "Connection timed out" >&2
  exit 1
fi
case "$*" in
  *-p)
    if [ -e "$TMP/haskey" ]; then echo "-----BEGIN PGP PUBLIC KEY BLOCK-----"; exit 0; fi
    echo "unknown key: $2" >&2
    exit 1;;
  *broken*)
    echo "signing failed" >&2
    exit 2;;
esac
exit 0
`

func (s *SignSuite) SetUpTest(c *check.C) {
	s.tmp = c.MkDir()
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.keyreqs = nil
	s.status = http.StatusOK
	s.keygen = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Method, check.Equals, "POST")
		c.Check(r.URL.Path, check.Equals, "/gen_key")
		var req map[string]string
		c.Check(json.NewDecoder(r.Body).Decode(&req), check.IsNil)
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.keyreqs = append(s.keyreqs, req)
		if s.status == http.StatusOK {
			os.WriteFile(filepath.Join(s.tmp, "haskey"), nil, 0644)
		}
		w.WriteHeader(s.status)
	}))
	script := strings.Replace(fakeSign, "$TMP", s.tmp, -1)
	c.Assert(os.WriteFile(filepath.Join(s.tmp, "sign"), []byte(script), 0755), check.IsNil)
}

func (s *SignSuite) TearDownTest(c *check.C) {
	s.keygen.Close()
}

func (s *SignSuite) signer() *Signer {
	return &Signer{
		Binary:        filepath.Join(s.tmp, "sign"),
		Domain:        "example.com",
		RetryInterval: time.Millisecond,
		Keygen:        &Keygen{Host: strings.TrimPrefix(s.keygen.URL, "http://"), Domain: "example.com"},
	}
}

func (s *SignSuite) calls(c *check.C) []string {
	buf, err := os.ReadFile(filepath.Join(s.tmp, "calls.log"))
	if os.IsNotExist(err) {
		return nil
	}
	c.Assert(err, check.IsNil)
	return strings.Split(strings.TrimSpace(string(buf)), "\n")
}

func (s *SignSuite) rpmDir(c *check.C, names ...string) string {
	dir := filepath.Join(s.tmp, "results")
	c.Assert(os.MkdirAll(dir, 0755), check.IsNil)
	for _, name := range names {
		c.Assert(os.WriteFile(filepath.Join(dir, name), nil, 0644), check.IsNil)
	}
	return dir
}

func (s *SignSuite) TestGPGEmail(c *check.C) {
	c.Check(GPGEmail("alice", "hello", "fedorahosted.org"), check.Equals, "alice#hello@copr.fedorahosted.org")
	c.Check(GPGEmail("@group", "hello", "example.com"), check.Equals, "@group#hello@copr.example.com")
}

func (s *SignSuite) TestNew(c *check.C) {
	cfg, err := config.LoadBytes([]byte("frontend_base_url: http://fe\ndestdir: /tmp\nsign:\n  keygen_host: keygen.local\n"), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	signer := New(cfg)
	c.Check(signer.Binary, check.Equals, "/bin/sign")
	c.Check(signer.Domain, check.Equals, "fedorahosted.org")
	c.Check(signer.Keygen.Host, check.Equals, "keygen.local")
	c.Check(signer.RetryInterval, check.Equals, 20*time.Second)
}

func (s *SignSuite) TestGetPubkey(c *check.C) {
	os.WriteFile(filepath.Join(s.tmp, "haskey"), nil, 0644)
	out := filepath.Join(s.tmp, "pubkey.gpg")
	key, err := s.signer().GetPubkey(s.ctx, "alice", "hello", out)
	c.Assert(err, check.IsNil)
	c.Check(key, check.Matches, `-----BEGIN PGP PUBLIC KEY BLOCK-----\n`)
	buf, err := os.ReadFile(out)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, key)
	c.Check(s.calls(c), check.DeepEquals, []string{"-u alice#hello@copr.example.com -p"})
}

func (s *SignSuite) TestGetPubkeyNoKey(c *check.C) {
	_, err := s.signer().GetPubkey(s.ctx, "alice", "hello", "")
	c.Check(errors.Is(err, ErrNoKey), check.Equals, true)
}

func (s *SignSuite) TestGetPubkeyOtherFailure(c *check.C) {
	signer := s.signer()
	signer.Binary = "/bin/false"
	_, err := signer.GetPubkey(s.ctx, "alice", "hello", "")
	var serr *SignError
	c.Assert(errors.As(err, &serr), check.Equals, true)
	c.Check(serr.Code, check.Equals, 1)
	c.Check(errors.Is(err, ErrNoKey), check.Equals, false)
}

func (s *SignSuite) TestRetryOnConnectionTimeout(c *check.C) {
	os.WriteFile(filepath.Join(s.tmp, "haskey"), nil, 0644)
	os.WriteFile(filepath.Join(s.tmp, "timeouts"), []byte("1\n2\n"), 0644)
	_, err := s.signer().GetPubkey(s.ctx, "alice", "hello", "")
	c.Check(err, check.IsNil)
	c.Check(s.calls(c), check.HasLen, 3)

	// Three timeouts in a row: give up.
	os.Remove(filepath.Join(s.tmp, "calls.log"))
	os.WriteFile(filepath.Join(s.tmp, "timeouts"), []byte("1\n2\n3\n4\n"), 0644)
	_, err = s.signer().GetPubkey(s.ctx, "alice", "hello", "")
	c.Check(err, check.ErrorMatches, `failed to get user pubkey: .*Connection timed out`)
	c.Check(s.calls(c), check.HasLen, 3)
}

func (s *SignSuite) TestSignCreatesMissingKey(c *check.C) {
	dir := s.rpmDir(c, "hello-1.0-1.fc39.x86_64.rpm", "hello-1.0-1.fc39.src.rpm", "build.log")
	signer := s.signer()
	c.Assert(signer.SignRPMsInDir(s.ctx, "alice", "hello", dir, "fedora-39-x86_64"), check.IsNil)
	c.Check(s.keyreqs, check.DeepEquals, []map[string]string{{
		"name_real":  "alice_hello",
		"name_email": "alice#hello@copr.example.com",
	}})
	c.Check(s.calls(c), check.DeepEquals, []string{
		"-u alice#hello@copr.example.com -p",
		"-4 -h sha256 -u alice#hello@copr.example.com -r " + dir + "/hello-1.0-1.fc39.src.rpm",
		"-4 -h sha256 -u alice#hello@copr.example.com -r " + dir + "/hello-1.0-1.fc39.x86_64.rpm",
	})

	// The key is now known; no more pubkey probes.
	os.Remove(filepath.Join(s.tmp, "calls.log"))
	c.Assert(signer.SignRPMsInDir(s.ctx, "alice", "hello", dir, "epel-7-x86_64"), check.IsNil)
	c.Check(s.calls(c), check.HasLen, 2)
	c.Check(s.calls(c)[0], check.Matches, `-4 -h sha1 .*`)
	c.Check(s.keyreqs, check.HasLen, 1)
}

func (s *SignSuite) TestSignContinuesPastFailures(c *check.C) {
	os.WriteFile(filepath.Join(s.tmp, "haskey"), nil, 0644)
	dir := s.rpmDir(c, "a-1-1.x86_64.rpm", "broken-1-1.x86_64.rpm", "z-1-1.x86_64.rpm")
	err := s.signer().SignRPMsInDir(s.ctx, "alice", "hello", dir, "fedora-rawhide-x86_64")
	var serr *SignError
	c.Assert(errors.As(err, &serr), check.Equals, true)
	c.Check(serr.Failed, check.DeepEquals, []string{dir + "/broken-1-1.x86_64.rpm"})
	c.Check(s.calls(c), check.HasLen, 4)
}

func (s *SignSuite) TestSignEmptyDir(c *check.C) {
	dir := s.rpmDir(c, "builder-live.log")
	c.Check(s.signer().SignRPMsInDir(s.ctx, "alice", "hello", dir, "fedora-39-x86_64"), check.IsNil)
	c.Check(s.calls(c), check.HasLen, 0)
}

func (s *SignSuite) TestKeygenFailure(c *check.C) {
	s.status = http.StatusInternalServerError
	dir := s.rpmDir(c, "a-1-1.x86_64.rpm")
	err := s.signer().SignRPMsInDir(s.ctx, "alice", "hello", dir, "fedora-39-x86_64")
	var kerr *KeygenRequestError
	c.Assert(errors.As(err, &kerr), check.Equals, true)
	c.Check(kerr.Status, check.Equals, 500)
	c.Check(copr.IsRetryable(err), check.Equals, false)
}

func (s *SignSuite) TestKeygenUnreachable(c *check.C) {
	s.keygen.Close()
	kg := &Keygen{Host: strings.TrimPrefix(s.keygen.URL, "http://"), Domain: "example.com", Timeout: time.Second}
	err := kg.CreateUserKeys(s.ctx, "alice", "hello")
	var kerr *KeygenRequestError
	c.Assert(errors.As(err, &kerr), check.Equals, true)
	c.Check(kerr.Err, check.NotNil)
	c.Check(copr.IsRetryable(err), check.Equals, true)
}

func (s *SignSuite) TestHashType(c *check.C) {
	signer := s.signer()
	gently := s.signer()
	gently.Gently = true
	for _, trial := range []struct {
		chroot string
		hash   string
		gently string
	}{
		{"fedora-26-x86_64", "sha1", "sha1"},
		{"fedora-27-x86_64", "sha256", "sha1"},
		{"fedora-39-x86_64", "sha256", "sha1"},
		{"fedora-rawhide-aarch64", "sha256", "sha1"},
		{"epel-7-x86_64", "sha1", "sha1"},
		{"epel-8-x86_64", "sha256", "sha256"},
		{"rhel-10-x86_64", "sha256", "sha256"},
		{"centos-stream-9-ppc64le", "sha256", "sha256"},
		{"rhel-6-x86_64", "sha1", "sha1"},
		{"mageia-cauldron-x86_64", "sha256", "sha1"},
		{"opensuse-tumbleweed-x86_64", "sha256", "sha1"},
	} {
		c.Check(signer.HashType(trial.chroot), check.Equals, trial.hash, check.Commentf("%s", trial.chroot))
		c.Check(gently.HashType(trial.chroot), check.Equals, trial.gently, check.Commentf("%s gently", trial.chroot))
	}
}

func (s *SignSuite) TestUnsign(c *check.C) {
	dir := s.rpmDir(c, "a-1-1.x86_64.rpm", "broken-1-1.x86_64.rpm")
	signer := s.signer()
	// Reuse the fake signer as the unsign tool: it fails on
	// "broken" paths.
	signer.UnsignCommand = []string{filepath.Join(s.tmp, "sign"), "--delsign"}
	err := signer.UnsignRPMsInDir(s.ctx, dir)
	var serr *SignError
	c.Assert(errors.As(err, &serr), check.Equals, true)
	c.Check(serr.Failed, check.DeepEquals, []string{dir + "/broken-1-1.x86_64.rpm"})
	c.Check(s.calls(c), check.DeepEquals, []string{
		"--delsign " + dir + "/a-1-1.x86_64.rpm",
		"--delsign " + dir + "/broken-1-1.x86_64.rpm",
	})
}
