// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sign wraps the external signing tool (obs-signd's
// /bin/sign) and the key generation service.
package sign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	lru "github.com/hashicorp/golang-lru"
)

const (
	signAttempts = 3
	knownKeys    = 1024
)

// ErrNoKey means the signer has no key for the requested project.
var ErrNoKey = errors.New("no gpg key in keyring")

// SignError describes a failed invocation of the signing tool.
type SignError struct {
	Msg    string
	Cmd    []string
	Code   int
	Stdout string
	Stderr string
	// Packages that could not be signed, when signing a directory.
	Failed []string
}

func (e *SignError) Error() string {
	if len(e.Failed) > 0 {
		return fmt.Sprintf("%s, affected rpms: %s", e.Msg, strings.Join(e.Failed, ", "))
	}
	if e.Cmd == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %q exited %d: %s", e.Msg, strings.Join(e.Cmd, " "), e.Code, strings.TrimSpace(e.Stderr))
}

// GPGEmail returns the canonical key identity for a project.
func GPGEmail(owner, project, domain string) string {
	return fmt.Sprintf("%s#%s@copr.%s", owner, project, domain)
}

// Signer signs packages with per-project keys.
type Signer struct {
	Binary string
	Domain string
	// Pause before retrying a call that failed with a connection
	// timeout.
	RetryInterval time.Duration
	// Choose sha256 only where it is known to be supported.
	Gently bool
	Keygen *Keygen
	// Command used to strip signatures, e.g. ["/usr/bin/rpm",
	// "--delsign"].
	UnsignCommand []string

	setupOnce sync.Once
	known     *lru.Cache
}

// New returns a Signer for the sign section of cfg.
func New(cfg *config.Config) *Signer {
	return &Signer{
		Binary:        cfg.Sign.Binary,
		Domain:        cfg.Sign.Domain,
		RetryInterval: cfg.Sign.RetryInterval.Duration(),
		Gently:        cfg.Sign.GentlyGPGSHA256,
		Keygen:        &Keygen{Host: cfg.Sign.KeygenHost, Domain: cfg.Sign.Domain},
	}
}

func (s *Signer) setup() {
	s.known, _ = lru.New(knownKeys)
	if s.UnsignCommand == nil {
		s.UnsignCommand = []string{"/usr/bin/rpm", "--delsign"}
	}
}

type result struct {
	code   int
	stdout string
	stderr string
}

// call runs the signing tool, retrying when the signer host could not
// be reached.
func (s *Signer) call(ctx context.Context, args ...string) (result, error) {
	logger := ctxlog.FromContext(ctx)
	cmdline := append([]string{s.Binary}, args...)
	var res result
	for attempt := 1; ; attempt++ {
		logger.Infof("calling %q (attempt #%d)", strings.Join(cmdline, " "), attempt)
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, s.Binary, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		var exiterr *exec.ExitError
		if errors.As(err, &exiterr) {
			res = result{code: exiterr.ExitCode(), stdout: stdout.String(), stderr: stderr.String()}
		} else if err != nil {
			return result{}, &SignError{Msg: fmt.Sprintf("failed to invoke %q: %s", strings.Join(cmdline, " "), err)}
		} else {
			res = result{stdout: stdout.String(), stderr: stderr.String()}
		}
		if res.code == 0 || !strings.Contains(res.stderr, "Connection timed out") || attempt >= signAttempts {
			return res, nil
		}
		logger.Warnf("timeout on %q, retrying", strings.Join(cmdline, " "))
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(s.RetryInterval):
		}
	}
}

// GetPubkey returns the project's public key, and writes it to
// outfile if outfile is not empty.
func (s *Signer) GetPubkey(ctx context.Context, owner, project, outfile string) (string, error) {
	s.setupOnce.Do(s.setup)
	args := []string{"-u", GPGEmail(owner, project, s.Domain), "-p"}
	res, err := s.call(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.code != 0 {
		if strings.Contains(res.stderr, "unknown key:") {
			return "", fmt.Errorf("%s/%s: %w", owner, project, ErrNoKey)
		}
		return "", &SignError{
			Msg:    "failed to get user pubkey",
			Cmd:    append([]string{s.Binary}, args...),
			Code:   res.code,
			Stdout: res.stdout,
			Stderr: res.stderr,
		}
	}
	s.known.Add(owner+"/"+project, true)
	if outfile != "" {
		if err := os.WriteFile(outfile, []byte(res.stdout), 0644); err != nil {
			return "", err
		}
	}
	return res.stdout, nil
}

// EnsureKey makes sure the signer has a key for the project, asking
// the keygen service for one if it does not.
func (s *Signer) EnsureKey(ctx context.Context, owner, project string) error {
	s.setupOnce.Do(s.setup)
	if s.known.Contains(owner + "/" + project) {
		return nil
	}
	_, err := s.GetPubkey(ctx, owner, project, "")
	if errors.Is(err, ErrNoKey) {
		if err := s.Keygen.CreateUserKeys(ctx, owner, project); err != nil {
			return err
		}
		s.known.Add(owner+"/"+project, true)
		return nil
	}
	return err
}

// HashType returns the digest algorithm to sign packages for chroot
// with. With Gently set, only EL 8 and newer get sha256.
func (s *Signer) HashType(chroot string) string {
	distro, release, _ := copr.SplitChroot(chroot)
	rel, relErr := strconv.Atoi(release)
	if s.Gently {
		if isEL(distro) && relErr == nil && rel >= 8 {
			return "sha256"
		}
		return "sha1"
	}
	switch {
	case distro == "fedora" && release == "rawhide":
		return "sha256"
	case distro == "fedora" && relErr == nil:
		if rel < 27 {
			return "sha1"
		}
		return "sha256"
	case isEL(distro) && relErr == nil:
		if rel <= 7 {
			return "sha1"
		}
		return "sha256"
	default:
		return "sha256"
	}
}

func isEL(distro string) bool {
	switch distro {
	case "epel", "rhel", "centos", "centos-stream", "oraclelinux", "rocky", "almalinux":
		return true
	}
	return false
}

// listRPMs returns the absolute paths of the *.rpm files directly
// inside dir, sorted.
func listRPMs(dir string) ([]string, error) {
	names, err := doublestar.Glob(os.DirFS(dir), "*.rpm")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}

// SignRPMsInDir signs every package in dir with the project key,
// creating the key first if needed. It tries every package even after
// a failure; the returned *SignError lists the ones that failed.
func (s *Signer) SignRPMsInDir(ctx context.Context, owner, project, dir, chroot string) error {
	logger := ctxlog.FromContext(ctx).WithField("Dir", dir)
	rpms, err := listRPMs(dir)
	if err != nil {
		return err
	}
	if len(rpms) == 0 {
		return nil
	}
	if err := s.EnsureKey(ctx, owner, project); err != nil {
		return err
	}
	email := GPGEmail(owner, project, s.Domain)
	hash := s.HashType(chroot)
	var failed []string
	for _, path := range rpms {
		args := []string{"-4", "-h", hash, "-u", email, "-r", path}
		res, err := s.call(ctx, args...)
		if err == nil && res.code != 0 {
			err = &SignError{Msg: "failed to sign " + path, Cmd: append([]string{s.Binary}, args...), Code: res.code, Stdout: res.stdout, Stderr: res.stderr}
		}
		if err != nil {
			logger.WithError(err).Errorf("failed to sign rpm: %s", path)
			failed = append(failed, path)
			continue
		}
		logger.Infof("signed rpm: %s", path)
	}
	if len(failed) > 0 {
		return &SignError{Msg: "rpm sign failed", Failed: failed}
	}
	return nil
}

// UnsignRPMsInDir strips signatures from every package in dir.
func (s *Signer) UnsignRPMsInDir(ctx context.Context, dir string) error {
	s.setupOnce.Do(s.setup)
	logger := ctxlog.FromContext(ctx).WithField("Dir", dir)
	rpms, err := listRPMs(dir)
	if err != nil {
		return err
	}
	var failed []string
	for _, path := range rpms {
		args := append(append([]string(nil), s.UnsignCommand[1:]...), path)
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, s.UnsignCommand[0], args...)
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			logger.WithError(err).Errorf("failed to unsign %s: %s", path, strings.TrimSpace(stderr.String()))
			failed = append(failed, path)
		}
	}
	if len(failed) > 0 {
		return &SignError{Msg: "rpm unsign failed", Failed: failed}
	}
	return nil
}
