// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshexecutor runs commands on builder VMs over a long-lived
// multiplexed SSH connection.
package sshexecutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrNoAddress = errors.New("target has no address")

// ConnectionError means the command could not be run because the
// remote host was unreachable, refused the connection, or dropped it
// (ssh exit status 255).
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %s", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retryable reports true: the host may come back.
func (e *ConnectionError) Retryable() bool { return true }

// A Target is a host the Executor can connect to.
type Target interface {
	// Address returns "host" or "host:port".
	Address() string
	RemoteUser() string
}

// Host is a Target with a fixed address and user.
type Host struct {
	Addr string
	User string
}

func (h Host) Address() string    { return h.Addr }
func (h Host) RemoteUser() string { return h.User }

// New returns a new Executor, using the given target.
func New(t Target) *Executor {
	return &Executor{target: t}
}

// An Executor uses a multiplexed SSH connection to execute shell
// commands on a remote target. It reconnects automatically after
// errors.
//
// Builder VMs are disposable and their host keys are not known in
// advance, so the Executor accepts whatever host key the target
// offers. If HostKeyCallback is set, it is used instead.
//
// An Executor must not be copied.
type Executor struct {
	HostKeyCallback ssh.HostKeyCallback
	// Timeout for establishing a connection. Zero means one
	// minute.
	ConnectTimeout time.Duration

	target     Target
	targetPort string
	signers    []ssh.Signer
	mtx        sync.RWMutex

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once
	clientSetup chan bool // len>0 while client setup is in progress
}

// SetSigners updates the set of private keys that will be offered to
// the target next time the Executor sets up a new connection.
func (exr *Executor) SetSigners(signers ...ssh.Signer) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.signers = signers
}

// LoadSigner reads an unencrypted private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(buf)
}

// SetTargetPort sets the port to connect to when the target address
// does not specify one. The default is "ssh".
func (exr *Executor) SetTargetPort(port string) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.targetPort = port
}

// Target returns the current target.
func (exr *Executor) Target() Target {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	return exr.target
}

// Execute runs cmd on the target and returns its output. If an
// existing connection is not usable, it sets up a new one.
func (exr *Executor) Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	err := exr.Stream(ctx, env, cmd, stdin, &stdout, &stderr)
	return stdout.Bytes(), stderr.Bytes(), err
}

// Stream runs cmd on the target, copying its output to the given
// writers as it arrives. The remote command is killed and the session
// closed if ctx is done first.
//
// A non-zero exit status is reported as *ssh.ExitError, except 255,
// which ssh uses for its own failures and is reported as a
// *ConnectionError.
func (exr *Executor) Stream(ctx context.Context, env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := exr.newSession()
	if err != nil {
		return exr.connectionError(err)
	}
	defer session.Close()
	for k, v := range env {
		err = session.Setenv(k, v)
		if err != nil {
			return err
		}
	}
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(cmd); err != nil {
		return exr.connectionError(err)
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return ctx.Err()
	}
	var exiterr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case errors.As(err, &exiterr) && exiterr.ExitStatus() == 255:
		return exr.connectionError(err)
	case errors.As(err, &missing), errors.Is(err, io.EOF):
		return exr.connectionError(err)
	}
	return err
}

func (exr *Executor) connectionError(err error) error {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}
	h, p := exr.TargetHostPort()
	return &ConnectionError{Addr: net.JoinHostPort(h, p), Err: err}
}

// Close shuts down any active connections.
func (exr *Executor) Close() {
	// Ensure exr is initialized
	exr.sshClient(false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (exr *Executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (exr *Executor) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case. Wait for
		// it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

// TargetHostPort returns the host and port the Executor connects to.
func (exr *Executor) TargetHostPort() (string, string) {
	addr := exr.Target().Address()
	if addr == "" {
		return "", ""
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		if h == "" {
			h = addr
		}
		exr.mtx.RLock()
		p = exr.targetPort
		exr.mtx.RUnlock()
		if p == "" {
			p = "ssh"
		}
	}
	return h, p
}

func (exr *Executor) setupSSHClient() (*ssh.Client, error) {
	addr := net.JoinHostPort(exr.TargetHostPort())
	if addr == ":" {
		return nil, ErrNoAddress
	}
	exr.mtx.RLock()
	signers := exr.signers
	exr.mtx.RUnlock()
	hostKeyCallback := exr.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	timeout := exr.ConnectTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            exr.Target().RemoteUser(),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
}
