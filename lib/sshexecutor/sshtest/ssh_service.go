// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshtest provides an in-process SSH server that stands in
// for a builder VM in tests.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// GenerateKey returns a new ed25519 keypair.
func GenerateKey(c *check.C) (ssh.PublicKey, ssh.Signer) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	sshpub, err := ssh.NewPublicKey(pub)
	c.Assert(err, check.IsNil)
	return sshpub, signer
}

// WriteKey generates a keypair, writes the private key in OpenSSH
// format to a file in dir, and returns the public key and file path.
func WriteKey(c *check.C, dir string) (ssh.PublicKey, string) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	block, err := ssh.MarshalPrivateKey(priv, "")
	c.Assert(err, check.IsNil)
	path := filepath.Join(dir, "id_ed25519")
	c.Assert(os.WriteFile(path, pem.EncodeToMemory(block), 0600), check.IsNil)
	sshpub, err := ssh.NewPublicKey(pub)
	c.Assert(err, check.IsNil)
	return sshpub, path
}

// An ExecFunc handles an "exec" session on a multiplexed SSH
// connection and returns the exit status.
type ExecFunc func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// A Service accepts SSH connections on an available TCP port and
// passes clients' "exec" sessions to the provided ExecFunc.
type Service struct {
	Exec           ExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey

	listener net.Listener
	setup    sync.Once
	mtx      sync.Mutex
	started  chan bool
	closed   bool
	err      error
}

// Address returns the host:port where the SSH server is listening.
func (ss *Service) Address() string {
	ss.Start()
	ss.mtx.Lock()
	ln := ss.listener
	ss.mtx.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// RemoteUser returns the username that will be accepted.
func (ss *Service) RemoteUser() string {
	return ss.AuthorizedUser
}

// Close shuts down the server. Established connections are
// unaffected.
func (ss *Service) Close() {
	ss.Start()
	ss.mtx.Lock()
	ln := ss.listener
	ss.closed = true
	ss.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Start returns when the server is ready to accept connections.
func (ss *Service) Start() error {
	ss.setup.Do(ss.start)
	<-ss.started
	return ss.err
}

func (ss *Service) start() {
	ss.started = make(chan bool)
	go ss.run()
}

func (ss *Service) run() {
	defer close(ss.started)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if ss.AuthorizedUser != "" && c.User() != ss.AuthorizedUser {
				return nil, fmt.Errorf("unknown user %q", c.User())
			}
			for _, ak := range ss.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(ss.HostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		ss.err = err
		return
	}

	ss.mtx.Lock()
	ss.listener = listener
	ss.mtx.Unlock()

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				ss.mtx.Lock()
				closed := ss.closed
				ss.mtx.Unlock()
				if !closed || !strings.Contains(err.Error(), "use of closed network connection") {
					log.Printf("accept: %s", err)
				}
				return
			}
			go ss.serveConn(nConn, config)
		}
	}()
}

func (ss *Service) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			log.Printf("accept channel: %s", err)
			return
		}
		didExec := false
		sessionEnv := map[string]string{}
		go func() {
			for req := range reqs {
				switch {
				case didExec:
					// Reject anything after exec
					req.Reply(false, nil)
				case req.Type == "exec":
					var execReq struct {
						Command string
					}
					req.Reply(true, nil)
					ssh.Unmarshal(req.Payload, &execReq)
					go func() {
						var resp struct {
							Status uint32
						}
						resp.Status = ss.Exec(sessionEnv, execReq.Command, ch, ch, ch.Stderr())
						ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
						ch.Close()
					}()
					didExec = true
				case req.Type == "env":
					var envReq struct {
						Name  string
						Value string
					}
					req.Reply(true, nil)
					ssh.Unmarshal(req.Payload, &envReq)
					sessionEnv[envReq.Name] = envReq.Value
				default:
					req.Reply(false, nil)
				}
			}
		}()
	}
}
