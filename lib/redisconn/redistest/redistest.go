// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package redistest provides an in-process Redis server for tests.
package redistest

import (
	"strconv"

	"github.com/alicebob/miniredis/v2"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/redis/go-redis/v9"
	check "gopkg.in/check.v1"
)

// Server is a miniredis instance plus a client connected to it.
type Server struct {
	*miniredis.Miniredis
	Client *redis.Client
}

// New starts a server. Call Close when done.
func New(c *check.C) *Server {
	mr, err := miniredis.Run()
	c.Assert(err, check.IsNil)
	return &Server{
		Miniredis: mr,
		Client:    redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	}
}

// Config returns a RedisConfig pointing at the server.
func (s *Server) Config() config.RedisConfig {
	port, _ := strconv.Atoi(s.Port())
	return config.RedisConfig{Host: s.Host(), Port: port}
}

func (s *Server) Close() {
	s.Client.Close()
	s.Miniredis.Close()
}
