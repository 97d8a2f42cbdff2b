// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package redisconn holds the Redis key and channel names shared by
// all backend processes, and thin helpers for the pub/sub, FIFO and
// Lua script patterns they use.
package redisconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/redis/go-redis/v9"
)

const (
	// Serialized log records from every backend process.
	LogFIFO = "copr:backend:log:fifo::"
	// VM lifecycle events (health_check, vm_spawned, ...).
	VMPubSub = "copr:backend:vm:pubsub::"
	// Start time of the current VM master, and similar.
	ServerInfo = "server_info"
)

// PoolKey is the set of VM names in a group.
func PoolKey(group int) string { return fmt.Sprintf("vm_pool:%d", group) }

// PoolInfoKey holds per-group bookkeeping, e.g. last spawn start.
func PoolInfoKey(group int) string { return fmt.Sprintf("vm_pool_info:%d", group) }

// VMKey is the hash describing a single VM.
func VMKey(vmName string) string { return "vm_instance:" + vmName }

// VMTerminationChannel receives a message when termination of the
// named VM is requested.
func VMTerminationChannel(vmName string) string {
	return "copr:backend:vm_termination:pubsub::" + vmName
}

// InterruptBuildChannel receives a message when the build running on
// the VM with the given IP must stop.
func InterruptBuildChannel(vmIP string) string {
	return "copr:backend:interrupt_build:pubsub::" + vmIP
}

// NewClient returns a client for the configured Redis server and
// checks that the server is reachable. An unreachable server is
// reported as a Retryable error.
func NewClient(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(rc.URL())
	if err != nil {
		return nil, copr.Fatal(fmt.Errorf("redis config: %w", err))
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, copr.Retryable(fmt.Errorf("redis %s: %w", opts.Addr, err))
	}
	return rdb, nil
}

// PublishJSON publishes v, encoded as JSON, on channel.
func PublishJSON(ctx context.Context, rdb redis.UniversalClient, channel string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, channel, buf).Err()
}

// Subscribe returns a channel that receives the payloads of messages
// published on the given Redis channels. The returned channel is
// closed when ctx is done or the subscription fails.
//
// The subscription is confirmed before Subscribe returns, so
// messages published after that are not lost.
func Subscribe(ctx context.Context, rdb redis.UniversalClient, channels ...string) (<-chan string, error) {
	ps := rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	out := make(chan string)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PushLog appends a serialized log record to the log FIFO.
func PushLog(ctx context.Context, rdb redis.UniversalClient, record []byte) error {
	return rdb.RPush(ctx, LogFIFO, record).Err()
}

// ErrEmpty is returned by PopLog when the timeout expires before a
// record arrives.
var ErrEmpty = errors.New("log fifo is empty")

// PopLog removes and returns the oldest record from the log FIFO,
// waiting up to timeout (zero means forever).
func PopLog(ctx context.Context, rdb redis.UniversalClient, timeout time.Duration) ([]byte, error) {
	res, err := rdb.BLPop(ctx, timeout, LogFIFO).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	} else if err != nil {
		return nil, err
	}
	// res is [key, value]
	return []byte(res[1]), nil
}

// Script is a Lua script that is sent to the server once and then
// run by SHA.
type Script struct {
	*redis.Script
	Name string
}

// NewScript returns a Script with the given name (used in error
// messages) and source.
func NewScript(name, src string) *Script {
	return &Script{Script: redis.NewScript(src), Name: name}
}

// Eval runs the script, loading it first if the server doesn't have
// it cached yet.
func (s *Script) Eval(ctx context.Context, rdb redis.Scripter, keys []string, args ...interface{}) (interface{}, error) {
	res, err := s.Script.Run(ctx, rdb, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("lua script %s: %w", s.Name, err)
	}
	return res, nil
}
