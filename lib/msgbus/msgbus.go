// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package msgbus announces build events on the configured message
// buses.
package msgbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Build event topics.
const (
	TopicBuildStart  = "build.start"
	TopicChrootStart = "chroot.start"
	TopicBuildEnd    = "build.end"
)

// DefaultChannel is used by redis buses that don't configure one.
const DefaultChannel = "copr:backend:msgbus:pubsub::"

const defaultRetries = 5

// Message is one announcement. Body is the JSON payload consumers
// see.
type Message struct {
	Topic string                 `json:"topic"`
	Body  map[string]interface{} `json:"body"`
}

var whatFormats = map[string]string{
	TopicBuildStart:  "build start: user:{user} copr:{copr} pkg:{pkg} build:{build} ip:{ip} pid:{pid}",
	TopicChrootStart: "chroot start: chroot:{chroot} user:{user} copr:{copr} pkg:{pkg} build:{build} ip:{ip} pid:{pid}",
	TopicBuildEnd:    "build end: user:{user} copr:{copr} build:{build} pkg:{pkg} version:{version} ip:{ip} pid:{pid} status:{status}",
}

// NewBuildMessage returns the message announcing topic for job,
// running on the builder at ip.
func NewBuildMessage(topic string, job *copr.BuildJob, status copr.BuildStatus, who, ip string, pid int) (Message, error) {
	format, ok := whatFormats[topic]
	if !ok {
		return Message{}, fmt.Errorf("unknown topic %q", topic)
	}
	body := map[string]interface{}{
		"user":    job.Submitter,
		"copr":    job.ProjectName,
		"owner":   job.ProjectOwner,
		"pkg":     job.PackageName,
		"build":   job.BuildID,
		"chroot":  job.Chroot,
		"version": job.PackageVersion,
		"status":  int(status),
		"ip":      ip,
		"who":     who,
		"pid":     pid,
	}
	var repl []string
	for k, v := range body {
		repl = append(repl, "{"+k+"}", fmt.Sprint(v))
	}
	body["what"] = strings.NewReplacer(repl...).Replace(format)
	return Message{Topic: topic, Body: body}, nil
}

// A Bus delivers messages. Send makes a single attempt; the
// MessageSender retries.
type Bus interface {
	Send(ctx context.Context, msg Message) error
	Info() string
}

// BusKind selects the Bus implementation for a configured bus.
type BusKind string

const (
	KindRedis BusKind = "redis"
	KindHTTP  BusKind = "http"
	KindLog   BusKind = "log"
)

type busDeps struct {
	rdb    redis.UniversalClient
	logger logrus.FieldLogger
}

var busKinds = map[BusKind]func(config.MessageBus, busDeps) (Bus, error){
	KindRedis: newRedisBus,
	KindHTTP:  newHTTPBus,
	KindLog:   newLogBus,
}

type redisBus struct {
	rdb     redis.UniversalClient
	channel string
}

func newRedisBus(cfg config.MessageBus, deps busDeps) (Bus, error) {
	if deps.rdb == nil {
		return nil, fmt.Errorf("redis bus needs a redis connection")
	}
	ch := cfg.Channel
	if ch == "" {
		ch = DefaultChannel
	}
	return &redisBus{rdb: deps.rdb, channel: ch}, nil
}

func (b *redisBus) Send(ctx context.Context, msg Message) error {
	return redisconn.PublishJSON(ctx, b.rdb, b.channel, msg)
}

func (b *redisBus) Info() string { return "redis bus " + b.channel }

type httpBus struct {
	url    string
	client *retryablehttp.Client
}

func newHTTPBus(cfg config.MessageBus, deps busDeps) (Bus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http bus needs a url")
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	// Quick retries for connection errors and 5xx; the sender
	// retries the whole delivery.
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &httpBus{url: cfg.URL, client: rc}, nil
}

func (b *httpBus) Send(ctx context.Context, msg Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %s", b.url, resp.Status)
	}
	return nil
}

func (b *httpBus) Info() string { return "http bus " + b.url }

type logBus struct {
	logger logrus.FieldLogger
}

func newLogBus(cfg config.MessageBus, deps busDeps) (Bus, error) {
	return &logBus{logger: deps.logger}, nil
}

func (b *logBus) Send(ctx context.Context, msg Message) error {
	b.logger.WithFields(logrus.Fields{"Topic": msg.Topic, "Body": msg.Body}).Info("message")
	return nil
}

func (b *logBus) Info() string { return "log bus" }

type configuredBus struct {
	Bus
	id      string
	retries int
}

// MessageSender sends every announcement to all configured buses.
// Delivery failures are logged, never returned: a broken bus must not
// fail a build.
type MessageSender struct {
	who    string
	pid    int
	buses  []configuredBus
	logger logrus.FieldLogger
	// Pause between attempts.
	retryWait time.Duration
}

// NewMessageSender returns a sender for the buses in cfg. who names
// the announcing process in messages.
func NewMessageSender(cfg *config.Config, rdb redis.UniversalClient, who string, logger logrus.FieldLogger) (*MessageSender, error) {
	ms := &MessageSender{
		who:       who,
		pid:       os.Getpid(),
		logger:    logger,
		retryWait: time.Second,
	}
	deps := busDeps{rdb: rdb, logger: logger}
	for i, bc := range cfg.MessageBuses {
		newBus, ok := busKinds[BusKind(bc.Kind)]
		if !ok {
			return nil, fmt.Errorf("message_buses[%d]: unknown bus_type %q", i, bc.Kind)
		}
		bus, err := newBus(bc, deps)
		if err != nil {
			return nil, fmt.Errorf("message_buses[%d]: %w", i, err)
		}
		id := bc.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", bc.Kind, i)
		}
		retries := bc.Retries
		if retries <= 0 {
			retries = defaultRetries
		}
		ms.buses = append(ms.buses, configuredBus{Bus: bus, id: id, retries: retries})
	}
	return ms, nil
}

// Announce sends topic for job to every bus.
func (ms *MessageSender) Announce(ctx context.Context, topic string, job *copr.BuildJob, status copr.BuildStatus, ip string) {
	msg, err := NewBuildMessage(topic, job, status, ms.who, ip, ms.pid)
	if err != nil {
		ms.logger.WithError(err).Error("failed to build message")
		return
	}
	for _, bus := range ms.buses {
		ms.send(ctx, bus, msg)
	}
}

func (ms *MessageSender) send(ctx context.Context, bus configuredBus, msg Message) {
	logger := ms.logger.WithFields(logrus.Fields{"Bus": bus.id, "Topic": msg.Topic})
	logger.Infof("sending message in %s", bus.Info())
	for attempt := 1; attempt <= bus.retries; attempt++ {
		err := bus.Send(ctx, msg)
		if err == nil {
			return
		}
		logger.WithError(err).Warnf("attempt %d to publish a message failed", attempt)
		if attempt == bus.retries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ms.retryWait):
		}
	}
	logger.Error("giving up publishing message")
}
