// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// managementServer serves health checks, metrics, and any
// daemon-specific inspection endpoints.
type managementServer struct {
	// host:port to listen on. After Start, Addr is the actual
	// listening address, which is useful with ":0" in tests.
	Addr           string
	Token          string
	MaxConnections int
	Registry       *prometheus.Registry
	Logger         logrus.FieldLogger
	CheckHealth    func() error
	Routes         map[string]http.Handler

	srv *http.Server
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

func (ms *managementServer) handler() http.Handler {
	if ms.Token == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	}
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(ms.Registry, promhttp.HandlerOpts{
		ErrorLog: ms.Logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.HandlerFunc("GET", "/_health/ping", ms.health)
	for path, h := range ms.Routes {
		mux.Handler("GET", path, h)
	}
	return logRequests(ms.Logger, ms.requireToken(mux))
}

// statusRecorder remembers the response status and size for the
// request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

// logRequests logs each management request at debug level, and
// failed ones at info level.
func logRequests(logger logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		sr := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sr, r)
		if sr.status == 0 {
			sr.status = http.StatusOK
		}
		lgr := logger.WithFields(logrus.Fields{
			"remoteAddr":     r.RemoteAddr,
			"reqMethod":      r.Method,
			"reqPath":        r.URL.Path,
			"respStatusCode": sr.status,
			"respBytes":      sr.bytes,
			"timeTotal":      time.Since(t0).Seconds(),
		})
		if sr.status >= 400 {
			lgr.Info("management request failed")
		} else {
			lgr.Debug("management request")
		}
	})
}

func (ms *managementServer) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := ms.CheckHealth(); err != nil {
		json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  err.Error(),
		})
		return
	}
	w.Write(healthyBody)
}

func (ms *managementServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ah := r.Header.Get("Authorization")
		if ah == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if strings.TrimPrefix(ah, "Bearer ") != ms.Token {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on Addr and serves in a background goroutine.
func (ms *managementServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ms.Addr)
	if err != nil {
		return err
	}
	ms.Addr = ln.Addr().String()
	if ms.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, ms.MaxConnections)
	}
	ms.srv = &http.Server{
		Handler:           ms.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		err := ms.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.Logger.WithError(err).Error("management server failed")
		}
	}()
	return nil
}

// Close stops the server, waiting briefly for in-flight requests.
func (ms *managementServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ms.srv.Shutdown(ctx)
}
