// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestLimiter wraps http.Handler, limiting the number of
// concurrent requests being handled by the wrapped Handler. Requests
// that arrive when the handler is already at the limit get 503.
//
// Websocket upgrade requests are long-lived and do not count toward
// the limit.
type RequestLimiter struct {
	Handler http.Handler

	// Maximum number of requests being handled at once. Zero
	// means no limit.
	MaxConcurrent int

	// "concurrent_requests" and "max_concurrent_requests"
	// metrics are registered with Registry, if it is not nil.
	Registry *prometheus.Registry

	setupOnce sync.Once
	mtx       sync.Mutex
	handling  int
}

// NewRequestLimiter returns a RequestLimiter with the given limit.
func NewRequestLimiter(maxConcurrent int, handler http.Handler, reg *prometheus.Registry) *RequestLimiter {
	return &RequestLimiter{
		Handler:       handler,
		MaxConcurrent: maxConcurrent,
		Registry:      reg,
	}
}

func (rl *RequestLimiter) setup() {
	if rl.Registry == nil {
		return
	}
	rl.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "cloudcontain",
			Name:      "concurrent_requests",
			Help:      "Number of requests in progress",
		},
		func() float64 {
			rl.mtx.Lock()
			defer rl.mtx.Unlock()
			return float64(rl.handling)
		},
	))
	rl.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "cloudcontain",
			Name:      "max_concurrent_requests",
			Help:      "Maximum number of concurrent requests",
		},
		func() float64 { return float64(rl.MaxConcurrent) },
	))
}

func (rl *RequestLimiter) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	rl.setupOnce.Do(rl.setup)
	if isWebsocket(req) {
		rl.Handler.ServeHTTP(resp, req)
		return
	}
	rl.mtx.Lock()
	if rl.MaxConcurrent > 0 && rl.handling >= rl.MaxConcurrent {
		rl.mtx.Unlock()
		Error(resp, "too many concurrent requests", http.StatusServiceUnavailable)
		return
	}
	rl.handling++
	rl.mtx.Unlock()
	defer func() {
		rl.mtx.Lock()
		rl.handling--
		rl.mtx.Unlock()
	}()
	rl.Handler.ServeHTTP(resp, req)
}

// HandlerWithDeadline cancels the request context if the request
// takes longer than the specified timeout. Websocket connections are
// exempt.
func HandlerWithDeadline(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocket(r) {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithDeadline(r.Context(), time.Now().Add(timeout))
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isWebsocket(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}
