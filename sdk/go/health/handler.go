// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves the management-token protected
// /_health/{check} endpoints.
package health

import (
	"context"
	"net/http"
	"strings"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/httpserver"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func(context.Context) error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Report is the response body of a health check.
type Report struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// Handler responds to authenticated health-check requests with
// {"health":"OK"} (200) or {"health":"ERROR","error":"..."} (503).
type Handler struct {
	// Management token. If empty, all requests return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Checks by name. "ping" always exists, and reports healthy
	// unless overridden here.
	Routes Routes

	// Each check is abandoned (and reported as failing) after
	// Timeout. Zero means 10s.
	Timeout time.Duration
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	name, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok {
		httpserver.Error(w, "not found", http.StatusNotFound)
		return
	}
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func(context.Context) error { return nil }, true
	}
	if h.Token == "" {
		httpserver.Error(w, "disabled", http.StatusNotFound)
		return
	} else if !ok {
		httpserver.Error(w, "not found", http.StatusNotFound)
		return
	} else if ah := r.Header.Get("Authorization"); ah == "" {
		httpserver.Error(w, "authorization required", http.StatusUnauthorized)
		return
	} else if ah != "Bearer "+h.Token {
		httpserver.Error(w, "authorization error", http.StatusForbidden)
		return
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		httpserver.JSON(w, Report{Health: "ERROR", Error: err.Error()}, http.StatusServiceUnavailable)
		return
	}
	httpserver.JSON(w, Report{Health: "OK"}, http.StatusOK)
}
