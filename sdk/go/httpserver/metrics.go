// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrument returns a new http.Handler that passes requests through
// to next and records request durations in registry. Requests for
// "GET /metrics" are answered with the registry's current data,
// provided the client supplies the given management token.
//
// If token is empty, the metrics endpoint is disabled.
func Instrument(registry *prometheus.Registry, logger logrus.FieldLogger, token string, next http.Handler) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "cloudcontain",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	registry.MustRegister(reqDuration)
	instrumented := promhttp.InstrumentHandlerDuration(reqDuration, next)
	exportProm := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: logger,
	})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/metrics" || (req.Method != "GET" && req.Method != "HEAD") {
			instrumented.ServeHTTP(w, req)
		} else if token == "" {
			Error(w, "disabled", http.StatusNotFound)
		} else if req.Header.Get("Authorization") != "Bearer "+token {
			Error(w, "authorization error", http.StatusForbidden)
		} else {
			exportProm.ServeHTTP(w, req)
		}
	})
}
