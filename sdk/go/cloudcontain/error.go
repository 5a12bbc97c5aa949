// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudcontain

import (
	"errors"
	"net/http"
)

var (
	// Admission failures. These are returned before any side
	// effects happen.
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("permission denied")
	ErrAlreadyRunning = errors.New("container already has an active job")
	ErrRateLimited    = errors.New("job quota exceeded")

	// Infrastructure failures. Callers may retry.
	ErrProvisioning = errors.New("node provisioning failed")
	ErrPersistence  = errors.New("database error")
	ErrEnqueue      = errors.New("work queue unavailable")
	ErrPublish      = errors.New("event fanout unavailable")

	ErrUnauthenticated = errors.New("unauthenticated request")
)

var httpStatus = []struct {
	err    error
	status int
}{
	{ErrUnauthenticated, http.StatusUnauthorized},
	{ErrNotFound, http.StatusNotFound},
	{ErrForbidden, http.StatusUnauthorized},
	{ErrAlreadyRunning, http.StatusBadRequest},
	{ErrRateLimited, http.StatusTooManyRequests},
	{ErrProvisioning, http.StatusBadGateway},
	{ErrEnqueue, http.StatusServiceUnavailable},
	{ErrPersistence, http.StatusInternalServerError},
}

// HTTPStatus returns the response status code that corresponds to
// err. Errors outside the taxonomy map to 500.
func HTTPStatus(err error) int {
	for _, s := range httpStatus {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}
