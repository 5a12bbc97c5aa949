// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudcontain

import (
	"errors"
	"fmt"
	"net/http"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ErrorSuite{})

type ErrorSuite struct{}

func (s *ErrorSuite) TestHTTPStatus(c *check.C) {
	for err, status := range map[error]int{
		fmt.Errorf("container abc %w", ErrNotFound):          http.StatusNotFound,
		fmt.Errorf("container abc: %w", ErrForbidden):        http.StatusUnauthorized,
		fmt.Errorf("container abc: %w", ErrAlreadyRunning):   http.StatusBadRequest,
		fmt.Errorf("user u: %w", ErrRateLimited):             http.StatusTooManyRequests,
		fmt.Errorf("%w: quota", ErrProvisioning):             http.StatusBadGateway,
		fmt.Errorf("%w: timeout", ErrEnqueue):                http.StatusServiceUnavailable,
		fmt.Errorf("%w: connection refused", ErrPersistence): http.StatusInternalServerError,
		ErrUnauthenticated:                                   http.StatusUnauthorized,
		errors.New("something else"):                         http.StatusInternalServerError,
	} {
		c.Check(HTTPStatus(err), check.Equals, status, check.Commentf("%s", err))
	}
}
