// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/subtle"
	"net/http"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/httpserver"
)

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token in its Authorization header.
// If the given token is empty, RequireLiteralToken returns next
// (i.e., no auth checks are performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := CredentialsFromRequest(r)
		if len(c.Tokens) == 0 {
			httpserver.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range c.Tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpserver.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
