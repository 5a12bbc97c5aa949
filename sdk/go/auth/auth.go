// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts API tokens from HTTP requests.
package auth

import (
	"net/http"
	"net/url"
	"strings"
)

type Credentials struct {
	Tokens []string
}

func NewCredentials(tokens ...string) *Credentials {
	return &Credentials{Tokens: tokens}
}

// CredentialsFromRequest returns the tokens supplied in the request's
// Authorization header.
func CredentialsFromRequest(r *http.Request) *Credentials {
	c := NewCredentials()
	c.LoadTokensFromHTTPRequest(r)
	return c
}

// LoadTokensFromHTTPRequest loads a token from an "Authorization:
// Bearer ..." header. "OAuth2 ..." is accepted as a synonym.
func (a *Credentials) LoadTokensFromHTTPRequest(r *http.Request) {
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && (toks[0] == "OAuth2" || toks[0] == "Bearer") {
		if tok := strings.TrimSpace(toks[1]); tok != "" {
			a.Tokens = append(a.Tokens, tok)
		}
	}
}

// LoadTokensFromQuery loads tokens from the given query string
// parameter. Browsers cannot set headers on websocket requests, so
// websocket clients pass their token this way.
func (a *Credentials) LoadTokensFromQuery(r *http.Request, param string) {
	// ParseQuery always returns a non-nil map which might have
	// valid parameters, even when a decoding error causes it to
	// return a non-nil err.
	qvalues, _ := url.ParseQuery(r.URL.RawQuery)
	for _, token := range qvalues[param] {
		if token = strings.TrimSpace(token); token != "" {
			a.Tokens = append(a.Tokens, token)
		}
	}
}

// Token returns the first token found, or "" if there are none.
func (a *Credentials) Token() string {
	if len(a.Tokens) == 0 {
		return ""
	}
	return a.Tokens[0]
}
