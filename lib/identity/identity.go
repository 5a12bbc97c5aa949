// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package identity verifies bearer tokens issued by an OpenID Connect
// provider and returns the caller's user ID.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// Verified tokens are re-checked after this long, even if
	// they have not expired.
	tokenCacheTTL = 5 * time.Minute
	// Rejected tokens are remembered this long.
	tokenCacheNegativeTTL = time.Minute
)

// authError is an authentication failure whose message is suitable
// for the client.
type authError string

func (e authError) Error() string { return string(e) }

func (e authError) Is(target error) bool { return target == cloudcontain.ErrUnauthenticated }

var (
	ErrMissingToken = authError("Missing token")
	ErrInvalidToken = authError("Invalid token")
	ErrTokenExpired = authError("Token expired")
)

// A TokenVerifier checks a raw token's signature and claims.
// *oidc.IDTokenVerifier is a TokenVerifier.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*oidc.IDToken, error)
}

// Authenticator maps bearer tokens to user IDs (the token's "sub"
// claim). Results are cached by HMAC of the token, so raw tokens are
// never retained.
type Authenticator struct {
	Issuer   string
	Audience string

	// If nil, a verifier for Issuer is created on first use.
	Verifier TokenVerifier

	cache  *lru.TwoQueueCache
	secret []byte
	mtx    sync.Mutex
}

type cachedIdentity struct {
	userID string
	err    error
	expiry time.Time
}

// NewAuthenticator returns an Authenticator that accepts tokens from
// the cluster's configured login provider.
func NewAuthenticator(cluster *cloudcontain.Cluster) (*Authenticator, error) {
	size := cluster.Login.TokenCacheSize
	if size <= 0 {
		size = 1000
	}
	cache, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		Issuer:   cluster.Login.Issuer,
		Audience: cluster.Login.Audience,
		cache:    cache,
		secret:   []byte(cluster.ClusterID + cluster.ManagementToken),
	}, nil
}

func (a *Authenticator) setup(ctx context.Context) (TokenVerifier, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.Verifier != nil {
		return a.Verifier, nil
	}
	if a.Issuer == "" {
		return nil, errors.New("Login.Issuer is not configured")
	}
	provider, err := oidc.NewProvider(context.WithoutCancel(ctx), a.Issuer)
	if err != nil {
		return nil, fmt.Errorf("error setting up OpenID Connect provider: %w", err)
	}
	a.Verifier = provider.Verifier(&oidc.Config{
		ClientID: a.Audience,
	})
	return a.Verifier, nil
}

func (a *Authenticator) cacheKey(token string) string {
	mac := hmac.New(sha256.New, a.secret)
	io.WriteString(mac, token)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// Authenticate returns the user ID for token. Errors that mean the
// token is unacceptable match cloudcontain.ErrUnauthenticated; other
// errors (e.g., the provider is unreachable) do not.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	key := a.cacheKey(token)
	if a.cache != nil {
		if v, ok := a.cache.Get(key); ok {
			ent := v.(cachedIdentity)
			if time.Now().Before(ent.expiry) {
				return ent.userID, ent.err
			}
			a.cache.Remove(key)
		}
	}
	verifier, err := a.setup(ctx)
	if err != nil {
		return "", err
	}
	idToken, err := verifier.Verify(ctx, token)
	var expErr *oidc.TokenExpiredError
	switch {
	case errors.As(err, &expErr):
		err = ErrTokenExpired
	case err != nil && verifierUnavailable(ctx, err):
		// Says nothing about the token. Not cached, so the
		// next request retries.
		return "", fmt.Errorf("error verifying token: %w", err)
	case err != nil:
		ctxlog.FromContext(ctx).WithError(err).Debug("token verification failed")
		err = ErrInvalidToken
	case idToken.Subject == "":
		err = ErrInvalidToken
	}
	ent := cachedIdentity{err: err, expiry: time.Now().Add(tokenCacheNegativeTTL)}
	if err == nil {
		ent.userID = idToken.Subject
		ent.expiry = time.Now().Add(tokenCacheTTL)
		if !idToken.Expiry.IsZero() && idToken.Expiry.Before(ent.expiry) {
			ent.expiry = idToken.Expiry
		}
	}
	if a.cache != nil {
		a.cache.Add(key, ent)
	}
	return ent.userID, ent.err
}

// Substrings of go-oidc errors that mean the provider's keys could
// not be fetched. go-oidc formats these with %v, so the underlying
// network error cannot be unwrapped.
var unavailableMessages = []string{
	"fetching keys",
	"get keys failed",
	"failed to decode keys",
	"Request to endpoint failed",
}

// verifierUnavailable returns true if err means the token could not
// be checked, as opposed to being checked and rejected.
func verifierUnavailable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, s := range unavailableMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
