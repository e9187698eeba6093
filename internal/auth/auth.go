// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package auth implements the per-request authentication contract of
// spec.md §4.1: Bearer-token parsing, a constant-time sweep over every
// configured key, expiry, and the rate-limit consult that follows a
// successful match.
package auth

import (
	"context"
	"crypto/subtle"
	"regexp"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/keystore"
	"github.com/modelgate/modelgate/internal/ratelimit"
)

// Code identifies the failure class of an authentication attempt, mapped
// 1:1 to an HTTP status and error envelope by the gateway package.
type Code string

const (
	CodeOK               Code = ""
	CodeInvalidAPIKey    Code = "invalid_api_key"
	CodeRateLimited      Code = "rate_limit_exceeded"
	CodeInternal         Code = "server_error"
	secretShapePattern        = `^[A-Za-z0-9._-]{16,128}$`
)

var secretShape = regexp.MustCompile(secretShapePattern)

// Result is the outcome of Authenticate: either a successful identity or a
// failure code plus a user-safe message. Never both.
type Result struct {
	OK      bool
	KeyID   string
	Code    Code
	Message string
}

// Authenticator ties a KeyStore and a Limiter together. It is safe for
// concurrent use; both dependencies manage their own internal locking.
type Authenticator struct {
	Keys         *keystore.KeyStore
	Limiter      *ratelimit.Limiter
	GlobalLimit  int
	defaultClock func() time.Time
}

// New builds an Authenticator. globalLimit is stored as GlobalLimit;
// Authenticate does not read it, since the limiter itself already applies
// the default to keys without an override.
func New(keys *keystore.KeyStore, limiter *ratelimit.Limiter, globalLimit int) *Authenticator {
	return &Authenticator{
		Keys:         keys,
		Limiter:      limiter,
		GlobalLimit:  globalLimit,
		defaultClock: time.Now,
	}
}

// Authenticate runs the full contract in spec.md §4.1 against the raw
// Authorization header value (with or without a leading "Bearer " prefix).
func (a *Authenticator) Authenticate(ctx context.Context, authorizationHeader string) Result {
	now := a.now()

	header := strings.TrimSpace(authorizationHeader)
	if header == "" {
		return Result{Code: CodeInvalidAPIKey, Message: "Missing Authorization header"}
	}

	secret := stripBearer(header)

	if !secretShape.MatchString(secret) {
		return Result{Code: CodeInvalidAPIKey, Message: "Invalid API key format"}
	}

	matched, ok := a.constantTimeLookup(secret)
	if !ok {
		return Result{Code: CodeInvalidAPIKey, Message: "Invalid API key"}
	}

	if matched.Expired(now) {
		return Result{Code: CodeInvalidAPIKey, Message: "API key has expired"}
	}

	if a.Limiter != nil && !a.Limiter.Allow(ctx, matched.KeyID, matched.RateLimitPerMinute, now) {
		return Result{Code: CodeRateLimited, Message: "Rate limit exceeded", KeyID: matched.KeyID}
	}

	return Result{OK: true, KeyID: matched.KeyID}
}

// stripBearer removes a single, case-insensitive "Bearer " prefix, if
// present; a bare token (no prefix) is accepted as-is.
func stripBearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return header
}

// constantTimeLookup iterates every configured key and compares the
// presented secret using crypto/subtle, never stopping early on a match, so
// that every key is compared on every attempt whatever the position of a
// match within the set (spec.md §4.1's constant-time iteration requirement).
func (a *Authenticator) constantTimeLookup(secret string) (keystore.APIKey, bool) {
	store := a.Keys.Snapshot()
	all := store.All()

	secretBytes := []byte(secret)
	var matched keystore.APIKey
	var found int

	for _, k := range all {
		eq := subtle.ConstantTimeCompare(secretBytes, []byte(k.Secret))
		// Every key is visited regardless of prior matches; secrets are
		// unique so at most one iteration sets matched.
		if subtle.ConstantTimeSelect(eq, 1, 0) == 1 {
			matched = k
			found |= 1
		}
	}

	return matched, found == 1
}

func (a *Authenticator) now() time.Time {
	if a.defaultClock != nil {
		return a.defaultClock()
	}
	return time.Now()
}
