// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/keystore"
	"github.com/modelgate/modelgate/internal/ratelimit"
)

func newTestAuthenticator(t *testing.T, contents string, globalLimit int) *Authenticator {
	t.Helper()
	path := t.TempDir() + "/keys.txt"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	ks := keystore.New(path)
	lim := ratelimit.New(globalLimit)
	return New(ks, lim, globalLimit)
}

func TestMissingHeader(t *testing.T) {
	a := newTestAuthenticator(t, "a:secretlongenough0123456\n", 100)
	res := a.Authenticate(context.Background(), "")
	assert.False(t, res.OK)
	assert.Equal(t, CodeInvalidAPIKey, res.Code)
	assert.Equal(t, "Missing Authorization header", res.Message)
}

func TestBearerPrefixStripped(t *testing.T) {
	a := newTestAuthenticator(t, "a:secretlongenough0123456\n", 100)
	res := a.Authenticate(context.Background(), "Bearer secretlongenough0123456")
	require.True(t, res.OK)
	assert.Equal(t, "a", res.KeyID)
}

func TestBareTokenAccepted(t *testing.T) {
	a := newTestAuthenticator(t, "a:secretlongenough0123456\n", 100)
	res := a.Authenticate(context.Background(), "secretlongenough0123456")
	require.True(t, res.OK)
}

func TestMalformedShapeRejected(t *testing.T) {
	a := newTestAuthenticator(t, "a:secretlongenough0123456\n", 100)
	res := a.Authenticate(context.Background(), "Bearer short")
	assert.False(t, res.OK)
	assert.Equal(t, "Invalid API key format", res.Message)
}

func TestUnknownKeyRejected(t *testing.T) {
	a := newTestAuthenticator(t, "a:secretlongenough0123456\n", 100)
	res := a.Authenticate(context.Background(), "Bearer nomatchsecret0123456789")
	assert.False(t, res.OK)
	assert.Equal(t, CodeInvalidAPIKey, res.Code)
}

func TestExpiredKeyRejected(t *testing.T) {
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	a := newTestAuthenticator(t, "a:secretlongenough0123456::"+past+"\n", 100)
	res := a.Authenticate(context.Background(), "Bearer secretlongenough0123456")
	assert.False(t, res.OK)
	assert.Equal(t, "API key has expired", res.Message)
}

func TestRateLimitEnforced(t *testing.T) {
	a := newTestAuthenticator(t, "a:secretlongenough0123456:2\n", 100)
	ctx := context.Background()
	header := "Bearer secretlongenough0123456"

	require.True(t, a.Authenticate(ctx, header).OK)
	require.True(t, a.Authenticate(ctx, header).OK)
	res := a.Authenticate(ctx, header)
	assert.False(t, res.OK)
	assert.Equal(t, CodeRateLimited, res.Code)
}

func TestEmptyStoreFailsClosed(t *testing.T) {
	a := newTestAuthenticator(t, "", 100)
	res := a.Authenticate(context.Background(), "Bearer anylongenoughsecret0123")
	assert.False(t, res.OK)
	assert.Equal(t, CodeInvalidAPIKey, res.Code)
}
