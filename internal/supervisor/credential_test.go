// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCredentialShapeAndUniqueness(t *testing.T) {
	a, err := generateCredential()
	require.NoError(t, err)
	assert.Len(t, a, 43)

	b, err := generateCredential()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	for _, r := range a {
		assert.False(t, r == '+' || r == '/' || r == '=', "credential must be URL-safe base64, got %q", a)
	}
}

func TestWriteCredentialFileIsOwnerOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred")
	cf, err := writeCredentialFile(path, "the-secret")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "the-secret", string(contents))

	require.NoError(t, cf.Shred())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCredentialFileShredIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred")
	cf, err := writeCredentialFile(path, "the-secret")
	require.NoError(t, err)

	require.NoError(t, cf.Shred())
	require.NoError(t, cf.Shred())
}

func TestCredentialFileShredOnNilIsNoop(t *testing.T) {
	var cf *credentialFile
	assert.NoError(t, cf.Shred())
}
