// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package supervisor

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

// generateCredential produces 43 characters of URL-safe base64 (32 random
// bytes, unpadded), matching spec.md §4.7 step 3's backend credential
// shape.
func generateCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("supervisor: generate credential: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// credentialFile writes secret to path with owner-only permissions, and can
// shred itself on teardown by overwriting the file with zero bytes before
// unlinking -- best-effort, since a filesystem is free to have already
// relocated the original blocks.
type credentialFile struct {
	path string
}

func writeCredentialFile(path, secret string) (*credentialFile, error) {
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return nil, fmt.Errorf("supervisor: write credential file: %w", err)
	}
	return &credentialFile{path: path}, nil
}

// Shred overwrites the credential file with zero bytes and unlinks it. It
// is safe to call more than once.
func (c *credentialFile) Shred() error {
	if c == nil || c.path == "" {
		return nil
	}
	if info, err := os.Stat(c.path); err == nil {
		zeros := make([]byte, info.Size())
		_ = os.WriteFile(c.path, zeros, 0o600)
	}
	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
