// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package datadir resolves the single persisted-state directory the
// supervisor and gateway share (models/, logs/, api_keys.txt), following an
// ordered list of candidates rather than implicit environment sniffing.
package datadir

import (
	"fmt"
	"os"
)

// Candidates probed, in order, when the operator-supplied default does not
// exist. The first directory that exists wins; if none exist the original
// default is returned unchanged so callers can create it themselves, or the
// first candidate when the default is empty.
var candidates = []string{
	"/data",
	"/var/lib/modelgate",
	"/opt/modelgate/data",
}

// Resolve returns the data directory to use. preferred is typically the
// value of the DATA_DIR configuration option (default "/data"); it is
// always tried first, ahead of the built-in candidate list.
func Resolve(preferred string) string {
	ordered := append([]string{preferred}, candidates...)
	for _, dir := range ordered {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	if preferred == "" {
		return candidates[0]
	}
	return preferred
}

// Layout is the set of paths derived from a resolved data directory, per
// the persisted state layout.
type Layout struct {
	Root        string
	ModelsDir   string
	LogsDir     string
	BootLogsDir string
	AccessLog   string
	KeysFile    string
}

// NewLayout derives the standard subdirectory layout under root. workerTag
// is not used here; the per-worker backend log directory comes from
// WorkerLogDir.
func NewLayout(root, workerTag string) Layout {
	l := Layout{
		Root:        root,
		ModelsDir:   root + "/models",
		LogsDir:     root + "/logs",
		BootLogsDir: root + "/logs/_boot",
		AccessLog:   root + "/logs/api_access.log",
		KeysFile:    root + "/api_keys.txt",
	}
	return l
}

// WorkerLogDir returns the backend stdout/stderr directory for the given
// worker type tag, defaulting to "default" when tag is empty.
func (l Layout) WorkerLogDir(workerTag string) string {
	if workerTag == "" {
		workerTag = "default"
	}
	return fmt.Sprintf("%s/%s", l.LogsDir, workerTag)
}

// EnsureDirs creates the directories modelgate itself writes to
// (logs/_boot, logs/<worker-tag>), leaving models/ and api_keys.txt alone
// since those are populated by external collaborators (§1 out of scope).
func (l Layout) EnsureDirs(workerTag string) error {
	for _, dir := range []string{l.LogsDir, l.BootLogsDir, l.WorkerLogDir(workerTag)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
