// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package keystore

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reinforces hot reload (spec.md §4.1) by reloading whenever the key
// file's directory reports a write or rename, in addition to the explicit
// HUP/HTTP triggers the supervisor and gateway also drive through Reload.
// It watches the directory rather than the file itself so that editors
// which replace the file (write-temp, rename-over) are still observed.
func (ks *KeyStore) Watch(ctx context.Context, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(ks.Path())
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Base(ks.Path())
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				n, err := ks.Reload()
				if err != nil {
					log.Warn("key file watch reload failed, retaining previous store", "error", err)
					continue
				}
				log.Info("key file changed on disk, reloaded", "keys_loaded", n)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("key file watcher error", "error", err)
			}
		}
	}()
	return nil
}
