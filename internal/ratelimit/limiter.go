// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package ratelimit implements the per-key_id sliding-window limiter of
// spec.md §4.2: a 60-second window of request timestamps per identity,
// checked and appended atomically, garbage-collected every 300s. Identities
// are striped across shards by rendezvous hashing so that requests for
// different key_ids never serialize on the same lock.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

const (
	window = 60 * time.Second
	gcTick = 300 * time.Second

	defaultShardCount = 16
)

// Limiter is the process-wide sliding-window rate limiter. It survives
// key-store reloads: a key_id's recorded timestamps are untouched by a
// reload and only evicted by the idle-bucket GC sweep.
type Limiter struct {
	shards      map[string]*shard
	ring        *rendezvous.Rendezvous
	globalLimit int
	shared      SharedWindow
}

// SetSharedWindow attaches an optional cross-replica backend. When set,
// Allow consults it instead of the local shard map; the local shards stay
// allocated but idle. Pass nil to return to pure in-memory operation.
func (l *Limiter) SetSharedWindow(w SharedWindow) {
	l.shared = w
}

type shard struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// New constructs a Limiter with globalLimit as the default
// requests-per-minute ceiling for identities with no per-key override.
func New(globalLimit int) *Limiter {
	return NewWithShards(globalLimit, defaultShardCount)
}

// NewWithShards is New with an explicit shard count, exposed for tests that
// want to force collisions or verify cross-identity parallelism.
func NewWithShards(globalLimit, shardCount int) *Limiter {
	if shardCount < 1 {
		shardCount = 1
	}
	nodes := make([]string, shardCount)
	shards := make(map[string]*shard, shardCount)
	for i := range nodes {
		node := fmt.Sprintf("shard-%d", i)
		nodes[i] = node
		shards[node] = &shard{buckets: make(map[string][]time.Time)}
	}
	return &Limiter{
		shards:      shards,
		ring:        rendezvous.New(nodes, xxhash.Sum64String),
		globalLimit: globalLimit,
	}
}

func (l *Limiter) shardFor(keyID string) *shard {
	return l.shards[l.ring.Lookup(keyID)]
}

// Allow runs the check-and-record algorithm for keyID against now,
// honoring perKeyLimit when non-zero (the key's own override), else the
// global default. It reports whether the request is admitted.
//
// When a SharedWindow is attached (SetSharedWindow), the decision is made
// there instead of in the local shard map, so a fleet of replicas agrees on
// a single identity's usage. On a shared-backend error, Allow fails open to
// the local in-memory window rather than blocking every request behind a
// flaky dependency.
func (l *Limiter) Allow(ctx context.Context, keyID string, perKeyLimit int, now time.Time) bool {
	limit := l.globalLimit
	if perKeyLimit > 0 {
		limit = perKeyLimit
	}
	if limit <= 0 {
		return false
	}

	if l.shared != nil {
		allowed, err := l.shared.CheckAndRecord(ctx, keyID, limit, now)
		if err == nil {
			return allowed
		}
	}

	s := l.shardFor(keyID)
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.buckets[keyID]
	ts = pruneBefore(ts, cutoff)
	if len(ts) >= limit {
		s.buckets[keyID] = ts
		return false
	}
	s.buckets[keyID] = append(ts, now)
	return true
}

// pruneBefore drops timestamps strictly older than cutoff from the head of
// an ordered (oldest-first) slice.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}

// GC drops any bucket whose newest timestamp has fallen out of the active
// window, freeing memory for identities that have gone idle. Intended to
// be invoked every 300s by RunGC.
func (l *Limiter) GC(now time.Time) (dropped int) {
	cutoff := now.Add(-window)
	for _, s := range l.shards {
		s.mu.Lock()
		for key, ts := range s.buckets {
			if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
				delete(s.buckets, key)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

// RunGC runs GC on a ticker until done is closed. Call it once from the
// gateway's startup goroutine set.
func (l *Limiter) RunGC(done <-chan struct{}, onSweep func(dropped int)) {
	ticker := time.NewTicker(gcTick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			n := l.GC(now)
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}

// Usage returns the current count of recorded timestamps for keyID within
// the active window, for diagnostics/tests.
func (l *Limiter) Usage(keyID string, now time.Time) int {
	s := l.shardFor(keyID)
	cutoff := now.Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := pruneBefore(s.buckets[keyID], cutoff)
	s.buckets[keyID] = ts
	return len(ts)
}
