// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gate implements the concurrency admission gate of spec.md §4.4: a
// bounded number of concurrently seated requests plus a bounded FIFO wait
// queue for the rest. Arrivals that cannot be seated and cannot be queued
// are rejected immediately; arrivals that disconnect while queued are
// dropped without ever being seated.
package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned by Acquire when MaxQueue is already saturated.
var ErrQueueFull = errors.New("gate: queue full")

// Gate admits at most MaxConcurrent callers at a time; additional callers
// wait in FIFO order behind MaxQueue queue slots (0 meaning unbounded).
type Gate struct {
	maxConcurrent int64
	maxQueue      int64

	sem       *semaphore.Weighted
	waiting   atomic.Int64
	active    atomic.Int64
	unbounded bool

	onEnqueue func()
	onDequeue func()
}

// New constructs a Gate. maxQueue of 0 means an unbounded wait queue.
func New(maxConcurrent, maxQueue int) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{
		maxConcurrent: int64(maxConcurrent),
		maxQueue:      int64(maxQueue),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		unbounded:     maxQueue == 0,
	}
}

// SetQueueDepthHooks wires callbacks fired exactly when a caller enters and
// leaves the wait queue, so an external gauge (spec.md §3's queue_depth)
// can track live occupancy without polling. Both are optional; either may
// be nil.
func (g *Gate) SetQueueDepthHooks(onEnqueue, onDequeue func()) {
	g.onEnqueue = onEnqueue
	g.onDequeue = onDequeue
}

// Ticket represents one seated admission; release the seat by calling
// Release once the proxied request has completed.
type Ticket struct {
	gate      *Gate
	queuedAt  time.Time
	waited    time.Duration
	wasQueued bool
}

// Waited reports how long this ticket spent in the queue before being
// seated (zero if it was seated immediately).
func (t *Ticket) Waited() time.Duration { return t.waited }

// WasQueued reports whether the request ever entered the wait queue.
func (t *Ticket) WasQueued() bool { return t.wasQueued }

// Release frees the seat, allowing the next queued arrival (if any) to be
// seated. Safe to call at most once per Ticket.
func (t *Ticket) Release() {
	t.gate.active.Add(-1)
	t.gate.sem.Release(1)
}

// Acquire admits ctx's caller, blocking it in the wait queue if no seat is
// immediately available. It returns ErrQueueFull if the queue is already at
// capacity, or ctx.Err() if ctx is cancelled (client disconnect) while
// queued -- in both cases the caller is never seated and queue_depth is
// left unchanged or decremented, matching the drop-silently rule in
// spec.md §4.4.
func (g *Gate) Acquire(ctx context.Context) (*Ticket, error) {
	if g.sem.TryAcquire(1) {
		g.active.Add(1)
		return &Ticket{gate: g, queuedAt: time.Now()}, nil
	}

	if !g.unbounded && g.waiting.Load() >= g.maxQueue {
		return nil, ErrQueueFull
	}

	g.waiting.Add(1)
	if g.onEnqueue != nil {
		g.onEnqueue()
	}
	defer func() {
		g.waiting.Add(-1)
		if g.onDequeue != nil {
			g.onDequeue()
		}
	}()

	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, ctx.Err()
	}
	g.active.Add(1)
	return &Ticket{gate: g, queuedAt: start, waited: time.Since(start), wasQueued: true}, nil
}

// Active reports the number of currently seated requests.
func (g *Gate) Active() int64 { return g.active.Load() }

// Waiting reports the number of requests currently parked in the queue.
func (g *Gate) Waiting() int64 { return g.waiting.Load() }

// MaxConcurrent and MaxQueue report the configured bounds; MaxQueue is 0
// when the queue is unbounded.
func (g *Gate) MaxConcurrent() int64 { return g.maxConcurrent }
func (g *Gate) MaxQueue() int64      { return g.maxQueue }
func (g *Gate) Unbounded() bool      { return g.unbounded }
