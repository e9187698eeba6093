// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeatsImmediatelyWhenBelowCapacity(t *testing.T) {
	g := New(2, 1)
	tk, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, tk.WasQueued())
	assert.EqualValues(t, 1, g.Active())
}

func TestQueuesWhenAtCapacity(t *testing.T) {
	g := New(1, 1)
	first, err := g.Acquire(context.Background())
	require.NoError(t, err)

	var second *Ticket
	done := make(chan struct{})
	go func() {
		second, err = g.Acquire(context.Background())
		close(done)
	}()

	// Give the goroutine a chance to park in the queue.
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, g.Waiting())

	first.Release()
	<-done
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.WasQueued())
	assert.Greater(t, second.Waited(), time.Duration(0))
}

func TestRejectsWhenQueueFull(t *testing.T) {
	g := New(1, 1)
	_, err := g.Acquire(context.Background())
	require.NoError(t, err)

	// Fill the single queue slot with a blocked goroutine.
	blockedDone := make(chan struct{})
	go func() {
		_, _ = g.Acquire(context.Background())
		close(blockedDone)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err = g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestUnboundedQueueNeverRejects(t *testing.T) {
	g := New(1, 0)
	_, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, g.Unbounded())

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			_, _ = g.Acquire(ctx)
		}()
	}
	wg.Wait()
}

func TestCancelledContextDropsFromQueueWithoutSeating(t *testing.T) {
	g := New(1, 5)
	first, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err = <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, g.Active(), "cancelled waiter must not be seated")
}

func TestQueueDepthHooksFireOnEnqueueAndDequeue(t *testing.T) {
	g := New(1, 1)
	var depth atomic.Int64
	g.SetQueueDepthHooks(func() { depth.Add(1) }, func() { depth.Add(-1) })

	first, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth.Load(), "immediately seated caller never touches the queue")

	done := make(chan struct{})
	go func() {
		second, err := g.Acquire(context.Background())
		require.NoError(t, err)
		second.Release()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, depth.Load())

	first.Release()
	<-done
	assert.EqualValues(t, 0, depth.Load())
}

func TestReleaseAllowsReacquire(t *testing.T) {
	g := New(1, 0)
	tk, err := g.Acquire(context.Background())
	require.NoError(t, err)
	tk.Release()

	tk2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, tk2.WasQueued())
}
