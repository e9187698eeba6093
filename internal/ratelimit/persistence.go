// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedWindow is an optional backend that lets a fleet of modelgate
// replicas agree on a single key_id's sliding window, for operators who run
// more than one instance in front of the same backend family (see
// SPEC_FULL.md's supplemented features). Pure in-memory operation (the
// default, and the only mode spec.md's single-container model requires)
// never touches this interface.
type SharedWindow interface {
	// CheckAndRecord runs the same check-and-record algorithm as the
	// in-memory shard, atomically, against a remote store.
	CheckAndRecord(ctx context.Context, keyID string, limit int, now time.Time) (allowed bool, err error)
}

// RedisWindow implements SharedWindow against a Redis sorted set per
// key_id, member = request nonce (nanosecond timestamp is unique enough
// for this purpose), score = unix-nano timestamp. Trim-then-count-then-add
// is wrapped in a single Lua script so it is atomic despite being three
// Redis commands, mirroring the linearizability spec.md §4.2 requires.
type RedisWindow struct {
	client *redis.Client
	prefix string
}

// NewRedisWindow dials addr (host:port) and returns a SharedWindow backed
// by it. The connection is lazy; dial errors surface on first use.
func NewRedisWindow(addr, password string, db int) *RedisWindow {
	return &RedisWindow{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "modelgate:ratelimit:",
	}
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", windowStart)
local count = redis.call("ZCARD", key)
if count >= limit then
  return 0
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, 60000)
return 1
`)

// CheckAndRecord implements SharedWindow.
func (r *RedisWindow) CheckAndRecord(ctx context.Context, keyID string, limit int, now time.Time) (bool, error) {
	key := r.prefix + keyID
	nowNano := now.UnixNano()
	windowStart := now.Add(-window).UnixNano()
	member := fmt.Sprintf("%d-%d", nowNano, now.Nanosecond())

	res, err := slidingWindowScript.Run(ctx, r.client, []string{key}, nowNano, windowStart, limit, member).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis sliding window: %w", err)
	}
	return res == 1, nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisWindow) Close() error {
	return r.client.Close()
}
