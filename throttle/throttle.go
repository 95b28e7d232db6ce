// Copyright 2017 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package throttle implements component H: a Redis-backed token bucket
// bounding the committer's on-chain submission rate. It is optional
// ambient infrastructure, never a correctness dependency — a nil
// *Throttle permits every submission.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// Config configures the per-group submission rate limit.
type Config struct {
	// RedisAddress is the "host:port" of the Redis instance backing the
	// shared token bucket. Empty disables throttling: New returns nil.
	RedisAddress string
	// GroupID keys the bucket so multiple groups sharing one Redis
	// instance don't share a limit.
	GroupID uint64
	// RatePerMinute and Burst size the token bucket.
	RatePerMinute int
	Burst         int
}

// Throttle is a Redis-backed token bucket gating submissions for one
// group. A nil *Throttle is valid and always allows.
type Throttle struct {
	client *redis.Client
	key    string
	limit  rate.Limit
	burst  int

	// local is the in-process fallback limiter used when Redis is
	// transiently unreachable, so a Redis outage degrades to a
	// single-process rate limit rather than blocking forever.
	local *rate.Limiter
}

// New constructs a Throttle. If cfg.RedisAddress is empty, it returns
// (nil, nil): throttling is disabled, matching §4.H's "optional ambient
// infrastructure" contract.
func New(cfg Config) (*Throttle, error) {
	if cfg.RedisAddress == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	limit := rate.Limit(float64(cfg.RatePerMinute) / 60.0)
	return &Throttle{
		client: client,
		key:    fmt.Sprintf("sequencer:throttle:%d", cfg.GroupID),
		limit:  limit,
		burst:  cfg.Burst,
		local:  rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

// Close releases the Redis connection. A nil receiver is a no-op.
func (t *Throttle) Close() error {
	if t == nil {
		return nil
	}
	return t.client.Close()
}

// Allow reports whether a submission may proceed now, and if not, how
// long the caller should wait before asking again. A nil receiver
// always allows.
func (t *Throttle) Allow(ctx context.Context) (bool, time.Duration) {
	if t == nil {
		return true, 0
	}

	allowed, retryAfter, err := t.tokenBucketScript(ctx)
	if err != nil {
		// Redis unreachable: degrade to an in-process limiter rather
		// than stalling the committer indefinitely.
		if t.local.Allow() {
			return true, 0
		}
		return false, time.Second
	}
	return allowed, retryAfter
}

// WaitAllow blocks until Allow reports true or ctx is done. A nil
// receiver returns immediately.
func (t *Throttle) WaitAllow(ctx context.Context) error {
	if t == nil {
		return nil
	}
	for {
		allowed, retryAfter := t.Allow(ctx)
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// tokenBucketScript implements a simple token-bucket refill against a
// single Redis hash, atomically via a Lua script so concurrent
// sequencer replicas sharing one Redis instance see a consistent
// bucket.
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("HGET", key, "tokens") or burst)
local updated = tonumber(redis.call("HGET", key, "ts") or now)

local delta = math.max(0, now - updated)
tokens = math.min(burst, tokens + delta * rate)

if tokens < 1 then
  redis.call("HSET", key, "tokens", tokens, "ts", now)
  redis.call("EXPIRE", key, 3600)
  return 0
end

tokens = tokens - 1
redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, 3600)
return 1
`

func (t *Throttle) tokenBucketScript(ctx context.Context) (bool, time.Duration, error) {
	now := float64(timeNowUnix())
	res, err := t.client.Eval(ctx, tokenBucketLua, []string{t.key},
		float64(t.limit), t.burst, now).Result()
	if err != nil {
		return false, 0, err
	}
	allowed, _ := res.(int64)
	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Second, nil
}

// timeNowUnix returns the current Unix time in whole seconds.
func timeNowUnix() int64 { return time.Now().Unix() }
