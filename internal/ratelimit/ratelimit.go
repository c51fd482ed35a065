// Package ratelimit throttles trigger traffic per caller.
//
// MemoryLimiter is a per-process token bucket. RedisLimiter is a fixed
// window shared across instances. Both satisfy Limiter, and Middleware
// fails open when a limiter errors.
package ratelimit

import "context"

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
