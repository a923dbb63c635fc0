package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	// TryThrottle takes key for ttl and never releases it early. It reports
	// false when the key is already held.
	TryThrottle(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// SignalBus appends notifications to durable streams read by downstream
// consumers.
type SignalBus interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
