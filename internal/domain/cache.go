package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups for the read path.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub messaging.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
