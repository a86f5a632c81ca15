// Package ratelimit implements fixed-window tiered and burst limiting over a
// shared atomic counter.
package ratelimit

import (
	"context"
	"time"
)

// Counter atomically increments a key and starts its expiry on the first
// increment. Implementations must never decrement.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Ping(ctx context.Context) error
}
