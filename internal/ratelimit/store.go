package ratelimit

import (
	"context"
	"time"
)

// CounterStore is the shared counter backing the limiter. IncrementWithWindow
// must be atomic across processes: the first increment of a key starts its
// window and later increments never extend it.
type CounterStore interface {
	IncrementWithWindow(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
	SetBlock(ctx context.Context, key string, d time.Duration) error
	// IsBlocked returns the remaining block time, zero when not blocked.
	IsBlocked(ctx context.Context, key string) (time.Duration, error)
}
