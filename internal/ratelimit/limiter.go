package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/metrics"
)

// failClosedRetry is the retry hint handed out while the counter store is
// unreachable and the limiter is failing closed.
const failClosedRetry = 5 * time.Second

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter struct {
	store    CounterStore
	policies map[string]Policy
	failOpen bool
	log      *slog.Logger
	now      func() time.Time
}

// NewLimiter builds a limiter over store. With failOpen set, requests are
// admitted while the store is unreachable; otherwise they are rejected.
func NewLimiter(store CounterStore, policies map[string]Policy, failOpen bool, log *slog.Logger) *Limiter {
	return &Limiter{
		store:    store,
		policies: policies,
		failOpen: failOpen,
		log:      log.With("component", "ratelimit"),
		now:      time.Now,
	}
}

func (l *Limiter) Policy(name string) (Policy, bool) {
	p, ok := l.policies[name]
	return p, ok
}

func counterKey(policy, identity string) string {
	return "rl:" + policy + ":" + identity
}

func blockKey(policy, identity string) string {
	return "rl:block:" + policy + ":" + identity
}

// CheckAndIncrement counts one request by identity against the named policy.
// The only error is an unknown policy; store failures are resolved by the
// fail-open setting and reported through the log.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identity, policyName string) (Decision, error) {
	p, ok := l.policies[policyName]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown policy %q", policyName)
	}
	now := l.now()

	blocked, err := l.store.IsBlocked(ctx, blockKey(p.Name, identity))
	if err != nil {
		return l.storeFailure(p, now, err), nil
	}
	if blocked > 0 {
		metrics.RateLimitDecisions.WithLabelValues(p.Name, "blocked").Inc()
		return Decision{Limit: p.Limit, ResetAt: now.Add(blocked), RetryAfter: blocked}, nil
	}

	count, resetIn, err := l.store.IncrementWithWindow(ctx, counterKey(p.Name, identity), p.Window)
	if err != nil {
		return l.storeFailure(p, now, err), nil
	}

	if count > int64(p.Limit) {
		block := p.Block
		if block <= 0 {
			block = resetIn
		}
		if err := l.store.SetBlock(ctx, blockKey(p.Name, identity), block); err != nil {
			l.log.Warn("set block failed", "policy", p.Name, "error", err)
		}
		metrics.RateLimitDecisions.WithLabelValues(p.Name, "denied").Inc()
		return Decision{Limit: p.Limit, ResetAt: now.Add(block), RetryAfter: block}, nil
	}

	metrics.RateLimitDecisions.WithLabelValues(p.Name, "allowed").Inc()
	return Decision{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - int(count),
		ResetAt:   now.Add(resetIn),
	}, nil
}

func (l *Limiter) storeFailure(p Policy, now time.Time, err error) Decision {
	l.log.Error("counter store unavailable", "policy", p.Name, "fail_open", l.failOpen, "error", err)
	metrics.RateLimitDecisions.WithLabelValues(p.Name, "store_error").Inc()
	if l.failOpen {
		return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit, ResetAt: now.Add(p.Window)}
	}
	return Decision{Limit: p.Limit, ResetAt: now.Add(failClosedRetry), RetryAfter: failClosedRetry}
}
