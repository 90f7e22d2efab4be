package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryCounter struct {
	count   int64
	expires time.Time
}

// MemoryStore is a single-process CounterStore for development and tests.
// Expired keys are dropped lazily on access and by Sweep.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	blocks   map[string]time.Time
	now      func() time.Time
}

var _ CounterStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		blocks:   make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *MemoryStore) IncrementWithWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &memoryCounter{expires: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.expires.Sub(now), nil
}

func (s *MemoryStore) SetBlock(_ context.Context, key string, d time.Duration) error {
	s.mu.Lock()
	s.blocks[key] = s.now().Add(d)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsBlocked(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blocks[key]
	if !ok {
		return 0, nil
	}
	left := until.Sub(s.now())
	if left <= 0 {
		delete(s.blocks, key)
		return 0, nil
	}
	return left, nil
}

// Sweep drops expired counters and blocks.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, c := range s.counters {
		if !now.Before(c.expires) {
			delete(s.counters, k)
		}
	}
	for k, until := range s.blocks {
		if !now.Before(until) {
			delete(s.blocks, k)
		}
	}
}

// RunSweeper calls Sweep every period until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
