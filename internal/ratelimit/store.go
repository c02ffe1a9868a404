package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/charlesng35/activator/internal/cache"
)

// RateStore coordinates fixed-window counters for a specific key.
type RateStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, ttl time.Duration, err error)
}

// MemoryRateStore provides process-local counters. It is concurrency-safe.
type MemoryRateStore struct {
	mu    sync.Mutex
	data  map[string]*memoryCounter
	clock func() time.Time

	tick *time.Ticker
	done chan struct{}
	once sync.Once
}

type memoryCounter struct {
	count     int
	windowEnd time.Time
}

// MemoryOption customises a MemoryRateStore.
type MemoryOption func(*MemoryRateStore)

// WithMemoryClock overrides the clock used to open and close windows.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryRateStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryRateStore constructs an in-memory rate store. Expired counters are
// dropped every cleanupInterval until Close is called; zero disables the loop.
func NewMemoryRateStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryRateStore {
	store := &MemoryRateStore{
		data:  make(map[string]*memoryCounter),
		clock: time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}

	if cleanupInterval > 0 {
		store.tick = time.NewTicker(cleanupInterval)
		go store.cleanupLoop()
	}
	return store
}

func (s *MemoryRateStore) cleanupLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.tick.C:
			s.sweep()
		}
	}
}

func (s *MemoryRateStore) sweep() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, counter := range s.data {
		if !now.Before(counter.windowEnd) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
}

// Close stops the cleanup loop.
func (s *MemoryRateStore) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.tick != nil {
			s.tick.Stop()
		}
	})
}

// Increment implements RateStore.
func (s *MemoryRateStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.data[key]
	if !ok || !now.Before(counter.windowEnd) {
		counter = &memoryCounter{windowEnd: now.Add(window)}
		s.data[key] = counter
	}

	counter.count++

	return counter.count, counter.windowEnd.Sub(now), nil
}

// storeRateStore adapts a cache.Store (SQL or Redis) to RateStore.
type storeRateStore struct {
	store cache.Store
}

// NewCacheRateStore wraps a shared cache store in a RateStore implementation.
func NewCacheRateStore(store cache.Store) RateStore {
	if store == nil {
		return nil
	}
	return &storeRateStore{store: store}
}

func (s *storeRateStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	count, ttl, err := s.store.IncrementWithTTL(ctx, key, window)
	return int(count), ttl, err
}
