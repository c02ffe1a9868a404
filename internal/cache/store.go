package cache

import (
	"context"
	"errors"
	"time"
)

// ErrStoreNotInitialised is returned when a nil store is used.
var ErrStoreNotInitialised = errors.New("cache: store not initialised")

// Store represents a shared cache interface used across the application.
type Store interface {
	// IncrementWithTTL bumps the counter for key. The window starts with the
	// first increment and is not extended by later ones.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Purger is implemented by stores that need expired rows removed explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
