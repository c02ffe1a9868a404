// Package ratelimit implements the fixed-window guard applied to expired
// activation token presentations and resend requests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultCapacity is the number of allowed attempts per window.
	DefaultCapacity = 3
	// DefaultWindow is the length of one counting window.
	DefaultWindow = time.Hour
	// DefaultNamespace prefixes every counter key.
	DefaultNamespace = "activation:expired"
)

var (
	// ErrLimiterUnavailable wraps failures of the counter backend.
	ErrLimiterUnavailable = errors.New("rate limiter: backend unavailable")
	// ErrEmptyIdentifier is returned when the identifier normalises to nothing.
	ErrEmptyIdentifier = errors.New("rate limiter: identifier is required")
)

// Config tunes a Limiter.
type Config struct {
	Capacity  int
	Window    time.Duration
	Namespace string
}

// Decision is the result of one Check.
type Decision struct {
	Blocked bool
	// Remaining is the number of further attempts allowed in the current window.
	Remaining int
	// RetryAfter is set when Blocked and marks the end of the current window.
	RetryAfter time.Time
}

// Limiter consumes one unit per Check against a RateStore.
type Limiter struct {
	store     RateStore
	capacity  int
	window    time.Duration
	namespace string
	now       func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the clock used to compute RetryAfter.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a Limiter. Zero config values fall back to the defaults.
func New(store RateStore, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limiter: store is required")
	}

	limiter := &Limiter{
		store:     store,
		capacity:  cfg.Capacity,
		window:    cfg.Window,
		namespace: strings.Trim(strings.TrimSpace(cfg.Namespace), ":"),
		now:       time.Now,
	}
	if limiter.capacity <= 0 {
		limiter.capacity = DefaultCapacity
	}
	if limiter.window <= 0 {
		limiter.window = DefaultWindow
	}
	if limiter.namespace == "" {
		limiter.namespace = DefaultNamespace
	}

	for _, opt := range opts {
		opt(limiter)
	}
	return limiter, nil
}

// Capacity returns the configured attempts per window.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check records an attempt for identifier and reports whether it exceeds the
// window capacity. Backend failures are returned, never treated as allowed.
func (l *Limiter) Check(ctx context.Context, identifier string) (Decision, error) {
	key, err := l.Key(identifier)
	if err != nil {
		return Decision{}, err
	}

	count, ttl, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	if count > l.capacity {
		if ttl <= 0 || ttl > l.window {
			ttl = l.window
		}
		return Decision{
			Blocked:    true,
			Remaining:  0,
			RetryAfter: l.now().Add(ttl),
		}, nil
	}

	return Decision{Remaining: l.capacity - count}, nil
}

// Key returns the namespaced counter key for identifier.
func (l *Limiter) Key(identifier string) (string, error) {
	normalized := NormalizeIdentifier(identifier)
	if normalized == "" {
		return "", ErrEmptyIdentifier
	}
	return l.namespace + ":" + normalized, nil
}

// NormalizeIdentifier trims and lower-cases identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
