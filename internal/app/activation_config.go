package app

import (
	"strings"

	"github.com/charlesng35/activator/internal/ratelimit"
)

// Rate limiter backends accepted by activation.rate_limit.backend.
const (
	RateBackendMemory   = "memory"
	RateBackendDatabase = "database"
	RateBackendRedis    = "redis"
)

// LimiterConfig converts the rate limit section into ratelimit.Config, falling back to package defaults.
func (c ActivationConfig) LimiterConfig() ratelimit.Config {
	cfg := ratelimit.Config{
		Capacity:  c.RateLimit.Capacity,
		Window:    c.RateLimit.Window,
		Namespace: ratelimit.DefaultNamespace,
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = ratelimit.DefaultCapacity
	}
	if cfg.Window <= 0 {
		cfg.Window = ratelimit.DefaultWindow
	}
	return cfg
}

// RateBackend returns the normalised backend name, defaulting to memory.
func (c ActivationConfig) RateBackend() string {
	switch backend := strings.ToLower(strings.TrimSpace(c.RateLimit.Backend)); backend {
	case RateBackendDatabase, RateBackendRedis:
		return backend
	default:
		return RateBackendMemory
	}
}
