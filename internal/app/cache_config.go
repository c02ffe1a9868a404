package app

import (
	"strings"

	"github.com/charlesng35/activator/internal/cache"
	"github.com/charlesng35/activator/internal/database"
)

// RedisClientConfig converts the application cache configuration into the cache package representation.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:  strings.TrimSpace(c.Redis.Address),
		Username: strings.TrimSpace(c.Redis.Username),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TLS:      c.Redis.TLS,
		Timeout:  c.Redis.Timeout,
		Prefix:   c.Redis.Prefix,
	}
}

// OpenConfig converts the database section into the options accepted by database.Open.
func (c DatabaseConfig) OpenConfig() database.Config {
	options := make(map[string]string, len(c.Options))
	for k, v := range c.Options {
		options[k] = v
	}
	return database.Config{
		Driver:   strings.TrimSpace(c.Driver),
		Path:     strings.TrimSpace(c.Path),
		DSN:      strings.TrimSpace(c.DSN),
		Host:     strings.TrimSpace(c.Host),
		Port:     c.Port,
		Name:     strings.TrimSpace(c.Name),
		User:     strings.TrimSpace(c.User),
		Password: c.Password,
		Options:  options,
	}
}
