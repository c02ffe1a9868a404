package database

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Pool option keys are consumed by Open and never forwarded to the driver DSN.
const (
	optionMaxOpenConns    = "max_open_conns"
	optionMaxIdleConns    = "max_idle_conns"
	optionConnMaxLifetime = "conn_max_lifetime"
)

type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
}

// splitPoolOptions separates connection pool settings from driver parameters.
func splitPoolOptions(options map[string]string) (map[string]string, poolSettings, error) {
	var pool poolSettings
	driverOptions := make(map[string]string, len(options))

	for key, value := range options {
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case optionMaxOpenConns:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, pool, fmt.Errorf("database option %s: invalid value %q", optionMaxOpenConns, value)
			}
			pool.maxOpen = n
		case optionMaxIdleConns:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, pool, fmt.Errorf("database option %s: invalid value %q", optionMaxIdleConns, value)
			}
			pool.maxIdle = n
		case optionConnMaxLifetime:
			d, err := time.ParseDuration(value)
			if err != nil || d < 0 {
				return nil, pool, fmt.Errorf("database option %s: invalid value %q", optionConnMaxLifetime, value)
			}
			pool.maxLifetime = d
		default:
			driverOptions[key] = value
		}
	}

	return driverOptions, pool, nil
}

func applyPool(db *gorm.DB, pool poolSettings) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if pool.maxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.maxOpen)
	}
	if pool.maxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.maxIdle)
	}
	if pool.maxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.maxLifetime)
	}
	return nil
}

// gormConfig is shared by every dialect. Timestamps are stored in UTC so
// expiry comparisons do not depend on the server time zone.
func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}
