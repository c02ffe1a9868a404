package database

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openSQLite(cfg Config) (*gorm.DB, error) {
	dsn, err := buildSQLiteDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}

	// Enforced per connection; the DSN flag covers pooled connections opened later.
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}
	return db, nil
}

func buildSQLiteDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	params := url.Values{}
	params.Set("_foreign_keys", "1")

	path := strings.TrimSpace(cfg.Path)
	inMemory := path == "" || strings.EqualFold(path, ":memory:")
	if inMemory {
		params.Set("cache", "shared")
	} else {
		if err := ensureDir(path); err != nil {
			return "", err
		}
		params.Set("_journal_mode", "WAL")
		params.Set("_busy_timeout", "5000")
	}

	for key, value := range cfg.Options {
		if strings.TrimSpace(key) == "" {
			return "", errors.New("sqlite option with empty name")
		}
		params.Set(key, value)
	}

	if inMemory {
		return "file::memory:?" + params.Encode(), nil
	}
	return "file:" + filepath.ToSlash(path) + "?" + params.Encode(), nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
