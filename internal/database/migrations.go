package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/activator/internal/models"
)

const activeTokenIndex = "idx_activation_tokens_one_active"

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Account{},
		&models.ActivationToken{},
		&models.ArchivedToken{},
		&models.CacheEntry{},
	); err != nil {
		return err
	}

	return ensureActiveTokenIndex(db)
}

// ensureActiveTokenIndex enforces at most one unexpired token per account on
// dialects with partial index support. MySQL relies on the service layer.
func ensureActiveTokenIndex(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "sqlite", "postgres":
	default:
		return nil
	}

	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON activation_tokens (account_id) WHERE expired_at IS NULL",
		activeTokenIndex,
	)
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("create %s: %w", activeTokenIndex, err)
	}
	return nil
}
