package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/activator/internal/models"
)

var (
	// ErrTokenNotFound indicates no token row matches the supplied digest.
	ErrTokenNotFound = errors.New("activation store: token not found")
	// ErrAccountNotFound indicates the account does not exist.
	ErrAccountNotFound = errors.New("activation store: account not found")
)

// TokenStore persists accounts together with their active and archived tokens.
type TokenStore interface {
	FindActiveByHash(ctx context.Context, hash string) (*models.ActivationToken, error)
	FindArchivedByHash(ctx context.Context, hash string) (*models.ArchivedToken, error)
	FindAccount(ctx context.Context, id string) (*models.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	// FindAllActiveForAccount returns every active-table token of the account, oldest first.
	FindAllActiveForAccount(ctx context.Context, accountID string) ([]models.ActivationToken, error)
	// ArchiveAndRemove copies token into the archive and deletes the active row.
	// Archiving the same digest twice is a no-op.
	ArchiveAndRemove(ctx context.Context, token *models.ActivationToken, archivedAt time.Time) error
	Save(ctx context.Context, token *models.ActivationToken) error
	DeleteAllForAccount(ctx context.Context, accountID string) error
	// MarkActivated flips the account flag when it is still unset and reports
	// whether this call performed the transition.
	MarkActivated(ctx context.Context, accountID string) (bool, error)
	// ExpireActiveForAccount stamps every unexpired token of the account and
	// returns the tokens this call expired.
	ExpireActiveForAccount(ctx context.Context, accountID string, at time.Time) ([]models.ActivationToken, error)
	// ExpireToken stamps a single token when it is still unexpired and reports
	// whether this call performed the transition.
	ExpireToken(ctx context.Context, tokenID string, at time.Time) (bool, error)
	// FindStaleActiveTokens returns unexpired tokens created before olderThan, oldest first.
	FindStaleActiveTokens(ctx context.Context, olderThan time.Time, limit int) ([]models.ActivationToken, error)
	// Transaction runs fn against a store bound to a single unit of work.
	Transaction(ctx context.Context, fn func(TokenStore) error) error
}

// GormTokenStore implements TokenStore on gorm.
type GormTokenStore struct {
	db *gorm.DB
}

// NewGormTokenStore constructs a gorm-backed TokenStore.
func NewGormTokenStore(db *gorm.DB) (*GormTokenStore, error) {
	if db == nil {
		return nil, errors.New("activation store: db is required")
	}
	return &GormTokenStore{db: db}, nil
}

func (s *GormTokenStore) FindActiveByHash(ctx context.Context, hash string) (*models.ActivationToken, error) {
	var token models.ActivationToken
	err := s.db.WithContext(ctx).
		Where("hashed_secret = ?", hash).
		Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("activation store: find active token: %w", err)
	}
	return &token, nil
}

func (s *GormTokenStore) FindArchivedByHash(ctx context.Context, hash string) (*models.ArchivedToken, error) {
	var archived models.ArchivedToken
	err := s.db.WithContext(ctx).
		Where("hashed_secret = ?", hash).
		Take(&archived).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("activation store: find archived token: %w", err)
	}
	return &archived, nil
}

func (s *GormTokenStore) FindAccount(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Take(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("activation store: find account: %w", err)
	}
	return &account, nil
}

func (s *GormTokenStore) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).
		Take(&account, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("activation store: find account by email: %w", err)
	}
	return &account, nil
}

func (s *GormTokenStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("activation store: create account: %w", err)
	}
	return nil
}

func (s *GormTokenStore) FindAllActiveForAccount(ctx context.Context, accountID string) ([]models.ActivationToken, error) {
	var tokens []models.ActivationToken
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("activation store: list tokens: %w", err)
	}
	return tokens, nil
}

func (s *GormTokenStore) ArchiveAndRemove(ctx context.Context, token *models.ActivationToken, archivedAt time.Time) error {
	if token == nil {
		return errors.New("activation store: token is required")
	}

	archived := token.Archive(archivedAt.UTC())
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hashed_secret"}},
			DoNothing: true,
		}).
		Create(&archived).Error; err != nil {
		return fmt.Errorf("activation store: archive token: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Where("id = ?", token.ID).
		Delete(&models.ActivationToken{}).Error; err != nil {
		return fmt.Errorf("activation store: remove token: %w", err)
	}
	return nil
}

func (s *GormTokenStore) Save(ctx context.Context, token *models.ActivationToken) error {
	if token == nil {
		return errors.New("activation store: token is required")
	}
	if err := s.db.WithContext(ctx).Save(token).Error; err != nil {
		return fmt.Errorf("activation store: save token: %w", err)
	}
	return nil
}

func (s *GormTokenStore) DeleteAllForAccount(ctx context.Context, accountID string) error {
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&models.ActivationToken{}).Error; err != nil {
		return fmt.Errorf("activation store: delete tokens: %w", err)
	}
	return nil
}

func (s *GormTokenStore) MarkActivated(ctx context.Context, accountID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ? AND activated = ?", accountID, false).
		Update("activated", true)
	if result.Error != nil {
		return false, fmt.Errorf("activation store: mark activated: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *GormTokenStore) ExpireActiveForAccount(ctx context.Context, accountID string, at time.Time) ([]models.ActivationToken, error) {
	var candidates []models.ActivationToken
	if err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND expired_at IS NULL", accountID).
		Order("created_at ASC").
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("activation store: list active tokens: %w", err)
	}

	expired := make([]models.ActivationToken, 0, len(candidates))
	for _, token := range candidates {
		result := s.db.WithContext(ctx).
			Model(&models.ActivationToken{}).
			Where("id = ? AND expired_at IS NULL", token.ID).
			Update("expired_at", at.UTC())
		if result.Error != nil {
			return nil, fmt.Errorf("activation store: expire token: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		stamp := at.UTC()
		token.ExpiredAt = &stamp
		expired = append(expired, token)
	}
	return expired, nil
}

func (s *GormTokenStore) ExpireToken(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.ActivationToken{}).
		Where("id = ? AND expired_at IS NULL", tokenID).
		Update("expired_at", at.UTC())
	if result.Error != nil {
		return false, fmt.Errorf("activation store: expire token: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *GormTokenStore) FindStaleActiveTokens(ctx context.Context, olderThan time.Time, limit int) ([]models.ActivationToken, error) {
	query := s.db.WithContext(ctx).
		Where("expired_at IS NULL AND created_at < ?", olderThan.UTC()).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var tokens []models.ActivationToken
	if err := query.Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("activation store: find stale tokens: %w", err)
	}
	return tokens, nil
}

func (s *GormTokenStore) Transaction(ctx context.Context, fn func(TokenStore) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormTokenStore{db: tx})
	})
	if err != nil && !errors.Is(err, ErrTransactionConflict) && isTransactionConflict(err) {
		return fmt.Errorf("%w: %v", ErrTransactionConflict, err)
	}
	return err
}
