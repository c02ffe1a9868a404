package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/activator/internal/models"
	"github.com/charlesng35/activator/internal/ratelimit"
	"github.com/charlesng35/activator/pkg/logger"
	"github.com/charlesng35/activator/pkg/metrics"
)

// ErrAccountActivated is returned when a token is requested for an account
// that no longer needs one.
var ErrAccountActivated = errors.New("activation service: account already activated")

// ErrTokenSuperseded is returned when a token changed state after it was read.
var ErrTokenSuperseded = errors.New("activation service: token already superseded")

// RateChecker is the subset of ratelimit.Limiter used by the activation flow.
type RateChecker interface {
	Check(ctx context.Context, identifier string) (ratelimit.Decision, error)
}

// ActivationOption customises the ActivationService.
type ActivationOption func(*ActivationService)

// WithActivationClock injects a custom time source.
func WithActivationClock(clock func() time.Time) ActivationOption {
	return func(s *ActivationService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithActivationCodec overrides the token codec.
func WithActivationCodec(codec TokenCodec) ActivationOption {
	return func(s *ActivationService) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithActivationLogger overrides the module logger.
func WithActivationLogger(log *zap.Logger) ActivationOption {
	return func(s *ActivationService) {
		if log != nil {
			s.log = log
		}
	}
}

// ActivationService drives the activation token state machine.
type ActivationService struct {
	store   TokenStore
	limiter RateChecker
	codec   TokenCodec
	now     func() time.Time
	log     *zap.Logger
}

// NewActivationService constructs the service with its collaborators.
func NewActivationService(store TokenStore, limiter RateChecker, opts ...ActivationOption) (*ActivationService, error) {
	if store == nil {
		return nil, errors.New("activation service: store is required")
	}
	if limiter == nil {
		return nil, errors.New("activation service: rate limiter is required")
	}

	service := &ActivationService{
		store:   store,
		limiter: limiter,
		codec:   NewTokenCodec(),
		now:     time.Now,
		log:     logger.WithModule("activation"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Activate resolves a presented plaintext token. Business results are
// reported through Outcome; only infrastructure failures return an error.
func (s *ActivationService) Activate(ctx context.Context, presented string) (Outcome, error) {
	outcome, err := s.activate(ctx, presented)
	if err != nil {
		metrics.ActivationOutcomes.WithLabelValues("error").Inc()
		return Outcome{}, err
	}
	metrics.ActivationOutcomes.WithLabelValues(outcome.Kind.String()).Inc()
	return outcome, nil
}

func (s *ActivationService) activate(ctx context.Context, presented string) (Outcome, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return invalidOutcome(), nil
	}
	hash := s.codec.Hash(presented)

	token, err := s.store.FindActiveByHash(ctx, hash)
	if errors.Is(err, ErrTokenNotFound) {
		return s.resolveArchived(ctx, hash)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("activation service: find token: %w", err)
	}

	account, err := s.store.FindAccount(ctx, token.AccountID)
	if errors.Is(err, ErrAccountNotFound) {
		return invalidOutcome(), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("activation service: load account: %w", err)
	}
	if account.Activated {
		return alreadyActivatedOutcome(), nil
	}

	now := s.now().UTC()
	if token.IsExpired(now) {
		return s.expired(ctx, account, token)
	}

	return s.consume(ctx, account, token, now)
}

// expired consults the limiter for an expired token presentation.
func (s *ActivationService) expired(ctx context.Context, account *models.Account, token *models.ActivationToken) (Outcome, error) {
	decision, err := s.limiter.Check(ctx, account.Email)
	if err != nil {
		return Outcome{}, fmt.Errorf("activation service: rate limit: %w", err)
	}
	if decision.Blocked {
		s.log.Info("expired token presentation rate limited",
			zap.String("account_id", account.ID),
			zap.Time("retry_after", decision.RetryAfter))
		return blockedOutcome(decision.RetryAfter), nil
	}
	return expiredOutcome(token), nil
}

func (s *ActivationService) resolveArchived(ctx context.Context, hash string) (Outcome, error) {
	archived, err := s.store.FindArchivedByHash(ctx, hash)
	if errors.Is(err, ErrTokenNotFound) {
		return invalidOutcome(), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("activation service: find archived token: %w", err)
	}

	account, err := s.store.FindAccount(ctx, archived.AccountID)
	if errors.Is(err, ErrAccountNotFound) {
		return invalidOutcome(), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("activation service: load account: %w", err)
	}
	if account.Activated {
		return alreadyActivatedOutcome(), nil
	}
	return invalidOutcome(), nil
}

// errActivationRaceLost rolls back a consumption whose account flag was
// flipped by someone else.
var errActivationRaceLost = errors.New("activation service: account activated concurrently")

// consume claims the presented token, activates the account and archives
// every token it still holds, all in one unit of work. The claim is guarded
// by expired_at so a token superseded after the lookup cannot be consumed.
func (s *ActivationService) consume(ctx context.Context, account *models.Account, token *models.ActivationToken, now time.Time) (Outcome, error) {
	var (
		superseded *models.ActivationToken
		removed    bool
	)

	err := s.store.Transaction(ctx, func(tx TokenStore) error {
		claimed, err := tx.ExpireToken(ctx, token.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			current, err := tx.FindActiveByHash(ctx, token.HashedSecret)
			if errors.Is(err, ErrTokenNotFound) {
				removed = true
				return nil
			}
			if err != nil {
				return err
			}
			superseded = current
			return nil
		}

		won, err := tx.MarkActivated(ctx, account.ID)
		if err != nil {
			return err
		}
		if !won {
			return errActivationRaceLost
		}

		tokens, err := tx.FindAllActiveForAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		for i := range tokens {
			if tokens[i].ExpiredAt == nil {
				stamp := now
				tokens[i].ExpiredAt = &stamp
			}
			if err := tx.ArchiveAndRemove(ctx, &tokens[i], now); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errActivationRaceLost):
		return alreadyActivatedOutcome(), nil
	case err != nil:
		return Outcome{}, fmt.Errorf("activation service: consume token: %w", err)
	case removed:
		return s.resolveArchived(ctx, token.HashedSecret)
	case superseded != nil:
		return s.expired(ctx, account, superseded)
	}

	s.log.Info("account activated", zap.String("account_id", account.ID))
	return successOutcome(), nil
}

// Regenerate expires whatever token the owner of old still holds and issues a
// fresh one. The returned plaintext is the only copy of the new secret.
func (s *ActivationService) Regenerate(ctx context.Context, old *models.ActivationToken) (string, *models.ActivationToken, error) {
	if old == nil {
		return "", nil, errors.New("activation service: token is required")
	}
	return s.RegenerateForAccount(ctx, old.AccountID)
}

// RegenerateForAccount is Regenerate keyed by account id.
func (s *ActivationService) RegenerateForAccount(ctx context.Context, accountID string) (string, *models.ActivationToken, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", nil, errors.New("activation service: account id is required")
	}

	var fresh *models.ActivationToken
	err := s.store.Transaction(ctx, func(tx TokenStore) error {
		account, err := tx.FindAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Activated {
			return ErrAccountActivated
		}
		fresh, err = s.issue(ctx, tx, account.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAccountActivated) || errors.Is(err, ErrAccountNotFound) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("activation service: regenerate token: %w", err)
	}

	return fresh.PlainSecret, fresh, nil
}

// RegenerateStale supersedes stale, and only stale. When stale has already
// been expired or removed since it was read, ErrTokenSuperseded is returned
// and nothing is issued.
func (s *ActivationService) RegenerateStale(ctx context.Context, stale *models.ActivationToken) (string, *models.ActivationToken, error) {
	if stale == nil || strings.TrimSpace(stale.ID) == "" {
		return "", nil, errors.New("activation service: persisted token is required")
	}

	var fresh *models.ActivationToken
	err := s.store.Transaction(ctx, func(tx TokenStore) error {
		account, err := tx.FindAccount(ctx, stale.AccountID)
		if err != nil {
			return err
		}
		if account.Activated {
			return ErrAccountActivated
		}

		claimed, err := tx.ExpireToken(ctx, stale.ID, s.now())
		if err != nil {
			return err
		}
		if !claimed {
			return ErrTokenSuperseded
		}
		fresh, err = s.issue(ctx, tx, account.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAccountActivated) || errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTokenSuperseded) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("activation service: regenerate stale token: %w", err)
	}

	return fresh.PlainSecret, fresh, nil
}

// GenerateToken issues the first token of a newly registered account.
func (s *ActivationService) GenerateToken(ctx context.Context, account *models.Account) (string, *models.ActivationToken, error) {
	if account == nil || strings.TrimSpace(account.ID) == "" {
		return "", nil, errors.New("activation service: persisted account is required")
	}
	if account.Activated {
		return "", nil, ErrAccountActivated
	}

	var token *models.ActivationToken
	err := s.store.Transaction(ctx, func(tx TokenStore) error {
		var err error
		token, err = s.issue(ctx, tx, account.ID)
		return err
	})
	if err != nil {
		return "", nil, fmt.Errorf("activation service: generate token: %w", err)
	}
	return token.PlainSecret, token, nil
}

// withinUnitOfWork returns a copy of the service whose operations join the
// transaction tx instead of opening their own.
func (s *ActivationService) withinUnitOfWork(tx TokenStore) *ActivationService {
	bound := *s
	bound.store = tx
	return &bound
}

// issue expires the active predecessor, if any, and persists a new token
// within an existing unit of work.
func (s *ActivationService) issue(ctx context.Context, tx TokenStore, accountID string) (*models.ActivationToken, error) {
	now := s.now().UTC()

	expired, err := tx.ExpireActiveForAccount(ctx, accountID, now)
	if err != nil {
		return nil, err
	}

	plain, hashed, err := s.codec.Generate()
	if err != nil {
		return nil, err
	}

	token := &models.ActivationToken{
		BaseModel:    models.BaseModel{CreatedAt: now},
		AccountID:    accountID,
		HashedSecret: hashed,
		PlainSecret:  plain,
	}
	if err := tx.Save(ctx, token); err != nil {
		return nil, err
	}

	s.log.Debug("activation token issued",
		zap.String("account_id", accountID),
		zap.Int("superseded", len(expired)))
	return token, nil
}
