package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/activator/pkg/logger"
	"github.com/charlesng35/activator/pkg/metrics"
)

const (
	// DefaultRefreshStaleAfter is the age after which an unused token is renewed.
	DefaultRefreshStaleAfter = time.Hour
	// DefaultRefreshBatchSize caps the number of tokens renewed per sweep.
	DefaultRefreshBatchSize = 50
)

// RefreshStats summarises one sweep.
type RefreshStats struct {
	Scanned     int
	Regenerated int
	Skipped     int
	Failed      int
}

// RefresherOption customises the TokenRefresher.
type RefresherOption func(*TokenRefresher)

// WithRefresherMailer enables automatic-resend emails for renewed tokens.
func WithRefresherMailer(mailer *ActivationMailer) RefresherOption {
	return func(r *TokenRefresher) {
		r.mailer = mailer
	}
}

// WithRefresherClock injects a custom time source.
func WithRefresherClock(clock func() time.Time) RefresherOption {
	return func(r *TokenRefresher) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithRefresherLogger overrides the module logger.
func WithRefresherLogger(log *zap.Logger) RefresherOption {
	return func(r *TokenRefresher) {
		if log != nil {
			r.log = log
		}
	}
}

// TokenRefresher renews stale tokens of accounts that never activated.
type TokenRefresher struct {
	store      TokenStore
	activation *ActivationService
	mailer     *ActivationMailer
	now        func() time.Time
	log        *zap.Logger
}

// NewTokenRefresher constructs a refresher.
func NewTokenRefresher(store TokenStore, activation *ActivationService, opts ...RefresherOption) (*TokenRefresher, error) {
	if store == nil {
		return nil, errors.New("token refresher: store is required")
	}
	if activation == nil {
		return nil, errors.New("token refresher: activation service is required")
	}

	refresher := &TokenRefresher{
		store:      store,
		activation: activation,
		now:        time.Now,
		log:        logger.WithModule("token_refresher"),
	}
	for _, opt := range opts {
		opt(refresher)
	}
	return refresher, nil
}

// Refresh regenerates up to limit active tokens older than staleAfter, oldest
// first. Activated owners are skipped untouched. Per-token failures are
// collected and the sweep continues.
func (r *TokenRefresher) Refresh(ctx context.Context, staleAfter time.Duration, limit int) (RefreshStats, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultRefreshStaleAfter
	}
	if limit <= 0 {
		limit = DefaultRefreshBatchSize
	}

	var stats RefreshStats
	cutoff := r.now().Add(-staleAfter)

	tokens, err := r.store.FindStaleActiveTokens(ctx, cutoff, limit)
	if err != nil {
		metrics.RefreshSweeps.WithLabelValues("failure").Inc()
		return stats, fmt.Errorf("token refresher: %w", err)
	}
	stats.Scanned = len(tokens)

	var errs error
	for i := range tokens {
		if ctxErr := ctx.Err(); ctxErr != nil {
			errs = multierr.Append(errs, ctxErr)
			break
		}

		token := &tokens[i]
		account, err := r.store.FindAccount(ctx, token.AccountID)
		if err != nil {
			stats.Failed++
			errs = multierr.Append(errs, fmt.Errorf("token refresher: account %s: %w", token.AccountID, err))
			continue
		}
		if account.Activated {
			stats.Skipped++
			continue
		}

		plain, _, err := r.activation.RegenerateStale(ctx, token)
		if errors.Is(err, ErrAccountActivated) || errors.Is(err, ErrTokenSuperseded) {
			stats.Skipped++
			continue
		}
		if err != nil {
			stats.Failed++
			errs = multierr.Append(errs, fmt.Errorf("token refresher: account %s: %w", account.ID, err))
			continue
		}

		stats.Regenerated++
		metrics.TokenRegenerations.WithLabelValues("refresher").Inc()

		if r.mailer != nil {
			if mailErr := r.mailer.SendActivationEmail(ctx, account.Email, plain, account.DisplayName(), EmailAutomaticResend); mailErr != nil {
				r.log.Warn("automatic resend email not delivered",
					zap.String("account_id", account.ID),
					zap.Error(mailErr))
			}
		}
	}

	switch {
	case errs == nil:
		metrics.RefreshSweeps.WithLabelValues("success").Inc()
	case stats.Regenerated > 0:
		metrics.RefreshSweeps.WithLabelValues("partial").Inc()
	default:
		metrics.RefreshSweeps.WithLabelValues("failure").Inc()
	}

	r.log.Info("stale activation tokens refreshed",
		zap.Int("scanned", stats.Scanned),
		zap.Int("regenerated", stats.Regenerated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))

	return stats, errs
}
