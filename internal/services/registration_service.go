package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/activator/internal/models"
	"github.com/charlesng35/activator/pkg/logger"
	"github.com/charlesng35/activator/pkg/metrics"
	"github.com/charlesng35/activator/pkg/validator"
)

// ErrAccountExists indicates the email is already registered.
var ErrAccountExists = errors.New("registration service: account already exists")

// RegisterInput carries the fields accepted at sign up.
type RegisterInput struct {
	Email     string `json:"email" validate:"required,email,max=320"`
	FirstName string `json:"first_name" validate:"max=128"`
	LastName  string `json:"last_name" validate:"max=128"`
}

// ResendStatus enumerates the results of a resend request.
type ResendStatus int

const (
	ResendSent ResendStatus = iota + 1
	ResendAlreadyActivated
	ResendBlocked
)

func (s ResendStatus) String() string {
	switch s {
	case ResendSent:
		return "sent"
	case ResendAlreadyActivated:
		return "already_activated"
	case ResendBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// ResendResult is returned by ResendActivation. RetryAfter is set for ResendBlocked.
type ResendResult struct {
	Status     ResendStatus
	RetryAfter time.Time
}

// RegistrationOption customises the RegistrationService.
type RegistrationOption func(*RegistrationService)

// WithRegistrationMailer enables activation emails.
func WithRegistrationMailer(mailer *ActivationMailer) RegistrationOption {
	return func(s *RegistrationService) {
		s.mailer = mailer
	}
}

// WithResendLimiter guards ResendActivation with a rate limiter keyed by email.
func WithResendLimiter(limiter RateChecker) RegistrationOption {
	return func(s *RegistrationService) {
		s.limiter = limiter
	}
}

// WithRegistrationLogger overrides the module logger.
func WithRegistrationLogger(log *zap.Logger) RegistrationOption {
	return func(s *RegistrationService) {
		if log != nil {
			s.log = log
		}
	}
}

// RegistrationService creates accounts and delivers their activation emails.
type RegistrationService struct {
	store      TokenStore
	activation *ActivationService
	mailer     *ActivationMailer
	limiter    RateChecker
	log        *zap.Logger
}

// NewRegistrationService constructs the service.
func NewRegistrationService(store TokenStore, activation *ActivationService, opts ...RegistrationOption) (*RegistrationService, error) {
	if store == nil {
		return nil, errors.New("registration service: store is required")
	}
	if activation == nil {
		return nil, errors.New("registration service: activation service is required")
	}

	service := &RegistrationService{
		store:      store,
		activation: activation,
		log:        logger.WithModule("registration"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Register creates the account and its first token in one unit of work, then
// sends the registration email. Delivery failures do not fail the call.
func (s *RegistrationService) Register(ctx context.Context, input RegisterInput) (*models.Account, error) {
	input.Email = normalizeEmail(input.Email)
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)
	if err := validator.ValidateStruct(input); err != nil {
		return nil, err
	}

	account := &models.Account{
		Email:     input.Email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
	}

	var token *models.ActivationToken
	err := s.store.Transaction(ctx, func(tx TokenStore) error {
		if err := tx.CreateAccount(ctx, account); err != nil {
			if isUniqueConstraintError(err) {
				return ErrAccountExists
			}
			return err
		}
		var err error
		_, token, err = s.activation.withinUnitOfWork(tx).GenerateToken(ctx, account)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("registration service: register: %w", err)
	}

	s.log.Info("account registered", zap.String("account_id", account.ID))
	s.deliver(ctx, account, token.PlainSecret, EmailRegistration)
	return account, nil
}

// ResendActivation issues a fresh token for the account registered under email.
func (s *RegistrationService) ResendActivation(ctx context.Context, email string) (ResendResult, error) {
	email = normalizeEmail(email)
	if err := validator.ValidateVar("email", email, "required,email"); err != nil {
		return ResendResult{}, err
	}

	account, err := s.store.FindAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ResendResult{}, ErrAccountNotFound
		}
		return ResendResult{}, fmt.Errorf("registration service: resend: %w", err)
	}
	if account.Activated {
		return ResendResult{Status: ResendAlreadyActivated}, nil
	}

	if s.limiter != nil {
		decision, err := s.limiter.Check(ctx, account.Email)
		if err != nil {
			return ResendResult{}, fmt.Errorf("registration service: rate limit: %w", err)
		}
		if decision.Blocked {
			return ResendResult{Status: ResendBlocked, RetryAfter: decision.RetryAfter}, nil
		}
	}

	plain, _, err := s.activation.RegenerateForAccount(ctx, account.ID)
	if errors.Is(err, ErrAccountActivated) {
		return ResendResult{Status: ResendAlreadyActivated}, nil
	}
	if err != nil {
		return ResendResult{}, fmt.Errorf("registration service: resend: %w", err)
	}
	metrics.TokenRegenerations.WithLabelValues("resend").Inc()

	s.deliver(ctx, account, plain, EmailResend)
	return ResendResult{Status: ResendSent}, nil
}

// ResendForExpired renews the token behind an expired activation outcome and
// mails the new link.
func (s *RegistrationService) ResendForExpired(ctx context.Context, expired *models.ActivationToken) error {
	if expired == nil {
		return errors.New("registration service: expired token is required")
	}

	account, err := s.store.FindAccount(ctx, expired.AccountID)
	if err != nil {
		return fmt.Errorf("registration service: resend expired: %w", err)
	}

	plain, _, err := s.activation.Regenerate(ctx, expired)
	if err != nil {
		if errors.Is(err, ErrAccountActivated) {
			return err
		}
		return fmt.Errorf("registration service: resend expired: %w", err)
	}
	metrics.TokenRegenerations.WithLabelValues("expired").Inc()

	s.deliver(ctx, account, plain, EmailResend)
	return nil
}

func (s *RegistrationService) deliver(ctx context.Context, account *models.Account, plainToken string, kind EmailKind) {
	if s.mailer == nil {
		return
	}
	if err := s.mailer.SendActivationEmail(ctx, account.Email, plainToken, account.DisplayName(), kind); err != nil {
		s.log.Warn("activation email not delivered",
			zap.String("account_id", account.ID),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
