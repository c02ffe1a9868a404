package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/activator/internal/services"
	appErrors "github.com/charlesng35/activator/pkg/errors"
	"github.com/charlesng35/activator/pkg/logger"
	"github.com/charlesng35/activator/pkg/response"
)

// Redirect error codes appended to the login URL.
const (
	redirectErrTokenExpired = "token_expired"
	redirectErrRateLimited  = "rate_limited"
	redirectErrInvalidToken = "invalid_token"
)

// ActivationHandler turns activation link clicks into login page redirects.
type ActivationHandler struct {
	activation   *services.ActivationService
	registration *services.RegistrationService
	loginURL     *url.URL
	log          *zap.Logger
}

// NewActivationHandler validates dependencies and the login URL used for redirects.
func NewActivationHandler(activation *services.ActivationService, registration *services.RegistrationService, loginURL string) (*ActivationHandler, error) {
	if activation == nil {
		return nil, errors.New("activation handler: activation service is required")
	}
	if registration == nil {
		return nil, errors.New("activation handler: registration service is required")
	}
	parsed, err := url.ParseRequestURI(strings.TrimSpace(loginURL))
	if err != nil {
		return nil, fmt.Errorf("activation handler: login url: %w", err)
	}

	return &ActivationHandler{
		activation:   activation,
		registration: registration,
		loginURL:     parsed,
		log:          logger.WithModule("http.activation"),
	}, nil
}

// Activate handles GET /api/users/activate_account/:token.
func (h *ActivationHandler) Activate(c *gin.Context) {
	ctx := requestContext(c)
	token := strings.TrimSpace(c.Param("token"))

	outcome, err := retryOnConflict(ctx, func() (services.Outcome, error) {
		return h.activation.Activate(ctx, token)
	})
	if err != nil {
		h.fail(c, "activation failed", err)
		return
	}

	switch outcome.Kind {
	case services.OutcomeSuccess:
		h.redirect(c, url.Values{"activated": {"1"}})
	case services.OutcomeAlreadyActivated:
		h.redirect(c, url.Values{"activated": {"1"}, "existing": {"true"}})
	case services.OutcomeExpired:
		_, err := retryOnConflict(ctx, func() (struct{}, error) {
			return struct{}{}, h.registration.ResendForExpired(ctx, outcome.Token)
		})
		if errors.Is(err, services.ErrAccountActivated) {
			h.redirect(c, url.Values{"activated": {"1"}, "existing": {"true"}})
			return
		}
		if err != nil {
			h.fail(c, "expired token renewal failed", err)
			return
		}
		h.redirect(c, url.Values{"activated": {"0"}, "error": {redirectErrTokenExpired}, "resent": {"1"}})
	case services.OutcomeBlocked:
		h.redirect(c, url.Values{
			"activated":   {"0"},
			"error":       {redirectErrRateLimited},
			"retry_after": {strconv.FormatInt(outcome.RetryAfter.Unix(), 10)},
		})
	default:
		h.redirect(c, url.Values{"activated": {"0"}, "error": {redirectErrInvalidToken}})
	}
}

func (h *ActivationHandler) redirect(c *gin.Context, params url.Values) {
	target := *h.loginURL
	query := target.Query()
	for key, values := range params {
		query[key] = values
	}
	target.RawQuery = query.Encode()
	c.Redirect(http.StatusFound, target.String())
}

func (h *ActivationHandler) fail(c *gin.Context, msg string, err error) {
	h.log.Error(msg, zap.Error(err))
	_ = c.Error(err)
	response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
}

// retryOnConflict runs fn and repeats it once when the store reports a
// transaction conflict.
func retryOnConflict[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil || !errors.Is(err, services.ErrTransactionConflict) || ctx.Err() != nil {
		return result, err
	}
	return fn()
}
