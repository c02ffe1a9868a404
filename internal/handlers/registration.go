package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/activator/internal/models"
	"github.com/charlesng35/activator/internal/services"
	appErrors "github.com/charlesng35/activator/pkg/errors"
	"github.com/charlesng35/activator/pkg/logger"
	"github.com/charlesng35/activator/pkg/response"
)

// RegistrationHandler exposes sign up and manual resend endpoints.
type RegistrationHandler struct {
	registration *services.RegistrationService
	now          func() time.Time
	log          *zap.Logger
}

// NewRegistrationHandler constructs the handler.
func NewRegistrationHandler(registration *services.RegistrationService) (*RegistrationHandler, error) {
	if registration == nil {
		return nil, errors.New("registration handler: registration service is required")
	}
	return &RegistrationHandler{
		registration: registration,
		now:          time.Now,
		log:          logger.WithModule("http.registration"),
	}, nil
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email,max=320"`
	FirstName string `json:"first_name" validate:"max=128"`
	LastName  string `json:"last_name" validate:"max=128"`
}

type accountDTO struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Activated bool      `json:"activated"`
	CreatedAt time.Time `json:"created_at"`
}

type resendResponse struct {
	Status string `json:"status"`
}

func toAccountDTO(account *models.Account) accountDTO {
	return accountDTO{
		ID:        account.ID,
		Email:     account.Email,
		FirstName: account.FirstName,
		LastName:  account.LastName,
		Activated: account.Activated,
		CreatedAt: account.CreatedAt,
	}
}

// Register handles POST /api/users.
func (h *RegistrationHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	account, err := h.registration.Register(requestContext(c), services.RegisterInput{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	switch {
	case err == nil:
		response.SuccessWithMessage(c, http.StatusCreated, "check your inbox to activate your account", toAccountDTO(account))
	case errors.Is(err, services.ErrAccountExists):
		response.Error(c, appErrors.ErrAccountExists)
	case isValidationError(err):
		response.Error(c, appErrors.NewBadRequest(formatValidationError(err)))
	default:
		h.log.Error("registration failed", zap.Error(err))
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
	}
}

// Resend handles POST /api/users/resend_activation_account/:email.
func (h *RegistrationHandler) Resend(c *gin.Context) {
	result, err := h.registration.ResendActivation(requestContext(c), c.Param("email"))
	switch {
	case err == nil:
	case errors.Is(err, services.ErrAccountNotFound):
		response.Error(c, appErrors.ErrAccountNotFound)
		return
	case isValidationError(err):
		response.Error(c, appErrors.NewBadRequest(formatValidationError(err)))
		return
	default:
		h.log.Error("activation resend failed", zap.Error(err))
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	switch result.Status {
	case services.ResendBlocked:
		seconds := int64(result.RetryAfter.Sub(h.now()).Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
		response.Error(c, appErrors.NewRateLimited(seconds))
	case services.ResendAlreadyActivated:
		response.SuccessWithMessage(c, http.StatusOK, "account is already activated", resendResponse{Status: result.Status.String()})
	default:
		response.SuccessWithMessage(c, http.StatusOK, "activation email sent", resendResponse{Status: result.Status.String()})
	}
}
