package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/charlesng35/activator/internal/app"
	"github.com/charlesng35/activator/internal/handlers"
	"github.com/charlesng35/activator/internal/middleware"
	"github.com/charlesng35/activator/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers the activation routes.
func NewRouter(db *gorm.DB, cfg *app.Config, activation *services.ActivationService, registration *services.RegistrationService) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	activationHandler, err := handlers.NewActivationHandler(activation, registration, cfg.Activation.LoginURL)
	if err != nil {
		return nil, err
	}
	registrationHandler, err := handlers.NewRegistrationHandler(registration)
	if err != nil {
		return nil, err
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	registerHealthRoutes(r, cfg, db)
	registerUserRoutes(r.Group("/api"), activationHandler, registrationHandler)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
