package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/activator/internal/api"
	"github.com/charlesng35/activator/internal/app"
	"github.com/charlesng35/activator/internal/app/maintenance"
	"github.com/charlesng35/activator/internal/cache"
	"github.com/charlesng35/activator/internal/database"
	"github.com/charlesng35/activator/internal/ratelimit"
	"github.com/charlesng35/activator/internal/services"
	"github.com/charlesng35/activator/pkg/logger"
	"github.com/charlesng35/activator/pkg/mail"
)

const memoryRateSweepInterval = time.Minute

// runtimeStack bundles long-lived services used by the HTTP server and the refresh command.
type runtimeStack struct {
	DB           *gorm.DB
	Redis        *cache.RedisStore
	MemoryRate   *ratelimit.MemoryRateStore
	Activation   *services.ActivationService
	Registration *services.RegistrationService
	Scheduler    *maintenance.Scheduler
	Router       *gin.Engine
}

// bootstrapRuntime initialises the database, rate limiter backend, activation
// services, the maintenance scheduler and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisStore(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed rate limiting", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	rateStore := stack.selectRateStore(cfg, dbStore, log)
	limiter, err := ratelimit.New(rateStore, cfg.Activation.LimiterConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise rate limiter: %w", err)
	}

	tokenStore, err := services.NewGormTokenStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise token store: %w", err)
	}

	stack.Activation, err = services.NewActivationService(tokenStore, limiter)
	if err != nil {
		return nil, fmt.Errorf("initialise activation service: %w", err)
	}

	smtp, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}
	mailer, err := services.NewActivationMailer(smtp, cfg.Activation.FrontendURL,
		services.WithProductName(cfg.Activation.ProductName))
	if err != nil {
		return nil, fmt.Errorf("initialise activation mailer: %w", err)
	}

	stack.Registration, err = services.NewRegistrationService(tokenStore, stack.Activation,
		services.WithRegistrationMailer(mailer),
		services.WithResendLimiter(limiter))
	if err != nil {
		return nil, fmt.Errorf("initialise registration service: %w", err)
	}

	refresher, err := services.NewTokenRefresher(tokenStore, stack.Activation,
		services.WithRefresherMailer(mailer))
	if err != nil {
		return nil, fmt.Errorf("initialise token refresher: %w", err)
	}

	stack.Scheduler = maintenance.NewScheduler(refresher,
		maintenance.WithRefreshSchedule(cfg.Activation.Refresh.Schedule),
		maintenance.WithRefreshBatch(cfg.Activation.Refresh.StaleAfter, cfg.Activation.Refresh.BatchSize),
		maintenance.WithPurger(dbStore),
	)

	stack.Router, err = api.NewRouter(stack.DB, cfg, stack.Activation, stack.Registration)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

func (s *runtimeStack) selectRateStore(cfg *app.Config, dbStore *cache.DatabaseStore, log *zap.Logger) ratelimit.RateStore {
	switch cfg.Activation.RateBackend() {
	case app.RateBackendRedis:
		if s.Redis != nil {
			return ratelimit.NewCacheRateStore(s.Redis)
		}
		log.Warn("redis rate limit backend requested but redis is unavailable; using database")
		return ratelimit.NewCacheRateStore(dbStore)
	case app.RateBackendDatabase:
		return ratelimit.NewCacheRateStore(dbStore)
	default:
		s.MemoryRate = ratelimit.NewMemoryRateStore(memoryRateSweepInterval)
		return s.MemoryRate
	}
}

// StartScheduler launches the background jobs when the refresh sweep is enabled.
func (s *runtimeStack) StartScheduler(cfg *app.Config) error {
	if s.Scheduler == nil || !cfg.Activation.Refresh.Enabled {
		return nil
	}
	if err := s.Scheduler.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	return nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Scheduler != nil {
		select {
		case <-s.Scheduler.Stop().Done():
		case <-ctx.Done():
			log.Warn("maintenance jobs still running at shutdown", zap.Error(ctx.Err()))
		}
	}

	if s.MemoryRate != nil {
		s.MemoryRate.Close()
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.OpenConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Prepare(db); err != nil {
		closeDatabase(db, logger.WithModule("database"))
		return nil, fmt.Errorf("prepare database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(dbCfg.Driver)))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
