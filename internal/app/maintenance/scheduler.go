package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/activator/internal/cache"
	"github.com/charlesng35/activator/internal/services"
	"github.com/charlesng35/activator/pkg/logger"
)

const (
	defaultRefreshSpec = "@every 15m"
	defaultPurgeSpec   = "@hourly"
)

// Refresher regenerates stale activation tokens.
type Refresher interface {
	Refresh(ctx context.Context, staleAfter time.Duration, limit int) (services.RefreshStats, error)
}

// Scheduler runs the background activation jobs: the stale token sweep and
// purging of expired cache counters.
type Scheduler struct {
	refresher Refresher
	purger    cache.Purger
	cron      *cron.Cron
	log       *zap.Logger

	refreshSchedule string
	purgeSchedule   string
	staleAfter      time.Duration
	batchSize       int
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithRefreshSchedule overrides the cron specification for the stale token sweep.
func WithRefreshSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.refreshSchedule = spec
		}
	}
}

// WithPurgeSchedule overrides the cron specification for cache purging.
func WithPurgeSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.purgeSchedule = spec
		}
	}
}

// WithRefreshBatch sets the age threshold and batch size passed to each sweep.
// Non-positive values keep the refresher defaults.
func WithRefreshBatch(staleAfter time.Duration, batchSize int) Option {
	return func(s *Scheduler) {
		s.staleAfter = staleAfter
		s.batchSize = batchSize
	}
}

// WithPurger enables the cache purge job.
func WithPurger(p cache.Purger) Option {
	return func(s *Scheduler) {
		s.purger = p
	}
}

// WithLogger overrides the scheduler logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// NewScheduler constructs a Scheduler. A nil refresher disables the sweep job.
func NewScheduler(refresher Refresher, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher:       refresher,
		refreshSchedule: defaultRefreshSpec,
		purgeSchedule:   defaultPurgeSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return s
}

func (s *Scheduler) enabled() bool {
	return s.refresher != nil || s.purger != nil
}

// Start registers the jobs with the cron scheduler and launches it when at least one job is enabled.
func (s *Scheduler) Start() error {
	if !s.enabled() {
		return nil
	}

	if s.refresher != nil {
		if _, err := s.cron.AddFunc(s.refreshSchedule, func() {
			if _, err := s.refresh(context.Background()); err != nil {
				s.log.Warn("stale token refresh failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.purger != nil {
		if _, err := s.cron.AddFunc(s.purgeSchedule, func() {
			if _, err := s.purger.PurgeExpired(context.Background()); err != nil {
				s.log.Warn("cache purge failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes every configured job sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if s.refresher != nil {
		if _, err := s.refresh(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.purger != nil {
		purged, err := s.purger.PurgeExpired(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if purged > 0 {
			s.log.Debug("expired cache entries purged", zap.Int64("count", purged))
		}
	}

	return errs
}

// RefreshExpiredTokens runs a single stale token sweep.
func (s *Scheduler) RefreshExpiredTokens(ctx context.Context) (services.RefreshStats, error) {
	if s.refresher == nil {
		return services.RefreshStats{}, nil
	}
	return s.refresh(ctx)
}

func (s *Scheduler) refresh(ctx context.Context) (services.RefreshStats, error) {
	return s.refresher.Refresh(ctx, s.staleAfter, s.batchSize)
}
