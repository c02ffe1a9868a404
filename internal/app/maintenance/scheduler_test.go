package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/activator/internal/cache"
	testutil "github.com/charlesng35/activator/internal/database/testutil"
	"github.com/charlesng35/activator/internal/models"
	"github.com/charlesng35/activator/internal/ratelimit"
	"github.com/charlesng35/activator/internal/services"
)

type recordingRefresher struct {
	calls      int
	staleAfter time.Duration
	limit      int
	err        error
}

func (r *recordingRefresher) Refresh(_ context.Context, staleAfter time.Duration, limit int) (services.RefreshStats, error) {
	r.calls++
	r.staleAfter = staleAfter
	r.limit = limit
	return services.RefreshStats{Scanned: 1, Regenerated: 1}, r.err
}

type failingPurger struct{}

func (failingPurger) PurgeExpired(context.Context) (int64, error) {
	return 0, errors.New("purge failed")
}

func TestSchedulerRunOnceRegeneratesStaleTokens(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	issuedAt := now.Add(-2 * time.Hour)

	store, err := services.NewGormTokenStore(db)
	require.NoError(t, err)

	limiter, err := ratelimit.New(ratelimit.NewCacheRateStore(cache.NewDatabaseStore(db)), ratelimit.Config{})
	require.NoError(t, err)

	issuer, err := services.NewActivationService(store, limiter,
		services.WithActivationClock(func() time.Time { return issuedAt }))
	require.NoError(t, err)

	account := &models.Account{Email: "stale@example.com"}
	require.NoError(t, db.Create(account).Error)
	_, original, err := issuer.GenerateToken(context.Background(), account)
	require.NoError(t, err)

	activation, err := services.NewActivationService(store, limiter,
		services.WithActivationClock(func() time.Time { return now }))
	require.NoError(t, err)
	refresher, err := services.NewTokenRefresher(store, activation,
		services.WithRefresherClock(func() time.Time { return now }))
	require.NoError(t, err)

	purger := cache.NewDatabaseStore(db, cache.WithDatabaseClock(func() time.Time { return issuedAt }))
	require.NoError(t, purger.Set(context.Background(), "old", []byte("1"), time.Minute))

	scheduler := NewScheduler(refresher,
		WithPurger(cache.NewDatabaseStore(db, cache.WithDatabaseClock(func() time.Time { return now }))),
		WithRefreshBatch(time.Hour, 10),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.NoError(t, scheduler.RunOnce(context.Background()))

	var tokens []models.ActivationToken
	require.NoError(t, db.Where("account_id = ?", account.ID).Order("created_at ASC").Find(&tokens).Error)
	require.Len(t, tokens, 2)
	require.Equal(t, original.ID, tokens[0].ID)
	require.NotNil(t, tokens[0].ExpiredAt)
	require.True(t, tokens[0].ExpiredAt.Equal(now))
	require.Nil(t, tokens[1].ExpiredAt)

	var entries int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Where("key = ?", "old").Count(&entries).Error)
	require.Zero(t, entries)
}

func TestSchedulerRunOnceAggregatesErrors(t *testing.T) {
	refresher := &recordingRefresher{err: errors.New("sweep failed")}
	scheduler := NewScheduler(refresher, WithPurger(failingPurger{}), WithRefreshBatch(30*time.Minute, 5))

	err := scheduler.RunOnce(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "sweep failed")
	require.ErrorContains(t, err, "purge failed")
	require.Equal(t, 1, refresher.calls)
	require.Equal(t, 30*time.Minute, refresher.staleAfter)
	require.Equal(t, 5, refresher.limit)
}

func TestSchedulerStartRegistersJobs(t *testing.T) {
	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	scheduler := NewScheduler(&recordingRefresher{},
		WithPurger(failingPurger{}),
		WithRefreshSchedule("@every 1m"),
		WithCron(c),
	)

	require.NoError(t, scheduler.Start())
	t.Cleanup(func() { <-scheduler.Stop().Done() })
	require.Len(t, c.Entries(), 2)
}

func TestSchedulerStartRejectsInvalidSchedule(t *testing.T) {
	scheduler := NewScheduler(&recordingRefresher{}, WithRefreshSchedule("not a schedule"))
	require.Error(t, scheduler.Start())
}

func TestSchedulerWithoutJobs(t *testing.T) {
	scheduler := NewScheduler(nil)
	require.NoError(t, scheduler.Start())
	require.NoError(t, scheduler.RunOnce(context.Background()))

	stats, err := scheduler.RefreshExpiredTokens(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats)
}
