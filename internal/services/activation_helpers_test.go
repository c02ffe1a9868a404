package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/activator/internal/database/testutil"
	"github.com/charlesng35/activator/internal/models"
	"github.com/charlesng35/activator/internal/ratelimit"
	"github.com/charlesng35/activator/pkg/mail"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureMailer struct {
	mu       sync.Mutex
	messages []mail.Message
	err      error
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *captureMailer) Messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.messages...)
}

type activationFixture struct {
	db         *gorm.DB
	store      *GormTokenStore
	clock      *fakeClock
	limiter    *ratelimit.Limiter
	activation *ActivationService
}

func newActivationFixture(t *testing.T) *activationFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store, err := NewGormTokenStore(db)
	require.NoError(t, err)

	clock := newFakeClock()
	rateStore := ratelimit.NewMemoryRateStore(0, ratelimit.WithMemoryClock(clock.Now))
	t.Cleanup(rateStore.Close)

	limiter, err := ratelimit.New(rateStore, ratelimit.Config{Capacity: 3, Window: time.Hour}, ratelimit.WithClock(clock.Now))
	require.NoError(t, err)

	activation, err := NewActivationService(store, limiter, WithActivationClock(clock.Now))
	require.NoError(t, err)

	return &activationFixture{
		db:         db,
		store:      store,
		clock:      clock,
		limiter:    limiter,
		activation: activation,
	}
}

func (f *activationFixture) createAccount(t *testing.T, email string, activated bool) *models.Account {
	t.Helper()

	account := &models.Account{Email: email, FirstName: "Test", LastName: "User", Activated: activated}
	require.NoError(t, f.store.CreateAccount(context.Background(), account))
	return account
}

func (f *activationFixture) expireToken(t *testing.T, token *models.ActivationToken, at time.Time) {
	t.Helper()

	require.NoError(t, f.db.Model(&models.ActivationToken{}).
		Where("id = ?", token.ID).
		Update("expired_at", at).Error)
}

func (f *activationFixture) activeTokens(t *testing.T, accountID string) []models.ActivationToken {
	t.Helper()

	tokens, err := f.store.FindAllActiveForAccount(context.Background(), accountID)
	require.NoError(t, err)
	return tokens
}

func (f *activationFixture) archivedCount(t *testing.T, accountID string) int64 {
	t.Helper()

	var count int64
	require.NoError(t, f.db.Model(&models.ArchivedToken{}).Where("account_id = ?", accountID).Count(&count).Error)
	return count
}

func (f *activationFixture) reloadAccount(t *testing.T, id string) *models.Account {
	t.Helper()

	account, err := f.store.FindAccount(context.Background(), id)
	require.NoError(t, err)
	return account
}
