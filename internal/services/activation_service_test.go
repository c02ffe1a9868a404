package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/activator/internal/models"
	"github.com/charlesng35/activator/internal/ratelimit"
)

func TestActivateSucceedsThenReportsAlreadyActivated(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "x@example.com", false)

	plain, token, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)
	require.Equal(t, plain, token.PlainSecret)

	f.clock.Advance(time.Minute)
	outcome, err := f.activation.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome.Kind)

	require.True(t, f.reloadAccount(t, account.ID).Activated)
	require.Empty(t, f.activeTokens(t, account.ID))
	require.Equal(t, int64(1), f.archivedCount(t, account.ID))

	archived, err := f.store.FindArchivedByHash(ctx, token.HashedSecret)
	require.NoError(t, err)
	require.NotNil(t, archived.ExpiredAt)
	require.True(t, archived.ExpiredAt.Equal(f.clock.Now()))

	outcome, err = f.activation.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyActivated, outcome.Kind)
	require.Equal(t, int64(1), f.archivedCount(t, account.ID), "second activation must not archive again")
}

func TestActivateUnknownTokenIsInvalid(t *testing.T) {
	f := newActivationFixture(t)

	outcome, err := f.activation.Activate(context.Background(), strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.Equal(t, OutcomeInvalid, outcome.Kind)
	require.Equal(t, "invalid", outcome.String())
}

func TestActivateBlankTokenIsInvalid(t *testing.T) {
	f := newActivationFixture(t)

	outcome, err := f.activation.Activate(context.Background(), "   ")
	require.NoError(t, err)
	require.Equal(t, OutcomeInvalid, outcome.Kind)
}

func TestActivateTrimsPresentedToken(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "trim@example.com", false)

	plain, _, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)

	outcome, err := f.activation.Activate(ctx, "  "+plain+"\n")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome.Kind)
}

func TestActivateExpiredTokenIsRateLimited(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "x@example.com", false)

	plain, token, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)
	f.expireToken(t, token, f.clock.Now().Add(-time.Minute))

	for i := 0; i < 3; i++ {
		outcome, err := f.activation.Activate(ctx, plain)
		require.NoError(t, err)
		require.Equal(t, OutcomeExpired, outcome.Kind, "attempt %d", i+1)
		require.NotNil(t, outcome.Token)
		require.Equal(t, token.ID, outcome.Token.ID)
	}

	outcome, err := f.activation.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeBlocked, outcome.Kind)
	require.True(t, outcome.RetryAfter.After(f.clock.Now()))
	require.Nil(t, outcome.Token)

	require.False(t, f.reloadAccount(t, account.ID).Activated)
	require.Len(t, f.activeTokens(t, account.ID), 1, "the machine must not regenerate on its own")
}

func TestActivateTokenMarkedAtCurrentInstantIsExpired(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "now@example.com", false)

	plain, token, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)
	f.expireToken(t, token, f.clock.Now())

	outcome, err := f.activation.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeExpired, outcome.Kind)
}

func TestActivateTokenOfActivatedAccountIsAlreadyActivated(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "done@example.com", false)

	plain, _, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(account).Update("activated", true).Error)

	outcome, err := f.activation.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyActivated, outcome.Kind)
}

func TestArchivedTokenOfInactiveAccountIsInvalid(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "orphan@example.com", false)

	codec := NewTokenCodec()
	plain, hashed, err := codec.Generate()
	require.NoError(t, err)
	token := &models.ActivationToken{AccountID: account.ID, HashedSecret: hashed}
	require.NoError(t, f.store.Save(ctx, token))
	require.NoError(t, f.store.ArchiveAndRemove(ctx, token, f.clock.Now()))

	outcome, err := f.activation.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeInvalid, outcome.Kind)
}

func TestRegenerateSupersedesExactlyOneToken(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "regen@example.com", false)

	oldPlain, oldToken, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	newPlain, newToken, err := f.activation.Regenerate(ctx, oldToken)
	require.NoError(t, err)
	require.NotEqual(t, oldPlain, newPlain)
	require.Nil(t, newToken.ExpiredAt)
	require.True(t, newToken.CreatedAt.Equal(f.clock.Now()))

	tokens := f.activeTokens(t, account.ID)
	require.Len(t, tokens, 2)
	var unexpired []models.ActivationToken
	for _, token := range tokens {
		if token.ExpiredAt == nil {
			unexpired = append(unexpired, token)
			continue
		}
		require.Equal(t, oldToken.ID, token.ID)
		require.True(t, token.ExpiredAt.Equal(f.clock.Now()))
	}
	require.Len(t, unexpired, 1)
	require.Equal(t, newToken.ID, unexpired[0].ID)

	// the superseded token is expired, the fresh one consumes the account
	outcome, err := f.activation.Activate(ctx, oldPlain)
	require.NoError(t, err)
	require.Equal(t, OutcomeExpired, outcome.Kind)

	outcome, err = f.activation.Activate(ctx, newPlain)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome.Kind)
	require.Empty(t, f.activeTokens(t, account.ID))
	require.Equal(t, int64(2), f.archivedCount(t, account.ID))

	outcome, err = f.activation.Activate(ctx, oldPlain)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyActivated, outcome.Kind)
}

func TestRegenerateTwiceKeepsSingleActiveToken(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "twice@example.com", false)

	_, first, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, _, err = f.activation.Regenerate(ctx, first)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, _, err = f.activation.Regenerate(ctx, first)
	require.NoError(t, err)

	unexpired := 0
	for _, token := range f.activeTokens(t, account.ID) {
		if token.ExpiredAt == nil {
			unexpired++
		}
	}
	require.Equal(t, 1, unexpired)
}

func TestRegenerateRefusesActivatedAccount(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "active@example.com", true)

	_, _, err := f.activation.RegenerateForAccount(ctx, account.ID)
	require.ErrorIs(t, err, ErrAccountActivated)

	_, _, err = f.activation.GenerateToken(ctx, f.reloadAccount(t, account.ID))
	require.ErrorIs(t, err, ErrAccountActivated)
}

func TestRegenerateUnknownAccount(t *testing.T) {
	f := newActivationFixture(t)

	_, _, err := f.activation.Regenerate(context.Background(), &models.ActivationToken{AccountID: "missing"})
	require.ErrorIs(t, err, ErrAccountNotFound)

	_, _, err = f.activation.Regenerate(context.Background(), nil)
	require.Error(t, err)
}

func TestGeneratedDigestMatchesLookup(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "digest@example.com", false)

	plain, token, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)

	found, err := f.store.FindActiveByHash(ctx, NewTokenCodec().Hash(plain))
	require.NoError(t, err)
	require.Equal(t, token.ID, found.ID)
	require.Empty(t, found.PlainSecret, "plaintext must not be persisted")
}

type lostRaceStore struct {
	TokenStore
}

func (s lostRaceStore) Transaction(ctx context.Context, fn func(TokenStore) error) error {
	return s.TokenStore.Transaction(ctx, func(tx TokenStore) error {
		return fn(lostRaceStore{TokenStore: tx})
	})
}

func (lostRaceStore) MarkActivated(context.Context, string) (bool, error) {
	return false, nil
}

func TestActivateLosingRaceReportsAlreadyActivated(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "race@example.com", false)

	plain, _, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)

	racing, err := NewActivationService(lostRaceStore{TokenStore: f.store}, f.limiter, WithActivationClock(f.clock.Now))
	require.NoError(t, err)

	outcome, err := racing.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyActivated, outcome.Kind)
	require.Len(t, f.activeTokens(t, account.ID), 1, "loser must not archive")
}

type failingLimiter struct{}

func (failingLimiter) Check(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, ratelimit.ErrLimiterUnavailable
}

func TestActivateSurfacesLimiterFailure(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "limiter@example.com", false)

	plain, token, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)
	f.expireToken(t, token, f.clock.Now().Add(-time.Second))

	service, err := NewActivationService(f.store, failingLimiter{}, WithActivationClock(f.clock.Now))
	require.NoError(t, err)

	_, err = service.Activate(ctx, plain)
	require.ErrorIs(t, err, ratelimit.ErrLimiterUnavailable)
}

type failingCodec struct{}

func (failingCodec) Generate() (string, string, error) {
	return "", "", errors.New("entropy exhausted")
}

func (failingCodec) Hash(plain string) string { return plain }

func TestGenerateTokenPropagatesCodecFailure(t *testing.T) {
	f := newActivationFixture(t)
	account := f.createAccount(t, "codec@example.com", false)

	service, err := NewActivationService(f.store, f.limiter, WithActivationCodec(failingCodec{}))
	require.NoError(t, err)

	_, _, err = service.GenerateToken(context.Background(), account)
	require.Error(t, err)
	require.Contains(t, err.Error(), "entropy exhausted")
	require.Empty(t, f.activeTokens(t, account.ID))
}

func TestNewActivationServiceValidatesDependencies(t *testing.T) {
	_, err := NewActivationService(nil, failingLimiter{})
	require.Error(t, err)

	f := newActivationFixture(t)
	_, err = NewActivationService(f.store, nil)
	require.Error(t, err)
}

func TestOutcomeKindStrings(t *testing.T) {
	cases := map[OutcomeKind]string{
		OutcomeSuccess:          "success",
		OutcomeAlreadyActivated: "already_activated",
		OutcomeExpired:          "expired",
		OutcomeBlocked:          "blocked",
		OutcomeInvalid:          "invalid",
		OutcomeKind(0):          "unknown",
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.String())
	}
}

// interleavingStore runs interleave once, right after the account of the
// presented token has been loaded and before the service commits.
type interleavingStore struct {
	TokenStore
	interleave func()
	done       bool
}

func (s *interleavingStore) FindAccount(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.TokenStore.FindAccount(ctx, id)
	if err == nil && !s.done {
		s.done = true
		s.interleave()
	}
	return account, err
}

func TestActivateTokenSupersededAfterLookupIsExpired(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "interleave@example.com", false)

	plain, original, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	var fresh *models.ActivationToken
	store := &interleavingStore{TokenStore: f.store, interleave: func() {
		_, fresh, err = f.activation.RegenerateForAccount(ctx, account.ID)
		require.NoError(t, err)
	}}
	service, err := NewActivationService(store, f.limiter, WithActivationClock(f.clock.Now))
	require.NoError(t, err)

	outcome, err := service.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeExpired, outcome.Kind)
	require.Equal(t, original.ID, outcome.Token.ID)
	require.NotNil(t, outcome.Token.ExpiredAt)

	require.False(t, f.reloadAccount(t, account.ID).Activated)
	require.Zero(t, f.archivedCount(t, account.ID))
	tokens := f.activeTokens(t, account.ID)
	require.Len(t, tokens, 2)
	require.Equal(t, fresh.ID, tokens[1].ID)
	require.Nil(t, tokens[1].ExpiredAt, "fresh token must stay usable")
}

func TestActivateTokenConsumedAfterLookupIsAlreadyActivated(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "double@example.com", false)

	plain, _, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)

	store := &interleavingStore{TokenStore: f.store, interleave: func() {
		outcome, err := f.activation.Activate(ctx, plain)
		require.NoError(t, err)
		require.Equal(t, OutcomeSuccess, outcome.Kind)
	}}
	service, err := NewActivationService(store, f.limiter, WithActivationClock(f.clock.Now))
	require.NoError(t, err)

	outcome, err := service.Activate(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyActivated, outcome.Kind)
	require.Equal(t, int64(1), f.archivedCount(t, account.ID))
}

func TestRegenerateStaleLeavesNewerTokenAlone(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "stale@example.com", false)

	_, first, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, second, err := f.activation.RegenerateForAccount(ctx, account.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, _, err = f.activation.RegenerateStale(ctx, first)
	require.ErrorIs(t, err, ErrTokenSuperseded)

	tokens := f.activeTokens(t, account.ID)
	require.Len(t, tokens, 2)
	require.Equal(t, second.ID, tokens[1].ID)
	require.Nil(t, tokens[1].ExpiredAt)

	plain, third, err := f.activation.RegenerateStale(ctx, second)
	require.NoError(t, err)
	require.NotEmpty(t, plain)
	tokens = f.activeTokens(t, account.ID)
	require.Len(t, tokens, 3)
	require.NotNil(t, tokens[1].ExpiredAt)
	require.Equal(t, third.ID, tokens[2].ID)
}

func TestRegenerateStaleRefusesActivatedAccount(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "stale-active@example.com", false)

	_, token, err := f.activation.GenerateToken(ctx, account)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(account).Update("activated", true).Error)

	_, _, err = f.activation.RegenerateStale(ctx, token)
	require.ErrorIs(t, err, ErrAccountActivated)
	require.Nil(t, f.activeTokens(t, account.ID)[0].ExpiredAt)
}
