package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
)

func newSession(id string) *domain.Session {
	return &domain.Session{
		ID:                id,
		PhoneNumber:       "+911234567890",
		State:             domain.StateOtpPending,
		AttemptsRemaining: 3,
		OtpExpiresAt:      t0.Add(30 * time.Second),
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
}

func TestRedisSessionRepository(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	repo := NewRedisSessionRepository(client, 30*time.Minute)
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.NoError(t, repo.Save(ctx, newSession("abc")))

	got, err := repo.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpPending, got.State)
	assert.Equal(t, 3, got.AttemptsRemaining)
	assert.True(t, got.OtpExpiresAt.Equal(t0.Add(30*time.Second)))

	s.FastForward(31 * time.Minute)
	_, err = repo.Get(ctx, "abc")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRedisSessionRepositoryUnavailable(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	repo := NewRedisSessionRepository(client, time.Minute)
	s.Close()

	_, err := repo.Get(context.Background(), "abc")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestMemorySessionRepository(t *testing.T) {
	clk := clock.NewManual(t0)
	repo := NewMemorySessionRepository(clk, time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newSession("abc")))

	got, err := repo.Get(ctx, "abc")
	require.NoError(t, err)
	got.State = domain.StateCommitted

	again, err := repo.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpPending, again.State, "callers get a copy")

	clk.Advance(time.Minute)
	_, err = repo.Get(ctx, "abc")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRedisRateLimitRepository(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	limiter := NewRedisRateLimitRepository(client, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "otp:+911234567890")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "otp:+911234567890")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "otp:+15550000000")
	require.NoError(t, err)
	assert.True(t, ok, "keys are counted separately")

	s.FastForward(time.Minute + time.Second)
	ok, err = limiter.Allow(ctx, "otp:+911234567890")
	require.NoError(t, err)
	assert.True(t, ok, "window resets")
}

func TestRedisRateLimitFailsOpen(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	limiter := NewRedisRateLimitRepository(client, 1, time.Minute)
	s.Close()

	ok, err := limiter.Allow(context.Background(), "otp:+911234567890")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRateLimitRepository(t *testing.T) {
	clk := clock.NewManual(t0)
	limiter := NewMemoryRateLimitRepository(clk, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "otp:+911234567890")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "otp:+911234567890")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "otp:+15550000000")
	require.NoError(t, err)
	assert.True(t, ok, "keys are counted separately")

	clk.Advance(time.Minute)
	ok, err = limiter.Allow(ctx, "otp:+911234567890")
	require.NoError(t, err)
	assert.True(t, ok, "window resets")
}
