package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
	"github.com/carebridge/carebridge/pkg/cryptox"
)

func TestHousekeepingRemovesExpiredRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	registerTestUser(t, env, "alice", domain.RolePatient)

	require.NoError(t, env.store.Challenges().Put(ctx, domain.Challenge{
		Username:  "alice",
		Purpose:   domain.ChallengeRegistration,
		Value:     "stale",
		Session:   []byte(`{}`),
		IssuedAt:  now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-8 * time.Minute),
	}))
	require.NoError(t, env.store.Challenges().Put(ctx, domain.Challenge{
		Username:  "alice",
		Purpose:   domain.ChallengeAuthentication,
		Value:     "fresh",
		Session:   []byte(`{}`),
		IssuedAt:  now,
		ExpiresAt: now.Add(2 * time.Minute),
	}))

	require.NoError(t, env.store.ResetTokens().Create(ctx, domain.ResetToken{
		TokenHash: cryptox.FingerprintToken("stale-token"),
		Username:  "alice",
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, env.store.ResetTokens().Create(ctx, domain.ResetToken{
		TokenHash: cryptox.FingerprintToken("fresh-token"),
		Username:  "alice",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewHousekeepingService(env.store, logger, time.Hour)
	svc.Cleanup(ctx)

	_, err := env.store.Challenges().Get(ctx, "alice", domain.ChallengeRegistration)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.store.Challenges().Get(ctx, "alice", domain.ChallengeAuthentication)
	require.NoError(t, err)

	_, err = env.store.ResetTokens().Consume(ctx, cryptox.FingerprintToken("stale-token"))
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.store.ResetTokens().Consume(ctx, cryptox.FingerprintToken("fresh-token"))
	require.NoError(t, err)
}

func TestHousekeepingStartStop(t *testing.T) {
	env := newTestEnv(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewHousekeepingService(env.store, logger, time.Hour)
	svc.Start()
	svc.Stop()
}
