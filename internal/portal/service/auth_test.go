package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
	"github.com/carebridge/carebridge/pkg/cryptox"
)

const testPassword = "Str0ng!pass"

func TestValidatePasswordPolicy(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidatePassword("Str0ng!pass"))

	cases := []struct {
		name     string
		password string
	}{
		{"too short", "S0r!t"},
		{"no uppercase", "weak0!pass"},
		{"no lowercase", "WEAK0!PASS"},
		{"no digit", "Weakest!pass"},
		{"no special", "Weak0pass"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, ValidatePassword(tc.password), ErrWeakPassword)
		})
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, enrollment, err := env.auth.Register(ctx, "dr-house", testPassword, domain.RoleDoctor, false)
	require.NoError(t, err)
	require.Nil(t, enrollment)
	require.Equal(t, "dr-house", user.Username)
	require.Equal(t, domain.RoleDoctor, user.Role)
	require.NotEmpty(t, user.ID)
	require.Len(t, user.KEKSalt, 16)

	result, err := env.auth.Authenticate(ctx, "dr-house", testPassword, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, result.MFARequired)
	require.Equal(t, "dr-house", result.User.Username)

	// last_login_at is stamped on success.
	stored, err := env.store.Users().GetByUsername(ctx, "dr-house")
	require.NoError(t, err)
	require.NotNil(t, stored.LastLoginAt)
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	_, _, err = env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.auth.Register(context.Background(), "bob", "password", domain.RoleNurse, false)
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestAuthenticateBadPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	_, err = env.auth.Authenticate(ctx, "alice", "Wr0ng!pass", "10.0.0.1")
	require.ErrorIs(t, err, ErrBadPassword)

	_, err = env.auth.Authenticate(ctx, "nobody", testPassword, "10.0.0.1")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestAccountLocksAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.auth.MaxFailedLogins = 3
	env.auth.LockoutDuration = time.Hour
	env.auth.LoginBurst = 100 // keep the rate limiter out of this test

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	_, err = env.auth.Authenticate(ctx, "alice", "Wr0ng!pass", "10.0.0.1")
	require.ErrorIs(t, err, ErrBadPassword)
	_, err = env.auth.Authenticate(ctx, "alice", "Wr0ng!pass", "10.0.0.1")
	require.ErrorIs(t, err, ErrBadPassword)

	// Third failure trips the lock.
	_, err = env.auth.Authenticate(ctx, "alice", "Wr0ng!pass", "10.0.0.1")
	require.ErrorIs(t, err, ErrAccountLocked)

	// Even the correct password is refused while locked.
	_, err = env.auth.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.ErrorIs(t, err, ErrAccountLocked)
}

func TestFailedLoginsCountFromStoredState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.auth.MaxFailedLogins = 2
	env.auth.LockoutDuration = time.Hour

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	// Two failures recorded from the same stale snapshot, as when concurrent
	// logins both loaded the account before either failure landed. The
	// counter must still reach the threshold.
	snapshot, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	now := time.Now().UTC()

	require.ErrorIs(t, env.auth.recordFailedLogin(ctx, snapshot, "10.0.0.1", now), ErrBadPassword)
	require.ErrorIs(t, env.auth.recordFailedLogin(ctx, snapshot, "10.0.0.1", now), ErrAccountLocked)

	stored, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, stored.FailedLoginAttempts)
	require.NotNil(t, stored.LockedUntil)
}

func TestLoginRateLimiter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.auth.LoginRate = rate.Limit(0.001)
	env.auth.LoginBurst = 2

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	_, err = env.auth.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.NoError(t, err)
	_, err = env.auth.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.NoError(t, err)

	_, err = env.auth.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.ErrorIs(t, err, ErrRateLimited)

	// Limiters are per user: another account is unaffected.
	_, _, err = env.auth.Register(ctx, "bob", testPassword, domain.RolePatient, false)
	require.NoError(t, err)
	_, err = env.auth.Authenticate(ctx, "bob", testPassword, "10.0.0.1")
	require.NoError(t, err)
}

func TestAuthenticateRequiresMFAWhenEnabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, enrollment, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, true)
	require.NoError(t, err)
	require.NotNil(t, enrollment)
	require.NotEmpty(t, enrollment.Secret)
	require.Len(t, enrollment.BackupCodes, 8)

	result, err := env.auth.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, result.MFARequired)

	// The password step alone must not stamp a completed login.
	stored, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, stored.LastLoginAt)
}

func TestRegisterWithMFARequiresMFAService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A container wired without the MFA service must not mint accounts that
	// believe MFA is on.
	auth := &AuthService{
		Store:   env.store,
		Deriver: cryptox.NewDeriver(2),
		Audit:   env.audit,
	}

	_, _, err := auth.Register(ctx, "alice", testPassword, domain.RolePatient, true)
	require.Error(t, err)
	require.ErrorContains(t, err, "mfa")

	// The account was not created either.
	_, err = env.store.Users().GetByUsername(ctx, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Without the MFA flag the same wiring works.
	_, enrollment, err := auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)
	require.Nil(t, enrollment)
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	token, err := env.auth.CreateResetToken(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	const newPassword = "N3w!secret"
	require.NoError(t, env.auth.ResetPassword(ctx, token, newPassword))

	_, err = env.auth.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.ErrorIs(t, err, ErrBadPassword)
	_, err = env.auth.Authenticate(ctx, "alice", newPassword, "10.0.0.1")
	require.NoError(t, err)

	// The vault slot was rewrapped under the new password.
	dek, err := env.vault.UnlockWithPassword(ctx, "alice", newPassword)
	require.NoError(t, err)
	require.Len(t, dek, 32)

	// Tokens are single use.
	require.ErrorIs(t, env.auth.ResetPassword(ctx, token, "An0ther!pw"), ErrResetTokenInvalid)
}

func TestResetPasswordRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.ErrorIs(t, env.auth.ResetPassword(ctx, "bogus-token", "N3w!secret"), ErrResetTokenInvalid)

	_, err := env.auth.CreateResetToken(ctx, "nobody")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestExpiredResetTokenIsConsumed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	// Plant an already-expired token directly.
	const token = "expired-token"
	now := time.Now().UTC()
	require.NoError(t, env.store.ResetTokens().Create(ctx, domain.ResetToken{
		TokenHash: cryptox.FingerprintToken(token),
		Username:  "alice",
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-2 * time.Hour),
	}))

	require.ErrorIs(t, env.auth.ResetPassword(ctx, token, "N3w!secret"), ErrResetTokenInvalid)

	// The failed attempt still spent the token.
	_, err = env.store.ResetTokens().Consume(ctx, cryptox.FingerprintToken(token))
	require.ErrorIs(t, err, store.ErrNotFound)
}
