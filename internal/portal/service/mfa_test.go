package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/carebridge/internal/portal/domain"
)

func TestEnableMFA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	enrollment, err := env.mfa.Enable(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.True(t, strings.HasPrefix(enrollment.ProvisioningURL, "otpauth://totp/"))
	require.Contains(t, enrollment.ProvisioningURL, "alice")
	require.Len(t, enrollment.BackupCodes, 8)
	for _, code := range enrollment.BackupCodes {
		require.Len(t, code, 8)
	}

	user, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.True(t, user.MFAEnabled)
	require.NotNil(t, user.MFASecret)

	// Enabling twice is refused.
	_, err = env.mfa.Enable(ctx, "alice")
	require.ErrorIs(t, err, ErrMFAAlreadyEnabled)
}

func TestVerifyTOTPCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)
	enrollment, err := env.mfa.Enable(ctx, "alice")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, env.mfa.Verify(ctx, "alice", code))

	// A completed MFA verification counts as the login.
	user, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, user.LastLoginAt)

	require.ErrorIs(t, env.mfa.Verify(ctx, "alice", "000000"), ErrBadMFACode)
}

func TestVerifyAcceptsAdjacentTimeStep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)
	enrollment, err := env.mfa.Enable(ctx, "alice")
	require.NoError(t, err)

	// A code from the previous 30s step is inside the accepted skew.
	code, err := totp.GenerateCode(enrollment.Secret, time.Now().UTC().Add(-30*time.Second))
	require.NoError(t, err)
	require.NoError(t, env.mfa.Verify(ctx, "alice", code))
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)
	enrollment, err := env.mfa.Enable(ctx, "alice")
	require.NoError(t, err)

	code := enrollment.BackupCodes[0]
	require.NoError(t, env.mfa.Verify(ctx, "alice", code))
	require.ErrorIs(t, env.mfa.Verify(ctx, "alice", code), ErrBadMFACode)

	// The other codes are unaffected.
	require.NoError(t, env.mfa.Verify(ctx, "alice", enrollment.BackupCodes[1]))
}

func TestVerifyRequiresEnabledMFA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)

	require.ErrorIs(t, env.mfa.Verify(ctx, "alice", "123456"), ErrMFANotEnabled)
	require.ErrorIs(t, env.mfa.Verify(ctx, "nobody", "123456"), ErrUserNotFound)
}

func TestDisableMFA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)
	enrollment, err := env.mfa.Enable(ctx, "alice")
	require.NoError(t, err)

	require.ErrorIs(t, env.mfa.Disable(ctx, "alice", "000000"), ErrBadMFACode)

	code, err := totp.GenerateCode(enrollment.Secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, env.mfa.Disable(ctx, "alice", code))

	user, err := env.store.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.False(t, user.MFAEnabled)
	require.Nil(t, user.MFASecret)

	// Old backup codes are gone with the secret.
	count, err := env.store.BackupCodes().Count(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRegenerateBackupCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.auth.Register(ctx, "alice", testPassword, domain.RolePatient, false)
	require.NoError(t, err)
	enrollment, err := env.mfa.Enable(ctx, "alice")
	require.NoError(t, err)

	// Backup codes cannot mint replacements, only a live TOTP code can.
	_, err = env.mfa.RegenerateBackupCodes(ctx, "alice", enrollment.BackupCodes[0])
	require.ErrorIs(t, err, ErrBadMFACode)

	code, err := totp.GenerateCode(enrollment.Secret, time.Now().UTC())
	require.NoError(t, err)
	fresh, err := env.mfa.RegenerateBackupCodes(ctx, "alice", code)
	require.NoError(t, err)
	require.Len(t, fresh, 8)

	// Old codes are invalidated, new ones work.
	require.ErrorIs(t, env.mfa.Verify(ctx, "alice", enrollment.BackupCodes[1]), ErrBadMFACode)
	require.NoError(t, env.mfa.Verify(ctx, "alice", fresh[0]))
}
