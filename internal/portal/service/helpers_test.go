package service

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carebridge/carebridge/internal/portal/abac"
	"github.com/carebridge/carebridge/internal/portal/store"
	"github.com/carebridge/carebridge/internal/portal/store/drivers/sqlite"
	"github.com/carebridge/carebridge/pkg/cryptox"
)

// testEnv wires the full service stack against an in-memory database, the
// same way the app container does in production.
type testEnv struct {
	store store.Store
	audit *AuditService
	auth  *AuthService
	mfa   *MFAService
	vault *VaultService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	audit, err := NewAuditService(ctx, st, logger)
	require.NoError(t, err)

	deriver := cryptox.NewDeriver(4)

	pemKey, err := cryptox.GenerateSigningKey(2048)
	require.NoError(t, err)
	signKey, err := cryptox.ParseSigningKey(pemKey)
	require.NoError(t, err)

	masterKey := make([]byte, cryptox.KeyLength)
	_, err = rand.Read(masterKey)
	require.NoError(t, err)

	vault := &VaultService{
		Store:      st,
		Policy:     abac.New(abac.DefaultPolicy()),
		Audit:      audit,
		Deriver:    deriver,
		MasterKey:  masterKey,
		SigningKey: signKey,
	}
	require.NoError(t, vault.Init(ctx))

	mfa := &MFAService{Store: st, Issuer: "CareBridge Test", Audit: audit}

	auth := &AuthService{
		Store:   st,
		Deriver: deriver,
		Audit:   audit,
		MFA:     mfa,
		Vault:   vault,
	}

	return &testEnv{store: st, audit: audit, auth: auth, mfa: mfa, vault: vault}
}
