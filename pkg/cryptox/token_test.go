package cryptox_test

import (
	"testing"

	"github.com/carebridge/carebridge/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	tok, err := cryptox.GenerateToken(cryptox.TokenSize256)
	require.NoError(t, err)
	require.Len(t, tok, 43) // 32 bytes base64url, no padding

	other, err := cryptox.GenerateToken(cryptox.TokenSize256)
	require.NoError(t, err)
	require.NotEqual(t, tok, other)

	_, err = cryptox.GenerateToken(0)
	require.Error(t, err)
}

func TestGenerateDigitCode(t *testing.T) {
	code, err := cryptox.GenerateDigitCode(8)
	require.NoError(t, err)
	require.Len(t, code, 8)
	for _, c := range code {
		require.True(t, c >= '0' && c <= '9')
	}
}

func TestFingerprintTokenDeterministic(t *testing.T) {
	require.Equal(t, cryptox.FingerprintToken("abc"), cryptox.FingerprintToken("abc"))
	require.NotEqual(t, cryptox.FingerprintToken("abc"), cryptox.FingerprintToken("abd"))
}
