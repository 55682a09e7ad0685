package cryptox_test

import (
	"testing"

	"github.com/carebridge/carebridge/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyPSS(t *testing.T) {
	pemKey, err := cryptox.GenerateSigningKey(2048)
	require.NoError(t, err)

	priv, err := cryptox.ParseSigningKey(pemKey)
	require.NoError(t, err)

	payload := []byte(`{"patient_id":"P1","note":"checkup"}`)
	sig, err := cryptox.SignPSS(priv, payload)
	require.NoError(t, err)

	require.True(t, cryptox.VerifyPSS(&priv.PublicKey, payload, sig))
	require.False(t, cryptox.VerifyPSS(&priv.PublicKey, []byte(`{"patient_id":"P1","note":"altered"}`), sig))

	sig[0] ^= 0x01
	require.False(t, cryptox.VerifyPSS(&priv.PublicKey, payload, sig))
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	pemKey, err := cryptox.GenerateSigningKey(2048)
	require.NoError(t, err)
	priv, err := cryptox.ParseSigningKey(pemKey)
	require.NoError(t, err)

	pubPEM, err := cryptox.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	pub, err := cryptox.ParsePublicKey(pubPEM)
	require.NoError(t, err)
	require.Equal(t, priv.PublicKey.N, pub.N)
}

func TestGenerateSigningKeyRejectsWeakSize(t *testing.T) {
	_, err := cryptox.GenerateSigningKey(1024)
	require.Error(t, err)
}
