package app

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"

	"github.com/carebridge/carebridge/pkg/cryptox"
)

const signingKeyBits = 2048

// InitSigningKey loads the RSA record-signing key from disk, generating and
// persisting a fresh one on first start. Records signed with a lost key can
// never be verified again, so the key must live with the database backups.
func InitSigningKey(path string, logger *slog.Logger) (*rsa.PrivateKey, error) {
	pemKey, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("signing key not found, generating", "path", path, "bits", signingKeyBits)

		pemKey, err = cryptox.GenerateSigningKey(signingKeyBits)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		if err := os.WriteFile(path, pemKey, 0600); err != nil {
			return nil, fmt.Errorf("write signing key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	key, err := cryptox.ParseSigningKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", path, err)
	}
	return key, nil
}
