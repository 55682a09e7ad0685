package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
)

// LoadMasterKey loads the server master key from path, generating and
// persisting a fresh random key on first use. The file contents are hashed
// with SHA-256 so any key material length normalizes to a 32-byte AES key.
//
// The master key wraps the vault data-encryption key for login methods that
// carry no password (WebAuthn), so losing this file strands that key slot.
func LoadMasterKey(path string) ([]byte, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("cryptox: create master key dir: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		material := make([]byte, KeyLength)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("cryptox: generate master key: %w", err)
		}
		if err := os.WriteFile(path, material, 0600); err != nil {
			return nil, fmt.Errorf("cryptox: write master key: %w", err)
		}
		sum := sha256.Sum256(material)
		return sum[:], nil
	}

	material, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptox: read master key: %w", err)
	}
	sum := sha256.Sum256(material)
	return sum[:], nil
}
