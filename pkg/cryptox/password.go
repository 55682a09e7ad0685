package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// HashPassword hashes a password with PBKDF2-HMAC-SHA256 and a fresh random
// salt, returning a PHC-style encoded string:
//
//	$pbkdf2-sha256$i=100000$<b64 salt>$<b64 hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptox: generate salt: %w", err)
	}
	return encodeHash(password, salt), nil
}

func encodeHash(password string, salt []byte) string {
	hash := DeriveKey(password, salt, KeyLength)
	return fmt.Sprintf(
		"$pbkdf2-sha256$i=%d$%s$%s",
		KDFIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

// VerifyPassword checks a plaintext password against an encoded hash in
// constant time. A nil return means the password matches.
func VerifyPassword(password, encodedHash string) error {
	parts := strings.Split(encodedHash, "$")
	// ["", "pbkdf2-sha256", "i=100000", salt, hash]
	if len(parts) != 5 {
		return errors.New("cryptox: invalid hash format: expected 5 parts")
	}
	if parts[1] != "pbkdf2-sha256" {
		return errors.New("cryptox: invalid hash format: not pbkdf2-sha256")
	}

	var iters int
	if _, err := fmt.Sscanf(parts[2], "i=%d", &iters); err != nil || iters <= 0 {
		return errors.New("cryptox: invalid hash format: bad iteration count")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("cryptox: invalid hash format: decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("cryptox: invalid hash format: decode hash: %w", err)
	}
	if iters != KDFIterations {
		// Stored hashes always use the fixed round count; anything else is
		// a corrupted or foreign record.
		return errors.New("cryptox: invalid hash format: unsupported iteration count")
	}

	computed := DeriveKey(password, salt, len(expected))
	if subtle.ConstantTimeCompare(computed, expected) == 1 {
		return nil
	}
	return errors.New("cryptox: password does not match")
}
