package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/carebridge/carebridge/pkg/canonjson"
)

// Wire layout of an encrypted envelope, before base64:
//
//	nonce (12 bytes) || tag (16 bytes) || ciphertext
const (
	NonceSize   = 12
	TagSize     = 16
	minBlobSize = NonceSize + TagSize
)

// ErrDecryptionFailed covers every decrypt failure: wrong key, tampered or
// truncated input, bad encoding. Callers must not be able to tell these
// apart.
var ErrDecryptionFailed = errors.New("cryptox: decryption failed")

// Encrypt seals plaintext with AES-256-GCM under key and returns the
// base64-encoded envelope. A fresh random nonce is generated per call;
// nonce reuse under the same key would be fatal, so there is no way to
// supply one.
func Encrypt(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cryptox: generate nonce: %w", err)
	}

	// gcm.Seal returns ciphertext||tag; the envelope stores the tag in
	// front of the ciphertext.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	blob := make([]byte, 0, minBlobSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a base64 envelope produced by Encrypt. Any failure, from
// malformed encoding to an authentication tag mismatch, yields
// ErrDecryptionFailed and no plaintext.
func Decrypt(key []byte, encoded string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(blob) < minBlobSize {
		return nil, ErrDecryptionFailed
	}

	nonce := blob[:NonceSize]
	tag := blob[NonceSize:minBlobSize]
	ct := blob[minBlobSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptJSON canonicalizes v and encrypts the resulting JSON, so that
// encrypt/decrypt round-trips are byte-exact.
func EncryptJSON(key []byte, v any) (string, error) {
	raw, err := canonjson.Marshal(v)
	if err != nil {
		return "", err
	}
	return Encrypt(key, raw)
}

// DecryptJSON decrypts an envelope and unmarshals the plaintext into out.
func DecryptJSON(key []byte, encoded string, out any) error {
	raw, err := Decrypt(key, encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ErrDecryptionFailed
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("cryptox: invalid AES key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create GCM: %w", err)
	}
	return gcm, nil
}
