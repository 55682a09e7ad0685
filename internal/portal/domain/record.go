package domain

import "time"

// EncryptionInfo is the algorithm metadata persisted next to a blob.
type EncryptionInfo struct {
	Algorithm   string `json:"algorithm"`
	Mode        string `json:"mode"`
	KeySizeBits int    `json:"key_size_bits"`
}

// EncryptedBlob is the persisted form of the whole patient-record
// collection. It is decrypted wholesale, mutated, and re-encrypted
// wholesale on write; there are no partial updates.
type EncryptedBlob struct {
	ID             string // vault identifier
	EncryptedData  string // base64(nonce || tag || ciphertext)
	EncryptionInfo EncryptionInfo
	Version        int
	LastUpdated    time.Time
}

// SignedRecord is one patient-record revision: the payload plus an RSA-PSS
// signature over its canonical JSON serialization.
type SignedRecord struct {
	Data      map[string]any `json:"data"`
	Signature string         `json:"signature"` // hex
	SignedBy  string         `json:"signed_by"`
	Timestamp string         `json:"timestamp"` // RFC 3339 UTC
}

// PatientCollection maps patient id to that patient's record revisions.
// This is the plaintext layout inside the vault blob.
type PatientCollection map[string][]SignedRecord

// KeySlot wraps the vault data-encryption key for one unlock method. Slot
// IDs are either "user:<username>" (password-derived KEK) or "master"
// (server master key, used by passwordless logins).
type KeySlot struct {
	VaultID    string
	SlotID     string
	WrappedDEK string // envelope-encrypted DEK
	CreatedAt  time.Time
}

// ResetToken is a single-use password reset token.
type ResetToken struct {
	TokenHash string
	Username  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (t ResetToken) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }
