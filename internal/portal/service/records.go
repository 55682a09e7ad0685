package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carebridge/carebridge/internal/portal/abac"
	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
	"github.com/carebridge/carebridge/pkg/canonjson"
	"github.com/carebridge/carebridge/pkg/cryptox"
)

// DefaultVaultID is the single vault holding the patient-record collection.
const DefaultVaultID = "patient_records"

const masterSlotID = "master"

func userSlotID(username string) string { return "user:" + username }

// SignatureMode controls what happens when a stored record fails signature
// verification on read.
type SignatureMode string

const (
	// SignatureEnforce fails the whole read. The default.
	SignatureEnforce SignatureMode = "enforce"
	// SignatureAdvisory returns the records flagged invalid and records an
	// audit failure, for operators digging out of a corruption incident.
	SignatureAdvisory SignatureMode = "advisory"
)

// ParseSignatureMode validates a mode string from configuration.
func ParseSignatureMode(s string) (SignatureMode, error) {
	switch SignatureMode(s) {
	case SignatureEnforce, SignatureAdvisory:
		return SignatureMode(s), nil
	case "":
		return SignatureEnforce, nil
	}
	return "", fmt.Errorf("invalid signature mode %q", s)
}

var ErrSignatureInvalid = errors.New("record signature invalid")

var vaultEncryptionInfo = domain.EncryptionInfo{
	Algorithm:   "AES",
	Mode:        "GCM",
	KeySizeBits: 256,
}

// VaultService manages the encrypted patient-record vault.
//
// The collection is encrypted under a single random data-encryption key
// (DEK). The DEK itself is never stored in the clear: it sits wrapped in key
// slots, one per unlock method. Each user gets a slot wrapped under a KEK
// derived from their password, and the "master" slot wraps it under the
// server master key so passwordless (WebAuthn) logins can still open the
// vault.
//
// Every read and write is authorized against the ABAC policy first and lands
// in the audit chain.
type VaultService struct {
	Store   store.Store
	Policy  *abac.Engine
	Audit   *AuditService
	Deriver *cryptox.Deriver

	MasterKey  []byte
	SigningKey *rsa.PrivateKey
	Mode       SignatureMode

	// VaultID defaults to DefaultVaultID.
	VaultID string

	// mu serializes the blob's read-modify-write cycle. The collection is
	// rewritten wholesale on every append, so writers must not interleave.
	mu sync.Mutex
}

// VerifiedRecord is a stored record plus its signature verdict. In enforce
// mode SignatureValid is always true on the records returned.
type VerifiedRecord struct {
	domain.SignedRecord
	SignatureValid bool
}

// Init creates the vault on first start: a fresh random DEK wrapped in the
// master slot, and an empty encrypted collection. Idempotent.
func (s *VaultService) Init(ctx context.Context) error {
	_, err := s.Store.Vault().GetKeySlot(ctx, s.vaultID(), masterSlotID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load master key slot: %w", err)
	}

	dek := make([]byte, cryptox.KeyLength)
	if _, err := rand.Read(dek); err != nil {
		return fmt.Errorf("generate data key: %w", err)
	}

	wrapped, err := cryptox.Encrypt(s.MasterKey, dek)
	if err != nil {
		return fmt.Errorf("wrap data key: %w", err)
	}

	empty, err := cryptox.EncryptJSON(dek, domain.PatientCollection{})
	if err != nil {
		return fmt.Errorf("encrypt empty collection: %w", err)
	}

	now := time.Now().UTC()
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Vault().PutKeySlot(ctx, domain.KeySlot{
			VaultID:    s.vaultID(),
			SlotID:     masterSlotID,
			WrappedDEK: wrapped,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		return tx.Vault().PutBlob(ctx, domain.EncryptedBlob{
			ID:             s.vaultID(),
			EncryptedData:  empty,
			EncryptionInfo: vaultEncryptionInfo,
			Version:        1,
			LastUpdated:    now,
		})
	})
}

// UnlockWithPassword derives the user's KEK from their password and unwraps
// the DEK from their key slot. A wrong password surfaces as
// cryptox.ErrDecryptionFailed; nothing distinguishes it from a corrupt slot.
func (s *VaultService) UnlockWithPassword(ctx context.Context, username, password string) ([]byte, error) {
	user, err := s.Store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	kek, err := s.Deriver.Derive(ctx, password, user.KEKSalt, cryptox.KeyLength)
	if err != nil {
		return nil, err
	}

	slot, err := s.Store.Vault().GetKeySlot(ctx, s.vaultID(), userSlotID(username))
	if err != nil {
		return nil, fmt.Errorf("load key slot: %w", err)
	}
	return cryptox.Decrypt(kek, slot.WrappedDEK)
}

// UnlockWithMaster unwraps the DEK with the server master key. Used after
// passwordless logins, where no password is available to derive a KEK from.
func (s *VaultService) UnlockWithMaster(ctx context.Context) ([]byte, error) {
	slot, err := s.Store.Vault().GetKeySlot(ctx, s.vaultID(), masterSlotID)
	if err != nil {
		return nil, fmt.Errorf("load master key slot: %w", err)
	}
	return cryptox.Decrypt(s.MasterKey, slot.WrappedDEK)
}

// EnrollUserSlot wraps the DEK under a KEK derived from the user's password
// and stores it in their slot. Requires the plaintext password, so it runs
// at registration and password reset only.
func (s *VaultService) EnrollUserSlot(ctx context.Context, user domain.UserAccount, password string) error {
	dek, err := s.UnlockWithMaster(ctx)
	if err != nil {
		return err
	}

	kek, err := s.Deriver.Derive(ctx, password, user.KEKSalt, cryptox.KeyLength)
	if err != nil {
		return err
	}

	wrapped, err := cryptox.Encrypt(kek, dek)
	if err != nil {
		return fmt.Errorf("wrap data key: %w", err)
	}

	return s.Store.Vault().PutKeySlot(ctx, domain.KeySlot{
		VaultID:    s.vaultID(),
		SlotID:     userSlotID(user.Username),
		WrappedDEK: wrapped,
		CreatedAt:  time.Now().UTC(),
	})
}

// RewrapUserSlot replaces the user's slot after a password change.
func (s *VaultService) RewrapUserSlot(ctx context.Context, user domain.UserAccount, newPassword string) error {
	return s.EnrollUserSlot(ctx, user, newPassword)
}

// GetPatientRecords returns every record revision for a patient, after
// checking the actor may view them and verifying each record's signature.
func (s *VaultService) GetPatientRecords(ctx context.Context, dek []byte, actor domain.UserAccount, patientID string) ([]VerifiedRecord, error) {
	if err := s.authorize(ctx, actor, "view", patientID); err != nil {
		return nil, err
	}

	collection, _, err := s.loadCollection(ctx, dek)
	if err != nil {
		return nil, err
	}

	records := collection[patientID]
	out := make([]VerifiedRecord, 0, len(records))
	for i, rec := range records {
		valid := s.verifySignature(rec)
		if !valid {
			s.auditRecord(ctx, actor, "view", patientID, domain.AuditFailure,
				fmt.Sprintf("signature verification failed on record %d", i))
			if s.mode() == SignatureEnforce {
				return nil, fmt.Errorf("%w: patient %s record %d", ErrSignatureInvalid, patientID, i)
			}
		}
		out = append(out, VerifiedRecord{SignedRecord: rec, SignatureValid: valid})
	}

	s.auditRecord(ctx, actor, "view", patientID, domain.AuditSuccess,
		fmt.Sprintf("viewed %d records", len(out)))
	return out, nil
}

// AddPatientRecord signs a new record revision and appends it to the
// patient's history. The whole collection is re-encrypted on every write.
func (s *VaultService) AddPatientRecord(ctx context.Context, dek []byte, actor domain.UserAccount, patientID string, data map[string]any) (domain.SignedRecord, error) {
	if err := s.authorize(ctx, actor, "add", patientID); err != nil {
		return domain.SignedRecord{}, err
	}

	rec, err := s.signRecord(actor.Username, data)
	if err != nil {
		return domain.SignedRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		blob, err := tx.Vault().GetBlob(ctx, s.vaultID())
		if err != nil {
			return fmt.Errorf("load vault blob: %w", err)
		}

		var collection domain.PatientCollection
		if err := cryptox.DecryptJSON(dek, blob.EncryptedData, &collection); err != nil {
			return err
		}
		if collection == nil {
			collection = domain.PatientCollection{}
		}
		collection[patientID] = append(collection[patientID], rec)

		encrypted, err := cryptox.EncryptJSON(dek, collection)
		if err != nil {
			return fmt.Errorf("encrypt collection: %w", err)
		}
		return tx.Vault().PutBlob(ctx, domain.EncryptedBlob{
			ID:             s.vaultID(),
			EncryptedData:  encrypted,
			EncryptionInfo: vaultEncryptionInfo,
			Version:        blob.Version + 1,
			LastUpdated:    time.Now().UTC(),
		})
	})
	if err != nil {
		return domain.SignedRecord{}, err
	}

	s.auditRecord(ctx, actor, "add", patientID, domain.AuditSuccess, "record added")
	return rec, nil
}

func (s *VaultService) signRecord(signedBy string, data map[string]any) (domain.SignedRecord, error) {
	payload, err := canonjson.Marshal(data)
	if err != nil {
		return domain.SignedRecord{}, fmt.Errorf("encode record: %w", err)
	}
	sig, err := cryptox.SignPSS(s.SigningKey, payload)
	if err != nil {
		return domain.SignedRecord{}, fmt.Errorf("sign record: %w", err)
	}
	return domain.SignedRecord{
		Data:      data,
		Signature: hex.EncodeToString(sig),
		SignedBy:  signedBy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *VaultService) verifySignature(rec domain.SignedRecord) bool {
	payload, err := canonjson.Marshal(rec.Data)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(rec.Signature)
	if err != nil {
		return false
	}
	return cryptox.VerifyPSS(&s.SigningKey.PublicKey, payload, sig)
}

func (s *VaultService) loadCollection(ctx context.Context, dek []byte) (domain.PatientCollection, domain.EncryptedBlob, error) {
	blob, err := s.Store.Vault().GetBlob(ctx, s.vaultID())
	if err != nil {
		return nil, domain.EncryptedBlob{}, fmt.Errorf("load vault blob: %w", err)
	}
	var collection domain.PatientCollection
	if err := cryptox.DecryptJSON(dek, blob.EncryptedData, &collection); err != nil {
		return nil, domain.EncryptedBlob{}, err
	}
	if collection == nil {
		collection = domain.PatientCollection{}
	}
	return collection, blob, nil
}

func (s *VaultService) authorize(ctx context.Context, actor domain.UserAccount, action, patientID string) error {
	subject := map[string]string{
		"id":   actor.Username,
		"role": string(actor.Role),
	}
	resource := map[string]string{
		"type":       "patient_data",
		"patient_id": patientID,
	}
	if err := s.Policy.Authorize(subject, action, resource); err != nil {
		s.auditRecord(ctx, actor, action, patientID, domain.AuditFailure, "access denied by policy")
		return err
	}
	return nil
}

func (s *VaultService) auditRecord(ctx context.Context, actor domain.UserAccount, action, patientID, status, message string) {
	if s.Audit == nil {
		return
	}
	_ = s.Audit.Record(ctx, domain.AuditEvent{
		UserID:   actor.Username,
		UserRole: string(actor.Role),
		Action:   action,
		Resource: "patient_data:" + patientID,
		Status:   status,
		Message:  message,
	})
}

func (s *VaultService) vaultID() string {
	if s.VaultID != "" {
		return s.VaultID
	}
	return DefaultVaultID
}

func (s *VaultService) mode() SignatureMode {
	if s.Mode != "" {
		return s.Mode
	}
	return SignatureEnforce
}
