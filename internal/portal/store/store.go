package store

import (
	"context"
	"errors"
	"time"

	"github.com/carebridge/carebridge/internal/portal/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite today)
// implement this. Sub-repositories keep concerns tidy and let services be
// tested against the same driver they run on in production.
type Store interface {
	Users() Users
	Credentials() Credentials
	Challenges() Challenges
	BackupCodes() BackupCodes
	ResetTokens() ResetTokens
	Vault() Vault
	AuditBlocks() AuditBlocks

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction: rolled back if fn errors,
	// committed otherwise. Preferred over Tx for one-shot atomic updates.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. Same repos plus Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// GetByUsername returns a user account by its unique username.
	GetByUsername(ctx context.Context, username string) (domain.UserAccount, error)

	// Create inserts a new account. Returns ErrAlreadyExists on a
	// username collision.
	Create(ctx context.Context, u domain.UserAccount) error

	// UpdatePasswordHash replaces the stored password hash.
	UpdatePasswordHash(ctx context.Context, username, newHash string) error

	// SetMFA updates the MFA flag and TOTP secret together. A nil secret
	// clears it.
	SetMFA(ctx context.Context, username string, enabled bool, secret *string) error

	// RecordLoginSuccess clears the failure counter and lockout and stamps
	// last_login_at.
	RecordLoginSuccess(ctx context.Context, username string, at time.Time) error

	// RecordLoginFailure persists the failure counter and optional lockout
	// deadline.
	RecordLoginFailure(ctx context.Context, username string, attempts int, lockedUntil *time.Time) error

	// IsEmpty reports whether any accounts exist (bootstrap seeding).
	IsEmpty(ctx context.Context) (bool, error)
}

type Credentials interface {
	// ListByUser returns all registered authenticators for a user.
	ListByUser(ctx context.Context, username string) ([]domain.WebAuthnCredential, error)

	// Create stores a newly registered credential.
	Create(ctx context.Context, username string, c domain.WebAuthnCredential) error

	// UpdateSignCount persists the authenticator counter after a
	// successful assertion.
	UpdateSignCount(ctx context.Context, credentialID []byte, signCount uint32) error
}

type Challenges interface {
	// Put stores a pending challenge, replacing any previous one for the
	// same (username, purpose).
	Put(ctx context.Context, c domain.Challenge) error

	// Get returns the pending challenge for (username, purpose).
	Get(ctx context.Context, username string, purpose domain.ChallengePurpose) (domain.Challenge, error)

	// Consume deletes the pending challenge and reports whether a row was
	// actually deleted. Under concurrency exactly one caller wins.
	Consume(ctx context.Context, username string, purpose domain.ChallengePurpose) (bool, error)

	// DeleteExpired removes challenges past their expiry (housekeeping).
	DeleteExpired(ctx context.Context, now time.Time) error
}

type BackupCodes interface {
	// Create stores a backup code fingerprint for a user.
	Create(ctx context.Context, username, codeHash string) error

	// Consume atomically deletes the code if present and reports whether
	// it existed. A second spend of the same code returns false.
	Consume(ctx context.Context, username, codeHash string) (bool, error)

	// DeleteAll removes every backup code for a user.
	DeleteAll(ctx context.Context, username string) error

	// Count returns the number of unused codes remaining.
	Count(ctx context.Context, username string) (int, error)
}

type ResetTokens interface {
	// Create stores a password reset token fingerprint.
	Create(ctx context.Context, t domain.ResetToken) error

	// Consume deletes the token by fingerprint and returns it. ErrNotFound
	// when absent or already spent.
	Consume(ctx context.Context, tokenHash string) (domain.ResetToken, error)

	// DeleteExpired removes tokens past their expiry (housekeeping).
	DeleteExpired(ctx context.Context, now time.Time) error
}

type Vault interface {
	// GetBlob returns the encrypted collection blob by vault id.
	GetBlob(ctx context.Context, id string) (domain.EncryptedBlob, error)

	// PutBlob inserts or replaces the blob.
	PutBlob(ctx context.Context, b domain.EncryptedBlob) error

	// GetKeySlot returns one wrapped-DEK slot.
	GetKeySlot(ctx context.Context, vaultID, slotID string) (domain.KeySlot, error)

	// PutKeySlot inserts or replaces a key slot.
	PutKeySlot(ctx context.Context, s domain.KeySlot) error
}

type AuditBlocks interface {
	// Append inserts a block at its sequence number. Duplicate sequence
	// numbers fail, which keeps concurrent appenders honest.
	Append(ctx context.Context, b domain.AuditBlock) error

	// List returns all blocks ordered by sequence, genesis first.
	List(ctx context.Context) ([]domain.AuditBlock, error)

	// Tail returns the newest block, or ErrNotFound for an empty chain.
	Tail(ctx context.Context) (domain.AuditBlock, error)
}
