package cryptox

import (
	"context"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"
)

// Key derivation parameters. The iteration count is part of the on-disk
// format: changing it invalidates every stored password hash and key slot.
const (
	KDFIterations = 100_000
	KeyLength     = 32 // AES-256
	SaltLength    = 16
)

// DeriveKey derives outLen bytes from a password and salt using
// PBKDF2-HMAC-SHA256 with KDFIterations rounds. Deterministic: identical
// inputs always produce identical output. An empty salt is a caller bug,
// not a runtime condition, so it panics.
func DeriveKey(password string, salt []byte, outLen int) []byte {
	if len(salt) == 0 {
		panic("cryptox: DeriveKey called with empty salt")
	}
	if outLen <= 0 {
		outLen = KeyLength
	}
	return pbkdf2.Key([]byte(password), salt, KDFIterations, outLen, sha256.New)
}

// Deriver bounds how many PBKDF2 derivations may run concurrently so a burst
// of logins cannot saturate every CPU and starve the rest of the process.
type Deriver struct {
	sem *semaphore.Weighted
}

// NewDeriver creates a Deriver allowing at most maxConcurrent derivations.
func NewDeriver(maxConcurrent int64) *Deriver {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Deriver{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Derive runs DeriveKey once a pool slot is available. It returns early if
// ctx is cancelled while waiting.
func (d *Deriver) Derive(ctx context.Context, password string, salt []byte, outLen int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cryptox: derive cancelled: %w", err)
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("cryptox: derive cancelled: %w", err)
	}
	defer d.sem.Release(1)

	return DeriveKey(password, salt, outLen), nil
}

// Run executes fn while holding a pool slot. Used for hash verification,
// which runs the same KDF internally and must share the bound.
func (d *Deriver) Run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cryptox: run cancelled: %w", err)
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("cryptox: run cancelled: %w", err)
	}
	defer d.sem.Release(1)

	return fn()
}
