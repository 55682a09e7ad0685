package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
)

type usersRepo struct {
	q querier
}

const userColumns = `id, username, role, password_hash, kek_salt, mfa_enabled, mfa_secret,
	failed_login_attempts, locked_until, last_login_at, created_at, updated_at`

func (r *usersRepo) GetByUsername(ctx context.Context, username string) (domain.UserAccount, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (r *usersRepo) Create(ctx context.Context, u domain.UserAccount) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users (id, username, role, password_hash, kek_salt, mfa_enabled, mfa_secret,
			failed_login_attempts, locked_until, last_login_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, string(u.Role), u.PasswordHash, u.KEKSalt,
		boolToInt(u.MFAEnabled), optionalString(u.MFASecret),
		u.FailedLoginAttempts, optionalTime(u.LockedUntil), optionalTime(u.LastLoginAt),
		u.CreatedAt, u.UpdatedAt,
	)
	return mapConflict(err)
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, username, newHash string) error {
	return r.exec(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE username = ?`,
		newHash, time.Now().UTC(), username)
}

func (r *usersRepo) SetMFA(ctx context.Context, username string, enabled bool, secret *string) error {
	return r.exec(ctx,
		`UPDATE users SET mfa_enabled = ?, mfa_secret = ?, updated_at = ? WHERE username = ?`,
		boolToInt(enabled), optionalString(secret), time.Now().UTC(), username)
}

func (r *usersRepo) RecordLoginSuccess(ctx context.Context, username string, at time.Time) error {
	return r.exec(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, last_login_at = ?, updated_at = ?
		WHERE username = ?`,
		at, at, username)
}

func (r *usersRepo) RecordLoginFailure(ctx context.Context, username string, attempts int, lockedUntil *time.Time) error {
	return r.exec(ctx, `
		UPDATE users
		SET failed_login_attempts = ?, locked_until = ?, updated_at = ?
		WHERE username = ?`,
		attempts, optionalTime(lockedUntil), time.Now().UTC(), username)
}

func (r *usersRepo) IsEmpty(ctx context.Context) (bool, error) {
	var count int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

// exec runs an UPDATE that must touch exactly one row; zero rows means the
// user does not exist.
func (r *usersRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (domain.UserAccount, error) {
	var (
		u           domain.UserAccount
		role        string
		mfaEnabled  int
		mfaSecret   sql.NullString
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &role, &u.PasswordHash, &u.KEKSalt, &mfaEnabled,
		&mfaSecret, &u.FailedLoginAttempts, &lockedUntil, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.UserAccount{}, mapNotFound(err)
	}

	u.Role = domain.Role(role)
	u.MFAEnabled = mfaEnabled != 0
	u.MFASecret = nullStringPtr(mfaSecret)
	u.LockedUntil = nullTimePtr(lockedUntil)
	u.LastLoginAt = nullTimePtr(lastLogin)
	return u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func optionalString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func optionalTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
