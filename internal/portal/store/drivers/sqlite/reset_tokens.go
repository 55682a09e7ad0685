package sqlite

import (
	"context"
	"time"

	"github.com/carebridge/carebridge/internal/portal/domain"
)

type resetTokensRepo struct {
	q querier
}

func (r *resetTokensRepo) Create(ctx context.Context, t domain.ResetToken) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reset_tokens (token_hash, username, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		t.TokenHash, t.Username, t.ExpiresAt, t.CreatedAt)
	return mapConflict(err)
}

func (r *resetTokensRepo) Consume(ctx context.Context, tokenHash string) (domain.ResetToken, error) {
	var t domain.ResetToken
	row := r.q.QueryRowContext(ctx, `
		DELETE FROM reset_tokens WHERE token_hash = ?
		RETURNING token_hash, username, expires_at, created_at`,
		tokenHash)
	if err := row.Scan(&t.TokenHash, &t.Username, &t.ExpiresAt, &t.CreatedAt); err != nil {
		return domain.ResetToken{}, mapNotFound(err)
	}
	return t, nil
}

func (r *resetTokensRepo) DeleteExpired(ctx context.Context, now time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM reset_tokens WHERE expires_at < ?`, now)
	return err
}
