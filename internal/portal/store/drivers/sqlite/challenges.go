package sqlite

import (
	"context"
	"time"

	"github.com/carebridge/carebridge/internal/portal/domain"
)

type challengesRepo struct {
	q querier
}

func (r *challengesRepo) Put(ctx context.Context, c domain.Challenge) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO webauthn_challenges (username, purpose, value, session, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (username, purpose) DO UPDATE SET
			value = excluded.value,
			session = excluded.session,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at`,
		c.Username, string(c.Purpose), c.Value, c.Session, c.IssuedAt, c.ExpiresAt)
	return err
}

func (r *challengesRepo) Get(ctx context.Context, username string, purpose domain.ChallengePurpose) (domain.Challenge, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT username, purpose, value, session, issued_at, expires_at
		FROM webauthn_challenges
		WHERE username = ? AND purpose = ?`,
		username, string(purpose))

	var (
		c domain.Challenge
		p string
	)
	if err := row.Scan(&c.Username, &p, &c.Value, &c.Session, &c.IssuedAt, &c.ExpiresAt); err != nil {
		return domain.Challenge{}, mapNotFound(err)
	}
	c.Purpose = domain.ChallengePurpose(p)
	return c, nil
}

func (r *challengesRepo) Consume(ctx context.Context, username string, purpose domain.ChallengePurpose) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM webauthn_challenges WHERE username = ? AND purpose = ?`,
		username, string(purpose))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *challengesRepo) DeleteExpired(ctx context.Context, now time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM webauthn_challenges WHERE expires_at < ?`, now)
	return err
}
