package sqlite

import (
	"context"
	"strings"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
)

type credentialsRepo struct {
	q querier
}

func (r *credentialsRepo) ListByUser(ctx context.Context, username string) ([]domain.WebAuthnCredential, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT credential_id, public_key, sign_count, transports, created_at
		FROM webauthn_credentials
		WHERE username = ?
		ORDER BY created_at`,
		username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.WebAuthnCredential
	for rows.Next() {
		var (
			c          domain.WebAuthnCredential
			transports string
		)
		if err := rows.Scan(&c.CredentialID, &c.PublicKey, &c.SignCount, &transports, &c.CreatedAt); err != nil {
			return nil, err
		}
		if transports != "" {
			c.Transports = strings.Split(transports, " ")
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *credentialsRepo) Create(ctx context.Context, username string, c domain.WebAuthnCredential) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO webauthn_credentials (credential_id, username, public_key, sign_count, transports, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.CredentialID, username, c.PublicKey, c.SignCount,
		strings.Join(c.Transports, " "), c.CreatedAt)
	return mapConflict(err)
}

func (r *credentialsRepo) UpdateSignCount(ctx context.Context, credentialID []byte, signCount uint32) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE webauthn_credentials SET sign_count = ? WHERE credential_id = ?`,
		signCount, credentialID)
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
