package sqlite

import (
	"context"
)

type backupCodesRepo struct {
	q querier
}

func (r *backupCodesRepo) Create(ctx context.Context, username, codeHash string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO backup_codes (username, code_hash) VALUES (?, ?)`,
		username, codeHash)
	return mapConflict(err)
}

// Consume deletes the code if it exists. The conditional DELETE is the
// double-spend guard: two concurrent spends race on the row and only one
// sees RowsAffected == 1.
func (r *backupCodesRepo) Consume(ctx context.Context, username, codeHash string) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE username = ? AND code_hash = ?`,
		username, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *backupCodesRepo) DeleteAll(ctx context.Context, username string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE username = ?`, username)
	return err
}

func (r *backupCodesRepo) Count(ctx context.Context, username string) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_codes WHERE username = ?`, username).Scan(&count)
	return count, err
}
