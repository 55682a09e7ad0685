package sqlite

import (
	"context"
	"encoding/json"

	"github.com/carebridge/carebridge/internal/portal/domain"
)

type auditBlocksRepo struct {
	q querier
}

func (r *auditBlocksRepo) Append(ctx context.Context, b domain.AuditBlock) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_blocks (seq, data, hash, previous_hash)
		VALUES (?, ?, ?, ?)`,
		b.Seq, string(b.Data), b.Hash, b.PreviousHash)
	return mapConflict(err)
}

func (r *auditBlocksRepo) List(ctx context.Context) ([]domain.AuditBlock, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT seq, data, hash, previous_hash
		FROM audit_blocks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []domain.AuditBlock
	for rows.Next() {
		var (
			b    domain.AuditBlock
			data string
		)
		if err := rows.Scan(&b.Seq, &data, &b.Hash, &b.PreviousHash); err != nil {
			return nil, err
		}
		b.Data = json.RawMessage(data)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (r *auditBlocksRepo) Tail(ctx context.Context) (domain.AuditBlock, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT seq, data, hash, previous_hash
		FROM audit_blocks ORDER BY seq DESC LIMIT 1`)

	var (
		b    domain.AuditBlock
		data string
	)
	if err := row.Scan(&b.Seq, &data, &b.Hash, &b.PreviousHash); err != nil {
		return domain.AuditBlock{}, mapNotFound(err)
	}
	b.Data = json.RawMessage(data)
	return b, nil
}
