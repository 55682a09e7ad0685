package sqlite

import (
	"context"

	"github.com/carebridge/carebridge/internal/portal/domain"
)

type vaultRepo struct {
	q querier
}

func (r *vaultRepo) GetBlob(ctx context.Context, id string) (domain.EncryptedBlob, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, encrypted_data, algorithm, mode, key_size_bits, version, last_updated
		FROM vault_blobs WHERE id = ?`, id)

	var b domain.EncryptedBlob
	err := row.Scan(&b.ID, &b.EncryptedData, &b.EncryptionInfo.Algorithm,
		&b.EncryptionInfo.Mode, &b.EncryptionInfo.KeySizeBits, &b.Version, &b.LastUpdated)
	if err != nil {
		return domain.EncryptedBlob{}, mapNotFound(err)
	}
	return b, nil
}

func (r *vaultRepo) PutBlob(ctx context.Context, b domain.EncryptedBlob) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO vault_blobs (id, encrypted_data, algorithm, mode, key_size_bits, version, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			encrypted_data = excluded.encrypted_data,
			algorithm = excluded.algorithm,
			mode = excluded.mode,
			key_size_bits = excluded.key_size_bits,
			version = excluded.version,
			last_updated = excluded.last_updated`,
		b.ID, b.EncryptedData, b.EncryptionInfo.Algorithm, b.EncryptionInfo.Mode,
		b.EncryptionInfo.KeySizeBits, b.Version, b.LastUpdated)
	return err
}

func (r *vaultRepo) GetKeySlot(ctx context.Context, vaultID, slotID string) (domain.KeySlot, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT vault_id, slot_id, wrapped_dek, created_at
		FROM key_slots WHERE vault_id = ? AND slot_id = ?`,
		vaultID, slotID)

	var s domain.KeySlot
	if err := row.Scan(&s.VaultID, &s.SlotID, &s.WrappedDEK, &s.CreatedAt); err != nil {
		return domain.KeySlot{}, mapNotFound(err)
	}
	return s, nil
}

func (r *vaultRepo) PutKeySlot(ctx context.Context, s domain.KeySlot) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO key_slots (vault_id, slot_id, wrapped_dek, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (vault_id, slot_id) DO UPDATE SET
			wrapped_dek = excluded.wrapped_dek`,
		s.VaultID, s.SlotID, s.WrappedDEK, s.CreatedAt)
	return err
}
