package store

import (
	"context"
	"database/sql"
	"fmt"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
)

// GetProvisioningKeyByHash returns the provisioning key matching keyHash.
// Callers are expected to have already computed keyHash via
// crypto.HashToken and compared it in constant time before trusting a match
// (spec §4.4); this just fetches the candidate row.
func (s *Store) GetProvisioningKeyByHash(ctx context.Context, keyHash string) (*ProvisioningKey, error) {
	const query = `
		SELECT id, key_hash, fleet_tag, max_uses, uses, active, expires_at, created_at
		FROM provisioning_keys WHERE key_hash = $1`

	var k ProvisioningKey
	var fleetTag sql.NullString
	var maxUses sql.NullInt64
	var expiresAt sql.NullTime

	err := s.q(ctx).QueryRowContext(ctx, query, keyHash).Scan(
		&k.ID, &k.KeyHash, &fleetTag, &maxUses, &k.Uses, &k.Active, &expiresAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, svcerrors.Unauthorized("provisioning key not recognized")
	}
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("get provisioning key: %w", err))
	}
	k.FleetTag = stringPtr(fleetTag)
	k.MaxUses = intPtr(maxUses)
	k.ExpiresAt = timePtr(expiresAt)
	return &k, nil
}

// ConsumeProvisioningKey atomically increments a key's use counter, failing
// if doing so would exceed max_uses. Must be called from within RunInTx;
// it does not rely on a device lock (provisioning keys are not
// device-scoped, though Phase 2 calls it while holding one). The
// UPDATE's WHERE clause makes the check-then-increment atomic without a
// separate SELECT ... FOR UPDATE. active/max_uses/expires_at are all
// re-checked here, inside the transaction, since the earlier
// ValidateProvisioningToken read is non-transactional and a key can expire
// or exhaust between that read and this commit.
func (s *Store) ConsumeProvisioningKey(ctx context.Context, keyID string) error {
	const query = `
		UPDATE provisioning_keys
		SET uses = uses + 1
		WHERE id = $1 AND active = true AND (max_uses IS NULL OR uses < max_uses)
			AND (expires_at IS NULL OR expires_at > now())`

	res, err := s.q(ctx).ExecContext(ctx, query, keyID)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("consume provisioning key %s: %w", keyID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("consume provisioning key %s: %w", keyID, err))
	}
	if n == 0 {
		return svcerrors.Unauthorized("provisioning key exhausted or inactive")
	}
	return nil
}

// ListProvisioningKeys returns all provisioning keys, active or not, for
// administrative listing.
func (s *Store) ListProvisioningKeys(ctx context.Context) ([]*ProvisioningKey, error) {
	const query = `
		SELECT id, key_hash, fleet_tag, max_uses, uses, active, expires_at, created_at
		FROM provisioning_keys ORDER BY created_at DESC`

	rows, err := s.q(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("list provisioning keys: %w", err))
	}
	defer rows.Close()

	var out []*ProvisioningKey
	for rows.Next() {
		var k ProvisioningKey
		var fleetTag sql.NullString
		var maxUses sql.NullInt64
		var expiresAt sql.NullTime
		if err := rows.Scan(&k.ID, &k.KeyHash, &fleetTag, &maxUses, &k.Uses, &k.Active, &expiresAt, &k.CreatedAt); err != nil {
			return nil, svcerrors.RetryableStorage(fmt.Errorf("scan provisioning key row: %w", err))
		}
		k.FleetTag = stringPtr(fleetTag)
		k.MaxUses = intPtr(maxUses)
		k.ExpiresAt = timePtr(expiresAt)
		out = append(out, &k)
	}
	return out, rows.Err()
}

// CreateProvisioningKey inserts a new provisioning key.
func (s *Store) CreateProvisioningKey(ctx context.Context, k *ProvisioningKey) error {
	const query = `
		INSERT INTO provisioning_keys (id, key_hash, fleet_tag, max_uses, uses, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, 0, true, $5, now())`
	_, err := s.q(ctx).ExecContext(ctx, query, k.ID, k.KeyHash, nullString(k.FleetTag), nullInt(k.MaxUses), nullTime(k.ExpiresAt))
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("create provisioning key %s: %w", k.ID, err))
	}
	return nil
}

// DeactivateProvisioningKey marks a key inactive so it can no longer
// authorize new enrollments, without erasing its usage history.
func (s *Store) DeactivateProvisioningKey(ctx context.Context, keyID string) error {
	const query = `UPDATE provisioning_keys SET active = false WHERE id = $1`
	_, err := s.q(ctx).ExecContext(ctx, query, keyID)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("deactivate provisioning key %s: %w", keyID, err))
	}
	return nil
}
