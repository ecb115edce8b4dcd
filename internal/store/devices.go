package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
)

// GetDevice returns the device record, or a NotFound error.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	const query = `
		SELECT device_id, display_name, kind, agent_version, admission_state,
		       last_contact_at, api_key_hash, fleet_tag, created_at, updated_at
		FROM devices WHERE device_id = $1`

	row := s.q(ctx).QueryRowContext(ctx, query, deviceID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("device", deviceID)
	}
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("get device %s: %w", deviceID, err))
	}
	return d, nil
}

// UpsertDevice inserts a device or updates its mutable fields, keyed by
// device_id (spec §4.1 upsert_device).
func (s *Store) UpsertDevice(ctx context.Context, d *Device) error {
	const query = `
		INSERT INTO devices (device_id, display_name, kind, agent_version, admission_state,
		                      last_contact_at, api_key_hash, fleet_tag, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (device_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			kind = EXCLUDED.kind,
			agent_version = EXCLUDED.agent_version,
			admission_state = EXCLUDED.admission_state,
			last_contact_at = EXCLUDED.last_contact_at,
			api_key_hash = EXCLUDED.api_key_hash,
			fleet_tag = COALESCE(EXCLUDED.fleet_tag, devices.fleet_tag),
			updated_at = now()`

	_, err := s.q(ctx).ExecContext(ctx, query,
		d.DeviceID, d.DisplayName, d.Kind, d.AgentVersion, d.AdmissionState,
		nullTime(d.LastContactAt), d.APIKeyHash, nullString(d.FleetTag))
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("upsert device %s: %w", d.DeviceID, err))
	}
	return nil
}

// TouchLastContact records that a device has just communicated with the
// platform, used to drive liveness views without a full UpsertDevice.
func (s *Store) TouchLastContact(ctx context.Context, deviceID string, at time.Time) error {
	const query = `UPDATE devices SET last_contact_at = $2, updated_at = now() WHERE device_id = $1`
	_, err := s.q(ctx).ExecContext(ctx, query, deviceID, at)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("touch last contact %s: %w", deviceID, err))
	}
	return nil
}

// CountActiveDevices returns the number of devices in the active admission
// state, used by the License Authority to enforce max_devices (spec §4.3).
func (s *Store) CountActiveDevices(ctx context.Context) (int, error) {
	const query = `SELECT count(*) FROM devices WHERE admission_state = $1`
	var n int
	if err := s.q(ctx).QueryRowContext(ctx, query, AdmissionActive).Scan(&n); err != nil {
		return 0, svcerrors.RetryableStorage(fmt.Errorf("count active devices: %w", err))
	}
	return n, nil
}

// ListDevices returns up to limit devices ordered by device_id, starting
// after afterDeviceID (empty for the first page).
func (s *Store) ListDevices(ctx context.Context, afterDeviceID string, limit int) ([]*Device, error) {
	const query = `
		SELECT device_id, display_name, kind, agent_version, admission_state,
		       last_contact_at, api_key_hash, fleet_tag, created_at, updated_at
		FROM devices WHERE device_id > $1 ORDER BY device_id ASC LIMIT $2`

	rows, err := s.q(ctx).QueryContext(ctx, query, afterDeviceID, limit)
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("list devices: %w", err))
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, svcerrors.RetryableStorage(fmt.Errorf("scan device row: %w", err))
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDevicesByFleetTag returns every device admitted under the given
// fleet tag, used by ScheduledJob's fleet selector (spec §4.8).
func (s *Store) ListDevicesByFleetTag(ctx context.Context, fleetTag string) ([]*Device, error) {
	const query = `
		SELECT device_id, display_name, kind, agent_version, admission_state,
		       last_contact_at, api_key_hash, fleet_tag, created_at, updated_at
		FROM devices WHERE fleet_tag = $1 ORDER BY device_id ASC`

	rows, err := s.q(ctx).QueryContext(ctx, query, fleetTag)
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("list devices by fleet tag %s: %w", fleetTag, err))
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, svcerrors.RetryableStorage(fmt.Errorf("scan device row: %w", err))
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var lastContact, createdAt, updatedAt sql.NullTime
	var fleetTag sql.NullString
	if err := row.Scan(
		&d.DeviceID, &d.DisplayName, &d.Kind, &d.AgentVersion, &d.AdmissionState,
		&lastContact, &d.APIKeyHash, &fleetTag, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	d.LastContactAt = timePtr(lastContact)
	d.FleetTag = stringPtr(fleetTag)
	d.CreatedAt = createdAt.Time
	d.UpdatedAt = updatedAt.Time
	return &d, nil
}

// GetDevicePublicKey returns the public key a device presented during
// phase 1 key exchange, if any.
func (s *Store) GetDevicePublicKey(ctx context.Context, deviceID string) (*DevicePublicKey, error) {
	const query = `SELECT device_id, public_key, updated_at FROM device_public_keys WHERE device_id = $1`
	var k DevicePublicKey
	err := s.q(ctx).QueryRowContext(ctx, query, deviceID).Scan(&k.DeviceID, &k.PublicKey, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("device_public_key", deviceID)
	}
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("get device public key %s: %w", deviceID, err))
	}
	return &k, nil
}

// UpsertDevicePublicKey records or replaces the device's public key.
// Phase 1 is idempotent (spec §4.5): re-presenting the same key is a no-op
// at the semantic level, but this always writes so updated_at reflects the
// most recent presentation.
func (s *Store) UpsertDevicePublicKey(ctx context.Context, deviceID string, publicKey []byte) error {
	const query = `
		INSERT INTO device_public_keys (device_id, public_key, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (device_id) DO UPDATE SET public_key = EXCLUDED.public_key, updated_at = now()`
	_, err := s.q(ctx).ExecContext(ctx, query, deviceID, publicKey)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("upsert device public key %s: %w", deviceID, err))
	}
	return nil
}
