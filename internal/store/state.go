package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
)

type stateKind string

const (
	stateKindDesired  stateKind = "desired_state"
	stateKindReported stateKind = "reported_state"
)

// GetDesiredState returns a device's current desired state, or NotFound if
// none has ever been set (spec §4.6).
func (s *Store) GetDesiredState(ctx context.Context, deviceID string) (*DeviceState, error) {
	return s.getState(ctx, stateKindDesired, deviceID)
}

// GetReportedState returns a device's most recently reported state.
func (s *Store) GetReportedState(ctx context.Context, deviceID string) (*DeviceState, error) {
	return s.getState(ctx, stateKindReported, deviceID)
}

func (s *Store) getState(ctx context.Context, kind stateKind, deviceID string) (*DeviceState, error) {
	query := fmt.Sprintf(`
		SELECT device_id, apps, config, version, content_hash, updated_at
		FROM %s WHERE device_id = $1`, kind)

	var st DeviceState
	var apps, config []byte
	err := s.q(ctx).QueryRowContext(ctx, query, deviceID).Scan(
		&st.DeviceID, &apps, &config, &st.Version, &st.ContentHash, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound(string(kind), deviceID)
	}
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("get %s %s: %w", kind, deviceID, err))
	}
	if err := json.Unmarshal(apps, &st.Apps); err != nil {
		return nil, svcerrors.InvariantViolation(fmt.Sprintf("corrupt %s apps blob", kind), err)
	}
	if err := json.Unmarshal(config, &st.Config); err != nil {
		return nil, svcerrors.InvariantViolation(fmt.Sprintf("corrupt %s config blob", kind), err)
	}
	return &st, nil
}

// ReplaceDesiredState overwrites a device's desired state with a new
// version and content hash. Must be called while holding the device's
// advisory lock so the version/hash pair advances monotonically without a
// lost update (spec §4.6).
func (s *Store) ReplaceDesiredState(ctx context.Context, st *DeviceState) error {
	return s.replaceState(ctx, stateKindDesired, st)
}

// ReplaceReportedState overwrites a device's reported state.
func (s *Store) ReplaceReportedState(ctx context.Context, st *DeviceState) error {
	return s.replaceState(ctx, stateKindReported, st)
}

func (s *Store) replaceState(ctx context.Context, kind stateKind, st *DeviceState) error {
	apps, err := json.Marshal(st.Apps)
	if err != nil {
		return svcerrors.BadRequest(fmt.Sprintf("encode %s apps: %v", kind, err))
	}
	config, err := json.Marshal(st.Config)
	if err != nil {
		return svcerrors.BadRequest(fmt.Sprintf("encode %s config: %v", kind, err))
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (device_id, apps, config, version, content_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (device_id) DO UPDATE SET
			apps = EXCLUDED.apps, config = EXCLUDED.config,
			version = EXCLUDED.version, content_hash = EXCLUDED.content_hash,
			updated_at = now()`, kind)

	_, err = s.q(ctx).ExecContext(ctx, query, st.DeviceID, apps, config, st.Version, st.ContentHash)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("replace %s %s: %w", kind, st.DeviceID, err))
	}
	return nil
}
