package store

import (
	"context"
	"database/sql"
	"fmt"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
)

// GetMqttUser returns a broker account by username.
func (s *Store) GetMqttUser(ctx context.Context, username string) (*MqttUser, error) {
	const query = `SELECT username, password_hash, active, created_at, updated_at FROM mqtt_users WHERE username = $1`
	var u MqttUser
	err := s.q(ctx).QueryRowContext(ctx, query, username).Scan(
		&u.Username, &u.PasswordHash, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("mqtt_user", username)
	}
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("get mqtt user %s: %w", username, err))
	}
	return &u, nil
}

// UpsertMqttUser creates or updates a broker account's credential.
func (s *Store) UpsertMqttUser(ctx context.Context, u *MqttUser) error {
	const query = `
		INSERT INTO mqtt_users (username, password_hash, active, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash, active = EXCLUDED.active, updated_at = now()`
	_, err := s.q(ctx).ExecContext(ctx, query, u.Username, u.PasswordHash, u.Active)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("upsert mqtt user %s: %w", u.Username, err))
	}
	return nil
}

// DeactivateMqttUser disables a broker account without deleting its audit
// trail, used when a device is retired.
func (s *Store) DeactivateMqttUser(ctx context.Context, username string) error {
	const query = `UPDATE mqtt_users SET active = false, updated_at = now() WHERE username = $1`
	_, err := s.q(ctx).ExecContext(ctx, query, username)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("deactivate mqtt user %s: %w", username, err))
	}
	return nil
}

// ListMqttAcls returns every ACL entry granted to username, used by the
// Broker Auth Service to evaluate a subscribe/publish request (spec §4.7).
func (s *Store) ListMqttAcls(ctx context.Context, username string) ([]*MqttAcl, error) {
	const query = `
		SELECT id, username, topic_pattern, permissions, created_at
		FROM mqtt_acls WHERE username = $1`

	rows, err := s.q(ctx).QueryContext(ctx, query, username)
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("list mqtt acls for %s: %w", username, err))
	}
	defer rows.Close()

	var out []*MqttAcl
	for rows.Next() {
		acl, err := scanMqttAcl(rows)
		if err != nil {
			return nil, svcerrors.RetryableStorage(fmt.Errorf("scan mqtt acl row: %w", err))
		}
		out = append(out, acl)
	}
	return out, rows.Err()
}

func scanMqttAcl(row rowScanner) (*MqttAcl, error) {
	var acl MqttAcl
	var permsArray []string
	if err := row.Scan(&acl.ID, &acl.Username, &acl.TopicPattern, pqStringArray(&permsArray), &acl.CreatedAt); err != nil {
		return nil, err
	}
	acl.Permissions = make(map[Permission]bool, len(permsArray))
	for _, p := range permsArray {
		acl.Permissions[Permission(p)] = true
	}
	return &acl, nil
}

// ReplaceMqttAcls atomically replaces every ACL entry for username with
// acls. Used when a device's MQTT account is (re)materialized at
// provisioning, so stale entries from an earlier grant don't linger (spec §4.7 isolation
// invariant: a device may only ever be granted its own topic namespace).
func (s *Store) ReplaceMqttAcls(ctx context.Context, username string, acls []*MqttAcl) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM mqtt_acls WHERE username = $1`, username); err != nil {
			return svcerrors.RetryableStorage(fmt.Errorf("clear mqtt acls for %s: %w", username, err))
		}
		for _, acl := range acls {
			perms := make([]string, 0, len(acl.Permissions))
			for p, granted := range acl.Permissions {
				if granted {
					perms = append(perms, string(p))
				}
			}
			const insert = `
				INSERT INTO mqtt_acls (username, topic_pattern, permissions, created_at)
				VALUES ($1, $2, $3, now())`
			if _, err := s.q(ctx).ExecContext(ctx, insert, username, acl.TopicPattern, pqStringArrayValue(perms)); err != nil {
				return svcerrors.RetryableStorage(fmt.Errorf("insert mqtt acl for %s: %w", username, err))
			}
		}
		return nil
	})
}
