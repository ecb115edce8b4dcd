package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
)

// AppendAuditRecord writes an append-only audit note (spec §3). Audit
// records are never updated or deleted by application code.
func (s *Store) AppendAuditRecord(ctx context.Context, rec *AuditRecord) error {
	const query = `
		INSERT INTO audit_records (kind, severity, actor, details, occurred_at)
		VALUES ($1, $2, $3, $4, now())`
	_, err := s.q(ctx).ExecContext(ctx, query, rec.Kind, rec.Severity, rec.Actor, rec.Details)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("append audit record: %w", err))
	}
	return nil
}

// ListAuditRecords returns the most recent limit audit records, newest
// first, optionally filtered to a single kind.
func (s *Store) ListAuditRecords(ctx context.Context, kind string, limit int) ([]*AuditRecord, error) {
	query := `SELECT id, kind, severity, actor, details, occurred_at FROM audit_records`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = $1 ORDER BY occurred_at DESC LIMIT $2`
		args = append(args, kind, limit)
	} else {
		query += ` ORDER BY occurred_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("list audit records: %w", err))
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Severity, &rec.Actor, &rec.Details, &rec.OccurredAt); err != nil {
			return nil, svcerrors.RetryableStorage(fmt.Errorf("scan audit record row: %w", err))
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetSystemConfig returns the raw JSON value for key, or NotFound.
func (s *Store) GetSystemConfig(ctx context.Context, key string) (json.RawMessage, error) {
	const query = `SELECT value FROM system_config WHERE key = $1`
	var value json.RawMessage
	err := s.q(ctx).QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("system_config", key)
	}
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("get system config %s: %w", key, err))
	}
	return value, nil
}

// SetSystemConfig upserts a key/value pair.
func (s *Store) SetSystemConfig(ctx context.Context, key string, value json.RawMessage) error {
	const query = `
		INSERT INTO system_config (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	_, err := s.q(ctx).ExecContext(ctx, query, key, value)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("set system config %s: %w", key, err))
	}
	return nil
}
