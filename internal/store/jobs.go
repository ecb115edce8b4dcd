package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
)

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	const query = `
		SELECT id, device_id, kind, status, payload, result, created_at, dispatched_at, finished_at
		FROM jobs WHERE id = $1`
	j, err := scanJob(s.q(ctx).QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("get job %s: %w", jobID, err))
	}
	return j, nil
}

// CreateJob inserts a new job in the pending state.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	const query = `
		INSERT INTO jobs (id, device_id, kind, status, payload, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	_, err := s.q(ctx).ExecContext(ctx, query, j.ID, j.DeviceID, j.Kind, j.Status, j.Payload, j.Result)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("create job %s: %w", j.ID, err))
	}
	return nil
}

// TransitionJobStatus moves a job from expectedFrom to to, failing with
// InvalidJobTransition if the current status doesn't match expectedFrom.
// The WHERE-clause guard makes the check-and-set atomic without a separate
// SELECT, so two concurrent status reports can't both "win" (spec §4.8).
func (s *Store) TransitionJobStatus(ctx context.Context, jobID string, expectedFrom, to JobStatus, result []byte) error {
	var timestampColumn string
	switch to {
	case JobDispatched:
		timestampColumn = "dispatched_at"
	case JobSucceeded, JobFailed, JobCanceled:
		timestampColumn = "finished_at"
	default:
		timestampColumn = ""
	}

	query := `UPDATE jobs SET status = $3, result = COALESCE($4, result)`
	args := []any{jobID, expectedFrom, to, result}
	if timestampColumn != "" {
		query += fmt.Sprintf(`, %s = now()`, timestampColumn)
	}
	query += ` WHERE id = $1 AND status = $2`

	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("transition job %s: %w", jobID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("transition job %s: %w", jobID, err))
	}
	if n == 0 {
		return svcerrors.InvalidJobTransition(string(expectedFrom), string(to))
	}
	return nil
}

// ListJobsForDevice returns a device's jobs newest first, optionally
// filtered to a single status.
func (s *Store) ListJobsForDevice(ctx context.Context, deviceID string, status *JobStatus, limit int) ([]*Job, error) {
	query := `
		SELECT id, device_id, kind, status, payload, result, created_at, dispatched_at, finished_at
		FROM jobs WHERE device_id = $1`
	args := []any{deviceID}
	if status != nil {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, *status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("list jobs for device %s: %w", deviceID, err))
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, svcerrors.RetryableStorage(fmt.Errorf("scan job row: %w", err))
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteJobsOlderThanDays removes finished jobs past the configured
// retention window (spec §4.8 retention policy). Returns the number of
// jobs deleted.
func (s *Store) DeleteJobsOlderThanDays(ctx context.Context, retentionDays int) (int64, error) {
	const query = `
		DELETE FROM jobs
		WHERE finished_at IS NOT NULL AND finished_at < now() - ($1 || ' days')::interval`
	res, err := s.q(ctx).ExecContext(ctx, query, retentionDays)
	if err != nil {
		return 0, svcerrors.RetryableStorage(fmt.Errorf("delete aged jobs: %w", err))
	}
	return res.RowsAffected()
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var dispatchedAt, finishedAt sql.NullTime
	if err := row.Scan(&j.ID, &j.DeviceID, &j.Kind, &j.Status, &j.Payload, &j.Result,
		&j.CreatedAt, &dispatchedAt, &finishedAt); err != nil {
		return nil, err
	}
	j.DispatchedAt = timePtr(dispatchedAt)
	j.FinishedAt = timePtr(finishedAt)
	return &j, nil
}

// ListActiveScheduledJobs returns every ScheduledJob template currently
// enabled, used to seed the cron scheduler at startup and on leader
// election (spec §4.8).
func (s *Store) ListActiveScheduledJobs(ctx context.Context) ([]*ScheduledJob, error) {
	const query = `
		SELECT id, selector_kind, selector_value, kind, payload, cron_expression, next_fire_at, active
		FROM scheduled_jobs WHERE active = true`

	rows, err := s.q(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, svcerrors.RetryableStorage(fmt.Errorf("list scheduled jobs: %w", err))
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		var sj ScheduledJob
		if err := rows.Scan(&sj.ID, &sj.SelectorKind, &sj.SelectorValue, &sj.Kind, &sj.Payload,
			&sj.CronExpression, &sj.NextFireAt, &sj.Active); err != nil {
			return nil, svcerrors.RetryableStorage(fmt.Errorf("scan scheduled job row: %w", err))
		}
		out = append(out, &sj)
	}
	return out, rows.Err()
}

// AdvanceScheduledJobFireTime records the scheduler's next computed fire
// time after a ScheduledJob fires.
func (s *Store) AdvanceScheduledJobFireTime(ctx context.Context, id string, next time.Time) error {
	const query = `UPDATE scheduled_jobs SET next_fire_at = $2 WHERE id = $1`
	_, err := s.q(ctx).ExecContext(ctx, query, id, next)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("advance scheduled job %s: %w", id, err))
	}
	return nil
}

// TryAcquireSchedulerLeadership attempts the session-scoped advisory lock
// that elects a single Job Engine instance as the cron leader (spec §4.8).
// Unlike LockDevice, this lock is intentionally session-scoped (held for
// the process lifetime, not a transaction), so it uses pg_try_advisory_lock
// directly against the pool rather than RunInTx.
func (s *Store) TryAcquireSchedulerLeadership(ctx context.Context, lockKey int64) (bool, error) {
	var acquired bool
	err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired)
	if err != nil {
		return false, svcerrors.RetryableStorage(fmt.Errorf("acquire scheduler leadership: %w", err))
	}
	return acquired, nil
}

// ReleaseSchedulerLeadership releases a previously acquired leadership lock.
func (s *Store) ReleaseSchedulerLeadership(ctx context.Context, lockKey int64) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("release scheduler leadership: %w", err))
	}
	return nil
}
