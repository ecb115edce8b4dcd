package store

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logging.New("store-test", "error", "text")
	return NewWithDB(db, logger), mock
}

func TestRunInTxCommitsOnSuccess(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs("D1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := st.RunInTx(context.Background(), func(ctx context.Context) error {
		return st.LockDevice(ctx, "D1")
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := require.New(t)
	err := st.RunInTx(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})
	boom.Error(err)
	boom.NoError(mock.ExpectationsWereMet())
}

func TestRunInTxSurfacesDeadlineExceededAsDeadlineExceededError(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := st.RunInTx(context.Background(), func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	require.Error(t, err)
	svcErr, ok := svcerrors.As(err)
	require.True(t, ok)
	require.Equal(t, svcerrors.CodeDeadlineExceeded, svcErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxDoesNotNestTransactions(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := st.RunInTx(context.Background(), func(ctx context.Context) error {
		return st.RunInTx(ctx, func(ctx context.Context) error {
			calls++
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockDeviceOutsideTransactionIsAProgrammingError(t *testing.T) {
	st, _ := newTestStore(t)
	err := st.LockDevice(context.Background(), "D1")
	require.Error(t, err)
}

func TestGetDeviceNotFound(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT device_id, display_name, kind, agent_version, admission_state`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"device_id", "display_name", "kind", "agent_version", "admission_state",
			"last_contact_at", "api_key_hash", "fleet_tag", "created_at", "updated_at",
		}))

	_, err := st.GetDevice(context.Background(), "missing")
	require.Error(t, err)
}

func TestGetDeviceScansFleetTag(t *testing.T) {
	st, mock := newTestStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"device_id", "display_name", "kind", "agent_version", "admission_state",
		"last_contact_at", "api_key_hash", "fleet_tag", "created_at", "updated_at",
	}).AddRow("D1", "Sensor 1", "sensor", "1.2.0", AdmissionActive, nil, "hash", "line-a", now, now)

	mock.ExpectQuery(`SELECT device_id, display_name, kind, agent_version, admission_state`).
		WithArgs("D1").
		WillReturnRows(rows)

	d, err := st.GetDevice(context.Background(), "D1")
	require.NoError(t, err)
	require.Equal(t, "D1", d.DeviceID)
	require.NotNil(t, d.FleetTag)
	require.Equal(t, "line-a", *d.FleetTag)
}

func TestCountActiveDevices(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM devices`).
		WithArgs(AdmissionActive).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := st.CountActiveDevices(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
