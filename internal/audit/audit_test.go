package audit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

func newTestSink(t *testing.T) (*eventbus.Bus, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewWithDB(db, logging.New("audit-test", "error", "text"))
	bus := eventbus.New()
	Attach(bus, st, logging.New("audit-test", "error", "text"))
	return bus, mock
}

func TestDeviceProvisionedIsRecordedAsInfo(t *testing.T) {
	bus, mock := newTestSink(t)

	mock.ExpectExec(`INSERT INTO audit_records`).
		WithArgs("DeviceProvisioned", "info", "D1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	bus.Publish(context.Background(), eventbus.Event{
		Topic:   eventbus.TopicDeviceProvisioned,
		Payload: eventbus.DeviceProvisionedPayload{DeviceID: "D1"},
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobFailedIsRecordedAsWarning(t *testing.T) {
	bus, mock := newTestSink(t)

	mock.ExpectExec(`INSERT INTO audit_records`).
		WithArgs("JobFinished", "warning", "D1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	bus.Publish(context.Background(), eventbus.Event{
		Topic:   eventbus.TopicJobFinished,
		Payload: eventbus.JobFinishedPayload{JobID: "job-1", DeviceID: "D1", Status: string(store.JobFailed)},
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobSucceededIsRecordedAsInfo(t *testing.T) {
	bus, mock := newTestSink(t)

	mock.ExpectExec(`INSERT INTO audit_records`).
		WithArgs("JobFinished", "info", "D1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	bus.Publish(context.Background(), eventbus.Event{
		Topic:   eventbus.TopicJobFinished,
		Payload: eventbus.JobFinishedPayload{JobID: "job-1", DeviceID: "D1", Status: string(store.JobSucceeded)},
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnrelatedTopicIsIgnored(t *testing.T) {
	bus, mock := newTestSink(t)

	bus.Publish(context.Background(), eventbus.Event{
		Topic:   eventbus.TopicDesiredStateChanged,
		Payload: eventbus.StateChangedPayload{DeviceID: "D1"},
	})

	require.NoError(t, mock.ExpectationsWereMet())
}
