package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

func TestIsValidTransitionAllowsSpecifiedEdges(t *testing.T) {
	cases := []struct {
		from, to store.JobStatus
		want     bool
	}{
		{store.JobPending, store.JobDispatched, true},
		{store.JobPending, store.JobCanceled, true},
		{store.JobPending, store.JobRunning, false},
		{store.JobDispatched, store.JobRunning, true},
		{store.JobDispatched, store.JobFailed, true},
		{store.JobRunning, store.JobSucceeded, true},
		{store.JobRunning, store.JobDispatched, false},
		{store.JobSucceeded, store.JobRunning, false},
		{store.JobCanceled, store.JobRunning, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, isValidTransition(c.from, c.to), "from=%s to=%s", c.from, c.to)
	}
}

func newTestEngine(t *testing.T) (*Engine, *eventbus.Bus, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewWithDB(db, logging.New("jobs-test", "error", "text"))
	bus := eventbus.New()
	engine := New(st, bus, nil, logging.New("jobs-test", "error", "text"))
	return engine, bus, mock
}

func TestReportStatusRejectsInvalidTransition(t *testing.T) {
	engine, _, mock := newTestEngine(t)

	mock.ExpectQuery(`SELECT id, device_id, kind, status, payload, result`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "device_id", "kind", "status", "payload", "result", "created_at", "dispatched_at", "finished_at",
		}).AddRow("job-1", "D1", "reboot", store.JobSucceeded, []byte(`{}`), nil, time.Now(), nil, nil))

	err := engine.ReportStatus(context.Background(), "job-1", store.JobRunning, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportStatusPublishesJobFinishedOnTerminalStatus(t *testing.T) {
	engine, bus, mock := newTestEngine(t)

	var got eventbus.JobFinishedPayload
	received := false
	bus.Subscribe(eventbus.TopicJobFinished, func(ctx context.Context, evt eventbus.Event) {
		got = evt.Payload.(eventbus.JobFinishedPayload)
		received = true
	})

	mock.ExpectQuery(`SELECT id, device_id, kind, status, payload, result`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "device_id", "kind", "status", "payload", "result", "created_at", "dispatched_at", "finished_at",
		}).AddRow("job-1", "D1", "reboot", store.JobRunning, []byte(`{}`), nil, time.Now(), nil, nil))
	mock.ExpectExec(`UPDATE jobs SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := engine.ReportStatus(context.Background(), "job-1", store.JobSucceeded, nil)
	require.NoError(t, err)
	require.True(t, received)
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, "D1", got.DeviceID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	engine, _, mock := newTestEngine(t)

	mock.ExpectQuery(`SELECT id, device_id, kind, status, payload, result`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "device_id", "kind", "status", "payload", "result", "created_at", "dispatched_at", "finished_at",
		}).AddRow("job-1", "D1", "reboot", store.JobFailed, []byte(`{}`), nil, time.Now(), nil, nil))

	err := engine.Cancel(context.Background(), "job-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelSucceedsFromPending(t *testing.T) {
	engine, _, mock := newTestEngine(t)

	mock.ExpectQuery(`SELECT id, device_id, kind, status, payload, result`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "device_id", "kind", "status", "payload", "result", "created_at", "dispatched_at", "finished_at",
		}).AddRow("job-1", "D1", "reboot", store.JobPending, []byte(`{}`), nil, time.Now(), nil, nil))
	mock.ExpectExec(`UPDATE jobs SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, engine.Cancel(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
