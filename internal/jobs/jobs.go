// Package jobs implements the Job Engine (spec §4.8): per-device job
// state machine, MQTT dispatch, status ingestion, retention, and
// cron-driven scheduled templates.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/mqttclient"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

// validTransitions enumerates the state machine from spec §4.8. A
// transition not present here fails InvalidJobTransition.
var validTransitions = map[store.JobStatus][]store.JobStatus{
	store.JobPending:    {store.JobDispatched, store.JobCanceled},
	store.JobDispatched: {store.JobRunning, store.JobFailed, store.JobCanceled},
	store.JobRunning:    {store.JobSucceeded, store.JobFailed},
}

func isValidTransition(from, to store.JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Engine owns job lifecycle and scheduling.
type Engine struct {
	store     *store.Store
	bus       *eventbus.Bus
	mqtt      *mqttclient.Client
	logger    *logging.Logger
	scheduler *cron.Cron
	leaseKey  int64
}

// schedulerLeaseKey is the well-known advisory-lock key electing a single
// cron-firing replica (spec §4.8).
const schedulerLeaseKey int64 = 0x106A0B5

// New constructs an Engine. Subscribes itself to DeviceProvisioned so
// pending jobs queued before enrollment get a dispatch attempt once the
// device has credentials.
func New(st *store.Store, bus *eventbus.Bus, mc *mqttclient.Client, logger *logging.Logger) *Engine {
	e := &Engine{
		store:    st,
		bus:      bus,
		mqtt:     mc,
		logger:   logger,
		leaseKey: schedulerLeaseKey,
	}

	bus.Subscribe(eventbus.TopicDeviceProvisioned, func(ctx context.Context, evt eventbus.Event) {
		if payload, ok := evt.Payload.(eventbus.DeviceProvisionedPayload); ok {
			e.dispatchPending(ctx, payload.DeviceID)
		}
	})

	return e
}

// Enqueue inserts a new pending job and attempts immediate dispatch
// (spec §4.8 enqueue).
func (e *Engine) Enqueue(ctx context.Context, deviceID, kind string, payload json.RawMessage) (*store.Job, error) {
	job := &store.Job{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Kind:     kind,
		Status:   store.JobPending,
		Payload:  payload,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	e.dispatchOne(ctx, job)
	return job, nil
}

func (e *Engine) dispatchPending(ctx context.Context, deviceID string) {
	pending := store.JobPending
	jobs, err := e.store.ListJobsForDevice(ctx, deviceID, &pending, 100)
	if err != nil {
		e.logger.WithField("error", err).Warn("failed to list pending jobs for dispatch")
		return
	}
	for _, job := range jobs {
		e.dispatchOne(ctx, job)
	}
}

// dispatchOne is best-effort: a failed publish leaves the job pending for
// the agent to discover via its own HTTP pull (spec §4.8).
func (e *Engine) dispatchOne(ctx context.Context, job *store.Job) {
	if e.mqtt == nil {
		return
	}
	if err := e.mqtt.PublishJobDispatch(job.DeviceID, job.ID); err != nil {
		e.logger.WithField("error", err).WithField("job_id", job.ID).Warn("job dispatch notification failed")
		return
	}
	if err := e.store.TransitionJobStatus(ctx, job.ID, store.JobPending, store.JobDispatched, nil); err != nil {
		e.logger.WithField("error", err).WithField("job_id", job.ID).Warn("failed to mark job dispatched")
	}
}

// ReportStatus applies a status update from the device-fed ingestion
// path, validating the transition and publishing JobFinished on a
// terminal outcome (spec §4.8).
func (e *Engine) ReportStatus(ctx context.Context, jobID string, to store.JobStatus, result json.RawMessage) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !isValidTransition(job.Status, to) {
		return svcerrors.InvalidJobTransition(string(job.Status), string(to))
	}

	if err := e.store.TransitionJobStatus(ctx, jobID, job.Status, to, result); err != nil {
		return err
	}

	if to.Terminal() {
		e.bus.Publish(ctx, eventbus.Event{
			Topic: eventbus.TopicJobFinished,
			Payload: eventbus.JobFinishedPayload{
				JobID:    jobID,
				DeviceID: job.DeviceID,
				Status:   string(to),
			},
		})
	}
	return nil
}

// Cancel cancels a job from pending or dispatched (spec §4.8); any other
// current status fails InvalidJobTransition.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !isValidTransition(job.Status, store.JobCanceled) {
		return svcerrors.InvalidJobTransition(string(job.Status), string(store.JobCanceled))
	}
	return e.store.TransitionJobStatus(ctx, jobID, job.Status, store.JobCanceled, nil)
}

// RunRetention deletes terminal jobs older than retentionDays.
func (e *Engine) RunRetention(ctx context.Context, retentionDays int) (int64, error) {
	return e.store.DeleteJobsOlderThanDays(ctx, retentionDays)
}

// StartScheduler attempts to acquire leadership and, if successful, begins
// firing ScheduledJob templates via robfig/cron (spec §4.8 single-leader
// scheduling). Safe to call from every replica; non-leaders return nil
// immediately having acquired nothing.
func (e *Engine) StartScheduler(ctx context.Context) error {
	acquired, err := e.store.TryAcquireSchedulerLeadership(ctx, e.leaseKey)
	if err != nil {
		return err
	}
	if !acquired {
		e.logger.Info("scheduler leadership held by another replica")
		return nil
	}

	templates, err := e.store.ListActiveScheduledJobs(ctx)
	if err != nil {
		return err
	}

	e.scheduler = cron.New()
	for _, tmpl := range templates {
		tmpl := tmpl
		if _, err := e.scheduler.AddFunc(tmpl.CronExpression, func() {
			e.fireTemplate(context.Background(), tmpl)
		}); err != nil {
			e.logger.WithField("error", err).WithField("scheduled_job_id", tmpl.ID).
				Warn("invalid cron expression, skipping scheduled job")
		}
	}
	e.scheduler.Start()
	return nil
}

// StopScheduler stops the cron scheduler and releases leadership.
func (e *Engine) StopScheduler(ctx context.Context) {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if err := e.store.ReleaseSchedulerLeadership(ctx, e.leaseKey); err != nil {
		e.logger.WithField("error", err).Warn("failed to release scheduler leadership")
	}
}

func (e *Engine) fireTemplate(ctx context.Context, tmpl *store.ScheduledJob) {
	deviceIDs, err := e.resolveSelector(ctx, tmpl)
	if err != nil {
		e.logger.WithField("error", err).WithField("scheduled_job_id", tmpl.ID).Warn("failed to resolve scheduled job selector")
		return
	}
	for _, deviceID := range deviceIDs {
		if _, err := e.Enqueue(ctx, deviceID, tmpl.Kind, tmpl.Payload); err != nil {
			e.logger.WithField("error", err).WithField("scheduled_job_id", tmpl.ID).Warn("failed to enqueue scheduled job instance")
		}
	}
	next := time.Now()
	if sched, err := cron.ParseStandard(tmpl.CronExpression); err == nil {
		next = sched.Next(next)
	}
	if err := e.store.AdvanceScheduledJobFireTime(ctx, tmpl.ID, next); err != nil {
		e.logger.WithField("error", err).WithField("scheduled_job_id", tmpl.ID).Warn("failed to advance scheduled job fire time")
	}
}

func (e *Engine) resolveSelector(ctx context.Context, tmpl *store.ScheduledJob) ([]string, error) {
	switch tmpl.SelectorKind {
	case store.SelectDevice:
		return []string{tmpl.SelectorValue}, nil
	case store.SelectFleet:
		devices, err := e.store.ListDevicesByFleetTag(ctx, tmpl.SelectorValue)
		if err != nil {
			return nil, fmt.Errorf("list devices for fleet selector: %w", err)
		}
		var ids []string
		for _, d := range devices {
			ids = append(ids, d.DeviceID)
		}
		return ids, nil
	case store.SelectAll:
		devices, err := e.store.ListDevices(ctx, "", 10000)
		if err != nil {
			return nil, fmt.Errorf("list devices for scheduled job selector: %w", err)
		}
		var ids []string
		for _, d := range devices {
			ids = append(ids, d.DeviceID)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unknown selector kind %q", tmpl.SelectorKind)
	}
}
