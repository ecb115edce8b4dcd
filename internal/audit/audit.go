// Package audit wires the Event Bus into a durable audit trail,
// supplementing the Store's own append-only AuditRecord writes with a
// subscriber-driven path for events that aren't already audited at their
// origin (SPEC_FULL.md Supplemented Features).
package audit

import (
	"context"
	"encoding/json"

	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

// Sink persists Event Bus traffic as AuditRecords. Unlike the bus itself,
// a Sink subscriber is expected to be durable: delivery failures are
// logged, never silently dropped, because the bus offers no redelivery.
type Sink struct {
	store  *store.Store
	logger *logging.Logger
}

// Attach subscribes a Sink to every audited topic.
func Attach(bus *eventbus.Bus, st *store.Store, logger *logging.Logger) *Sink {
	s := &Sink{store: st, logger: logger}

	bus.Subscribe(eventbus.TopicDeviceProvisioned, s.handleDeviceProvisioned)
	bus.Subscribe(eventbus.TopicJobFinished, s.handleJobFinished)

	return s
}

func (s *Sink) handleDeviceProvisioned(ctx context.Context, evt eventbus.Event) {
	payload, ok := evt.Payload.(eventbus.DeviceProvisionedPayload)
	if !ok {
		return
	}
	s.record(ctx, "DeviceProvisioned", "info", payload.DeviceID, map[string]any{"device_id": payload.DeviceID})
}

func (s *Sink) handleJobFinished(ctx context.Context, evt eventbus.Event) {
	payload, ok := evt.Payload.(eventbus.JobFinishedPayload)
	if !ok {
		return
	}
	severity := "info"
	if payload.Status == string(store.JobFailed) {
		severity = "warning"
	}
	s.record(ctx, "JobFinished", severity, payload.DeviceID, map[string]any{
		"job_id": payload.JobID, "status": payload.Status,
	})
}

func (s *Sink) record(ctx context.Context, kind, severity, actor string, details map[string]any) {
	blob, err := json.Marshal(details)
	if err != nil {
		s.logger.WithField("error", err).Warn("failed to encode audit details")
		return
	}
	if err := s.store.AppendAuditRecord(ctx, &store.AuditRecord{
		Kind: kind, Severity: severity, Actor: actor, Details: blob,
	}); err != nil {
		s.logger.WithField("error", err).WithField("kind", kind).Warn("failed to persist audit record from event bus")
	}
}
