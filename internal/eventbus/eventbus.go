// Package eventbus is the in-process publish/subscribe fabric connecting
// the Provisioning Coordinator, State Engine, and Job Engine to the Broker
// Auth Service's cache invalidation, webhook fan-out, and audit logging
// (spec §4.9).
package eventbus

import (
	"context"
	"sync"
)

// Topic names the event kinds carried on the bus.
type Topic string

const (
	TopicDeviceProvisioned   Topic = "DeviceProvisioned"
	TopicDesiredStateChanged Topic = "DesiredStateChanged"
	TopicReportedStateChanged Topic = "ReportedStateChanged"
	TopicJobFinished         Topic = "JobFinished"
)

// Event is a single published fact. Payload's concrete type is
// topic-specific; subscribers type-assert based on Topic.
type Event struct {
	Topic   Topic
	Payload any
}

// Handler receives a published Event. Handlers run synchronously on the
// publishing goroutine after commit, so they must not block for long or
// re-enter Store transactions that could deadlock with the caller.
type Handler func(ctx context.Context, evt Event)

// Bus is an in-process, at-most-once-delivery publish/subscribe hub.
// Durability is intentionally not provided here: subscribers that need
// it (audit, webhook) must persist independently (spec §4.9).
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers h to run whenever topic is published.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers evt to every handler subscribed to evt.Topic. Callers
// MUST only invoke this after the triggering transaction has committed;
// it never runs with a lock_device transaction still open (spec §5).
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
}

// DeviceProvisionedPayload is the payload carried on TopicDeviceProvisioned.
type DeviceProvisionedPayload struct {
	DeviceID string
}

// StateChangedPayload is the payload carried on TopicDesiredStateChanged
// and TopicReportedStateChanged.
type StateChangedPayload struct {
	DeviceID string
	Version  int64
	Hash     string
}

// JobFinishedPayload is the payload carried on TopicJobFinished.
type JobFinishedPayload struct {
	JobID    string
	DeviceID string
	Status   string
}
