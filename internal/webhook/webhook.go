// Package webhook fans Event Bus traffic out to operator-configured HTTP
// endpoints (SPEC_FULL.md Supplemented Features). The spec's §1 Non-goals
// exclude webhook dispatch as an implemented collaborator, but the Event
// Bus's own contract (spec §4.9) names webhook fan-out as a subscriber
// class, so a minimal notifier living entirely on this side of that
// boundary is in scope: it never blocks a Store transaction and never
// gates provisioning/state/job outcomes.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
)

// Notifier posts a JSON envelope for each subscribed event to a single
// configured endpoint. It is deliberately fire-and-forget: webhook
// delivery failures are logged, never retried, and never surfaced to the
// originating request (spec §4.9 durability note: subscribers needing
// durability must back themselves with their own queue, which a
// best-effort HTTP notifier does not claim to be).
type Notifier struct {
	endpoint string
	client   *http.Client
	logger   *logging.Logger
}

// Attach subscribes a Notifier to every fan-out-eligible topic. endpoint
// empty disables dispatch entirely.
func Attach(bus *eventbus.Bus, endpoint string, logger *logging.Logger) *Notifier {
	n := &Notifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
	if endpoint == "" {
		return n
	}

	bus.Subscribe(eventbus.TopicDeviceProvisioned, n.forward("DeviceProvisioned"))
	bus.Subscribe(eventbus.TopicDesiredStateChanged, n.forward("DesiredStateChanged"))
	bus.Subscribe(eventbus.TopicReportedStateChanged, n.forward("ReportedStateChanged"))
	bus.Subscribe(eventbus.TopicJobFinished, n.forward("JobFinished"))

	return n
}

func (n *Notifier) forward(kind string) eventbus.Handler {
	return func(ctx context.Context, evt eventbus.Event) {
		envelope := map[string]any{"kind": kind, "payload": evt.Payload}
		body, err := json.Marshal(envelope)
		if err != nil {
			n.logger.WithField("error", err).Warn("failed to encode webhook envelope")
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
		if err != nil {
			n.logger.WithField("error", err).Warn("failed to build webhook request")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.WithField("error", err).WithField("kind", kind).Warn("webhook delivery failed")
			return
		}
		_ = resp.Body.Close()
	}
}
