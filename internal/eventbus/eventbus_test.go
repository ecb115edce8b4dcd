package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribedHandlers(t *testing.T) {
	bus := New()

	var got []Event
	bus.Subscribe(TopicDeviceProvisioned, func(ctx context.Context, evt Event) {
		got = append(got, evt)
	})

	payload := DeviceProvisionedPayload{DeviceID: "D1"}
	bus.Publish(context.Background(), Event{Topic: TopicDeviceProvisioned, Payload: payload})

	require.Len(t, got, 1)
	require.Equal(t, payload, got[0].Payload)
}

func TestPublishSkipsUnrelatedTopics(t *testing.T) {
	bus := New()

	called := false
	bus.Subscribe(TopicJobFinished, func(ctx context.Context, evt Event) {
		called = true
	})

	bus.Publish(context.Background(), Event{Topic: TopicDeviceProvisioned, Payload: nil})
	require.False(t, called)
}

func TestPublishFansOutToEveryHandler(t *testing.T) {
	bus := New()

	count := 0
	bus.Subscribe(TopicDesiredStateChanged, func(ctx context.Context, evt Event) { count++ })
	bus.Subscribe(TopicDesiredStateChanged, func(ctx context.Context, evt Event) { count++ })

	bus.Publish(context.Background(), Event{Topic: TopicDesiredStateChanged})
	require.Equal(t, 2, count)
}

func TestPublishWithNoSubscribersIsANoop(t *testing.T) {
	bus := New()
	require.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Topic: TopicJobFinished})
	})
}
