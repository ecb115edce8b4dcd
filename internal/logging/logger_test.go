package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoOnUnparseableLevel(t *testing.T) {
	l := New("test", "not-a-level", "text")
	require.Equal(t, logrus.InfoLevel, l.Level)
}

func TestNewJSONFormatEmitsStructuredFields(t *testing.T) {
	l := New("test-component", "info", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithFields(logrus.Fields{"device_id": "D1"}).Info("hello")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "hello", decoded["message"])
	require.Equal(t, "test-component", decoded["component"])
	require.Equal(t, "D1", decoded["device_id"])
}

func TestWithContextPopulatesTraceDeviceAndActor(t *testing.T) {
	l := New("test", "info", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithDeviceID(ctx, "D1")
	ctx = WithActor(ctx, "operator-1")

	l.WithContext(ctx).Info("request handled")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "trace-1", decoded["trace_id"])
	require.Equal(t, "D1", decoded["device_id"])
	require.Equal(t, "operator-1", decoded["actor"])
}

func TestWithContextOmitsUnsetFields(t *testing.T) {
	l := New("test", "info", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithContext(context.Background()).Info("no context values")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	_, hasTrace := decoded["trace_id"]
	require.False(t, hasTrace)
}

func TestDeviceIDFromContextRoundTrips(t *testing.T) {
	ctx := WithDeviceID(context.Background(), "D42")
	require.Equal(t, "D42", DeviceIDFromContext(ctx))
	require.Equal(t, "", DeviceIDFromContext(context.Background()))
}

func TestLogAuditMergesDetailsWithAuditFields(t *testing.T) {
	l := New("test", "info", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.LogAudit(context.Background(), "DeviceProvisioned", "info", "D1", logrus.Fields{"fleet_tag": "fleet-a"})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, true, decoded["audit"])
	require.Equal(t, "DeviceProvisioned", decoded["kind"])
	require.Equal(t, "fleet-a", decoded["fleet_tag"])
}

func TestFormatDurationConvertsNanosecondsToMilliseconds(t *testing.T) {
	require.Equal(t, 1500.0, FormatDuration(1500*time.Millisecond))
	require.Equal(t, 0.5, FormatDuration(500*time.Microsecond))
}

func TestNewTraceIDReturnsDistinctValues(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}
