// Package logging provides structured logging for the control plane.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through request-scoped logging.
type ContextKey string

const (
	// TraceIDKey is the context key for the per-request trace ID.
	TraceIDKey ContextKey = "trace_id"
	// DeviceIDKey is the context key for the device a request concerns.
	DeviceIDKey ContextKey = "device_id"
	// ActorKey is the context key for the acting principal (device, operator, system).
	ActorKey ContextKey = "actor"
)

// Logger wraps logrus.Logger with control-plane specific helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a logger from LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry pre-populated from values carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if deviceID := ctx.Value(DeviceIDKey); deviceID != nil {
		entry = entry.WithField("device_id", deviceID)
	}
	if actor := ctx.Value(ActorKey); actor != nil {
		entry = entry.WithField("actor", actor)
	}
	return entry
}

// WithFields returns an entry with the component field plus the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// NewTraceID returns a fresh random trace identifier.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithDeviceID attaches a device ID to ctx.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, deviceID)
}

// WithActor attaches an acting principal to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// DeviceIDFromContext retrieves the device ID carried on ctx, if any.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(DeviceIDKey).(string); ok {
		return v
	}
	return ""
}

// LogAudit emits an audit-flagged log line alongside the persisted AuditRecord.
func (l *Logger) LogAudit(ctx context.Context, kind, severity, actor string, details logrus.Fields) {
	fields := logrus.Fields{
		"audit":    true,
		"kind":     kind,
		"severity": severity,
		"actor":    actor,
	}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("audit event")
}

// FormatDuration renders a duration in milliseconds for structured fields.
func FormatDuration(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
