package middleware

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Iotistica/iotistic-sub002/internal/logging"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "controlplane_http_request_duration_ms",
		Help: "HTTP request latency in milliseconds.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "route", "status"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_http_requests_total",
		Help: "Total HTTP requests served.",
	}, []string{"method", "route", "status"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logging attaches a trace ID, logs request completion, and records
// Prometheus metrics per route (spec ambient-stack expectations; no
// component below cmd/ is exempt from structured request logging).
func Logging(logger *logging.Logger, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			traceID := logging.NewTraceID()
			ctx := logging.WithTraceID(r.Context(), traceID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			status := rec.status

			logger.WithContext(ctx).WithFields(map[string]any{
				"method":      r.Method,
				"route":       route,
				"status":      status,
				"duration_ms": logging.FormatDuration(elapsed),
			}).Info("http request completed")

			requestDuration.WithLabelValues(r.Method, route, itoa(status)).Observe(logging.FormatDuration(elapsed))
			requestsTotal.WithLabelValues(r.Method, route, itoa(status)).Inc()
		})
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
