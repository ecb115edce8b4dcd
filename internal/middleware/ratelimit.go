// Package middleware provides HTTP middleware for the control plane's API
// surface.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
)

// RateLimiter is a per-source-identity token bucket limiter with bounded
// memory via periodic eviction of idle buckets (spec §5 shared-resource
// policy). The bucket key is whatever string the caller passes to Allow;
// Handler and the provisioning handlers both use the client IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	rate     rate.Limit
	burst    int
	window   time.Duration
	logger   *logging.Logger
}

type bucket struct {
	limiter    *rate.Limiter
	lastUsedAt time.Time
}

// NewRateLimiterWithWindow configures a limiter by a fixed request budget
// over window, e.g. "30 provisioning attempts per minute" (spec §6.5
// `provisioning.rate_limit`).
func NewRateLimiterWithWindow(limit int, window time.Duration, burst int, logger *logging.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	perSecond := float64(limit) / window.Seconds()
	if perSecond < 0 {
		perSecond = 0
	}

	return &RateLimiter{
		limiters: make(map[string]*bucket),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		window:   window,
		logger:   logger,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.limiters[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = b
	}
	b.lastUsedAt = time.Now()
	return b.limiter
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}
	return rl.getLimiter(key).Allow()
}

// Handler wraps an http.Handler, limiting by client IP. The provisioning
// handlers call RateLimiter.Allow directly with ClientIPOf instead.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !rl.Allow(key) {
			if rl.logger != nil {
				rl.logger.WithField("key", key).WithField("path", r.URL.Path).Warn("rate limit exceeded")
			}
			if seconds := int(rl.window.Seconds()); seconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			writeServiceError(w, svcerrors.RateLimited())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup evicts buckets idle past maxIdle, bounding memory use.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for key, b := range rl.limiters {
		if b.lastUsedAt.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// StartCleanup runs Cleanup on a ticker until the returned stop func is
// called.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup(maxIdle)
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// ClientIPOf extracts the caller's address for use as a rate-limiter key
// outside of the Handler wrapper (e.g. the provisioning endpoints).
func ClientIPOf(r *http.Request) string {
	return clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
