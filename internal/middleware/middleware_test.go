package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
)

func TestRateLimiterAllowsWithinBurstThenDenies(t *testing.T) {
	rl := NewRateLimiterWithWindow(2, time.Minute, 2, nil)

	require.True(t, rl.Allow("key-1"))
	require.True(t, rl.Allow("key-1"))
	require.False(t, rl.Allow("key-1"))
}

func TestRateLimiterTracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiterWithWindow(1, time.Minute, 1, nil)

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))
	require.False(t, rl.Allow("a"))
}

func TestRateLimiterEmptyKeyFallsBackToUnknownBucket(t *testing.T) {
	rl := NewRateLimiterWithWindow(1, time.Minute, 1, nil)
	require.True(t, rl.Allow(""))
	require.False(t, rl.Allow(""))
}

func TestRateLimiterCleanupEvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiterWithWindow(1, time.Minute, 1, nil)
	rl.Allow("stale")
	rl.Cleanup(-time.Second)

	rl.mu.Lock()
	_, stillPresent := rl.limiters["stale"]
	rl.mu.Unlock()
	require.False(t, stillPresent)
}

func TestRateLimiterHandlerRejectsOverLimitRequests(t *testing.T) {
	rl := NewRateLimiterWithWindow(0, time.Minute, 0, logging.New("mw-test", "error", "text"))
	called := false
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientIPOfPrefersForwardedForHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	require.Equal(t, "203.0.113.9", ClientIPOf(req))
}

func TestClientIPOfFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	require.Equal(t, "10.0.0.1", ClientIPOf(req))
}

func TestWriteServiceErrorRendersKnownErrorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteServiceError(rec, svcerrors.RateLimited())

	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(svcerrors.CodeRateLimited), body.Code)
}

func TestWriteServiceErrorTreatsUnknownErrorAsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteServiceError(rec, errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
