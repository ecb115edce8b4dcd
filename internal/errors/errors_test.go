package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorStringIncludesWrappedCause(t *testing.T) {
	wrapped := Wrap(CodeRetryableStorage, "storage operation failed transiently", http.StatusServiceUnavailable, stderrors.New("connection reset"))
	require.Contains(t, wrapped.Error(), "RETRYABLE_STORAGE")
	require.Contains(t, wrapped.Error(), "connection reset")
}

func TestErrorStringOmitsCauseWhenNil(t *testing.T) {
	err := BadRequest("malformed payload")
	require.Equal(t, "[BAD_REQUEST] malformed payload", err.Error())
}

func TestAsExtractsThroughWrapping(t *testing.T) {
	svcErr := NotFound("device", "D1")
	wrapped := fWrap(svcErr)

	got, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, CodeNotFound, got.Code)
	require.Equal(t, "D1", got.Details["id"])
}

func fWrap(err error) error {
	return stderrors.Join(err)
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	_, ok := As(stderrors.New("not a service error"))
	require.False(t, ok)
}

func TestHTTPStatusDefaultsToInternalServerErrorForPlainError(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("boom")))
}

func TestHTTPStatusOfKnownErrorKinds(t *testing.T) {
	cases := []struct {
		err        *Error
		wantStatus int
	}{
		{Unauthorized("no"), http.StatusUnauthorized},
		{LicenseExpired(), http.StatusPaymentRequired},
		{LicenseFeatureDenied("ota_updates"), http.StatusPaymentRequired},
		{RateLimited(), http.StatusTooManyRequests},
		{InvariantViolation("corrupt", nil), http.StatusInternalServerError},
		{DeadlineExceeded("phase2"), http.StatusGatewayTimeout},
		{CryptoFailure(stderrors.New("bad padding")), http.StatusBadRequest},
		{InvalidJobTransition("running", "pending"), http.StatusConflict},
	}
	for _, c := range cases {
		require.Equal(t, c.wantStatus, HTTPStatus(c.err), "code=%s", c.err.Code)
	}
}

func TestWithDetailChainsAndAccumulates(t *testing.T) {
	err := BadRequest("bad").WithDetail("a", 1).WithDetail("b", 2)
	require.Equal(t, 1, err.Details["a"])
	require.Equal(t, 2, err.Details["b"])
}
