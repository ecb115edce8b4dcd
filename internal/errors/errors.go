// Package errors provides the control plane's unified error taxonomy (spec §7).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a control-plane error kind.
type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeLicenseExpired      Code = "LICENSE_EXPIRED"
	CodeLicenseInvalid      Code = "LICENSE_INVALID"
	CodeLicenseFeatureDenied Code = "LICENSE_FEATURE_DENIED"
	CodeLicenseLimitExceeded Code = "LICENSE_LIMIT_EXCEEDED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeRetryableStorage    Code = "RETRYABLE_STORAGE"
	CodeInvariantViolation  Code = "INVARIANT_VIOLATION"
	CodeDeadlineExceeded    Code = "DEADLINE_EXCEEDED"
	CodeCryptoFailure       Code = "CRYPTO_FAILURE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidJobTransition Code = "INVALID_JOB_TRANSITION"
)

// Error is a structured control-plane error.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a contextual key/value pair and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string, status int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

func Wrap(code Code, message string, status int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Unauthorized builds the credential/provisioning-token failure kind. Not retryable.
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

// BadRequest builds the malformed-payload kind. No state change has occurred.
func BadRequest(message string) *Error {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func LicenseExpired() *Error {
	return New(CodeLicenseExpired, "license has expired", http.StatusPaymentRequired)
}

func LicenseInvalid(err error) *Error {
	return Wrap(CodeLicenseInvalid, "license envelope is invalid", http.StatusPaymentRequired, err)
}

func LicenseFeatureDenied(feature string) *Error {
	return New(CodeLicenseFeatureDenied, "feature not licensed", http.StatusPaymentRequired).
		WithDetail("feature", feature)
}

func LicenseLimitExceeded(limit string) *Error {
	return New(CodeLicenseLimitExceeded, "license limit exceeded", http.StatusPaymentRequired).
		WithDetail("limit", limit)
}

// RateLimited signals the transport layer should back off.
func RateLimited() *Error {
	return New(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests)
}

// RetryableStorage signals a transient storage conflict; callers retry with backoff.
func RetryableStorage(err error) *Error {
	return Wrap(CodeRetryableStorage, "storage operation failed transiently", http.StatusServiceUnavailable, err)
}

// InvariantViolation signals a fatal, alarm-worthy data-shape violation. No silent repair.
func InvariantViolation(message string, err error) *Error {
	return Wrap(CodeInvariantViolation, message, http.StatusInternalServerError, err)
}

// DeadlineExceeded signals a caller deadline elapsed mid-operation.
func DeadlineExceeded(operation string) *Error {
	return New(CodeDeadlineExceeded, "deadline exceeded", http.StatusGatewayTimeout).
		WithDetail("operation", operation)
}

// CryptoFailure signals a key/signature/wrap-unwrap failure.
func CryptoFailure(err error) *Error {
	return Wrap(CodeCryptoFailure, "cryptographic operation failed", http.StatusBadRequest, err)
}

func NotFound(resource, id string) *Error {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func InvalidJobTransition(from, to string) *Error {
	return New(CodeInvalidJobTransition, "invalid job status transition", http.StatusConflict).
		WithDetail("from", from).
		WithDetail("to", to)
}

// As extracts a *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}

// HTTPStatus returns the status carried by err, or 500 if err isn't an *Error.
func HTTPStatus(err error) int {
	if svcErr, ok := As(err); ok {
		return svcErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
