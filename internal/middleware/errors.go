package middleware

import (
	"encoding/json"
	"net/http"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeServiceError renders err as the appropriate HTTP status and JSON
// body (spec §7 taxonomy). Any error that isn't a *errors.Error is
// treated as an internal failure.
func writeServiceError(w http.ResponseWriter, err error) {
	svcErr, ok := svcerrors.As(err)
	if !ok {
		svcErr = svcerrors.InvariantViolation("unexpected internal error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(svcErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorBody{
		Code:    string(svcErr.Code),
		Message: svcErr.Message,
		Details: svcErr.Details,
	})
}

// WriteServiceError is the exported form used by the httpapi package.
func WriteServiceError(w http.ResponseWriter, err error) {
	writeServiceError(w, err)
}
