package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/switchboard/backend/internal/schema"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encoding failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses. The common
// body is {status, error, details?}; needs_clarification additionally
// surfaces the question at the top level for chat adapters.
func writeError(w http.ResponseWriter, err error) {
	kind := schema.KindOf(err)
	status := statusFor(kind)

	body := map[string]any{
		"status": string(kind),
		"error":  err.Error(),
	}
	var se *schema.Error
	if errors.As(err, &se) && len(se.Details) > 0 {
		body["details"] = se.Details
		if q, ok := se.Details["question"].(string); ok {
			body["question"] = q
		}
	}
	if kind == schema.KindFatal {
		// Internals stay in the logs, not the response body.
		slog.Error("request failed", "error", err)
		body["error"] = "internal error"
	}
	writeJSON(w, status, body)
}

func statusFor(kind schema.ErrorKind) int {
	switch kind {
	case schema.KindValidation, schema.KindBindingMismatch:
		return http.StatusBadRequest
	case schema.KindNotFound:
		return http.StatusNotFound
	case schema.KindNeedsClarification:
		return http.StatusUnprocessableEntity
	case schema.KindForbidden:
		return http.StatusForbidden
	case schema.KindStaleVersion:
		return http.StatusConflict
	case schema.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
