package schema

import (
	"errors"
	"fmt"
)

// ErrorKind is the error taxonomy of the core. The HTTP layer maps kinds
// onto status codes; nothing in the core inspects error strings.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"           // 400
	KindNotFound           ErrorKind = "not_found"            // 404
	KindNeedsClarification ErrorKind = "needs_clarification"  // 422
	KindForbidden          ErrorKind = "forbidden"            // 403
	KindStaleVersion       ErrorKind = "stale_version"        // 409
	KindBindingMismatch    ErrorKind = "binding_hash_mismatch" // 400
	KindRateLimited        ErrorKind = "rate_limited"         // 429
	KindTransient          ErrorKind = "transient"            // retried, then failed
	KindFatal              ErrorKind = "fatal"                // 500
)

// Error carries a kind plus a human-readable message and optional details.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds a kinded error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details for the error response body.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind of an error, defaulting to fatal for anything
// that did not originate in the taxonomy.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err should be retried by the retry
// interceptor rather than surfaced.
func IsTransient(err error) bool {
	return IsKind(err, KindTransient)
}

// RetryAfterHint extracts a retry-after hint in milliseconds from a
// transient error's details, 0 when absent.
func RetryAfterHint(err error) int64 {
	var se *Error
	if !errors.As(err, &se) || se.Details == nil {
		return 0
	}
	switch v := se.Details["retryAfterMs"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
