// Package cmis provides an HTTP client for CMIS 1.1 Browser-binding
// repositories with automatic retry, error classification, and both
// basic and OAuth2 bearer authentication.
package cmis

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, cmis.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("cmis: bad request")
	ErrUnauthorized = errors.New("cmis: unauthorized")
	ErrForbidden    = errors.New("cmis: forbidden")
	ErrNotFound     = errors.New("cmis: object not found")
	ErrConflict     = errors.New("cmis: update conflict")
	ErrThrottled    = errors.New("cmis: throttled")
	ErrServerError  = errors.New("cmis: server error")
)

// ErrChangeLogUnsupported is returned when the repository does not expose a
// usable change log (no capability, or a paged response without a token).
var ErrChangeLogUnsupported = errors.New("cmis: change log unsupported")

// RepoError wraps a sentinel error with the HTTP status code and the
// exception name/message from the Browser-binding error body.
type RepoError struct {
	StatusCode int
	Exception  string // cmis exception name, e.g. "objectNotFound"
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *RepoError) Error() string {
	if e.Exception != "" {
		return fmt.Sprintf("cmis: HTTP %d (%s): %s", e.StatusCode, e.Exception, e.Message)
	}

	return fmt.Sprintf("cmis: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RepoError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err represents a transport failure that may
// succeed on retry (network error, throttling, or a 5xx). Classification
// errors like ErrNotFound are never transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrServerError)
}
