package agent

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRemoteUnavailable covers transport failures, server errors, auth
	// failures and rate limiting. Callers may retry.
	ErrRemoteUnavailable = errors.New("remote agent unavailable")
	// ErrRemoteRejected is returned when the remote refuses a submission.
	ErrRemoteRejected = errors.New("remote agent rejected request")
	// ErrSessionNotFound is returned when the remote has no such session.
	ErrSessionNotFound = errors.New("remote session not found")
)

// APIError is an HTTP-level failure from the remote. It matches one of the
// sentinels above via errors.Is.
type APIError struct {
	StatusCode int
	Message    string
	Kind       error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%v: HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// classify maps an HTTP status onto a sentinel. fetch selects the read path,
// where 404 means the session is gone.
func classify(status int, fetch bool) error {
	switch {
	case status == http.StatusNotFound && fetch:
		return ErrSessionNotFound
	case status >= 500,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		return ErrRemoteUnavailable
	case fetch:
		return ErrRemoteUnavailable
	}
	return ErrRemoteRejected
}
