package shapesync

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAborted      = errors.New("sync aborted")
	ErrAuthPaused   = errors.New("auth paused")
	ErrNotMutable   = errors.New("collection is read-only")
	ErrSyncActive   = errors.New("sync already active")
	ErrUnknownShape = errors.New("unknown shape")
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// isAbort reports whether err is consumer-initiated cancellation or an auth
// pause. Abort-class errors are never reported and never trigger fallback.
func isAbort(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrAborted) ||
		errors.Is(err, ErrAuthPaused)
}

// triggersFallback reports whether err proves push delivery unavailable:
// transport failures and HTTP >= 500. Client-side statuses are reported but
// keep the live subscription running.
func triggersFallback(err error) bool {
	if err == nil || isAbort(err) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}
