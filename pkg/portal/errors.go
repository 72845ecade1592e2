// Package portal provides the authenticated HTTP session for an IServ school
// portal: the form-login handshake, cookie retention, re-authentication when
// the portal expires the session, and retry with exponential backoff. Every
// request to the portal and to its WebDAV file store goes through Session.Do.
package portal

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTransport is the category for failures unrelated to business logic:
// network errors, throttling, and server errors. Use
// errors.Is(err, portal.ErrTransport) to check.
var ErrTransport = errors.New("portal: transport failure")

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, portal.ErrNotFound) to check.
var (
	ErrAuth                = errors.New("portal: authentication failed")
	ErrBadRequest          = errors.New("portal: bad request")
	ErrForbidden           = errors.New("portal: forbidden")
	ErrNotFound            = errors.New("portal: not found")
	ErrMethodNotAllowed    = errors.New("portal: method not allowed")
	ErrConflict            = errors.New("portal: conflict")
	ErrLocked              = errors.New("portal: resource locked")
	ErrInsufficientStorage = errors.New("portal: insufficient storage")
	ErrThrottled           = fmt.Errorf("portal: throttled: %w", ErrTransport)
	ErrServerError         = fmt.Errorf("portal: server error: %w", ErrTransport)
	ErrClosed              = errors.New("portal: session closed")
)

// HTTPError wraps a sentinel error with the HTTP status code, the request
// that produced it, and the response body for debugging.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("portal: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}

	return fmt.Sprintf("portal: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// maxErrorMessage caps the response body kept in HTTPError.Message. Portal
// error pages are full HTML documents.
const maxErrorMessage = 512

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusLocked:
		return ErrLocked
	case http.StatusInsufficientStorage:
		return ErrInsufficientStorage
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
