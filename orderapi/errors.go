package orderapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/keychainkit/keychain-go"
)

// Error type constants for programmatic error classification.
const (
	ErrorTypeRateLimit   = "rate_limit"
	ErrorTypeServerError = "server_error"
	ErrorTypeAuthError   = "auth_error"
	ErrorTypeNotFound    = "not_found"
	ErrorTypeClientError = "client_error"
)

// APIError is a non-2xx response from the order API.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// ErrorType categorizes the error.
	ErrorType string

	// Message is the response body or a default description.
	Message string

	// RequestID is the X-Request-ID response header, if any.
	RequestID string

	// Retryable is true for rate limits and server errors.
	Retryable bool

	// RetryAfter is parsed from the Retry-After header of 429 responses.
	RetryAfter time.Duration

	Method string
	Path   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("order API error [%d]: %s", e.StatusCode, e.Message)
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (RequestID: %s)", e.RequestID)
	}
	if e.Method != "" && e.Path != "" {
		msg += fmt.Sprintf(" [%s %s]", e.Method, e.Path)
	}
	return msg
}

// Unwrap maps 404 responses to keychain.ErrOrderNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return keychain.ErrOrderNotFound
	}
	return nil
}

func classify(statusCode int) (errorType, message string, retryable bool) {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit, "rate limit exceeded", true
	case statusCode >= 500:
		return ErrorTypeServerError, "order API server error", true
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ErrorTypeAuthError, "authentication failed", false
	case statusCode == http.StatusNotFound:
		return ErrorTypeNotFound, "order not found", false
	default:
		return ErrorTypeClientError, "invalid request", false
	}
}
