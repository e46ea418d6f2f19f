// Package errors provides structured error types for the chat client.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure modes.
var (
	// ErrConnection means the real-time transport could not be established
	// or was lost and retries are exhausted.
	ErrConnection = errors.New("connection unavailable")
	// ErrCommandRejected means a command was attempted without a connection
	// or without a matching joined room. The command is dropped, not queued.
	ErrCommandRejected = errors.New("command rejected")
	// ErrPersistence means a REST call backing a state change failed and the
	// local state was left as it was before the operation.
	ErrPersistence = errors.New("persistence failed")
	// ErrProtocolAnomaly marks a server event that does not carry what the
	// protocol promises, such as a stream_end without its final message.
	ErrProtocolAnomaly = errors.New("protocol anomaly")

	ErrTimeout      = errors.New("operation timed out")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
)

// APIError represents an error response from the chat backend.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is lets errors.Is match an APIError against the sentinel its status maps to.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return target == ErrAuthFailure
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return target == ErrInvalidInput
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return target == ErrUnavailable
	case http.StatusGatewayTimeout:
		return target == ErrTimeout
	}
	return false
}

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	if errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConnection)
}
