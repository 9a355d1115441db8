package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"google.golang.org/genai"
)

// ValidationError is a recoverable input problem caught before the runtime is called.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrNoToolsSelected = &ValidationError{Message: "Please select at least one search source"}
	ErrEmptyQuestion   = &ValidationError{Message: "Question cannot be empty"}

	ErrTurnInProgress  = errors.New("a turn is already in progress for this session")
	ErrSessionNotFound = errors.New("session not found")
)

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type FailureKind string

const (
	// FailureTransient covers network errors, timeouts and rate limits. Retried with backoff.
	FailureTransient FailureKind = "transient"
	// FailureFatal covers authentication, permission and configuration errors. Never retried.
	FailureFatal FailureKind = "fatal"
)

// ExternalCallError wraps a failed agent runtime call.
type ExternalCallError struct {
	Kind     FailureKind
	Attempts int
	Err      error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("agent runtime call failed (%s after %d attempt(s)): %v", e.Kind, e.Attempts, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient ExternalCallError.
func IsTransient(err error) bool {
	var ece *ExternalCallError
	if errors.As(err, &ece) {
		return ece.Kind == FailureTransient
	}
	return false
}

// Classify decides whether a runtime failure is worth retrying.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return FailureFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}

	if code, status, ok := apiErrorCode(err); ok {
		switch code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return FailureTransient
		}
		switch status {
		case "RESOURCE_EXHAUSTED", "UNAVAILABLE", "DEADLINE_EXCEEDED", "INTERNAL":
			return FailureTransient
		}
		return FailureFatal
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return FailureTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}

	return FailureFatal
}

func apiErrorCode(err error) (int, string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Status, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Status, true
	}
	return 0, "", false
}

// ErrorMarker is the assistant turn recorded when a turn fails.
func ErrorMarker(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "⚠️ The research request timed out. Please try again."
	case IsTransient(err):
		return fmt.Sprintf("⚠️ The research service is temporarily unavailable. Please try again.\n\n`%v`", errors.Unwrap(err))
	default:
		return fmt.Sprintf("⚠️ The research request failed: %v", err)
	}
}
