package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProviderError is a structured error from an upstream model API.
type ProviderError struct {
	// Provider is the descriptor ID.
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause with provider context.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithStatus attaches the HTTP status code.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	return e
}

// IsRetryable reports whether the error suggests retrying may succeed.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.Status == http.StatusTooManyRequests:
			return true
		case pe.Status >= 500:
			return true
		case pe.Status != 0:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}
