// Package errors provides custom error types for the bridge.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeProviderTransient = "PROVIDER_TRANSIENT"
	ErrCodeProviderRejected  = "PROVIDER_REJECTED"
	ErrCodeTransportClosed   = "TRANSPORT_CLOSED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ProviderTransient creates a retryable messaging-provider error.
func ProviderTransient(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeProviderTransient,
		Message: message,
		Err:     err,
	}
}

// ProviderRejected creates a non-retryable messaging-provider error.
func ProviderRejected(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeProviderRejected,
		Message: message,
		Err:     err,
	}
}

// TransportClosed creates an error indicating the agent child process is gone.
func TransportClosed(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeTransportClosed,
		Message: message,
		Err:     err,
	}
}

// IsTransient checks if the error is a retryable provider error.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeProviderTransient
	}
	return false
}

// IsTransportClosed checks if the error indicates a dead agent transport.
func IsTransportClosed(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeTransportClosed
	}
	return false
}
