// Package engine executes validated recipes: it resolves credentials, applies the
// redistribution gate, fetches datasets concurrently through provider adapters and
// aggregates the per-dataset outcomes into an ExecutionResult.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary provider unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates provider rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid recipe, missing credential, revoked API key.
	ErrorClassPermanent ErrorClass = "permanent"
)

// DatasetError represents a classified, dataset-scoped error with context.
type DatasetError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Dataset is the dataset ID that caused the error, if applicable.
	Dataset string `json:"dataset,omitempty"`

	// Provider is the provider being called when the error occurred.
	Provider string `json:"provider,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *DatasetError) Error() string {
	if e.Dataset != "" && e.Provider != "" {
		return fmt.Sprintf("[%s] %s (dataset=%s, provider=%s): %s",
			e.Class, e.Message, e.Dataset, e.Provider, e.unwrapMessage())
	}
	if e.Dataset != "" {
		return fmt.Sprintf("[%s] %s (dataset=%s): %s",
			e.Class, e.Message, e.Dataset, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DatasetError) Unwrap() error {
	return e.Err
}

func (e *DatasetError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *DatasetError) Is(target error) bool {
	t, ok := target.(*DatasetError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *DatasetError {
	return &DatasetError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *DatasetError {
	return &DatasetError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *DatasetError {
	return &DatasetError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithDataset adds dataset context to an error.
func (e *DatasetError) WithDataset(datasetID string) *DatasetError {
	e.Dataset = datasetID
	return e
}

// WithProvider adds provider context to an error.
func (e *DatasetError) WithProvider(provider string) *DatasetError {
	e.Provider = provider
	return e
}

// WithCode adds an error code to an error.
func (e *DatasetError) WithCode(code string) *DatasetError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *DatasetError) WithDetail(key string, value interface{}) *DatasetError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *DatasetError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *DatasetError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *DatasetError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// ErrCode returns the code carried by a DatasetError, or "" for other errors.
func ErrCode(err error) string {
	var e *DatasetError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes recorded on DatasetResult entries and surfaced in aggregate lists.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodePolicyViolation    = "POLICY_VIOLATION"
	ErrCodeCredentialRequired = "CREDENTIAL_REQUIRED"
	ErrCodeProviderAuth       = "PROVIDER_AUTH_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeProviderTimeout    = "PROVIDER_TIMEOUT"
	ErrCodeProviderUnknown    = "PROVIDER_UNKNOWN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)
