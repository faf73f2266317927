// Package errors defines the challenger's error taxonomy. Errors carry a
// category, a stable code and an HTTP status so the API and the adapters can
// decide uniformly whether to retry, surface or swallow them.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryNotFound covers lookups of unknown identities
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryBadRequest covers malformed client frames and bodies
	CategoryBadRequest ErrorCategory = "bad_request"
	// CategoryUnauthorized covers moderator commands from non-admins
	CategoryUnauthorized ErrorCategory = "unauthorized"
	// CategoryAdapterTransient covers adapter I/O that should be retried internally
	CategoryAdapterTransient ErrorCategory = "adapter_transient"
	// CategoryAdapterFatal covers adapter misconfiguration; the adapter is disabled
	CategoryAdapterFatal ErrorCategory = "adapter_fatal"
	// CategoryPersistenceConflict covers optimistic concurrency failures
	CategoryPersistenceConflict ErrorCategory = "persistence_conflict"
	// CategoryInternal covers bugs
	CategoryInternal ErrorCategory = "internal"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// NewNotFoundError creates an error for a lookup of an unknown identity
func NewNotFoundError(resource, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewBadRequestError creates an error for a malformed client input
func NewBadRequestError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryBadRequest,
		StatusCode: http.StatusBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
	}
}

// NewUnauthorizedError creates an error for a rejected moderator command
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUnauthorized,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewAdapterTransientError creates a retryable adapter I/O error
func NewAdapterTransientError(adapter string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAdapterTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "ADAPTER_TRANSIENT",
		Message:    fmt.Sprintf("transient adapter failure: %s", adapter),
		Cause:      cause,
		Details: map[string]interface{}{
			"adapter": adapter,
		},
	}
}

// NewAdapterFatalError creates a non-retryable adapter error; the adapter
// should be disabled after logging it
func NewAdapterFatalError(adapter string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAdapterFatal,
		StatusCode: http.StatusInternalServerError,
		Code:       "ADAPTER_FATAL",
		Message:    fmt.Sprintf("adapter misconfigured or permanently failed: %s", adapter),
		Cause:      cause,
		Details: map[string]interface{}{
			"adapter": adapter,
		},
	}
}

// NewPersistenceConflictError creates an error for a conflicting write.
// Retried once by the caller, then escalated.
func NewPersistenceConflictError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPersistenceConflict,
		StatusCode: http.StatusConflict,
		Code:       "PERSISTENCE_CONFLICT",
		Message:    fmt.Sprintf("conflicting write during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal error. The message shown to users is
// generic; the cause is only logged.
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInternal,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error, defaulting to internal
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}
	if catErr, ok := err.(*CategorizedError); ok {
		return catErr
	}
	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryAdapterTransient, CategoryPersistenceConflict:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether the error is a not-found error
func IsNotFound(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryNotFound
}
