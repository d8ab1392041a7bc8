// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All ledger failures surface as AppError so transports can map them consistently.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes of the ledger taxonomy.
const (
	// Infrastructure errors (5xx)
	CodeInternal    = "INTERNAL_ERROR"
	CodePersistence = "PERSISTENCE_ERROR"

	// Validation errors (400)
	CodeValidation = "VALIDATION_ERROR"

	// Lifecycle violations (409)
	CodeInvalidState = "INVALID_STATE"

	// Regulatory rule violations (422)
	CodeNotLastInSeries = "NOT_LAST_IN_SERIES"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeConflict    = "CONFLICT"
	CodeIdempotency = "IDEMPOTENCY_CONFLICT"
)

// AppError is the standard error type for the ledger.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, series, numbers)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Retryable tells the caller a retry may succeed
	Retryable bool `json:"retryable,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

func newError(code string, status int, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// NewValidation is the caller's fault and is never retried.
func NewValidation(message string) *AppError {
	return newError(CodeValidation, http.StatusBadRequest, message)
}

// NewFieldValidation creates a validation error pointing at a single field.
func NewFieldValidation(field, message string) *AppError {
	return NewValidation(message).WithDetail("field", field)
}

func NewNotFound(entity string, id any) *AppError {
	return newError(CodeNotFound, http.StatusNotFound, entity+" not found").
		WithDetail("entity", entity).
		WithDetail("id", id)
}

// NewInvalidState rejects an operation the document's lifecycle status
// does not allow.
func NewInvalidState(operation, status string) *AppError {
	return newError(CodeInvalidState, http.StatusConflict,
		fmt.Sprintf("cannot %s a document in status %s", operation, status)).
		WithDetail("operation", operation).
		WithDetail("status", status)
}

// NewNotLastInSeries is returned when cancellation targets a document that is
// not the most recent active one of its series. The details point the caller
// at rectification.
func NewNotLastInSeries(series string, seq, lastSeq int64) *AppError {
	msg := fmt.Sprintf(
		"only the last issued invoice of series %s can be cancelled (last is %d); issue a rectifying invoice instead",
		series, lastSeq)
	return newError(CodeNotLastInSeries, http.StatusUnprocessableEntity, msg).
		WithDetail("series", series).
		WithDetail("number", seq).
		WithDetail("last", lastSeq).
		WithDetail("recovery", "rectify")
}

// NewPersistence wraps a storage or transaction failure. Nothing was
// written, so the caller may retry.
func NewPersistence(err error) *AppError {
	e := newError(CodePersistence, http.StatusServiceUnavailable, "Ledger storage unavailable").WithCause(err)
	e.Retryable = true
	return e
}

// NewInternal hides err from the client; it is only logged.
func NewInternal(err error) *AppError {
	return newError(CodeInternal, http.StatusInternalServerError, "Internal server error").WithCause(err)
}

func NewConflict(message string) *AppError {
	return newError(CodeConflict, http.StatusConflict, message)
}

// NewIdempotencyConflict reports a request whose key is still in flight.
func NewIdempotencyConflict(key string) *AppError {
	return newError(CodeIdempotency, http.StatusConflict, "Operation already in progress or completed").
		WithDetail("idempotency_key", key)
}

// NewIdempotencyMismatch is returned when a key is reused with a different
// operation or body.
func NewIdempotencyMismatch(key string) *AppError {
	return newError(CodeIdempotency, http.StatusConflict, "Idempotency key mismatch").
		WithDetail("idempotency_key", key)
}

// IsAppError reports whether err's chain contains an AppError.
func IsAppError(err error) bool {
	_, ok := AsAppError(err)
	return ok
}

// AsAppError extracts the first AppError from err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

// GetHTTPStatus maps any error to a status; unknown errors are 500.
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

func hasCode(err error, code string) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

func IsNotFound(err error) bool        { return hasCode(err, CodeNotFound) }
func IsValidation(err error) bool      { return hasCode(err, CodeValidation) }
func IsInvalidState(err error) bool    { return hasCode(err, CodeInvalidState) }
func IsNotLastInSeries(err error) bool { return hasCode(err, CodeNotLastInSeries) }
func IsPersistence(err error) bool     { return hasCode(err, CodePersistence) }
