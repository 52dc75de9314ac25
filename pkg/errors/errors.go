// Package errors provides the structured error taxonomy of the allocation engine.
//
// Every domain failure is an *AppError carrying a machine-readable code, a
// human-readable message and optional params (batch ID, shortfall, ...).
// Sentinels compare by code, so errors.Is(err, ErrInsufficientStock) matches
// any insufficient-stock error regardless of its message or params.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeIncompleteAllocation = "INCOMPLETE_ALLOCATION"
	CodeInsufficientStock    = "INSUFFICIENT_STOCK"
	CodeConcurrencyConflict  = "CONCURRENCY_CONFLICT"
	CodeInvalidState         = "INVALID_STATE"
	CodeNotFound             = "NOT_FOUND"
)

// Sentinel errors for errors.Is matching.
var (
	ErrInvalidRequest       = &AppError{Code: CodeInvalidRequest, Message: "invalid request", HTTPStatus: http.StatusBadRequest}
	ErrIncompleteAllocation = &AppError{Code: CodeIncompleteAllocation, Message: "incomplete allocation", HTTPStatus: http.StatusUnprocessableEntity}
	ErrInsufficientStock    = &AppError{Code: CodeInsufficientStock, Message: "insufficient stock", HTTPStatus: http.StatusConflict}
	ErrConcurrencyConflict  = &AppError{Code: CodeConcurrencyConflict, Message: "concurrency conflict", HTTPStatus: http.StatusConflict}
	ErrInvalidState         = &AppError{Code: CodeInvalidState, Message: "invalid state", HTTPStatus: http.StatusConflict}
	ErrNotFound             = &AppError{Code: CodeNotFound, Message: "not found", HTTPStatus: http.StatusNotFound}
)

// AppError is a structured error with a code, HTTP status and params.
type AppError struct {
	// Code is a machine-readable error code (e.g., "INSUFFICIENT_STOCK").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int `json:"-"`

	// Params carries structured context such as batch_id or shortfall.
	Params map[string]interface{} `json:"params,omitempty"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// InvalidRequest creates a caller-error (400).
func InvalidRequest(format string, args ...interface{}) *AppError {
	return New(CodeInvalidRequest, fmt.Sprintf(format, args...), http.StatusBadRequest)
}

// IncompleteAllocation creates an exact-match coverage failure (422).
func IncompleteAllocation(format string, args ...interface{}) *AppError {
	return New(CodeIncompleteAllocation, fmt.Sprintf(format, args...), http.StatusUnprocessableEntity)
}

// InsufficientStock creates a batch shortfall error (409).
func InsufficientStock(format string, args ...interface{}) *AppError {
	return New(CodeInsufficientStock, fmt.Sprintf(format, args...), http.StatusConflict)
}

// ConcurrencyConflict wraps a lost optimistic-concurrency race (409).
func ConcurrencyConflict(err error, format string, args ...interface{}) *AppError {
	return Wrap(err, CodeConcurrencyConflict, fmt.Sprintf(format, args...), http.StatusConflict)
}

// InvalidState creates a state-machine violation error (409).
func InvalidState(format string, args ...interface{}) *AppError {
	return New(CodeInvalidState, fmt.Sprintf(format, args...), http.StatusConflict)
}

// NotFound wraps a missing record error (404).
func NotFound(err error, format string, args ...interface{}) *AppError {
	return Wrap(err, CodeNotFound, fmt.Sprintf(format, args...), http.StatusNotFound)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsRetryable reports whether re-planning against fresh batch state may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInsufficientStock)
}
