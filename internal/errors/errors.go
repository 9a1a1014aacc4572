package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a bcfeed error code.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"    // 400
	ErrNotFound          ErrorCode = "NOT_FOUND"          // 404
	ErrConflict          ErrorCode = "CONFLICT"           // 409
	ErrSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE" // 502
	ErrInternal          ErrorCode = "INTERNAL"           // 500
)

// FeedError represents a structured error with code, status, and details.
type FeedError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *FeedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *FeedError {
	return &FeedError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for when a release cannot be found.
func NewNotFound(id string) *FeedError {
	return &FeedError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("release not found: %s", id),
		Details: map[string]any{"id": id},
	}
}

// NewConflict creates a 409 error for state conflicts.
func NewConflict(msg string) *FeedError {
	return &FeedError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewInvalidState creates a 409 error when a release is not in the state an operation requires.
func NewInvalidState(id, status, want string) *FeedError {
	return &FeedError{
		Code:    ErrConflict,
		Status:  409,
		Message: fmt.Sprintf("release %s is %s, expected %s", id, status, want),
		Details: map[string]any{"id": id, "cache_status": status, "expected": want},
	}
}

// NewSourceUnavailable creates a 502 error when the mail source cannot be opened.
func NewSourceUnavailable(err error) *FeedError {
	msg := "mail source unavailable"
	if err != nil {
		msg = fmt.Sprintf("mail source unavailable: %v", err)
	}
	return &FeedError{
		Code:    ErrSourceUnavailable,
		Status:  502,
		Message: msg,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *FeedError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &FeedError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a FeedError with the given code.
func Is(err error, code ErrorCode) bool {
	var fErr *FeedError
	if stderrors.As(err, &fErr) {
		return fErr.Code == code
	}
	return false
}
