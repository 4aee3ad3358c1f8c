// Package errors defines the small set of fatal errors an analysis can return.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents stable error codes for all fatal failure modes.
type ErrorCode string

const (
	// EmptyTrace indicates no stack frame was recognized in the input text.
	EmptyTrace ErrorCode = "EMPTY_TRACE"
	// SnapshotUnavailable indicates the source tree could not be read.
	SnapshotUnavailable ErrorCode = "SNAPSHOT_UNAVAILABLE"
	// IndexCanceled indicates indexing stopped on a cancellation signal.
	IndexCanceled ErrorCode = "INDEX_CANCELED"
	// InvalidConfig indicates the configuration failed validation.
	InvalidConfig ErrorCode = "INVALID_CONFIG"
)

// Sentinels for errors.Is checks. A *RootcauseError matches the sentinel
// with the same code.
var (
	ErrEmptyTrace          = &RootcauseError{Code: EmptyTrace, Message: "no stack frames recognized"}
	ErrSnapshotUnavailable = &RootcauseError{Code: SnapshotUnavailable, Message: "snapshot unavailable"}
	ErrIndexCanceled       = &RootcauseError{Code: IndexCanceled, Message: "indexing canceled"}
	ErrInvalidConfig       = &RootcauseError{Code: InvalidConfig, Message: "invalid configuration"}
)

// RootcauseError carries a stable code, a message and an optional cause.
type RootcauseError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// New creates a RootcauseError.
func New(code ErrorCode, message string, cause error) *RootcauseError {
	return &RootcauseError{Code: code, Message: message, cause: cause}
}

// Error implements the error interface
func (e *RootcauseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *RootcauseError) Unwrap() error {
	return e.cause
}

// Is matches any RootcauseError with the same code.
func (e *RootcauseError) Is(target error) bool {
	t, ok := target.(*RootcauseError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails adds details to the error
func (e *RootcauseError) WithDetails(details interface{}) *RootcauseError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first RootcauseError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var re *RootcauseError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
