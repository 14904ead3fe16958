package engine

import (
	"errors"
	"fmt"
)

// AppendError is an error detected while accepting an event for the log.
//
// Append errors cover:
//   - Malformed payload: structural schema validation failed
//   - Deprecated event: replay-only name submitted by a current writer
//   - Engine stopped: the submit queue is closed
//
// Semantic problems (unknown cell, terminated session) are NOT append
// errors; the materializer resolves those as no-ops after the event is
// already in the log.
type AppendError struct {
	// Code identifies the error category.
	Code AppendErrorCode

	// Message is a human-readable description.
	Message string

	// NotebookID identifies the target log.
	NotebookID string

	// EventName is the submitted event's name, when known.
	EventName string

	// Err is the underlying cause, if any.
	Err error
}

// AppendErrorCode categorizes append errors.
type AppendErrorCode string

const (
	// ErrCodeMalformed indicates the payload failed schema validation.
	ErrCodeMalformed AppendErrorCode = "MALFORMED_EVENT"

	// ErrCodeDeprecated indicates a replay-only event name was submitted.
	ErrCodeDeprecated AppendErrorCode = "DEPRECATED_EVENT"

	// ErrCodeStopped indicates the engine no longer accepts submissions.
	ErrCodeStopped AppendErrorCode = "ENGINE_STOPPED"
)

// Error implements the error interface.
func (e *AppendError) Error() string {
	if e.EventName != "" {
		return fmt.Sprintf("%s: %s (notebook=%s, event=%s)", e.Code, e.Message, e.NotebookID, e.EventName)
	}
	return fmt.Sprintf("%s: %s (notebook=%s)", e.Code, e.Message, e.NotebookID)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *AppendError) Unwrap() error {
	return e.Err
}

// IsMalformedError reports whether err is a schema validation rejection.
func IsMalformedError(err error) bool {
	var ae *AppendError
	if errors.As(err, &ae) {
		return ae.Code == ErrCodeMalformed
	}
	return false
}

// IsDeprecatedError reports whether err is a deprecated-name rejection.
func IsDeprecatedError(err error) bool {
	var ae *AppendError
	if errors.As(err, &ae) {
		return ae.Code == ErrCodeDeprecated
	}
	return false
}

func newMalformedError(notebookID, eventName string, cause error) *AppendError {
	return &AppendError{
		Code:       ErrCodeMalformed,
		Message:    "event payload failed schema validation",
		NotebookID: notebookID,
		EventName:  eventName,
		Err:        cause,
	}
}

func newDeprecatedError(notebookID, eventName string) *AppendError {
	return &AppendError{
		Code:       ErrCodeDeprecated,
		Message:    "deprecated event names replay but cannot be appended",
		NotebookID: notebookID,
		EventName:  eventName,
	}
}

func newStoppedError(notebookID string) *AppendError {
	return &AppendError{
		Code:       ErrCodeStopped,
		Message:    "engine is stopped",
		NotebookID: notebookID,
	}
}
