package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassScript indicates a defect in the script itself.
	// Examples: a jump to a label that does not exist under the strict policy.
	ErrorClassScript ErrorClass = "script"

	// ErrorClassCommand indicates a command misbehaved while executing.
	// Examples: a panic inside Execute.
	ErrorClassCommand ErrorClass = "command"

	// ErrorClassCancelled indicates the run was stopped on request.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassInternal indicates a bug or misuse of the engine API.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// RunID is the run the error belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// Label is the jump label involved, if any.
	Label string `json:"label,omitempty"`

	// Index is the command index involved, or -1.
	Index int `json:"index"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Label != "" {
		msg += fmt.Sprintf(" (label=%s)", e.Label)
	}
	if e.Index >= 0 {
		msg += fmt.Sprintf(" (index=%d)", e.Index)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Index:   -1,
		Err:     err,
	}
}

// NewScriptError creates a new script error.
func NewScriptError(message string, err error) *EngineError {
	return newError(ErrorClassScript, message, err)
}

// NewCommandError creates a new command error.
func NewCommandError(message string, err error) *EngineError {
	return newError(ErrorClassCommand, message, err)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorClassCancelled, message, err)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return newError(ErrorClassInternal, message, err)
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithRunID adds run context to an error.
func (e *EngineError) WithRunID(runID string) *EngineError {
	e.RunID = runID
	return e
}

// WithLabel adds label context to an error.
func (e *EngineError) WithLabel(label string) *EngineError {
	e.Label = label
	return e
}

// WithIndex adds command index context to an error.
func (e *EngineError) WithIndex(index int) *EngineError {
	e.Index = index
	return e
}

// IsScriptError returns true if the error is classified as a script error.
func IsScriptError(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassScript
	}
	return false
}

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCancelled
	}
	return false
}

// HasCode returns true if any EngineError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// Common error codes.
const (
	ErrCodeUnresolvedLabel = "UNRESOLVED_LABEL"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodePanic           = "COMMAND_PANIC"
	ErrCodeSubScript       = "SUBSCRIPT_FAILED"
	ErrCodeCondition       = "CONDITION_ERROR"
	ErrCodeCommand         = "COMMAND_FAILED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
