package compiler

import (
	"fmt"
)

// ParseError reports the first line of a script that could not be compiled.
type ParseError struct {
	// File is the script path, or empty for in-memory source.
	File string

	// Line is the 1-based line number.
	Line int

	// Text is the offending line as written.
	Text string

	// Reason describes what is wrong with the line.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	loc := fmt.Sprintf("line %d", e.Line)
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}

	msg := fmt.Sprintf("%s: %s: %q", loc, e.Reason, e.Text)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}
