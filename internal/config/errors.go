package config

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Errors returned by configuration operations.
var (
	// ErrNoCommand indicates a server entry without a command.
	ErrNoCommand = errors.New("server has no command")

	// ErrUnknownServer indicates a language id with no server entry.
	ErrUnknownServer = errors.New("no server configured for language")

	// ErrInvalidTarget indicates a malformed handler target.
	ErrInvalidTarget = errors.New("invalid handler target")
)

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Line is the line number where the error occurred (if available).
	Line int
	// Column is the column number where the error occurred (if available).
	Column int
	// Message describes the parse error.
	Message string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError describes an invalid server entry.
type ValidationError struct {
	Language string
	Err      error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("servers.%s: %v", e.Language, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
