package script

import "github.com/cockroachdb/errors"

// Errors for script endpoints.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("script endpoint closed")

	// ErrUnknownFunction is returned when a target names no global function.
	ErrUnknownFunction = errors.New("no such script function")
)
