package backend

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/dshills/langbridge/internal/rpc"
)

// Errors returned by the manager.
var (
	// ErrNotRunning indicates a message for a backend that is not started.
	ErrNotRunning = errors.New("language server is not running")

	// ErrExited indicates the server process terminated.
	ErrExited = errors.New("language server exited")

	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("backend manager closed")
)

// ServerError is an error tied to one backend.
type ServerError struct {
	LanguageID rpc.LanguageID
	Op         string
	Err        error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("server %s: %v", e.LanguageID, e.Err)
	}
	return fmt.Sprintf("server %s: %s: %v", e.LanguageID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
