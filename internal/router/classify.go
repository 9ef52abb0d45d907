package router

import (
	"github.com/cockroachdb/errors"

	"github.com/dshills/langbridge/internal/rpc"
)

// ErrAlreadyReported marks an error whose message has already been shown to
// the user. The router still answers with it but does not log it again.
var ErrAlreadyReported = errors.New("already reported to the user")

// MarkReported marks err as already shown to the user.
func MarkReported(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrAlreadyReported)
}

// Class is the handling category of a routing failure.
type Class int

const (
	// Unexpected errors are logged with message context.
	Unexpected Class = iota
	// Ignorable errors are stale-request conditions: dropped without logging,
	// and a call is answered with a void success.
	Ignorable
	// AlreadyReported errors have been surfaced by an inner layer.
	AlreadyReported
)

// String returns the class name used in logs and metrics.
func (c Class) String() string {
	switch c {
	case Ignorable:
		return "ignorable"
	case AlreadyReported:
		return "already_reported"
	default:
		return "unexpected"
	}
}

// ClassifiedError is an error together with its class.
type ClassifiedError struct {
	Class Class
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify decides the class of err from its structure. It returns nil for a
// nil error.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	class := Unexpected
	switch {
	case rpc.HasCode(err, rpc.CodeContentModified):
		class = Ignorable
	case errors.Is(err, ErrAlreadyReported):
		class = AlreadyReported
	}
	return &ClassifiedError{Class: class, Err: err}
}
