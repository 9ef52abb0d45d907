package rpc

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 64 << 20

// Standard errors returned by connections.
var (
	// ErrClosed indicates the connection has been closed.
	ErrClosed = errors.New("rpc connection closed")

	// ErrMissingContentLength indicates a frame without a Content-Length header.
	ErrMissingContentLength = errors.New("missing Content-Length header")

	// ErrInvalidContentLength indicates a Content-Length that is not a
	// positive integer no larger than MaxFrameSize. The connection is closed
	// because the frame boundary is lost.
	ErrInvalidContentLength = errors.New("invalid Content-Length header")

	// ErrInvalidMessage indicates a frame that is neither a request, a
	// notification nor a response.
	ErrInvalidMessage = errors.New("invalid json-rpc message")
)

// Error is a JSON-RPC error object. It travels both ways: backends and the
// editor answer with it, and the router replies with it.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// HasCode reports whether err wraps an *Error with the given code.
func HasCode(err error, code int) bool {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == code
	}
	return false
}

// toWireError converts an arbitrary error into a JSON-RPC error object.
// Errors that already carry a code keep it.
func toWireError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Message == err.Error() {
			return rpcErr
		}
		return &Error{Code: rpcErr.Code, Message: err.Error(), Data: rpcErr.Data}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
