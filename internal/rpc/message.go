package rpc

import (
	"context"
	"encoding/json"
	"strings"
)

// LanguageID identifies one configured backend by the language it serves.
// The empty LanguageID means "the editor".
type LanguageID string

// ReservedPrefix marks methods in the protocol's internal namespace. Peers may
// send them speculatively; an unsupported one is not an error.
const ReservedPrefix = "$/"

// IsReserved reports whether method lives in the reserved namespace.
func IsReserved(method string) bool {
	return strings.HasPrefix(method, ReservedPrefix)
}

// Call is an inbound request that expects exactly one response.
type Call struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`

	// Source is the backend the call came from, empty for the editor.
	Source LanguageID `json:"-"`
}

// Notification is an inbound one-way message.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`

	// Source is the backend the notification came from, empty for the editor.
	Source LanguageID `json:"-"`
}

// Replier sends the single response to a Call. A nil err sends result as a
// success; otherwise err is converted to an Error object.
type Replier func(ctx context.Context, result any, err error) error

// Handler receives the inbound traffic of a Conn. Each message is delivered on
// its own goroutine.
type Handler interface {
	HandleCall(ctx context.Context, reply Replier, call *Call)
	HandleNotification(ctx context.Context, n *Notification)
}

// request is the wire form of an outbound call or notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is the wire form of a response in either direction.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// envelope is used to classify an inbound frame.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

var null = json.RawMessage("null")

// NormalizeParams returns params as a JSON value, mapping absent params to
// null. It fails when params is not valid JSON.
func NormalizeParams(params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return null, nil
	}
	if !json.Valid(params) {
		return nil, NewError(CodeInvalidParams, "params are not valid JSON")
	}
	return params, nil
}

// marshalParams encodes outbound params. Raw messages pass through.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 || string(p) == "null" {
			return nil, nil
		}
		return p, nil
	default:
		return json.Marshal(params)
	}
}
