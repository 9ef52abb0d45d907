// Package editor talks to the editor side of the bridge and answers the two
// questions the router asks about editor messages: which file is this about,
// and which backend serves that file.
package editor

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/router"
)

// Conn is the editor connection.
type Conn interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
}

// Editor is the "editor" override endpoint and the way handlers reach the
// user. A procedure is invoked as a method of the same name.
type Editor struct {
	conn Conn
	log  zerolog.Logger
}

// New wraps the editor connection.
func New(conn Conn, log zerolog.Logger) *Editor {
	return &Editor{conn: conn, log: log}
}

// Call invokes procedure on the editor and waits for its result.
func (e *Editor) Call(ctx context.Context, procedure string, params json.RawMessage) (json.RawMessage, error) {
	result, err := e.conn.Call(ctx, procedure, params)
	if err != nil {
		return nil, errors.Wrapf(err, "editor %s", procedure)
	}
	return result, nil
}

// Notify invokes procedure on the editor without waiting.
func (e *Editor) Notify(ctx context.Context, procedure string, params json.RawMessage) error {
	if err := e.conn.Notify(ctx, procedure, params); err != nil {
		return errors.Wrapf(err, "editor %s", procedure)
	}
	return nil
}

// ShowMessage displays a message to the user.
func (e *Editor) ShowMessage(ctx context.Context, typ lsp.MessageType, message string) error {
	return e.conn.Notify(ctx, "window/showMessage", lsp.ShowMessageParams{Type: typ, Message: message})
}

// ShowError displays err to the user and returns it marked as already
// reported. If the message cannot be shown, err is returned unmarked.
func (e *Editor) ShowError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if serr := e.ShowMessage(ctx, lsp.MessageTypeError, err.Error()); serr != nil {
		e.log.Warn().Err(serr).Msg("could not show error to the user")
		return err
	}
	return router.MarkReported(err)
}
