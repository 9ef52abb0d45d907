package bridge

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/dshills/langbridge/internal/backend"
	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/editor"
	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/router"
	"github.com/dshills/langbridge/internal/rpc"
	"github.com/dshills/langbridge/internal/state"
)

// --- document synchronization (editor) ---

func (b *Bridge) didOpen(ctx context.Context, req *router.Request) error {
	var p lsp.DidOpenTextDocumentParams
	if err := decode(req, &p); err != nil {
		return err
	}
	id, err := b.resolver.Resolve(req.Params)
	if unserved(err) {
		return nil
	}
	if err != nil {
		return err
	}
	path := lsp.URIToFilePath(p.TextDocument.URI)

	autoStart, err := state.Mutate(b.store, func(s *state.State) (bool, error) {
		s.Documents[p.TextDocument.URI] = &state.Document{
			URI:        p.TextDocument.URI,
			LanguageID: id,
			Version:    p.TextDocument.Version,
		}
		s.CurrentFile = path
		return s.Config.Servers[string(id)].AutoStart, nil
	})
	if err != nil {
		return err
	}

	if !b.manager.Running(id) {
		if !autoStart {
			return nil
		}
		if err := b.manager.Start(ctx, id, path); err != nil {
			return b.editor.ShowError(ctx, err)
		}
	}
	return b.manager.Notify(ctx, id, req.Method, req.Params)
}

func (b *Bridge) didChange(ctx context.Context, req *router.Request) error {
	uri := lsp.DocumentURI(gjson.GetBytes(req.Params, "textDocument.uri").String())
	version := gjson.GetBytes(req.Params, "textDocument.version")

	id, err := state.Mutate(b.store, func(s *state.State) (rpc.LanguageID, error) {
		doc, ok := s.Documents[uri]
		if !ok || doc == nil {
			return "", nil
		}
		if version.Exists() {
			doc.Version = int(version.Int())
		}
		return doc.LanguageID, nil
	})
	if err != nil {
		return err
	}
	return b.forwardDocument(ctx, id, req)
}

func (b *Bridge) didSave(ctx context.Context, req *router.Request) error {
	return b.forwardDocument(ctx, b.owner(req), req)
}

func (b *Bridge) didClose(ctx context.Context, req *router.Request) error {
	uri := lsp.DocumentURI(gjson.GetBytes(req.Params, "textDocument.uri").String())
	id, err := state.Mutate(b.store, func(s *state.State) (rpc.LanguageID, error) {
		doc, ok := s.Documents[uri]
		delete(s.Documents, uri)
		delete(s.Diagnostics, uri)
		if !ok || doc == nil {
			return "", nil
		}
		return doc.LanguageID, nil
	})
	if err != nil {
		return err
	}
	return b.forwardDocument(ctx, id, req)
}

// owner returns the backend of the open document named in params.
func (b *Bridge) owner(req *router.Request) rpc.LanguageID {
	uri := lsp.DocumentURI(gjson.GetBytes(req.Params, "textDocument.uri").String())
	return state.Read(b.store, func(s *state.State) rpc.LanguageID {
		if doc, ok := s.Documents[uri]; ok && doc != nil {
			return doc.LanguageID
		}
		return ""
	})
}

// forwardDocument sends a document notification to id, resolving the
// backend from params when the document is not tracked. Documents whose
// backend is not running are skipped.
func (b *Bridge) forwardDocument(ctx context.Context, id rpc.LanguageID, req *router.Request) error {
	if id == "" {
		resolved, err := b.resolver.Resolve(req.Params)
		if unserved(err) {
			return nil
		}
		if err != nil {
			return err
		}
		id = resolved
	}
	if !b.manager.Running(id) {
		b.log.Debug().Str("method", req.Method).Str("language_id", string(id)).Msg("server not running, dropping")
		return nil
	}
	return b.manager.Notify(ctx, id, req.Method, req.Params)
}

// --- backend notifications ---

func (b *Bridge) publishDiagnostics(ctx context.Context, req *router.Request) error {
	var p lsp.PublishDiagnosticsParams
	if err := decode(req, &p); err != nil {
		return err
	}
	_, err := state.Mutate(b.store, func(s *state.State) (struct{}, error) {
		if len(p.Diagnostics) == 0 {
			delete(s.Diagnostics, p.URI)
		} else {
			s.Diagnostics[p.URI] = p.Diagnostics
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	return b.editor.Notify(ctx, req.Method, req.Params)
}

func (b *Bridge) logMessage(ctx context.Context, req *router.Request) error {
	var p lsp.LogMessageParams
	if err := decode(req, &p); err != nil {
		return err
	}
	var level zerolog.Level
	switch p.Type {
	case lsp.MessageTypeError:
		level = zerolog.ErrorLevel
	case lsp.MessageTypeWarning:
		level = zerolog.WarnLevel
	case lsp.MessageTypeInfo:
		level = zerolog.InfoLevel
	default:
		level = zerolog.DebugLevel
	}
	b.log.WithLevel(level).Str("source", string(req.Source)).Msg(p.Message)
	return nil
}

// --- editor state ---

func (b *Bridge) handleBufEnter(ctx context.Context, req *router.Request) error {
	filename := gjson.GetBytes(req.Params, "filename").String()
	if filename == "" {
		return invalid(req, "filename is required")
	}
	_, err := state.Mutate(b.store, func(s *state.State) (struct{}, error) {
		s.CurrentFile = filename
		return struct{}{}, nil
	})
	return err
}

func (b *Bridge) serverExited(ctx context.Context, req *router.Request) error {
	var p backend.ServerExitedParams
	if err := decode(req, &p); err != nil {
		return err
	}
	if p.LanguageID == "" {
		p.LanguageID = req.Source
	}
	if !b.forgetBackend(p.LanguageID) {
		// A newer server took its place; the exit is old news.
		return nil
	}

	msg := fmt.Sprintf("Language server %s exited: %s", p.LanguageID, p.Message)
	return b.editor.ShowMessage(ctx, lsp.MessageTypeError, msg)
}

func (b *Bridge) exit(ctx context.Context, req *router.Request) error {
	id := rpc.LanguageID(gjson.GetBytes(req.Params, "languageId").String())
	if id == "" {
		return invalid(req, "languageId is required")
	}
	err := b.manager.Stop(ctx, id)
	b.forgetBackend(id)
	return err
}

// unserved reports a resolution failure for a file no server is configured
// for. Such documents are not tracked.
func unserved(err error) bool {
	return errors.Is(err, config.ErrUnknownServer) || errors.Is(err, editor.ErrNoLanguage)
}
