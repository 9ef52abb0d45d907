package bridge

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"github.com/dshills/langbridge/internal/backend"
	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/fswatch"
	"github.com/dshills/langbridge/internal/logging"
	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/router"
	"github.com/dshills/langbridge/internal/rpc"
	"github.com/dshills/langbridge/internal/state"
)

// Methods the editor plugin uses to drive the bridge.
const (
	MethodRegisterHandlers       = "languageClient/registerHandlers"
	MethodGetState               = "languageClient/getState"
	MethodIsAlive                = "languageClient/isAlive"
	MethodStartServer            = "languageClient/startServer"
	MethodStopServer             = "languageClient/stopServer"
	MethodSetLoggingLevel        = "languageClient/setLoggingLevel"
	MethodRegisterServerCommands = "languageClient/registerServerCommands"
	MethodHandleBufEnter         = "languageClient/handleBufEnter"
	MethodServerExited           = backend.MethodServerExited
)

// ErrInvalidParams is wrapped by handlers that reject their params.
var ErrInvalidParams = errors.New("invalid params")

// table returns the built-in handlers.
func (b *Bridge) table() router.Table {
	return router.Table{
		Calls: map[string]router.CallHandler{
			MethodRegisterHandlers:       b.registerHandlers,
			MethodGetState:               b.getState,
			MethodIsAlive:                b.isAlive,
			MethodStartServer:            b.startServer,
			MethodStopServer:             b.stopServer,
			MethodSetLoggingLevel:        b.setLoggingLevel,
			MethodRegisterServerCommands: b.registerServerCommands,

			"client/registerCapability":   b.registerCapability,
			"client/unregisterCapability": b.unregisterCapability,
			"workspace/configuration":     b.configuration,
			"workspace/applyEdit":         b.forwardCall,
			"window/showMessageRequest":   b.forwardCall,
		},
		Notifications: map[string]router.NotificationHandler{
			"textDocument/didOpen":            b.didOpen,
			"textDocument/didChange":          b.didChange,
			"textDocument/didSave":            b.didSave,
			"textDocument/didClose":           b.didClose,
			"textDocument/publishDiagnostics": b.publishDiagnostics,

			"window/logMessage":  b.logMessage,
			"window/showMessage": b.forwardNotification,
			"$/progress":         b.forwardNotification,
			"telemetry/event":    b.forwardNotification,

			MethodHandleBufEnter: b.handleBufEnter,
			MethodServerExited:   b.serverExited,
			"exit":               b.exit,
		},
	}
}

func decode(req *router.Request, v any) error {
	if err := json.Unmarshal(req.Params, v); err != nil {
		return errors.Mark(
			rpc.NewError(rpc.CodeInvalidParams, "%s: %v", req.Method, err),
			ErrInvalidParams,
		)
	}
	return nil
}

func invalid(req *router.Request, format string, args ...any) error {
	return errors.Mark(
		rpc.NewError(rpc.CodeInvalidParams, req.Method+": "+format, args...),
		ErrInvalidParams,
	)
}

// --- editor commands ---

func (b *Bridge) registerHandlers(ctx context.Context, req *router.Request) (any, error) {
	var p struct {
		Handlers map[string]string `json:"handlers"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}

	targets := make(map[string]state.Target, len(p.Handlers))
	for _, method := range sortedKeys(p.Handlers) {
		t, err := config.ParseTarget(p.Handlers[method])
		if err != nil {
			return nil, errors.Mark(rpc.NewError(rpc.CodeInvalidParams, "handler for %s: %v", method, err), ErrInvalidParams)
		}
		targets[method] = t
	}

	_, err := state.Mutate(b.store, func(s *state.State) (struct{}, error) {
		for method, t := range targets {
			s.UserHandlers[method] = t
		}
		return struct{}{}, nil
	})
	return nil, err
}

func (b *Bridge) getState(ctx context.Context, req *router.Request) (any, error) {
	return b.store.Snapshot()
}

func (b *Bridge) isAlive(ctx context.Context, req *router.Request) (any, error) {
	id := rpc.LanguageID(gjson.GetBytes(req.Params, "languageId").String())
	if id == "" {
		return nil, invalid(req, "languageId is required")
	}
	return b.manager.Running(id), nil
}

func (b *Bridge) startServer(ctx context.Context, req *router.Request) (any, error) {
	id := rpc.LanguageID(gjson.GetBytes(req.Params, "languageId").String())
	path := gjson.GetBytes(req.Params, "filename").String()

	if id == "" {
		resolved, err := b.resolver.Resolve(req.Params)
		if err != nil {
			return nil, b.editor.ShowError(ctx, err)
		}
		id = resolved
	}
	if path == "" {
		path = state.Read(b.store, func(s *state.State) string { return s.CurrentFile })
	}

	if err := b.manager.Start(ctx, id, path); err != nil {
		return nil, b.editor.ShowError(ctx, err)
	}
	return true, nil
}

func (b *Bridge) stopServer(ctx context.Context, req *router.Request) (any, error) {
	id := rpc.LanguageID(gjson.GetBytes(req.Params, "languageId").String())
	if id == "" {
		return nil, invalid(req, "languageId is required")
	}
	err := b.manager.Stop(ctx, id)
	b.forgetBackend(id)
	return nil, err
}

func (b *Bridge) setLoggingLevel(ctx context.Context, req *router.Request) (any, error) {
	name := gjson.GetBytes(req.Params, "level").String()
	if name == "" {
		return nil, invalid(req, "level is required")
	}
	level := logging.SetLevel(name)
	_, err := state.Mutate(b.store, func(s *state.State) (struct{}, error) {
		s.LogLevel = level.String()
		return struct{}{}, nil
	})
	b.log.Info().Str("level", level.String()).Msg("log level changed")
	return nil, err
}

func (b *Bridge) registerServerCommands(ctx context.Context, req *router.Request) (any, error) {
	var p struct {
		Commands map[string][]string `json:"commands"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	for _, lang := range sortedKeys(p.Commands) {
		if argv := p.Commands[lang]; len(argv) == 0 || argv[0] == "" {
			return nil, invalid(req, "empty command for %s", lang)
		}
	}

	_, err := state.Mutate(b.store, func(s *state.State) (struct{}, error) {
		if s.Config.Servers == nil {
			s.Config.Servers = make(map[string]config.ServerConfig)
		}
		for lang, argv := range p.Commands {
			sc := s.Config.Servers[lang]
			sc.Command = argv[0]
			sc.Args = append([]string(nil), argv[1:]...)
			s.Config.Servers[lang] = sc
		}
		return struct{}{}, nil
	})
	return true, err
}

// --- backend requests ---

func (b *Bridge) registerCapability(ctx context.Context, req *router.Request) (any, error) {
	if req.Source == "" {
		return nil, invalid(req, "only servers register capabilities")
	}
	var p lsp.RegistrationParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}

	root, err := state.Mutate(b.store, func(s *state.State) (string, error) {
		regs := s.Registrations[req.Source]
		if regs == nil {
			regs = make(map[string]lsp.Registration)
			s.Registrations[req.Source] = regs
		}
		for _, r := range p.Registrations {
			regs[r.ID] = r
		}
		info, _ := s.Server(req.Source)
		return lsp.URIToFilePath(info.RootURI), nil
	})
	if err != nil {
		return nil, err
	}

	var errs error
	for _, r := range p.Registrations {
		if r.Method != fswatch.MethodDidChangeWatchedFiles {
			continue
		}
		var opts lsp.DidChangeWatchedFilesRegistrationOptions
		if err := json.Unmarshal(r.RegisterOptions, &opts); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "registration %s", r.ID))
			continue
		}
		if err := b.watcher.Register(req.Source, r.ID, root, opts); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if errs != nil {
		// The registration is kept; only some directories could not be watched.
		b.log.Warn().Err(errs).Str("source", string(req.Source)).Msg("watching registered files")
	}
	return nil, nil
}

func (b *Bridge) unregisterCapability(ctx context.Context, req *router.Request) (any, error) {
	if req.Source == "" {
		return nil, invalid(req, "only servers unregister capabilities")
	}
	var p lsp.UnregistrationParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}

	_, err := state.Mutate(b.store, func(s *state.State) (struct{}, error) {
		regs := s.Registrations[req.Source]
		for _, u := range p.Unregisterations {
			delete(regs, u.ID)
		}
		if len(regs) == 0 {
			delete(s.Registrations, req.Source)
		}
		return struct{}{}, nil
	})
	for _, u := range p.Unregisterations {
		if u.Method == fswatch.MethodDidChangeWatchedFiles {
			b.watcher.Unregister(req.Source, u.ID)
		}
	}
	return nil, err
}

// configuration answers each item from the server's configured settings.
// Sections are dotted paths; missing ones are null.
func (b *Bridge) configuration(ctx context.Context, req *router.Request) (any, error) {
	var p lsp.ConfigurationParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}

	settings := state.Read(b.store, func(s *state.State) json.RawMessage {
		sc, ok := s.Config.Servers[string(req.Source)]
		if !ok || len(sc.Settings) == 0 {
			return nil
		}
		raw, err := json.Marshal(sc.Settings)
		if err != nil {
			return nil
		}
		return raw
	})

	out := make([]json.RawMessage, len(p.Items))
	for i, item := range p.Items {
		out[i] = section(settings, item.Section)
	}
	return out, nil
}

func section(settings json.RawMessage, name string) json.RawMessage {
	if len(settings) == 0 {
		return json.RawMessage("null")
	}
	if name == "" {
		return settings
	}
	v := gjson.GetBytes(settings, gjsonPath(name))
	if !v.Exists() {
		return json.RawMessage("null")
	}
	return json.RawMessage(v.Raw)
}

// gjsonPath escapes path syntax other than the dots separating sections.
func gjsonPath(section string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "#", `\#`, "|", `\|`, "@", `\@`)
	return r.Replace(section)
}

// forwardCall passes a server request on to the editor.
func (b *Bridge) forwardCall(ctx context.Context, req *router.Request) (any, error) {
	return b.editor.Call(ctx, req.Method, req.Params)
}

// forwardNotification passes a server notification on to the editor.
func (b *Bridge) forwardNotification(ctx context.Context, req *router.Request) error {
	return b.editor.Notify(ctx, req.Method, req.Params)
}

// forgetBackend drops everything recorded for a backend that is gone. It
// holds the backend's lifecycle lock and does nothing when a server for id is
// running again, so a late cleanup never wipes a fresh server's state. It
// reports whether anything was cleared.
func (b *Bridge) forgetBackend(id rpc.LanguageID) bool {
	lock := b.locks.LockFor(id)
	lock.Lock()
	defer lock.Unlock()
	if b.manager.Running(id) {
		b.log.Debug().Str("language_id", string(id)).Msg("backend restarted, keeping its state")
		return false
	}

	b.watcher.RemoveBackend(id)
	_, err := state.Mutate(b.store, func(s *state.State) (struct{}, error) {
		delete(s.Registrations, id)
		for uri, doc := range s.Documents {
			if doc != nil && doc.LanguageID == id {
				delete(s.Diagnostics, uri)
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		b.log.Warn().Err(err).Str("language_id", string(id)).Msg("clearing backend state")
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
