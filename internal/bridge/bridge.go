// Package bridge wires the editor connection, the router, the backends and
// the shared state into one running process.
package bridge

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dshills/langbridge/internal/backend"
	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/editor"
	"github.com/dshills/langbridge/internal/fswatch"
	"github.com/dshills/langbridge/internal/logging"
	"github.com/dshills/langbridge/internal/router"
	"github.com/dshills/langbridge/internal/rpc"
	"github.com/dshills/langbridge/internal/script"
	"github.com/dshills/langbridge/internal/state"
)

const shutdownTimeout = 10 * time.Second

// Bridge is the process root.
type Bridge struct {
	cfg      config.Config
	store    *state.Store
	locks    *state.LockRegistry
	conn     *rpc.Conn
	editor   *editor.Editor
	manager  *backend.Manager
	watcher  *fswatch.Reconciler
	scripts  *script.Endpoint
	resolver *router.Resolver
	router   *router.Router
	log      zerolog.Logger
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	launcher backend.Launcher
	closer   io.Closer
}

// WithLauncher replaces the process launcher used for backends.
func WithLauncher(l backend.Launcher) Option {
	return func(o *options) {
		o.launcher = l
	}
}

// WithCloser is closed together with the editor connection.
func WithCloser(c io.Closer) Option {
	return func(o *options) {
		o.closer = c
	}
}

// New builds a bridge that talks to the editor over in and out.
func New(cfg config.Config, in io.Reader, out io.Writer, log zerolog.Logger, opts ...Option) (*Bridge, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		cfg:   cfg,
		store: state.NewStore(state.New(cfg), logging.Component(log, "state")),
		locks: state.NewLockRegistry(),
		log:   logging.Component(log, "bridge"),
	}

	b.conn = rpc.NewConn(in, out, o.closer,
		rpc.WithLogger(logging.Component(log, "editor-rpc")),
		rpc.WithCallTimeout(cfg.RPC.CallTimeout.Std()),
	)
	b.editor = editor.New(b.conn, logging.Component(log, "editor"))

	mopts := []backend.ManagerOption{
		backend.WithLogger(logging.Component(log, "backend")),
		backend.WithCallTimeout(cfg.RPC.CallTimeout.Std()),
	}
	if o.launcher != nil {
		mopts = append(mopts, backend.WithLauncher(o.launcher))
	}
	b.manager = backend.NewManager(b.store, b.locks, mopts...)

	watcher, err := fswatch.New(b.manager,
		fswatch.WithDebounce(cfg.Watch.Debounce.Std()),
		fswatch.WithLogger(logging.Component(log, "fswatch")),
	)
	if err != nil {
		return nil, err
	}
	b.watcher = watcher

	ropts := []router.Option{
		router.WithEndpoint(config.EndpointEditor, b.editor),
		router.WithReconciler(b.watcher),
		router.WithLogger(logging.Component(log, "router")),
	}
	if len(cfg.Scripts.Files) > 0 {
		scripts, err := script.New(cfg.Scripts.Files, logging.Component(log, "script"))
		if err != nil {
			watcher.Close()
			return nil, err
		}
		b.scripts = scripts
		ropts = append(ropts, router.WithEndpoint(config.EndpointLua, scripts))
	}

	b.checkOverrides()

	b.resolver = router.NewResolver(editor.NewLocator(b.store), editor.NewMapper(b.store))
	b.router = router.New(b.store, b.table(), b.manager, b.resolver, ropts...)
	b.manager.SetHandler(b.router)
	return b, nil
}

// Store returns the shared state.
func (b *Bridge) Store() *state.Store {
	return b.store
}

// Run serves the editor until its connection ends or ctx is done, then shuts
// everything down.
func (b *Bridge) Run(ctx context.Context) error {
	b.log.Info().
		Str("session_id", b.sessionID()).
		Strs("languages", b.cfg.Languages()).
		Msg("bridge started")

	b.conn.Start(ctx, b.router)

	select {
	case <-ctx.Done():
	case <-b.conn.Done():
		b.log.Info().Msg("editor disconnected")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return b.Close(sctx)
}

// Close stops every backend and releases resources.
func (b *Bridge) Close(ctx context.Context) error {
	var errs error
	if err := b.manager.StopAll(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "stop servers"))
	}
	if err := b.watcher.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "close file watcher"))
	}
	if b.scripts != nil {
		if err := b.scripts.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "close scripts"))
		}
	}
	if err := b.conn.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "close editor connection"))
	}
	return errs
}

// checkOverrides warns about configured script targets that cannot be served.
// They stay installed; calls to them fail when used.
func (b *Bridge) checkOverrides() {
	targets := state.Read(b.store, func(s *state.State) map[string]state.Target {
		out := make(map[string]state.Target, len(s.UserHandlers))
		for method, t := range s.UserHandlers {
			out[method] = t
		}
		return out
	})
	for _, method := range sortedKeys(targets) {
		t := targets[method]
		if t.Endpoint != config.EndpointLua {
			continue
		}
		if b.scripts == nil || !b.scripts.Has(t.Procedure) {
			b.log.Warn().Str("method", method).Str("target", t.String()).Msg("handler names a missing script function")
		}
	}
}

func (b *Bridge) sessionID() string {
	return state.Read(b.store, func(s *state.State) string { return s.SessionID })
}
