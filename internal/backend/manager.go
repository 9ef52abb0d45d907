// Package backend starts, tracks and stops the language servers behind the
// bridge.
//
// Start and Stop for one language id are serialized by that id's lock in the
// shared lock registry. The outcome of every lifecycle change is recorded in
// the shared state. When a server exits on its own, the manager delivers a
// languageClient/serverExited notification to its handler so the router can
// react like it does to any other message.
package backend

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/rpc"
	"github.com/dshills/langbridge/internal/state"
)

// MethodServerExited is delivered to the handler when a server exits
// without being asked to.
const MethodServerExited = "languageClient/serverExited"

// ServerExitedParams are the params of MethodServerExited.
type ServerExitedParams struct {
	LanguageID rpc.LanguageID `json:"languageId"`
	Message    string         `json:"message"`
}

// Manager owns the running servers.
type Manager struct {
	store    *state.Store
	locks    *state.LockRegistry
	launcher Launcher
	log      zerolog.Logger

	callTimeout time.Duration

	mu      sync.RWMutex
	servers map[rpc.LanguageID]*Server
	handler rpc.Handler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) ManagerOption {
	return func(m *Manager) {
		m.launcher = l
	}
}

// WithCallTimeout bounds every request sent to a server.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.callTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager creates a manager over the shared state and lock registry.
func NewManager(store *state.Store, locks *state.LockRegistry, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		locks:    locks,
		launcher: ExecLauncher{},
		log:      zerolog.Nop(),
		servers:  make(map[rpc.LanguageID]*Server),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandler sets the handler for messages arriving from servers. It must be
// called before the first Start.
func (m *Manager) SetHandler(h rpc.Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Start launches the server for id unless it is already running. path, if
// set, is the file that triggered the start; the workspace root is found by
// walking up from it to a configured root marker.
func (m *Manager) Start(ctx context.Context, id rpc.LanguageID, path string) error {
	lock := m.locks.LockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return m.startLocked(ctx, id, path)
}

// startLocked is Start with the backend's lock held. A server whose process
// has exited but whose exit is not processed yet is replaced.
func (m *Manager) startLocked(ctx context.Context, id rpc.LanguageID, path string) error {
	m.mu.RLock()
	current, running := m.servers[id]
	closed, h := m.closed, m.handler
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if running {
		select {
		case <-current.Exited():
			m.remove(current)
		default:
			return nil
		}
	}

	cfg, err := m.serverConfig(id)
	if err != nil {
		return &ServerError{LanguageID: id, Op: "start", Err: err}
	}
	root := FindRoot(path, cfg.RootMarkers)

	m.setInfo(id, func(info *state.ServerInfo) {
		*info = state.ServerInfo{Status: state.ServerStarting, RootURI: lsp.FilePathToURI(root)}
	})

	m.log.Info().Str("language_id", string(id)).Str("command", cfg.Command).Str("root", root).Msg("starting server")
	srv, err := startServer(ctx, m.ctx, id, cfg, root, m.launcher, h, m.callTimeout, m.log)
	if err != nil {
		m.setInfo(id, func(info *state.ServerInfo) {
			info.Status = state.ServerFailed
			info.Message = err.Error()
		})
		return err
	}

	m.mu.Lock()
	m.servers[id] = srv
	m.mu.Unlock()

	m.setInfo(id, func(info *state.ServerInfo) {
		info.Status = state.ServerRunning
		info.PID = srv.proc.PID
		info.Capabilities = srv.result.Capabilities
		info.Started = time.Now()
		info.Message = ""
		if srv.result.ServerInfo != nil {
			info.Name = srv.result.ServerInfo.Name
		}
	})

	m.wg.Add(1)
	go m.watch(srv)
	return nil
}

// Stop shuts the server for id down. Stopping a server that is not running
// is not an error.
func (m *Manager) Stop(ctx context.Context, id rpc.LanguageID) error {
	lock := m.locks.LockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	srv, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	m.setInfo(id, func(info *state.ServerInfo) { info.Status = state.ServerStopping })
	m.log.Info().Str("language_id", string(id)).Msg("stopping server")

	err := srv.stop(ctx)
	m.remove(srv)
	m.setInfo(id, func(info *state.ServerInfo) {
		info.Status = state.ServerStopped
		info.PID = 0
	})
	if err != nil {
		return &ServerError{LanguageID: id, Op: "stop", Err: err}
	}
	return nil
}

// StopAll stops every server in parallel and refuses further starts.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]rpc.LanguageID, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Stop(gctx, id)
		})
	}
	err := g.Wait()

	m.cancel()
	m.wg.Wait()
	return err
}

// Running reports whether the server for id is up.
func (m *Manager) Running(id rpc.LanguageID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.servers[id]
	return ok
}

// Languages returns the ids of the running servers, sorted.
func (m *Manager) Languages() []rpc.LanguageID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]rpc.LanguageID, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Call sends a request to the server for id.
func (m *Manager) Call(ctx context.Context, id rpc.LanguageID, method string, params json.RawMessage) (json.RawMessage, error) {
	srv, err := m.server(id)
	if err != nil {
		return nil, err
	}
	return srv.call(ctx, method, params)
}

// Notify sends a notification to the server for id.
func (m *Manager) Notify(ctx context.Context, id rpc.LanguageID, method string, params json.RawMessage) error {
	srv, err := m.server(id)
	if err != nil {
		return err
	}
	return srv.conn.Notify(ctx, method, params)
}

func (m *Manager) server(id rpc.LanguageID) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[id]
	if !ok {
		return nil, &ServerError{LanguageID: id, Err: ErrNotRunning}
	}
	return srv, nil
}

func (m *Manager) remove(srv *Server) {
	m.mu.Lock()
	if m.servers[srv.id] == srv {
		delete(m.servers, srv.id)
	}
	m.mu.Unlock()
}

// watch waits for the process to exit and reports exits nobody asked for.
// The record is updated under the backend's lock, and only while srv is still
// the registered server. The notification is delivered after the lock is
// released because its handlers may start or stop servers.
func (m *Manager) watch(srv *Server) {
	defer m.wg.Done()

	select {
	case <-srv.Exited():
	case <-m.ctx.Done():
		return
	}

	expected, exitErr := srv.exitStatus()
	if expected {
		return
	}

	msg := "server exited"
	if exitErr != nil {
		msg = exitErr.Error()
	}

	lock := m.locks.LockFor(srv.id)
	lock.Lock()
	m.mu.Lock()
	current := m.servers[srv.id] == srv
	if current {
		delete(m.servers, srv.id)
	}
	h := m.handler
	m.mu.Unlock()
	if !current {
		// Stopped or already replaced by a newer server.
		lock.Unlock()
		return
	}
	m.log.Warn().Str("language_id", string(srv.id)).Str("reason", msg).Msg("server exited unexpectedly")
	m.setInfo(srv.id, func(info *state.ServerInfo) {
		info.Status = state.ServerFailed
		info.PID = 0
		info.Message = msg
	})
	lock.Unlock()

	if h == nil {
		return
	}
	params, err := json.Marshal(ServerExitedParams{LanguageID: srv.id, Message: msg})
	if err != nil {
		m.log.Error().Err(errors.WithStack(err)).Msg("encode exit notification")
		return
	}
	h.HandleNotification(m.ctx, &rpc.Notification{Method: MethodServerExited, Params: params, Source: srv.id})
}

func (m *Manager) serverConfig(id rpc.LanguageID) (config.ServerConfig, error) {
	type lookup struct {
		cfg config.ServerConfig
		err error
	}
	res := state.Read(m.store, func(s *state.State) lookup {
		cfg, err := s.Config.Server(string(id))
		return lookup{cfg, err}
	})
	return res.cfg, res.err
}

func (m *Manager) setInfo(id rpc.LanguageID, fn func(*state.ServerInfo)) {
	_, err := state.Mutate(m.store, func(s *state.State) (struct{}, error) {
		info, ok := s.Servers[id]
		if !ok || info == nil {
			info = &state.ServerInfo{}
			s.Servers[id] = info
		}
		fn(info)
		return struct{}{}, nil
	})
	if err != nil {
		m.log.Error().Err(err).Str("language_id", string(id)).Msg("record server state")
	}
}
