package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/rpc"
)

const (
	initializeTimeout = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
	exitGrace         = 2 * time.Second
)

// Server is one running language server.
type Server struct {
	id   rpc.LanguageID
	cfg  config.ServerConfig
	root string
	proc *Process
	conn *rpc.Conn
	log  zerolog.Logger

	result lsp.InitializeResult

	mu       sync.Mutex
	stopping bool
	exited   chan struct{}
	exitErr  error
}

// startServer launches the process and completes the initialize handshake.
// Inbound messages from the server go to h.
func startServer(ctx, connCtx context.Context, id rpc.LanguageID, cfg config.ServerConfig, root string,
	launcher Launcher, h rpc.Handler, callTimeout time.Duration, log zerolog.Logger) (*Server, error) {
	proc, err := launcher.Launch(ctx, id, cfg, root)
	if err != nil {
		return nil, &ServerError{LanguageID: id, Op: "launch", Err: err}
	}

	log = log.With().Str("language_id", string(id)).Int("pid", proc.PID).Logger()
	s := &Server{
		id:     id,
		cfg:    cfg,
		root:   root,
		proc:   proc,
		log:    log,
		exited: make(chan struct{}),
	}
	s.conn = rpc.NewConn(proc.Stdout, proc.Stdin, proc.Stdin,
		rpc.WithSource(id),
		rpc.WithLogger(log),
		rpc.WithCallTimeout(callTimeout),
	)
	s.conn.Start(connCtx, h)

	if proc.Stderr != nil {
		go s.drainStderr()
	}
	go s.wait()

	if err := s.initialize(ctx); err != nil {
		s.kill()
		return nil, &ServerError{LanguageID: id, Op: "initialize", Err: err}
	}
	return s, nil
}

func (s *Server) initialize(ctx context.Context) error {
	root := s.root
	if root == "" {
		root, _ = os.Getwd()
	}
	rootURI := lsp.FilePathToURI(root)
	params := lsp.InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		RootPath:              root,
		Capabilities:          lsp.DefaultClientCapabilities(),
		InitializationOptions: s.cfg.InitializationOptions,
		WorkspaceFolders:      []lsp.WorkspaceFolder{{URI: rootURI, Name: filepath.Base(root)}},
	}

	ctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	raw, err := s.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &s.result); err != nil {
		return errors.Wrap(err, "decode initialize result")
	}
	if err := s.conn.Notify(ctx, "initialized", lsp.InitializedParams{}); err != nil {
		return errors.Wrap(err, "initialized")
	}

	if len(s.cfg.Settings) > 0 {
		err := s.conn.Notify(ctx, "workspace/didChangeConfiguration", lsp.DidChangeConfigurationParams{Settings: s.cfg.Settings})
		if err != nil {
			return errors.Wrap(err, "send settings")
		}
	}
	return nil
}

// call waits for a response or the process exit, whichever comes first.
func (s *Server) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	raw, err := s.conn.Call(ctx, method, params)
	if err != nil {
		select {
		case <-s.exited:
			return nil, errors.Wrapf(ErrExited, "%s", method)
		default:
		}
		return nil, err
	}
	return raw, nil
}

// stop runs the shutdown/exit sequence and waits for the process to go.
func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	select {
	case <-s.exited:
		return nil
	default:
	}

	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs error
	if _, err := s.call(sctx, "shutdown", nil); err != nil {
		errs = errors.Wrap(err, "shutdown")
	} else if err := s.conn.Notify(sctx, "exit", nil); err != nil {
		errs = errors.Wrap(err, "exit")
	}

	select {
	case <-s.exited:
	case <-time.After(exitGrace):
		s.log.Warn().Msg("server did not exit, killing")
		s.kill()
	}
	return errs
}

func (s *Server) kill() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.conn.Close()
	if s.proc.Kill != nil {
		if err := s.proc.Kill(); err != nil {
			s.log.Debug().Err(err).Msg("kill")
		}
	}
	<-s.exited
}

func (s *Server) wait() {
	err := s.proc.Wait()
	s.conn.Close()

	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	close(s.exited)
}

// Exited is closed when the process has terminated.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// exitStatus reports whether the exit was requested, and the wait error.
func (s *Server) exitStatus() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping, s.exitErr
}

func (s *Server) drainStderr() {
	sc := bufio.NewScanner(s.proc.Stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.log.Debug().Str("stream", "stderr").Msg(sc.Text())
	}
}
