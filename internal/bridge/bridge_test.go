package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/dshills/langbridge/internal/backend"
	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/fswatch"
	"github.com/dshills/langbridge/internal/logging"
	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/rpc"
	"github.com/dshills/langbridge/internal/rpc/rpctest"
	"github.com/dshills/langbridge/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 5 * time.Second

// fakeServer is an in-memory language server.
type fakeServer struct {
	id   rpc.LanguageID
	peer *rpctest.Peer
	done chan struct{}
	once sync.Once
	err  error

	mu   sync.Mutex
	seen []rpctest.Message

	responses chan rpctest.Message
}

func (f *fakeServer) exit(err error) {
	f.once.Do(func() {
		f.err = err
		f.peer.Close()
		close(f.done)
	})
}

func (f *fakeServer) serve() {
	for {
		m, err := f.peer.Read()
		if err != nil {
			return
		}
		switch {
		case m.IsCall():
			f.record(m)
			if err := f.peer.Reply(m.ID, f.answer(m), nil); err != nil {
				return
			}
		case m.IsNotification():
			f.record(m)
			if m.Method == "exit" {
				f.exit(nil)
				return
			}
		default:
			f.responses <- m
		}
	}
}

func (f *fakeServer) answer(m rpctest.Message) any {
	switch m.Method {
	case "initialize":
		return map[string]any{
			"capabilities": map[string]any{"hoverProvider": true},
			"serverInfo":   map[string]any{"name": "fake-" + string(f.id)},
		}
	case "textDocument/hover":
		return map[string]string{"contents": "docs"}
	}
	return nil
}

func (f *fakeServer) record(m rpctest.Message) {
	f.mu.Lock()
	f.seen = append(f.seen, m)
	f.mu.Unlock()
}

func (f *fakeServer) message(method string) (rpctest.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.seen {
		if m.Method == method {
			return m, true
		}
	}
	return rpctest.Message{}, false
}

func (f *fakeServer) saw(method string) bool {
	_, ok := f.message(method)
	return ok
}

// call sends a request to the bridge and waits for its response.
func (f *fakeServer) call(t *testing.T, method string, params any) rpctest.Message {
	t.Helper()
	id, err := f.peer.Call(method, params)
	if err != nil {
		t.Fatalf("server Call(%s) error = %v", method, err)
	}
	return awaitResponse(t, f.responses, id)
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeServer
}

func (l *fakeLauncher) Launch(ctx context.Context, id rpc.LanguageID, cfg config.ServerConfig, dir string) (*backend.Process, error) {
	peer, in, out := rpctest.Pair()
	f := &fakeServer{id: id, peer: peer, done: make(chan struct{}), responses: make(chan rpctest.Message, 8)}
	go f.serve()

	l.mu.Lock()
	l.procs = append(l.procs, f)
	pid := 2000 + len(l.procs)
	l.mu.Unlock()

	return &backend.Process{
		PID:    pid,
		Stdin:  out,
		Stdout: in,
		Wait: func() error {
			<-f.done
			return f.err
		},
		Kill: func() error {
			f.exit(errors.New("signal: killed"))
			return nil
		},
	}, nil
}

func (l *fakeLauncher) proc(i int) *fakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// editorPeer plays the editor. Calls from the bridge are answered from
// results; everything else is queued for the test.
type editorPeer struct {
	peer      *rpctest.Peer
	results   map[string]any
	responses chan rpctest.Message
	notes     chan rpctest.Message
	calls     chan rpctest.Message
}

func (e *editorPeer) serve() {
	for {
		m, err := e.peer.Read()
		if err != nil {
			return
		}
		switch {
		case m.IsCall():
			select {
			case e.calls <- m:
			default:
			}
			if err := e.peer.Reply(m.ID, e.results[m.Method], nil); err != nil {
				return
			}
		case m.IsNotification():
			select {
			case e.notes <- m:
			default:
			}
		default:
			e.responses <- m
		}
	}
}

func (e *editorPeer) call(t *testing.T, method string, params any) rpctest.Message {
	t.Helper()
	id, err := e.peer.Call(method, params)
	if err != nil {
		t.Fatalf("editor Call(%s) error = %v", method, err)
	}
	return awaitResponse(t, e.responses, id)
}

func (e *editorPeer) notify(t *testing.T, method string, params any) {
	t.Helper()
	if err := e.peer.Notify(method, params); err != nil {
		t.Fatalf("editor Notify(%s) error = %v", method, err)
	}
}

// notification waits for the next notification with the given method.
func (e *editorPeer) notification(t *testing.T, method string) rpctest.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-e.notes:
			if m.Method == method {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s notification within %v", method, waitTimeout)
		}
	}
}

func awaitResponse(t *testing.T, ch <-chan rpctest.Message, id int64) rpctest.Message {
	t.Helper()
	want := strconv.FormatInt(id, 10)
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-ch:
			if string(m.ID) == want {
				return m
			}
		case <-deadline:
			t.Fatalf("no response to request %d within %v", id, waitTimeout)
		}
	}
}

type closers []io.Closer

func (c closers) Close() error {
	var errs error
	for _, cl := range c {
		errs = errors.CombineErrors(errs, cl.Close())
	}
	return errs
}

type fixture struct {
	bridge   *Bridge
	editor   *editorPeer
	launcher *fakeLauncher
	root     string
	file     string
	uri      lsp.DocumentURI
}

func newFixture(t *testing.T, configure func(*config.Config)) *fixture {
	t.Helper()

	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(root, "main.go")
	if err := os.WriteFile(file, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Watch.Debounce = 0
	cfg.RPC.CallTimeout = config.Duration(waitTimeout)
	cfg.Servers["go"] = config.ServerConfig{
		Command:     "gopls",
		Extensions:  []string{"go"},
		RootMarkers: []string{"go.mod"},
		AutoStart:   true,
		Settings:    map[string]any{"gopls": map[string]any{"staticcheck": true}},
	}
	if configure != nil {
		configure(&cfg)
	}

	peer, in, out := rpctest.Pair()
	f := &fixture{
		editor: &editorPeer{
			peer:      peer,
			results: map[string]any{
				"MyHover":             map[string]string{"contents": "overridden"},
				"workspace/applyEdit": map[string]bool{"applied": true},
			},
			responses: make(chan rpctest.Message, 16),
			notes:     make(chan rpctest.Message, 256),
			calls:     make(chan rpctest.Message, 16),
		},
		launcher: &fakeLauncher{},
		root:     root,
		file:     file,
		uri:      lsp.FilePathToURI(file),
	}

	b, err := New(cfg, in, out, zerolog.Nop(), WithLauncher(f.launcher), WithCloser(closers{in, out}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.bridge = b
	go f.editor.serve()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(waitTimeout):
			t.Error("Run() did not return")
		}
		peer.Close()
	})
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	f.editor.notify(t, "textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{"uri": f.uri, "languageId": "go", "version": 1, "text": "package main\n"},
	})
	waitFor(t, func() bool { return f.launcher.count() == 1 && f.launcher.proc(0).saw("textDocument/didOpen") })
}

func (f *fixture) read(fn func(*state.State) any) any {
	return state.Read(f.bridge.Store(), fn)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBridge_DidOpenStartsServer(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	srv := f.launcher.proc(0)
	initMsg, _ := srv.message("initialize")
	if got := gjson.GetBytes(initMsg.Params, "rootUri").String(); got != string(lsp.FilePathToURI(f.root)) {
		t.Errorf("rootUri = %q, want %q", got, lsp.FilePathToURI(f.root))
	}

	doc := f.read(func(s *state.State) any {
		if d, ok := s.Documents[f.uri]; ok {
			return *d
		}
		return nil
	})
	want := state.Document{URI: f.uri, LanguageID: "go", Version: 1}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
	if got := f.read(func(s *state.State) any { return s.CurrentFile }); got != f.file {
		t.Errorf("CurrentFile = %v, want %s", got, f.file)
	}

	resp := f.editor.call(t, MethodIsAlive, map[string]string{"languageId": "go"})
	if string(resp.Result) != "true" {
		t.Errorf("isAlive = %s, want true", resp.Result)
	}
}

func TestBridge_DidOpenWithoutAutoStart(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		sc := c.Servers["go"]
		sc.AutoStart = false
		c.Servers["go"] = sc
	})

	f.editor.notify(t, "textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{"uri": f.uri, "languageId": "go", "version": 1},
	})
	waitFor(t, func() bool {
		return f.read(func(s *state.State) any { return len(s.Documents) }) == 1
	})
	if n := f.launcher.count(); n != 0 {
		t.Errorf("launched %d servers, want 0", n)
	}
}

func TestBridge_ProxiesEditorCalls(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	resp := f.editor.call(t, "textDocument/hover", map[string]any{
		"textDocument": map[string]any{"uri": f.uri},
		"position":     map[string]int{"line": 0, "character": 0},
	})
	if resp.Error != nil {
		t.Fatalf("hover error = %v", resp.Error)
	}
	if got := gjson.GetBytes(resp.Result, "contents").String(); got != "docs" {
		t.Errorf("hover contents = %q, want docs", got)
	}
}

func TestBridge_RegisterHandlersOverrides(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.editor.call(t, MethodRegisterHandlers, map[string]any{
		"handlers": map[string]string{"textDocument/hover": "MyHover"},
	})
	if resp.Error != nil {
		t.Fatalf("registerHandlers error = %v", resp.Error)
	}

	resp = f.editor.call(t, "textDocument/hover", map[string]any{
		"textDocument": map[string]any{"uri": f.uri},
	})
	if resp.Error != nil {
		t.Fatalf("hover error = %v", resp.Error)
	}
	if got := gjson.GetBytes(resp.Result, "contents").String(); got != "overridden" {
		t.Errorf("hover contents = %q, want overridden", got)
	}
	select {
	case m := <-f.editor.calls:
		if m.Method != "MyHover" || gjson.GetBytes(m.Params, "textDocument.uri").String() != string(f.uri) {
			t.Errorf("editor received %s %s", m.Method, m.Params)
		}
	default:
		t.Error("editor procedure was not called")
	}
	if n := f.launcher.count(); n != 0 {
		t.Errorf("launched %d servers, want 0", n)
	}

	resp = f.editor.call(t, MethodRegisterHandlers, map[string]any{
		"handlers": map[string]string{"x": "bogus:Thing"},
	})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Errorf("bad target error = %v, want code %d", resp.Error, rpc.CodeInvalidParams)
	}
}

func TestBridge_LuaOverride(t *testing.T) {
	script := filepath.Join(t.TempDir(), "handlers.lua")
	src := `function Hover(params) return { contents = "from lua", line = params.position.line } end`
	if err := os.WriteFile(script, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(c *config.Config) {
		c.Scripts.Files = []string{script}
		c.Handlers["textDocument/hover"] = "lua:Hover"
	})

	resp := f.editor.call(t, "textDocument/hover", map[string]any{
		"textDocument": map[string]any{"uri": f.uri},
		"position":     map[string]int{"line": 7, "character": 0},
	})
	if resp.Error != nil {
		t.Fatalf("hover error = %v", resp.Error)
	}
	if diff := cmp.Diff(`{"contents":"from lua","line":7}`, string(resp.Result)); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestBridge_GetState(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.editor.call(t, MethodGetState, nil)
	if resp.Error != nil {
		t.Fatalf("getState error = %v", resp.Error)
	}
	if gjson.GetBytes(resp.Result, "session_id").String() == "" {
		t.Error("session_id is empty")
	}
	if got := gjson.GetBytes(resp.Result, "config.servers.go.command").String(); got != "gopls" {
		t.Errorf("config.servers.go.command = %q, want gopls", got)
	}
}

func TestBridge_IsAliveRequiresLanguage(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.editor.call(t, MethodIsAlive, map[string]string{})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Errorf("isAlive error = %v, want code %d", resp.Error, rpc.CodeInvalidParams)
	}
	resp = f.editor.call(t, MethodIsAlive, map[string]string{"languageId": "go"})
	if string(resp.Result) != "false" {
		t.Errorf("isAlive = %s, want false", resp.Result)
	}
}

func TestBridge_StartAndStopServer(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.editor.call(t, MethodStartServer, map[string]string{"filename": f.file})
	if resp.Error != nil || string(resp.Result) != "true" {
		t.Fatalf("startServer = %s, %v", resp.Result, resp.Error)
	}
	status := f.read(func(s *state.State) any { info, _ := s.Server("go"); return info.Status })
	if status != state.ServerRunning {
		t.Errorf("status = %v, want running", status)
	}

	resp = f.editor.call(t, MethodStopServer, map[string]string{"languageId": "go"})
	if resp.Error != nil {
		t.Fatalf("stopServer error = %v", resp.Error)
	}
	srv := f.launcher.proc(0)
	if !srv.saw("shutdown") || !srv.saw("exit") {
		t.Error("server did not see shutdown and exit")
	}
	status = f.read(func(s *state.State) any { info, _ := s.Server("go"); return info.Status })
	if status != state.ServerStopped {
		t.Errorf("status = %v, want stopped", status)
	}
}

func TestBridge_StartServerFailureIsShown(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.editor.call(t, MethodStartServer, map[string]string{"languageId": "python"})
	if resp.Error == nil {
		t.Fatal("startServer succeeded for an unconfigured language")
	}
	note := f.editor.notification(t, "window/showMessage")
	if got := gjson.GetBytes(note.Params, "type").Int(); got != int64(lsp.MessageTypeError) {
		t.Errorf("message type = %d, want error", got)
	}
	if msg := gjson.GetBytes(note.Params, "message").String(); !strings.Contains(msg, "python") {
		t.Errorf("message = %q, want it to name python", msg)
	}
}

func TestBridge_SetLoggingLevel(t *testing.T) {
	f := newFixture(t, nil)
	t.Cleanup(func() { logging.SetLevel("info") })

	resp := f.editor.call(t, MethodSetLoggingLevel, map[string]string{"level": "debug"})
	if resp.Error != nil {
		t.Fatalf("setLoggingLevel error = %v", resp.Error)
	}
	if got := f.read(func(s *state.State) any { return s.LogLevel }); got != "debug" {
		t.Errorf("LogLevel = %v, want debug", got)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("global level = %v, want debug", zerolog.GlobalLevel())
	}
}

func TestBridge_RegisterServerCommands(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.editor.call(t, MethodRegisterServerCommands, map[string]any{
		"commands": map[string][]string{"python": {"pylsp", "-v"}},
	})
	if resp.Error != nil {
		t.Fatalf("registerServerCommands error = %v", resp.Error)
	}
	got := f.read(func(s *state.State) any { return s.Config.Servers["python"] })
	want := config.ServerConfig{Command: "pylsp", Args: []string{"-v"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("server config mismatch (-want +got):\n%s", diff)
	}

	resp = f.editor.call(t, MethodRegisterServerCommands, map[string]any{
		"commands": map[string][]string{"ruby": {}},
	})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Errorf("empty command error = %v, want code %d", resp.Error, rpc.CodeInvalidParams)
	}
}

func TestBridge_Diagnostics(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)
	srv := f.launcher.proc(0)

	diag := map[string]any{"message": "unused variable", "range": map[string]any{}}
	if err := srv.peer.Notify("textDocument/publishDiagnostics", map[string]any{"uri": f.uri, "diagnostics": []any{diag}}); err != nil {
		t.Fatal(err)
	}
	note := f.editor.notification(t, "textDocument/publishDiagnostics")
	if got := gjson.GetBytes(note.Params, "diagnostics.0.message").String(); got != "unused variable" {
		t.Errorf("forwarded diagnostic = %q", got)
	}
	cached := f.read(func(s *state.State) any { return len(s.Diagnostics[f.uri]) })
	if cached != 1 {
		t.Errorf("cached diagnostics = %v, want 1", cached)
	}

	if err := srv.peer.Notify("textDocument/publishDiagnostics", map[string]any{"uri": f.uri, "diagnostics": []any{}}); err != nil {
		t.Fatal(err)
	}
	f.editor.notification(t, "textDocument/publishDiagnostics")
	empty := f.read(func(s *state.State) any { _, ok := s.Diagnostics[f.uri]; return !ok })
	if !empty.(bool) {
		t.Error("diagnostics still cached after an empty publish")
	}
}

func TestBridge_DocumentLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)
	srv := f.launcher.proc(0)

	f.editor.notify(t, "textDocument/didChange", map[string]any{
		"textDocument":   map[string]any{"uri": f.uri, "version": 2},
		"contentChanges": []map[string]string{{"text": "package main\n\nfunc main() {}\n"}},
	})
	waitFor(t, func() bool { return srv.saw("textDocument/didChange") })
	version := f.read(func(s *state.State) any { return s.Documents[f.uri].Version })
	if version != 2 {
		t.Errorf("version = %v, want 2", version)
	}

	f.editor.notify(t, "textDocument/didSave", map[string]any{"textDocument": map[string]any{"uri": f.uri}})
	waitFor(t, func() bool { return srv.saw("textDocument/didSave") })

	f.editor.notify(t, "textDocument/didClose", map[string]any{"textDocument": map[string]any{"uri": f.uri}})
	waitFor(t, func() bool { return srv.saw("textDocument/didClose") })
	open := f.read(func(s *state.State) any { return len(s.Documents) })
	if open != 0 {
		t.Errorf("open documents = %v, want 0", open)
	}
}

func TestBridge_HandleBufEnter(t *testing.T) {
	f := newFixture(t, nil)

	f.editor.notify(t, MethodHandleBufEnter, map[string]string{"filename": "/tmp/other.go"})
	waitFor(t, func() bool {
		return f.read(func(s *state.State) any { return s.CurrentFile }) == "/tmp/other.go"
	})
}

func TestBridge_WorkspaceConfiguration(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	resp := f.launcher.proc(0).call(t, "workspace/configuration", map[string]any{
		"items": []map[string]string{{"section": "gopls.staticcheck"}, {"section": "missing"}, {}},
	})
	if resp.Error != nil {
		t.Fatalf("configuration error = %v", resp.Error)
	}
	want := `[true,null,{"gopls":{"staticcheck":true}}]`
	if diff := cmp.Diff(want, string(resp.Result)); diff != "" {
		t.Errorf("configuration mismatch (-want +got):\n%s", diff)
	}
}

func TestBridge_ServerRequestsToEditor(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)
	srv := f.launcher.proc(0)

	resp := srv.call(t, "workspace/applyEdit", map[string]any{"edit": map[string]any{}})
	if resp.Error != nil || gjson.GetBytes(resp.Result, "applied").Bool() != true {
		t.Errorf("applyEdit = %s, %v", resp.Result, resp.Error)
	}

	resp = srv.call(t, "custom/unknown", nil)
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("unknown method error = %v, want code %d", resp.Error, rpc.CodeMethodNotFound)
	}

	resp = srv.call(t, "$/custom", nil)
	if resp.Error != nil || string(resp.Result) != "null" {
		t.Errorf("reserved method = %s, %v, want null", resp.Result, resp.Error)
	}
}

func TestBridge_WatchedFiles(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)
	srv := f.launcher.proc(0)

	resp := srv.call(t, "client/registerCapability", map[string]any{
		"registrations": []map[string]any{{
			"id":              "watch-go",
			"method":          "workspace/didChangeWatchedFiles",
			"registerOptions": map[string]any{"watchers": []map[string]any{{"globPattern": "**/*.go"}}},
		}},
	})
	if resp.Error != nil {
		t.Fatalf("registerCapability error = %v", resp.Error)
	}
	regs := f.read(func(s *state.State) any { return len(s.Registrations["go"]) })
	if regs != 1 {
		t.Fatalf("registrations = %v, want 1", regs)
	}

	created := filepath.Join(f.root, "added.go")
	fh, err := os.Create(created)
	if err != nil {
		t.Fatal(err)
	}
	fh.Close()

	// Buffered file events are flushed after the next handled message.
	waitFor(t, func() bool {
		f.editor.notify(t, MethodHandleBufEnter, map[string]string{"filename": f.file})
		return srv.saw(fswatch.MethodDidChangeWatchedFiles)
	})
	m, _ := srv.message(fswatch.MethodDidChangeWatchedFiles)
	var params lsp.DidChangeWatchedFilesParams
	if err := json.Unmarshal(m.Params, &params); err != nil {
		t.Fatal(err)
	}
	want := []lsp.FileEvent{{URI: lsp.FilePathToURI(created), Type: lsp.FileChangeTypeCreated}}
	if diff := cmp.Diff(want, params.Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	resp = srv.call(t, "client/unregisterCapability", map[string]any{
		"unregisterations": []map[string]string{{"id": "watch-go", "method": "workspace/didChangeWatchedFiles"}},
	})
	if resp.Error != nil {
		t.Fatalf("unregisterCapability error = %v", resp.Error)
	}
	regs = f.read(func(s *state.State) any { return len(s.Registrations["go"]) })
	if regs != 0 {
		t.Errorf("registrations after unregister = %v, want 0", regs)
	}
}

func TestBridge_ServerExitIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)
	srv := f.launcher.proc(0)

	srv.call(t, "client/registerCapability", map[string]any{
		"registrations": []map[string]any{{"id": "r1", "method": "textDocument/formatting"}},
	})
	srv.exit(errors.New("exit status 2"))

	note := f.editor.notification(t, "window/showMessage")
	msg := gjson.GetBytes(note.Params, "message").String()
	if !strings.Contains(msg, "go") || !strings.Contains(msg, "exit status 2") {
		t.Errorf("message = %q", msg)
	}
	waitFor(t, func() bool {
		return f.read(func(s *state.State) any { return len(s.Registrations) }) == 0
	})
	status := f.read(func(s *state.State) any { info, _ := s.Server("go"); return info.Status })
	if status != state.ServerFailed {
		t.Errorf("status = %v, want failed", status)
	}
}

func TestBridge_StaleExitKeepsRunningServerState(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)
	srv := f.launcher.proc(0)

	srv.call(t, "client/registerCapability", map[string]any{
		"registrations": []map[string]any{{"id": "r1", "method": "textDocument/formatting"}},
	})
	// An exit report for a server that has since been restarted.
	f.editor.notify(t, backend.MethodServerExited, map[string]string{"languageId": "go", "message": "exit status 2"})

	deadline := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case m := <-f.editor.notes:
			if m.Method == "window/showMessage" {
				t.Errorf("stale exit shown: %s", m.Params)
			}
		case <-deadline:
			done = true
		}
	}
	regs := f.read(func(s *state.State) any { return len(s.Registrations["go"]) })
	if regs != 1 {
		t.Errorf("registrations = %v, want 1", regs)
	}
}

func TestBridge_ExitNotification(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)
	srv := f.launcher.proc(0)

	f.editor.notify(t, "exit", map[string]string{"languageId": "go"})
	waitFor(t, func() bool { return srv.saw("exit") })
	waitFor(t, func() bool {
		return f.read(func(s *state.State) any { info, _ := s.Server("go"); return info.Status }) == state.ServerStopped
	})
}

func TestMetricsServer(t *testing.T) {
	ms, err := ListenMetrics("127.0.0.1:0", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ms.Serve(ctx) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	var body []byte
	waitFor(t, func() bool {
		resp, err := client.Get("http://" + ms.Addr() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	})
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output has no go_goroutines")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}
