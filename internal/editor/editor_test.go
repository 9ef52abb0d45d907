package editor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/router"
	"github.com/dshills/langbridge/internal/rpc"
	"github.com/dshills/langbridge/internal/rpc/rpctest"
	"github.com/dshills/langbridge/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	cfg := config.Default()
	cfg.Servers["go"] = config.ServerConfig{Command: "gopls", Extensions: []string{"go"}}
	cfg.Servers["rust"] = config.ServerConfig{Command: "rust-analyzer"}
	cfg.Servers["mylang"] = config.ServerConfig{Command: "mylang-ls", Extensions: []string{"ml"}}
	return state.NewStore(state.New(cfg), zerolog.Nop())
}

func TestLocator_FilePath(t *testing.T) {
	store := newStore(t)
	loc := NewLocator(store)

	tests := []struct {
		name   string
		params string
		want   string
	}{
		{"filename", `{"filename":"/src/main.go"}`, "/src/main.go"},
		{"textDocument uri", `{"textDocument":{"uri":"file:///src/lib.rs"}}`, "/src/lib.rs"},
		{"uri", `{"uri":"file:///src/a.go"}`, "/src/a.go"},
		{"filename wins", `{"filename":"/x.go","textDocument":{"uri":"file:///y.go"}}`, "/x.go"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loc.FilePath(json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("FilePath() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FilePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocator_FallsBackToCurrentFile(t *testing.T) {
	store := newStore(t)
	loc := NewLocator(store)

	if _, err := loc.FilePath(json.RawMessage(`{"position":{}}`)); !errors.Is(err, ErrNoDocument) {
		t.Errorf("FilePath() error = %v, want ErrNoDocument", err)
	}

	_, _ = state.Mutate(store, func(s *state.State) (struct{}, error) {
		s.CurrentFile = "/src/current.go"
		return struct{}{}, nil
	})

	got, err := loc.FilePath(json.RawMessage(`null`))
	if err != nil || got != "/src/current.go" {
		t.Errorf("FilePath() = %q, %v", got, err)
	}
}

func TestMapper_LanguageID(t *testing.T) {
	store := newStore(t)
	_, _ = state.Mutate(store, func(s *state.State) (struct{}, error) {
		uri := lsp.FilePathToURI("/src/notes.txt")
		s.Documents[uri] = &state.Document{URI: uri, LanguageID: "rust"}
		return struct{}{}, nil
	})
	m := NewMapper(store)

	tests := []struct {
		name    string
		path    string
		params  string
		want    rpc.LanguageID
		wantErr error
	}{
		{name: "from params", path: "/src/x.txt", params: `{"languageId":"go"}`, want: "go"},
		{name: "from textDocument", path: "/src/x.txt", params: `{"textDocument":{"languageId":"rust"}}`, want: "rust"},
		{name: "from open document", path: "/src/notes.txt", params: `{}`, want: "rust"},
		{name: "from config extension", path: "/src/a.ml", params: `{}`, want: "mylang"},
		{name: "from well-known extension", path: "/src/lib.rs", params: `{}`, want: "rust"},
		{name: "no language", path: "/src/README", params: `{}`, wantErr: ErrNoLanguage},
		{name: "no server", path: "/src/app.py", params: `{}`, wantErr: config.ErrUnknownServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.LanguageID(tt.path, json.RawMessage(tt.params))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("LanguageID() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LanguageID() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LanguageID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolverWithEditorLookups(t *testing.T) {
	store := newStore(t)
	r := router.NewResolver(NewLocator(store), NewMapper(store))

	id, err := r.Resolve(json.RawMessage(`{"textDocument":{"uri":"file:///src/main.go"},"position":{"line":0,"character":0}}`))
	if err != nil || id != "go" {
		t.Errorf("Resolve() = %q, %v; want go", id, err)
	}

	_, err = r.Resolve(json.RawMessage(`{}`))
	if !errors.Is(err, router.ErrCannotResolve) || !errors.Is(err, ErrNoDocument) {
		t.Errorf("Resolve() error = %v, want ErrCannotResolve wrapping ErrNoDocument", err)
	}
}

func TestEditor_CallAndNotify(t *testing.T) {
	peer, in, out := rpctest.Pair()
	conn := rpc.NewConn(in, out, out)
	defer func() {
		conn.Close()
		peer.Close()
	}()
	conn.Start(context.Background(), nopHandler{})

	seen := make(chan rpctest.Message, 4)
	go peer.Serve(func(m rpctest.Message) (any, *rpc.Error) {
		seen <- m
		return map[string]bool{"ok": true}, nil
	})

	ed := New(conn, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := ed.Call(ctx, "MyEditorFunction", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
	if m := <-seen; m.Method != "MyEditorFunction" || string(m.Params) != `{"a":1}` {
		t.Errorf("editor saw %+v", m)
	}

	reported := ed.ShowError(ctx, errors.New("server failed to start"))
	if !errors.Is(reported, router.ErrAlreadyReported) {
		t.Errorf("ShowError() = %v, want already reported", reported)
	}
	m := <-seen
	var p lsp.ShowMessageParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		t.Fatal(err)
	}
	if m.Method != "window/showMessage" || p.Type != lsp.MessageTypeError || p.Message != "server failed to start" {
		t.Errorf("editor saw %+v", m)
	}
}

func TestEditor_ShowErrorUnreachable(t *testing.T) {
	peer, in, out := rpctest.Pair()
	conn := rpc.NewConn(in, out, out)
	peer.Close()
	conn.Close()

	ed := New(conn, zerolog.Nop())
	err := ed.ShowError(context.Background(), errors.New("boom"))
	if errors.Is(err, router.ErrAlreadyReported) {
		t.Error("error must stay unmarked when the user never saw it")
	}
	if ed.ShowError(context.Background(), nil) != nil {
		t.Error("ShowError(nil) should be nil")
	}
}

type nopHandler struct{}

func (nopHandler) HandleCall(ctx context.Context, reply rpc.Replier, call *rpc.Call) {
	_ = reply(ctx, nil, nil)
}

func (nopHandler) HandleNotification(ctx context.Context, n *rpc.Notification) {}
