// Package state holds the shared session data and the only ways to access it.
//
// All reads go through Read and all writes through Mutate. Neither may be
// called from inside the function passed to the other: the store lock is not
// reentrant and a nested call deadlocks.
package state

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/rpc"
)

// Target is a dynamic handler override.
type Target = config.Target

// ServerStatus is the lifecycle phase of a backend.
type ServerStatus string

const (
	ServerStarting ServerStatus = "starting"
	ServerRunning  ServerStatus = "running"
	ServerStopping ServerStatus = "stopping"
	ServerStopped  ServerStatus = "stopped"
	ServerFailed   ServerStatus = "failed"
)

// ServerInfo is the runtime record of one backend.
type ServerInfo struct {
	Status       ServerStatus    `json:"status"`
	PID          int             `json:"pid,omitempty"`
	RootURI      lsp.DocumentURI `json:"root_uri,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Name         string          `json:"name,omitempty"`
	Started      time.Time       `json:"started,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Document is an open editor buffer.
type Document struct {
	URI        lsp.DocumentURI `json:"uri"`
	LanguageID rpc.LanguageID  `json:"language_id"`
	Version    int             `json:"version"`
}

// State is the root of all mutable session data.
type State struct {
	SessionID string `json:"session_id"`

	Servers   map[rpc.LanguageID]*ServerInfo `json:"servers"`
	Documents map[lsp.DocumentURI]*Document  `json:"documents"`
	Config    config.Config                  `json:"config"`

	// UserHandlers maps a method name to its override target.
	UserHandlers map[string]Target `json:"user_handlers"`

	// CurrentFile is the path of the buffer the editor last entered.
	CurrentFile string `json:"current_file"`

	// Registrations holds dynamic capability registrations per backend,
	// keyed by registration id.
	Registrations map[rpc.LanguageID]map[string]lsp.Registration `json:"registrations"`

	// Diagnostics caches the last published diagnostics per document.
	Diagnostics map[lsp.DocumentURI][]json.RawMessage `json:"diagnostics"`

	LogLevel string `json:"log_level"`
}

// New creates the initial state for a configuration. Handler overrides from
// the configuration are installed; invalid ones are rejected by
// config.Validate before this point.
func New(cfg config.Config) *State {
	s := &State{
		SessionID:     uuid.NewString(),
		Servers:       make(map[rpc.LanguageID]*ServerInfo),
		Documents:     make(map[lsp.DocumentURI]*Document),
		Config:        cfg,
		UserHandlers:  make(map[string]Target),
		Registrations: make(map[rpc.LanguageID]map[string]lsp.Registration),
		Diagnostics:   make(map[lsp.DocumentURI][]json.RawMessage),
		LogLevel:      cfg.Log.Level,
	}
	for method, raw := range cfg.Handlers {
		if target, err := config.ParseTarget(raw); err == nil {
			s.UserHandlers[method] = target
		}
	}
	return s
}

// Server returns a copy of the runtime record of a backend.
func (s *State) Server(id rpc.LanguageID) (ServerInfo, bool) {
	info, ok := s.Servers[id]
	if !ok || info == nil {
		return ServerInfo{}, false
	}
	return *info, true
}

// IsRunning reports whether a backend is up.
func (s *State) IsRunning(id rpc.LanguageID) bool {
	info, ok := s.Servers[id]
	return ok && info != nil && info.Status == ServerRunning
}

// Override returns the dynamic override for method, if any.
func (s *State) Override(method string) (Target, bool) {
	t, ok := s.UserHandlers[method]
	return t, ok
}
