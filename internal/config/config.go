// Package config loads the bridge configuration from a TOML file.
//
// A configuration file looks like:
//
//	[log]
//	level = "info"
//	file = "/tmp/langbridge.log"
//
//	[servers.go]
//	command = "gopls"
//	extensions = ["go"]
//	root_markers = ["go.mod"]
//
//	[servers.rust]
//	command = "rust-analyzer"
//	extensions = ["rs"]
//
//	[handlers]
//	"custom/foo" = "MyEditorFunction"
//	"window/showMessage" = "lua:show_message"
//
//	[scripts]
//	files = ["~/.config/langbridge/handlers.lua"]
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// Config is the complete process configuration. It lives inside the shared
// state and is therefore JSON-serializable.
type Config struct {
	Log      LogConfig               `toml:"log" json:"log"`
	RPC      RPCConfig               `toml:"rpc" json:"rpc"`
	Metrics  MetricsConfig           `toml:"metrics" json:"metrics"`
	Watch    WatchConfig             `toml:"watch" json:"watch"`
	Servers  map[string]ServerConfig `toml:"servers" json:"servers"`
	Handlers map[string]string       `toml:"handlers" json:"handlers"`
	Scripts  ScriptsConfig           `toml:"scripts" json:"scripts"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `toml:"level" json:"level"`
	// File receives the log. Empty means stderr.
	File string `toml:"file" json:"file"`
	// Console switches to human-readable output.
	Console bool `toml:"console" json:"console"`
}

// RPCConfig configures connections.
type RPCConfig struct {
	// CallTimeout bounds forwarded calls. Zero disables the bound.
	CallTimeout Duration `toml:"call_timeout" json:"call_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `toml:"addr" json:"addr"`
}

// WatchConfig configures watched-file reconciliation.
type WatchConfig struct {
	// Debounce is the quiet period after which buffered file events are
	// flushed without waiting for the next message.
	Debounce Duration `toml:"debounce" json:"debounce"`
}

// ScriptsConfig lists Lua files providing handler endpoints.
type ScriptsConfig struct {
	Files []string `toml:"files" json:"files"`
}

// ServerConfig defines how to start a language server.
type ServerConfig struct {
	// Command is the executable to run.
	Command string `toml:"command" json:"command"`

	// Args are command-line arguments.
	Args []string `toml:"args" json:"args,omitempty"`

	// Env are additional environment variables.
	Env map[string]string `toml:"env" json:"env,omitempty"`

	// Extensions are file extensions (without dot) served by this server.
	Extensions []string `toml:"extensions" json:"extensions,omitempty"`

	// RootMarkers are file names whose nearest ancestor directory is the
	// workspace root.
	RootMarkers []string `toml:"root_markers" json:"root_markers,omitempty"`

	// InitializationOptions are sent during initialize.
	InitializationOptions map[string]any `toml:"initialization_options" json:"initialization_options,omitempty"`

	// Settings answer workspace/configuration and are pushed with
	// workspace/didChangeConfiguration.
	Settings map[string]any `toml:"settings" json:"settings,omitempty"`

	// AutoStart starts the server when a matching document opens.
	AutoStart bool `toml:"auto_start" json:"auto_start"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info"},
		Watch:    WatchConfig{Debounce: Duration(200 * time.Millisecond)},
		Servers:  make(map[string]ServerConfig),
		Handlers: make(map[string]string),
	}
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "langbridge", "config.toml")
}

// Load reads configuration from path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, errors.Wrapf(err, "reading config file %s", path)
	}

	return Parse(path, data)
}

// Parse decodes TOML data on top of the defaults and validates the result.
func Parse(source string, data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return Config{}, perr
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	if cfg.Handlers == nil {
		cfg.Handlers = make(map[string]string)
	}
	for i, f := range cfg.Scripts.Files {
		cfg.Scripts.Files[i] = expandHome(f)
	}
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks server entries and handler targets.
func (c Config) Validate() error {
	for _, lang := range c.Languages() {
		if strings.TrimSpace(c.Servers[lang].Command) == "" {
			return &ValidationError{Language: lang, Err: ErrNoCommand}
		}
	}
	for method, target := range c.Handlers {
		if _, err := ParseTarget(target); err != nil {
			return errors.Wrapf(err, "handlers.%q", method)
		}
	}
	return nil
}

// Languages returns the configured language ids in sorted order.
func (c Config) Languages() []string {
	langs := make([]string, 0, len(c.Servers))
	for lang := range c.Servers {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Server returns the entry for a language id.
func (c Config) Server(lang string) (ServerConfig, error) {
	sc, ok := c.Servers[lang]
	if !ok {
		return ServerConfig{}, errors.Wrapf(ErrUnknownServer, "%q", lang)
	}
	return sc, nil
}

// LanguageForPath maps a file path to the configured language whose
// extensions include the file's extension. Ties are broken by language id
// order so the mapping is stable.
func (c Config) LanguageForPath(path string) (string, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return "", false
	}
	for _, lang := range c.Languages() {
		for _, e := range c.Servers[lang].Extensions {
			if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
				return lang, true
			}
		}
	}
	return "", false
}

// Target is where a dynamic handler override sends traffic.
type Target struct {
	// Endpoint names the receiver: "editor" or "lua".
	Endpoint string `json:"endpoint"`
	// Procedure is the function name invoked on the endpoint.
	Procedure string `json:"procedure"`
}

// Endpoint names.
const (
	EndpointEditor = "editor"
	EndpointLua    = "lua"
)

// String renders the target in configuration syntax.
func (t Target) String() string {
	if t.Endpoint == EndpointEditor {
		return t.Procedure
	}
	return t.Endpoint + ":" + t.Procedure
}

// ParseTarget parses "name" (an editor procedure) or "endpoint:name".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, ErrInvalidTarget
	}
	endpoint, proc, found := strings.Cut(s, ":")
	if !found {
		return Target{Endpoint: EndpointEditor, Procedure: s}, nil
	}
	switch endpoint {
	case EndpointEditor, EndpointLua:
	default:
		return Target{}, errors.Wrapf(ErrInvalidTarget, "unknown endpoint %q", endpoint)
	}
	if proc == "" {
		return Target{}, errors.Wrapf(ErrInvalidTarget, "empty procedure in %q", s)
	}
	return Target{Endpoint: endpoint, Procedure: proc}, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// String summarizes the configuration for logs.
func (c Config) String() string {
	return fmt.Sprintf("config{servers=%v handlers=%d scripts=%d}", c.Languages(), len(c.Handlers), len(c.Scripts.Files))
}
