// Package lsp holds the subset of Language Server Protocol types the bridge
// inspects or produces itself. Everything else is proxied as raw JSON.
package lsp

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// DocumentURI represents a URI as used in LSP.
// It is typically a file:// URI.
type DocumentURI string

// Position in a text document expressed as zero-based line and character offset.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range in a text document expressed as start and end positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentIdentifier identifies a text document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier identifies a specific version of a text document.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentItem is an item to transfer a text document from the client to the server.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentContentChangeEvent describes a content change event.
type TextDocumentContentChangeEvent struct {
	Range       *Range `json:"range,omitempty"`
	RangeLength int    `json:"rangeLength,omitempty"`
	Text        string `json:"text"`
}

// WorkspaceFolder represents a workspace folder.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// --- Initialize ---

// InitializeParams are the parameters sent in an initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	RootPath              string             `json:"rootPath,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
	Trace                 string             `json:"trace,omitempty"`
}

// InitializeResult is the result of the initialize request. Capabilities are
// kept raw; the bridge stores them for getState and forwards feature requests
// without interpreting them.
type InitializeResult struct {
	Capabilities json.RawMessage       `json:"capabilities"`
	ServerInfo   *InitializeServerInfo `json:"serverInfo,omitempty"`
}

// InitializeServerInfo contains information about the language server from initialization.
type InitializeServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializedParams are the parameters sent in an initialized notification.
type InitializedParams struct{}

// ClientCapabilities advertised to every backend.
type ClientCapabilities struct {
	Workspace    map[string]any `json:"workspace,omitempty"`
	TextDocument map[string]any `json:"textDocument,omitempty"`
	Window       map[string]any `json:"window,omitempty"`
}

// DefaultClientCapabilities returns the capabilities the bridge can honour.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		Workspace: map[string]any{
			"applyEdit":              true,
			"configuration":          true,
			"workspaceFolders":       true,
			"didChangeConfiguration": map[string]any{"dynamicRegistration": true},
			"didChangeWatchedFiles":  map[string]any{"dynamicRegistration": true},
			"workspaceEdit":          map[string]any{"documentChanges": true},
		},
		TextDocument: map[string]any{
			"synchronization": map[string]any{"didSave": true},
			"publishDiagnostics": map[string]any{
				"relatedInformation": true,
				"versionSupport":     true,
			},
			"hover": map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
		},
		Window: map[string]any{
			"workDoneProgress": true,
			"showMessage":      map[string]any{},
		},
	}
}

// --- Text synchronization ---

// DidOpenTextDocumentParams are sent with textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams are sent with textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidSaveTextDocumentParams are sent with textDocument/didSave.
type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         string                 `json:"text,omitempty"`
}

// DidCloseTextDocumentParams are sent with textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// --- Diagnostics ---

// PublishDiagnosticsParams are sent by a server with textDocument/publishDiagnostics.
// Individual diagnostics stay raw so unknown fields survive forwarding.
type PublishDiagnosticsParams struct {
	URI         DocumentURI       `json:"uri"`
	Version     *int              `json:"version,omitempty"`
	Diagnostics []json.RawMessage `json:"diagnostics"`
}

// --- Window ---

// MessageType is the severity of a window/showMessage or window/logMessage.
type MessageType int

const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

// ShowMessageParams are sent with window/showMessage.
type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// LogMessageParams are sent with window/logMessage.
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// --- Dynamic registration ---

// Registration is one dynamic capability registration.
type Registration struct {
	ID              string          `json:"id"`
	Method          string          `json:"method"`
	RegisterOptions json.RawMessage `json:"registerOptions,omitempty"`
}

// RegistrationParams are sent with client/registerCapability.
type RegistrationParams struct {
	Registrations []Registration `json:"registrations"`
}

// Unregistration removes a dynamic registration.
type Unregistration struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// UnregistrationParams are sent with client/unregisterCapability. The field
// name is misspelled in the protocol itself.
type UnregistrationParams struct {
	Unregisterations []Unregistration `json:"unregisterations"`
}

// --- Watched files ---

// WatchKind is a bit set of file events a watcher is interested in.
type WatchKind int

const (
	WatchKindCreate WatchKind = 1
	WatchKindChange WatchKind = 2
	WatchKindDelete WatchKind = 4
)

// FileSystemWatcher is one glob registered by a server.
type FileSystemWatcher struct {
	GlobPattern GlobPattern `json:"globPattern"`
	Kind        *WatchKind  `json:"kind,omitempty"`
}

// GlobPattern is either a plain pattern, matched relative to the workspace
// root, or a relative pattern with its own base.
type GlobPattern struct {
	BaseURI DocumentURI
	Pattern string
}

// UnmarshalJSON accepts "pattern", {"baseUri": uri, "pattern": p} and
// {"baseUri": {"uri": uri, "name": n}, "pattern": p}.
func (g *GlobPattern) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*g = GlobPattern{Pattern: plain}
		return nil
	}

	var rel struct {
		BaseURI json.RawMessage `json:"baseUri"`
		Pattern string          `json:"pattern"`
	}
	if err := json.Unmarshal(data, &rel); err != nil {
		return err
	}
	g.Pattern = rel.Pattern
	g.BaseURI = ""

	var base string
	if err := json.Unmarshal(rel.BaseURI, &base); err == nil {
		g.BaseURI = DocumentURI(base)
		return nil
	}
	var folder WorkspaceFolder
	if err := json.Unmarshal(rel.BaseURI, &folder); err == nil {
		g.BaseURI = folder.URI
	}
	return nil
}

// MarshalJSON writes the plain form when there is no base.
func (g GlobPattern) MarshalJSON() ([]byte, error) {
	if g.BaseURI == "" {
		return json.Marshal(g.Pattern)
	}
	return json.Marshal(struct {
		BaseURI DocumentURI `json:"baseUri"`
		Pattern string      `json:"pattern"`
	}{g.BaseURI, g.Pattern})
}

// Matches reports whether the watcher wants events of type t.
func (w FileSystemWatcher) Matches(t FileChangeType) bool {
	kind := WatchKindCreate | WatchKindChange | WatchKindDelete
	if w.Kind != nil {
		kind = *w.Kind
	}
	switch t {
	case FileChangeTypeCreated:
		return kind&WatchKindCreate != 0
	case FileChangeTypeChanged:
		return kind&WatchKindChange != 0
	case FileChangeTypeDeleted:
		return kind&WatchKindDelete != 0
	}
	return false
}

// DidChangeWatchedFilesRegistrationOptions are the register options of
// workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesRegistrationOptions struct {
	Watchers []FileSystemWatcher `json:"watchers"`
}

// FileChangeType is the kind of a file event.
type FileChangeType int

const (
	FileChangeTypeCreated FileChangeType = 1
	FileChangeTypeChanged FileChangeType = 2
	FileChangeTypeDeleted FileChangeType = 3
)

// FileEvent describes one changed file.
type FileEvent struct {
	URI  DocumentURI    `json:"uri"`
	Type FileChangeType `json:"type"`
}

// DidChangeWatchedFilesParams are sent with workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// --- Configuration ---

// ConfigurationItem is one section requested by workspace/configuration.
type ConfigurationItem struct {
	ScopeURI DocumentURI `json:"scopeUri,omitempty"`
	Section  string      `json:"section,omitempty"`
}

// ConfigurationParams are sent by a server with workspace/configuration.
type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

// DidChangeConfigurationParams are sent with workspace/didChangeConfiguration.
type DidChangeConfigurationParams struct {
	Settings any `json:"settings"`
}

// --- Utility Functions ---

// FilePathToURI converts a file path to a DocumentURI.
func FilePathToURI(path string) DocumentURI {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "file://") {
		return DocumentURI(path)
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	path = filepath.ToSlash(path)

	// On Windows, add extra slash for drive letter
	if runtime.GOOS == "windows" && len(path) >= 2 && path[1] == ':' {
		path = "/" + path
	}

	u := &url.URL{
		Scheme: "file",
		Path:   path,
	}

	return DocumentURI(u.String())
}

// URIToFilePath converts a DocumentURI to a file path. Non-file URIs are
// returned unchanged.
func URIToFilePath(uri DocumentURI) string {
	if uri == "" {
		return ""
	}

	u, err := url.Parse(string(uri))
	if err != nil {
		return string(uri)
	}

	if u.Scheme != "file" {
		return string(uri)
	}

	path := u.Path

	// On Windows, remove leading slash before drive letter
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}

	return filepath.FromSlash(path)
}

// DetectLanguageID returns the LSP language ID for a file path, or the empty
// string when the extension is unknown.
func DetectLanguageID(path string) string {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".ts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	case ".js":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	case ".py":
		return "python"
	case ".rb":
		return "ruby"
	case ".java":
		return "java"
	case ".c":
		return "c"
	case ".cpp", ".cc", ".cxx", ".h", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".lua":
		return "lua"
	case ".sh", ".bash":
		return "shellscript"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".html", ".htm":
		return "html"
	case ".css":
		return "css"
	case ".md", ".markdown":
		return "markdown"
	case ".zig":
		return "zig"
	case ".hs":
		return "haskell"
	case ".ex", ".exs":
		return "elixir"
	}

	switch strings.ToLower(filepath.Base(path)) {
	case "dockerfile":
		return "dockerfile"
	case "makefile", "gnumakefile":
		return "makefile"
	}
	return ""
}
