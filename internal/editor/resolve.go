package editor

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/rpc"
	"github.com/dshills/langbridge/internal/state"
)

// Errors returned by the lookups.
var (
	// ErrNoDocument indicates params without a file and no current file.
	ErrNoDocument = errors.New("no document in params and no current file")

	// ErrNoLanguage indicates a file whose language cannot be determined.
	ErrNoLanguage = errors.New("cannot determine language")
)

// documentPaths are the params fields that name a file, in lookup order.
var documentPaths = []string{"filename", "textDocument.uri", "uri"}

// languagePaths are the params fields that carry a language id.
var languagePaths = []string{"languageId", "textDocument.languageId"}

// Locator finds the file an editor message refers to.
type Locator struct {
	store *state.Store
}

// NewLocator creates a Locator that falls back to the editor's current file.
func NewLocator(store *state.Store) *Locator {
	return &Locator{store: store}
}

// FilePath returns the file named by params, or the current file.
func (l *Locator) FilePath(params json.RawMessage) (string, error) {
	for _, p := range documentPaths {
		if v := gjson.GetBytes(params, p); v.Type == gjson.String && v.Str != "" {
			return toPath(v.Str), nil
		}
	}

	current := state.Read(l.store, func(s *state.State) string { return s.CurrentFile })
	if current == "" {
		return "", ErrNoDocument
	}
	return current, nil
}

// Mapper maps a file to the backend configured for its language.
type Mapper struct {
	store *state.Store
}

// NewMapper creates a Mapper over the shared state.
func NewMapper(store *state.Store) *Mapper {
	return &Mapper{store: store}
}

// LanguageID returns the backend for path. The language comes from params,
// then the open document, then the configured extensions, then well-known
// extensions. The language must have a configured server.
func (m *Mapper) LanguageID(path string, params json.RawMessage) (rpc.LanguageID, error) {
	var id string
	for _, p := range languagePaths {
		if v := gjson.GetBytes(params, p); v.Type == gjson.String && v.Str != "" {
			id = v.Str
			break
		}
	}

	type lookup struct {
		id         string
		configured bool
	}
	uri := lsp.FilePathToURI(path)
	res := state.Read(m.store, func(s *state.State) lookup {
		lang := id
		if lang == "" {
			if doc, ok := s.Documents[uri]; ok && doc != nil {
				lang = string(doc.LanguageID)
			}
		}
		if lang == "" {
			lang, _ = s.Config.LanguageForPath(path)
		}
		if lang == "" {
			lang = lsp.DetectLanguageID(path)
		}
		_, ok := s.Config.Servers[lang]
		return lookup{id: lang, configured: ok}
	})

	if res.id == "" {
		return "", errors.Wrapf(ErrNoLanguage, "%s", path)
	}
	if !res.configured {
		return "", errors.Wrapf(config.ErrUnknownServer, "%q (%s)", res.id, path)
	}
	return rpc.LanguageID(res.id), nil
}

func toPath(s string) string {
	if strings.HasPrefix(s, "file://") {
		return lsp.URIToFilePath(lsp.DocumentURI(s))
	}
	return s
}
