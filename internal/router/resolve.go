package router

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/dshills/langbridge/internal/rpc"
)

// ErrCannotResolve indicates a message whose destination backend could not be
// determined.
var ErrCannotResolve = errors.New("cannot resolve target backend")

// DocumentLocator extracts the file a message refers to.
type DocumentLocator interface {
	FilePath(params json.RawMessage) (string, error)
}

// LanguageMapper maps a file to the backend configured for it.
type LanguageMapper interface {
	LanguageID(path string, params json.RawMessage) (rpc.LanguageID, error)
}

// Resolver picks the backend for messages that come from the editor.
type Resolver struct {
	locator DocumentLocator
	mapper  LanguageMapper
}

// NewResolver creates a resolver from its two lookups.
func NewResolver(locator DocumentLocator, mapper LanguageMapper) *Resolver {
	return &Resolver{locator: locator, mapper: mapper}
}

// Resolve returns the backend that should receive a message with params.
// Failures wrap ErrCannotResolve.
func (r *Resolver) Resolve(params json.RawMessage) (rpc.LanguageID, error) {
	path, err := r.locator.FilePath(params)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "locate document"), ErrCannotResolve)
	}
	if path == "" {
		return "", errors.Wrap(ErrCannotResolve, "no document in params")
	}

	id, err := r.mapper.LanguageID(path, params)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "map %s to a backend", path), ErrCannotResolve)
	}
	if id == "" {
		return "", errors.Wrapf(ErrCannotResolve, "no backend for %s", path)
	}
	return id, nil
}
