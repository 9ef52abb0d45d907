package state

import (
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dshills/langbridge/internal/logging"
)

// Store owns the State and guards every access to it.
type Store struct {
	mu    sync.RWMutex
	state *State
	log   zerolog.Logger
}

// NewStore takes ownership of s. The caller must not keep s.
func NewStore(s *State, log zerolog.Logger) *Store {
	return &Store{state: s, log: log}
}

// Read runs fn under the shared lock and returns its result. fn must not
// return pointers into the state.
func Read[T any](s *Store, fn func(*State) T) T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.state)
}

// Mutate runs fn under the exclusive lock. When debug logging is enabled the
// state is serialized before and after fn, and every changed path is logged
// with its old and new values. A serialization failure fails the call.
func Mutate[T any](s *Store, fn func(*State) (T, error)) (T, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	if !logging.DebugEnabled(s.log) {
		return fn(s.state)
	}

	before, err := json.Marshal(s.state)
	if err != nil {
		return zero, errors.Wrap(err, "snapshot state before update")
	}

	result, fnErr := fn(s.state)

	after, err := json.Marshal(s.state)
	if err != nil {
		return zero, errors.Wrap(err, "snapshot state after update")
	}

	changes, err := Diff(before, after)
	if err != nil {
		return zero, errors.Wrap(err, "diff state snapshots")
	}
	for _, c := range changes {
		s.log.Debug().
			Str("path", c.Path).
			RawJSON("before", c.Before).
			RawJSON("after", c.After).
			Msg("state changed")
	}

	return result, fnErr
}

// Snapshot returns the serialized state.
func (s *Store) Snapshot() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(s.state)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot state")
	}
	return data, nil
}
