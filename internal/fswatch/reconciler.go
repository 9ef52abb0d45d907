// Package fswatch reports file-system changes to backends that registered
// interest in them with workspace/didChangeWatchedFiles.
//
// Events are buffered as they arrive and delivered by Reconcile, which the
// router runs after every message. A debounced flush delivers them anyway
// once the file system has been quiet for a while.
package fswatch

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dshills/langbridge/internal/lsp"
	"github.com/dshills/langbridge/internal/rpc"
)

// MethodDidChangeWatchedFiles is the notification sent to backends.
const MethodDidChangeWatchedFiles = "workspace/didChangeWatchedFiles"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("file watcher closed")

// maxPending bounds buffered events between deliveries.
const maxPending = 10000

// skipDirs are never descended into when adding watches.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
}

// Notifier delivers notifications to backends.
type Notifier interface {
	Notify(ctx context.Context, id rpc.LanguageID, method string, params json.RawMessage) error
}

// Reconciler watches the directories backends registered globs for.
type Reconciler struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	notifier Notifier
	log      zerolog.Logger

	// patterns by backend, then by registration id
	patterns map[rpc.LanguageID]map[string][]pattern
	dirs     map[string]bool
	pending  []fsnotify.Event
	closed   bool

	flush   func(func())
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDebounce flushes buffered events after d without new events. Zero
// disables the timed flush.
func WithDebounce(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.flush = debounce.New(d)
		} else {
			r.flush = nil
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.log = l
	}
}

// New creates a reconciler that sends changes through n.
func New(n Notifier, opts ...Option) (*Reconciler, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create file watcher")
	}

	r := &Reconciler{
		watcher:  w,
		notifier: n,
		log:      zerolog.Nop(),
		patterns: make(map[rpc.LanguageID]map[string][]pattern),
		dirs:     make(map[string]bool),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// Register adds the watchers of one registration. root is the backend's
// workspace root; plain patterns are relative to it.
func (r *Reconciler) Register(id rpc.LanguageID, registrationID, root string, opts lsp.DidChangeWatchedFilesRegistrationOptions) error {
	pats := make([]pattern, 0, len(opts.Watchers))
	for _, w := range opts.Watchers {
		if w.GlobPattern.Pattern == "" {
			continue
		}
		pats = append(pats, newPattern(w, root))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.patterns[id] == nil {
		r.patterns[id] = make(map[string][]pattern)
	}
	r.patterns[id][registrationID] = pats

	var errs error
	for _, p := range pats {
		if err := r.watchTreeLocked(p.watchRoot()); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Unregister removes one registration. Directories stay watched; events no
// pattern wants are dropped.
func (r *Reconciler) Unregister(id rpc.LanguageID, registrationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.patterns[id], registrationID)
	if len(r.patterns[id]) == 0 {
		delete(r.patterns, id)
	}
}

// RemoveBackend drops every registration of a backend.
func (r *Reconciler) RemoveBackend(id rpc.LanguageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.patterns, id)
}

// Pending returns the number of buffered events.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reconcile delivers buffered events to the backends whose patterns match
// them, one notification per backend.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	batches := r.drain()
	if len(batches) == 0 {
		return nil
	}

	ids := make([]rpc.LanguageID, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs error
	for _, id := range ids {
		params, err := json.Marshal(lsp.DidChangeWatchedFilesParams{Changes: batches[id]})
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "encode changes for %s", id))
			continue
		}
		if err := r.notifier.Notify(ctx, id, MethodDidChangeWatchedFiles, params); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "notify %s", id))
		}
	}
	return errs
}

// Close stops watching.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closeCh)
	r.mu.Unlock()

	r.wg.Wait()
	return r.watcher.Close()
}

// drain takes the buffered events and groups the matching ones by backend.
func (r *Reconciler) drain() map[rpc.LanguageID][]lsp.FileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return nil
	}
	events := coalesce(r.pending)
	r.pending = nil

	batches := make(map[rpc.LanguageID][]lsp.FileEvent)
	for _, ev := range events {
		path := lsp.URIToFilePath(ev.URI)
		for id, regs := range r.patterns {
			if matchesAny(regs, path, ev.Type) {
				batches[id] = append(batches[id], ev)
			}
		}
	}
	return batches
}

func matchesAny(regs map[string][]pattern, path string, t lsp.FileChangeType) bool {
	for _, pats := range regs {
		for _, p := range pats {
			if p.matches(path, t) {
				return true
			}
		}
	}
	return false
}

// coalesce keeps one event per file in first-seen order. A file created and
// then written stays created; a file created and then removed is dropped.
func coalesce(raw []fsnotify.Event) []lsp.FileEvent {
	order := make([]string, 0, len(raw))
	types := make(map[string]lsp.FileChangeType, len(raw))

	for _, ev := range raw {
		t, ok := changeType(ev.Op)
		if !ok {
			continue
		}
		prev, seen := types[ev.Name]
		if !seen {
			order = append(order, ev.Name)
			types[ev.Name] = t
			continue
		}
		switch {
		case prev == lsp.FileChangeTypeCreated && t == lsp.FileChangeTypeChanged:
		case prev == lsp.FileChangeTypeCreated && t == lsp.FileChangeTypeDeleted:
			types[ev.Name] = 0
		case prev == 0 && t == lsp.FileChangeTypeChanged:
			types[ev.Name] = lsp.FileChangeTypeCreated
		default:
			types[ev.Name] = t
		}
	}

	out := make([]lsp.FileEvent, 0, len(order))
	for _, name := range order {
		if t := types[name]; t != 0 {
			out = append(out, lsp.FileEvent{URI: lsp.FilePathToURI(name), Type: t})
		}
	}
	return out
}

func changeType(op fsnotify.Op) (lsp.FileChangeType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return lsp.FileChangeTypeCreated, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return lsp.FileChangeTypeDeleted, true
	case op.Has(fsnotify.Write):
		return lsp.FileChangeTypeChanged, true
	default:
		return 0, false
	}
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.closeCh:
			return

		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(ev)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (r *Reconciler) handleEvent(ev fsnotify.Event) {
	if _, ok := changeType(ev.Op); !ok {
		return
	}

	r.mu.Lock()
	if len(r.pending) >= maxPending {
		r.mu.Unlock()
		r.log.Warn().Str("path", ev.Name).Msg("file event buffer full, dropping event")
		return
	}
	r.pending = append(r.pending, ev)

	// New directories inside a watched tree are watched too.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := r.watchTreeLocked(ev.Name); err != nil {
				r.log.Debug().Err(err).Str("path", ev.Name).Msg("could not watch new directory")
			}
		}
	}
	flush := r.flush
	r.mu.Unlock()

	if flush != nil {
		flush(func() {
			if err := r.Reconcile(context.Background()); err != nil {
				r.log.Warn().Err(err).Msg("timed file event delivery failed")
			}
		})
	}
}

// watchTreeLocked adds dir and its subdirectories. r.mu must be held.
func (r *Reconciler) watchTreeLocked(dir string) error {
	dir = filepath.Clean(dir)
	if r.dirs[dir] {
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		// The directory may appear later; its parent's watch will see it.
		return nil
	}

	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if r.dirs[p] {
			return nil
		}
		if err := r.watcher.Add(p); err != nil {
			return errors.Wrapf(err, "watch %s", p)
		}
		r.dirs[p] = true
		return nil
	})
}
