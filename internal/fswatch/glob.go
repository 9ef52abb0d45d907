package fswatch

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dshills/langbridge/internal/lsp"
)

// pattern is a compiled watcher glob.
type pattern struct {
	base    string // absolute directory the glob is relative to
	glob    string // slash-separated, relative to base unless absolute
	watcher lsp.FileSystemWatcher
}

func newPattern(w lsp.FileSystemWatcher, root string) pattern {
	base := root
	if w.GlobPattern.BaseURI != "" {
		base = lsp.URIToFilePath(w.GlobPattern.BaseURI)
	}
	return pattern{
		base:    filepath.Clean(base),
		glob:    filepath.ToSlash(w.GlobPattern.Pattern),
		watcher: w,
	}
}

// matches reports whether an event of type t on file wants reporting.
func (p pattern) matches(file string, t lsp.FileChangeType) bool {
	if !p.watcher.Matches(t) {
		return false
	}

	if path.IsAbs(p.glob) {
		ok, _ := doublestar.Match(p.glob, filepath.ToSlash(file))
		return ok
	}

	rel, err := filepath.Rel(p.base, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	ok, _ := doublestar.Match(p.glob, filepath.ToSlash(rel))
	return ok
}

// watchRoot returns the deepest directory that contains every file the
// pattern can match.
func (p pattern) watchRoot() string {
	glob := p.glob
	dir := p.base
	if path.IsAbs(glob) {
		dir = "/"
		glob = strings.TrimPrefix(glob, "/")
	}

	for _, seg := range strings.Split(glob, "/") {
		if seg == "" || strings.ContainsAny(seg, "*?[{") {
			break
		}
		dir = filepath.Join(dir, seg)
	}
	// The last literal segment may be the file itself.
	if !strings.HasSuffix(glob, "/") && !strings.ContainsAny(glob, "*?[{") {
		dir = filepath.Dir(dir)
	}
	return dir
}
