package engine

import (
	"context"
	"path"
	"sort"
	"strings"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/vfs"
)

// referencedPaths returns the lazy paths that appear in source, either
// absolute (/data/x.csv) or root-relative (x.csv). The scan is textual:
// a path built at run time is not found.
func referencedPaths(source string, lazy []string) []string {
	if len(lazy) == 0 || source == "" {
		return nil
	}
	patterns := make([]string, 0, 2*len(lazy))
	owner := make([]string, 0, 2*len(lazy))
	for _, p := range lazy {
		patterns = append(patterns, vfs.Absolute(p), p)
		owner = append(owner, p, p)
	}
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: false,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	ac := builder.Build(patterns)

	seen := map[string]bool{}
	for _, m := range ac.FindAll(source) {
		if !bounded(source, m.Start(), m.End()) {
			continue
		}
		seen[owner[m.Pattern()]] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// bounded reports whether source[start:end] is not part of a longer path
// or identifier.
func bounded(source string, start, end int) bool {
	if start > 0 && isPathByte(source[start-1]) {
		return false
	}
	if end < len(source) && isWordByte(source[end]) {
		return false
	}
	return true
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isPathByte(c byte) bool {
	return isWordByte(c) || c == '/' || c == '.' || c == '-'
}

func isDatabaseFile(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

// prefetch forces referenced lazy files ready before a cell runs and
// returns the paths it now holds; the caller releases them when the cell
// ends. Database files on a device that can serve ranges are left lazy;
// the reader VFS pulls only the pages a query touches. Failures are logged
// and the cell runs anyway.
func (e *Engine) prefetch(ctx context.Context, source string) []string {
	var held []string
	for _, p := range referencedPaths(source, e.fs.LazyFilePaths()) {
		if isDatabaseFile(p) && e.fs.SupportsRange(p) {
			continue
		}
		if err := e.fs.EnsureFileReady(ctx, p); err != nil {
			e.log.Warn("prefetch failed", zap.String("path", p), zap.Error(err))
			continue
		}
		held = append(held, p)
	}
	return held
}
