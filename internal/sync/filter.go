package sync

import (
	"log/slog"
	"path"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/tonimelisma/cmisync/internal/config"
)

// Always-excluded names: editor and office temporaries, partial downloads,
// and platform litter that must never reach the repository.
var builtinSkipNames = []string{
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	".cmisync.db",
	".cmisync.db-wal",
	".cmisync.db-shm",
}

var builtinSkipPrefixes = []string{"~$", ".~"}

var builtinSkipSuffixes = []string{".tmp", ".swp", ".swx", ".partial", ".crdownload"}

// PathFilter implements Filter from gitignore-style patterns plus the
// built-in temp-name rules. Matching runs against canonical relative paths.
type PathFilter struct {
	matcher      *ignore.GitIgnore
	skipDotfiles bool
	logger       *slog.Logger
}

// NewPathFilter compiles the configured ignore patterns.
func NewPathFilter(cfg config.FilterConfig, logger *slog.Logger) *PathFilter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &PathFilter{
		matcher:      ignore.CompileIgnoreLines(cfg.IgnorePatterns...),
		skipDotfiles: cfg.SkipDotfiles,
		logger:       logger,
	}
}

// ShouldSync reports whether the item at relPath participates in sync.
func (f *PathFilter) ShouldSync(relPath string, isDir bool) bool {
	name := path.Base(strings.TrimSuffix(relPath, "/"))

	if excludedName(name, f.skipDotfiles) {
		return false
	}

	// Directories match both forms: "build" for bare-name patterns and
	// "build/" for directory-only patterns like "build/".
	trimmed := strings.TrimSuffix(relPath, "/")

	matched := f.matcher.MatchesPath(trimmed)
	if !matched && isDir {
		matched = f.matcher.MatchesPath(trimmed + "/")
	}

	if matched {
		f.logger.Debug("filter: excluded by pattern", "path", relPath, "is_dir", isDir)
		return false
	}

	return true
}

// excludedName applies the built-in temp/hidden name rules.
func excludedName(name string, skipDotfiles bool) bool {
	if name == "" {
		return true
	}

	if skipDotfiles && strings.HasPrefix(name, ".") {
		return true
	}

	for _, skip := range builtinSkipNames {
		if name == skip {
			return true
		}
	}

	for _, prefix := range builtinSkipPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	for _, suffix := range builtinSkipSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	return false
}
