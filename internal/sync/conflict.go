package sync

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// conflictTimeFormat is filesystem-safe on every supported platform
// (no colons).
const conflictTimeFormat = "2006-01-02 150405"

// ConflictName derives the keep-both rename target for a canonical name:
// "a/b.txt" becomes "a/b (conflict 2026-08-26 151004).txt". Folder names
// keep their trailing separator.
func ConflictName(name string, now time.Time) string {
	isFolder := strings.HasSuffix(name, "/")
	trimmed := strings.TrimSuffix(name, "/")

	dir := path.Dir(trimmed)
	base := path.Base(trimmed)

	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	renamed := fmt.Sprintf("%s (conflict %s)%s", stem, now.Format(conflictTimeFormat), ext)
	if dir != "." {
		renamed = dir + "/" + renamed
	}

	if isFolder {
		renamed += "/"
	}

	return renamed
}
