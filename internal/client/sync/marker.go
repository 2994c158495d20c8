package sync

import (
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/openmined/blobsync/internal/filetree"
)

// MarkerType is a dot suffix inserted before a file's extension.
type MarkerType string

const ConflictMarker MarkerType = ".blobsync-conflict"

// timeFormat sorts lexicographically by time.
const (
	timeFormat       = "20060102150405"
	timestampPattern = `\d{14}`
)

// conflictRegex matches the marker, an optional rotation timestamp and the
// extension that follows, anchored at the end of the base name.
var conflictRegex = regexp.MustCompile(fmt.Sprintf(`%s(\.%s)?(\.[^.]*)?$`, regexp.QuoteMeta(string(ConflictMarker)), timestampPattern))

// asMarkedPath turns "notes/a.md" into "notes/a.blobsync-conflict.md".
func asMarkedPath(p string, marker MarkerType) string {
	ext := path.Ext(p)
	base := strings.TrimSuffix(p, ext)
	return base + string(marker) + ext
}

// asRotatedPath turns "a.blobsync-conflict.md" into
// "a.blobsync-conflict.20250712234500.md". The timestamp always follows the
// marker, so names without an extension rotate the same way.
func asRotatedPath(p string, t time.Time) string {
	i := strings.LastIndex(p, string(ConflictMarker))
	if i < 0 {
		return p + "." + t.Format(timeFormat)
	}
	i += len(ConflictMarker)
	return p[:i] + "." + t.Format(timeFormat) + p[i:]
}

// IsConflictPath reports whether p is a conflict copy, rotated or not.
func IsConflictPath(p string) bool {
	return conflictRegex.MatchString(path.Base(p))
}

// UnmarkedPath strips the conflict marker and any rotation timestamp.
func UnmarkedPath(p string) string {
	dir, base := path.Split(p)
	return dir + conflictRegex.ReplaceAllString(base, "${2}")
}

// conflictCopyPath returns where a conflict copy of p goes. An existing copy
// is rotated out of the way first.
func conflictCopyPath(tree filetree.Tree, p string, now time.Time) (string, error) {
	marked := asMarkedPath(p, ConflictMarker)
	if _, err := tree.Stat(marked); err != nil {
		return marked, nil
	}

	rotated := asRotatedPath(marked, now)
	if err := tree.Rename(marked, rotated); err != nil {
		return "", fmt.Errorf("rotate conflict copy %s: %w", marked, err)
	}
	slog.Debug("rotated conflict copy", "from", marked, "to", rotated)
	return marked, nil
}
