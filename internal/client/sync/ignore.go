package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/blobsync/internal/blob"
	"github.com/openmined/blobsync/internal/client/workspace"
	"github.com/openmined/blobsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const IgnoreFileName = ".blobsyncignore"

var defaultIgnoreLines = []string{
	// blobsync
	"/" + workspace.MetadataDirName + "/",
	"/" + blob.SnapshotKey,
	IgnoreFileName,
	"*.blobsync.tmp",
	// IDE/Editor-specific
	".vscode",
	".idea",
	"*.swp",
	"*.swo",
	// General excludes
	".git",
	"*.tmp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

type SyncIgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewSyncIgnoreList(baseDir string) *SyncIgnoreList {
	return &SyncIgnoreList{
		baseDir: baseDir,
		ignore:  gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load compiles the defaults plus the rules of the ignore file in baseDir.
func (s *SyncIgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	ignoreLines := append([]string(nil), defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		rules := 0
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("ignore file open", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				ignoreLines = append(ignoreLines, line)
				rules++
			}

			if err := scanner.Err(); err != nil {
				slog.Warn("ignore file read", "path", ignorePath, "error", err)
			} else {
				slog.Info("ignore file loaded", "path", ignorePath, "rules", rules)
			}
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore matches a slash separated path relative to baseDir. Conflict
// copies are always ignored.
func (s *SyncIgnoreList) ShouldIgnore(rel string) bool {
	return IsConflictPath(rel) || s.ignore.MatchesPath(rel)
}

// Filter adapts the list to filetree.Filter.
func (s *SyncIgnoreList) Filter(rel string, isDir bool) bool {
	if isDir {
		return s.ignore.MatchesPath(rel) || s.ignore.MatchesPath(rel+"/")
	}
	return s.ShouldIgnore(rel)
}
