package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/blobsync/internal/utils"
)

const (
	MetadataDirName = ".blobsync"
	logsDir         = "logs"
	lockFile        = "blobsync.lock"
	dbFile          = "sync.db"
	logFile         = "blobsync.log"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

// Workspace is the synced root directory plus the engine's metadata dir
// inside it.
type Workspace struct {
	Root        string
	MetadataDir string
	LogsDir     string
	DBPath      string
	LogPath     string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	metadataDir := filepath.Join(root, MetadataDirName)
	logs := filepath.Join(metadataDir, logsDir)

	return &Workspace{
		Root:        root,
		MetadataDir: metadataDir,
		LogsDir:     logs,
		DBPath:      filepath.Join(metadataDir, dbFile),
		LogPath:     filepath.Join(logs, logFile),
		flock:       flock.New(filepath.Join(metadataDir, lockFile)),
	}, nil
}

// Lock takes an exclusive lock so a second engine cannot sync the same root.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// only the holder removes the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root)

	for _, dir := range []string{w.Root, w.MetadataDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
