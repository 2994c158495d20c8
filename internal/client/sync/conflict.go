package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/blobsync/internal/blob"
	"github.com/openmined/blobsync/internal/filetree"
)

const (
	PolicyLocalWins      = "local-wins"
	PolicyPreserveRemote = "preserve-remote"
	PolicyRemoteWins     = "remote-wins"
)

// Transfer moves content for a single path between the tree and the store.
// Whatever it completes is recorded for the next commit.
type Transfer interface {
	Upload(ctx context.Context, path string) error
	Download(ctx context.Context, path string) error
	// DownloadTo writes the remote content of path to target without
	// recording target as synced.
	DownloadTo(ctx context.Context, path, target string) error
}

// ConflictPolicy resolves a path whose local and remote digests differ. The
// engine invokes the same policy for every conflict in a run.
type ConflictPolicy interface {
	Name() string
	Resolve(ctx context.Context, t Transfer, path string) error
}

// LocalWins overwrites the remote content with the local file. The remote
// version is lost.
type LocalWins struct{}

func (LocalWins) Name() string { return PolicyLocalWins }

func (LocalWins) Resolve(ctx context.Context, t Transfer, path string) error {
	return t.Upload(ctx, path)
}

// RemoteWins overwrites the local file with the remote content.
type RemoteWins struct{}

func (RemoteWins) Name() string { return PolicyRemoteWins }

func (RemoteWins) Resolve(ctx context.Context, t Transfer, path string) error {
	return t.Download(ctx, path)
}

// PreserveRemoteCopy saves the remote content next to the local file as a
// conflict copy, then uploads the local file.
type PreserveRemoteCopy struct {
	tree  filetree.Tree
	clock clockwork.Clock
}

func NewPreserveRemoteCopy(tree filetree.Tree, clock clockwork.Clock) *PreserveRemoteCopy {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PreserveRemoteCopy{tree: tree, clock: clock}
}

func (*PreserveRemoteCopy) Name() string { return PolicyPreserveRemote }

func (p *PreserveRemoteCopy) Resolve(ctx context.Context, t Transfer, path string) error {
	target, err := conflictCopyPath(p.tree, path, p.clock.Now())
	if err != nil {
		return &ApplyError{Op: OpConflict, Path: path, Err: err}
	}

	err = t.DownloadTo(ctx, path, target)
	switch {
	case blob.IsNotFound(err):
		// nothing left to preserve
		slog.Debug("conflict copy skipped", "path", path, "reason", "remote missing")
	case err != nil:
		return err
	default:
		slog.Warn("sync", "op", OpConflict, "path", path, "remoteCopy", target)
	}

	return t.Upload(ctx, path)
}

// NewConflictPolicy returns the policy registered under name. An empty name
// selects local-wins.
func NewConflictPolicy(name string, tree filetree.Tree, clock clockwork.Clock) (ConflictPolicy, error) {
	switch name {
	case "", PolicyLocalWins:
		return LocalWins{}, nil
	case PolicyPreserveRemote:
		return NewPreserveRemoteCopy(tree, clock), nil
	case PolicyRemoteWins:
		return RemoteWins{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}

var (
	_ ConflictPolicy = LocalWins{}
	_ ConflictPolicy = RemoteWins{}
	_ ConflictPolicy = (*PreserveRemoteCopy)(nil)
)
