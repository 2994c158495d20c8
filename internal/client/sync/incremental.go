package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/openmined/blobsync/internal/blob"
	"github.com/openmined/blobsync/internal/filetree"
	"github.com/openmined/blobsync/internal/hasher"
)

// HandleEvent pushes a single local change to the store and commits, without
// planning the whole tree. It returns a nil result when the event needed no
// transfer.
func (se *SyncEngine) HandleEvent(ctx context.Context, ev filetree.Event) (*SyncResult, error) {
	newIgnored := se.ignored(ev.Path)
	oldIgnored := ev.OldPath == "" || se.ignored(ev.OldPath)
	if newIgnored && oldIgnored {
		return nil, nil
	}

	unlock := se.locks.LockAll(ev.Path, ev.OldPath)
	defer unlock()

	start := se.opts.Clock.Now()
	state := newApplyState()
	tr := &transfer{se: se, state: state}

	var err error
	switch ev.Kind {
	case filetree.EventCreate, filetree.EventModify:
		err = se.pushPath(ctx, tr, ev.Path, true)
	case filetree.EventDelete:
		err = se.removePath(ctx, tr, ev.Path, true)
	case filetree.EventRename:
		if !oldIgnored {
			err = se.removePath(ctx, tr, ev.OldPath, false)
		}
		if err == nil && !newIgnored {
			err = se.pushPath(ctx, tr, ev.Path, true)
		}
	default:
		return nil, fmt.Errorf("unknown event kind %s", ev.Kind)
	}

	if err != nil && !isFatal(err) {
		slog.Error("sync", "event", ev.Kind, "path", ev.Path, "error", err)
		state.fail(ev.Path, err)
		err = nil
	}

	result := &SyncResult{Kind: RunKindIncremental}
	state.collect(result)
	if err == nil && !state.changed() && !result.Degraded() {
		return nil, nil
	}

	run, rerr := se.journal.BeginRun(RunKindIncremental, start)
	if rerr != nil {
		return result, fmt.Errorf("begin run: %w", rerr)
	}
	result.RunID = run.ID

	if err == nil && state.changed() {
		err = se.commitIncremental(ctx, state, result)
	}
	result.Duration = se.opts.Clock.Since(start)
	se.finishRun(run, result, err)

	if err != nil {
		return result, &SyncError{RunID: run.ID, Failures: result.Failures, Err: err}
	}

	slog.Debug("incremental sync", "event", ev, "run", run.ID, "attempts", result.Attempts, "tsTotal", result.Duration)
	return result, nil
}

func (se *SyncEngine) ignored(path string) bool {
	return se.opts.Ignore != nil && se.opts.Ignore(path, false)
}

// pushPath uploads path unless the store already holds the same content. A
// file that vanished is handled as a delete.
func (se *SyncEngine) pushPath(ctx context.Context, tr *transfer, path string, recheck bool) error {
	data, err := se.tree.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		if recheck {
			return se.removePath(ctx, tr, path, false)
		}
		return nil
	} else if err != nil {
		return &ApplyError{Op: OpUpload, Path: path, Err: err}
	}

	held, ok, err := se.heldDigest(ctx, path)
	if err != nil {
		return err
	}
	if ok && held == hasher.Sum(data) {
		slog.Debug("sync skip", "path", path, "reason", "contents unchanged")
		return nil
	}
	return tr.put(ctx, path, data)
}

// removePath deletes the remote key of a path that is gone locally. A file
// that came back is handled as a modify.
func (se *SyncEngine) removePath(ctx context.Context, tr *transfer, path string, recheck bool) error {
	if _, err := se.tree.Stat(path); err == nil {
		if recheck {
			return se.pushPath(ctx, tr, path, false)
		}
		return nil
	}

	_, ok, err := se.heldDigest(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return tr.DeleteRemote(ctx, path)
}

// commitIncremental commits on top of the latest known remote snapshot. Losing
// the race reloads the snapshot and retries, and asks for a full sync since
// another writer changed the remote.
func (se *SyncEngine) commitIncremental(ctx context.Context, state *applyState, result *SyncResult) error {
	se.muCommit.Lock()
	defer se.muCommit.Unlock()

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		base, err := se.remoteLocked(ctx)
		if err != nil {
			return err
		}

		err = se.commitLocked(ctx, base, state, result)
		if !errors.Is(err, blob.ErrPreconditionFailed) {
			return err
		}

		se.requestFullSync()
		if attempt > se.opts.MaxRetries {
			return err
		}
		slog.Warn("remote snapshot changed, reloading", "attempt", attempt)
		se.remote = nil
	}
}
