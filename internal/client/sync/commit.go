package sync

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/blobsync/internal/hasher"
	"github.com/openmined/blobsync/internal/snapshot"
)

func (se *SyncEngine) commit(ctx context.Context, base snapshot.Remote, state *applyState, result *SyncResult) error {
	se.muCommit.Lock()
	defer se.muCommit.Unlock()
	return se.commitLocked(ctx, base, state, result)
}

// commitLocked recaptures the tree and writes the snapshot of record,
// conditional on base still being current.
//
// The committed snapshot describes what the store holds. Where the recapture
// agrees with that, the path is recorded as synced in the journal. Where it
// does not (a failed transfer, an unreadable file, an edit made while the run
// was in flight) the store's side is committed and the path is reported as
// pending, so the next run plans it again.
//
// Callers hold muCommit.
func (se *SyncEngine) commitLocked(ctx context.Context, base snapshot.Remote, state *applyState, result *SyncResult) error {
	local, report, err := snapshot.Capture(ctx, se.tree, se.hasher, se.opts.Concurrency)
	if err != nil {
		return fmt.Errorf("recapture local snapshot: %w", err)
	}

	now := se.opts.Clock.Now()
	next := snapshot.WithTombstones(state.over(base.Snapshot), base.Snapshot, now, se.opts.TombstoneTTL)

	prevSynced, err := se.journal.GetState()
	if err != nil {
		return fmt.Errorf("get journal state: %w", err)
	}

	skipped := mapset.NewThreadUnsafeSet(report.SkippedPaths()...)
	paths := mapset.NewThreadUnsafeSet(local.Paths()...)
	paths.Append(next.Paths()...)

	synced := make(map[string]hasher.Digest, paths.Cardinality())
	var pending []string
	for _, path := range paths.ToSlice() {
		localDigest, inLocal := local.Get(path)
		heldDigest, inStore := next.Get(path)
		if inLocal && inStore && localDigest == heldDigest {
			synced[path] = heldDigest
			continue
		}
		if digest, ok := prevSynced[path]; ok {
			synced[path] = digest
		}
		if !skipped.Contains(path) {
			pending = append(pending, path)
		}
	}

	if base.Exists() && next.Equal(base.Snapshot) {
		slog.Debug("snapshot unchanged", "etag", base.ETag, "files", next.Len())
		se.remote = &base
	} else {
		remote, err := snapshot.Commit(ctx, se.store, next, base)
		if err != nil {
			return fmt.Errorf("commit snapshot: %w", err)
		}
		se.remote = &remote
		slog.Debug("snapshot committed", "etag", remote.ETag, "files", next.Len(), "tombstones", len(next.Tombstones()))
	}

	if !maps.Equal(synced, prevSynced) {
		if err := se.journal.ReplaceState(synced, now); err != nil {
			slog.Warn("journal update", "error", err)
		}
	}

	if len(pending) > 0 {
		slog.Info("sync pending", "paths", len(pending))
	}

	result.Committed = next
	slices.Sort(pending)
	result.Pending = pending
	return nil
}
