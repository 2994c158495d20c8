package sync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/openmined/blobsync/internal/blob"
	"github.com/openmined/blobsync/internal/hasher"
	"github.com/openmined/blobsync/internal/planner"
	"github.com/openmined/blobsync/internal/snapshot"
	"golang.org/x/sync/errgroup"
)

// applyState records what the store holds for every path touched since the
// last commit. A nil digest means the key was removed.
type applyState struct {
	mu      sync.Mutex
	changes map[string]*hasher.Digest
	failed  map[string]error

	uploaded   int
	downloaded int
	deleted    int
	conflicts  int
}

func newApplyState() *applyState {
	return &applyState{
		changes: make(map[string]*hasher.Digest),
		failed:  make(map[string]error),
	}
}

func (s *applyState) set(path string, digest hasher.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[path] = &digest
}

func (s *applyState) remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[path] = nil
}

func (s *applyState) lookup(path string) (*hasher.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest, ok := s.changes[path]
	return digest, ok
}

func (s *applyState) fail(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[path] = err
}

func (s *applyState) count(kind planner.OpKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case OpUpload:
		s.uploaded++
	case OpDownload:
		s.downloaded++
	case OpDelete:
		s.deleted++
	case OpConflict:
		s.conflicts++
	}
}

func (s *applyState) changed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes) > 0
}

// over lays the recorded changes on top of base.
func (s *applyState) over(base snapshot.Snapshot) snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := snapshot.From(base)
	for path, digest := range s.changes {
		if digest == nil {
			b.Remove(path)
		} else {
			b.Set(path, *digest)
		}
	}
	return b.Build()
}

// collect copies counters and failures into result, failures sorted by path.
func (s *applyState) collect(result *SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result.Uploaded += s.uploaded
	result.Downloaded += s.downloaded
	result.Deleted += s.deleted
	result.Conflicts += s.conflicts

	paths := make([]string, 0, len(s.failed))
	for path := range s.failed {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	for _, path := range paths {
		result.Failures = append(result.Failures, s.failed[path])
	}
}

// transfer implements Transfer and records into an applyState.
type transfer struct {
	se    *SyncEngine
	state *applyState
}

func (t *transfer) Upload(ctx context.Context, path string) error {
	data, err := t.se.tree.Read(path)
	if err != nil {
		return &ApplyError{Op: OpUpload, Path: path, Err: err}
	}
	return t.put(ctx, path, data)
}

func (t *transfer) put(ctx context.Context, path string, data []byte) error {
	if _, err := t.se.store.Put(ctx, path, data); err != nil {
		return err
	}
	t.state.set(path, hasher.Sum(data))
	t.state.count(OpUpload)
	slog.Info("sync", "op", OpUpload, "path", path, "size", humanize.Bytes(uint64(len(data))))
	return nil
}

func (t *transfer) Download(ctx context.Context, path string) error {
	obj, err := t.se.store.Get(ctx, path)
	if blob.IsNotFound(err) {
		// the snapshot was ahead of the content keys
		slog.Warn("sync", "op", OpDownload, "path", path, "reason", "remote missing")
		t.state.remove(path)
		return nil
	} else if err != nil {
		return err
	}

	if err := t.se.tree.Write(path, obj.Body); err != nil {
		return &ApplyError{Op: OpDownload, Path: path, Err: err}
	}
	t.state.set(path, hasher.Sum(obj.Body))
	t.state.count(OpDownload)
	slog.Info("sync", "op", OpDownload, "path", path, "size", humanize.Bytes(uint64(len(obj.Body))))
	return nil
}

func (t *transfer) DownloadTo(ctx context.Context, path, target string) error {
	obj, err := t.se.store.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := t.se.tree.Write(target, obj.Body); err != nil {
		return &ApplyError{Op: OpDownload, Path: target, Err: err}
	}
	return nil
}

// Delete removes path from both the tree and the store.
func (t *transfer) Delete(ctx context.Context, path string) error {
	if err := t.se.tree.Delete(path); err != nil {
		return &ApplyError{Op: OpDelete, Path: path, Err: err}
	}
	return t.DeleteRemote(ctx, path)
}

func (t *transfer) DeleteRemote(ctx context.Context, path string) error {
	if err := t.se.store.Delete(ctx, path); err != nil {
		return err
	}
	t.state.remove(path)
	t.state.count(OpDelete)
	slog.Info("sync", "op", OpDelete, "path", path)
	return nil
}

var _ Transfer = (*transfer)(nil)

// ApplyAndCommit applies changes planned against base and commits the result.
func (se *SyncEngine) ApplyAndCommit(ctx context.Context, changes planner.ChangeSet, base snapshot.Remote) (*SyncResult, error) {
	if !se.muSync.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	defer se.muSync.Unlock()

	start := se.opts.Clock.Now()
	result := &SyncResult{Kind: RunKindFull, Attempts: 1}
	err := se.applyAndCommit(ctx, changes, base, result)
	result.Duration = se.opts.Clock.Since(start)
	if err != nil {
		return result, &SyncError{Failures: result.Failures, Err: err}
	}
	return result, nil
}

func (se *SyncEngine) applyAndCommit(ctx context.Context, changes planner.ChangeSet, base snapshot.Remote, result *SyncResult) error {
	state := newApplyState()
	se.setActive(state)
	defer se.setActive(nil)

	err := se.apply(ctx, changes, state)
	state.collect(result)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	return se.commit(ctx, base, state, result)
}

// apply runs every op on a bounded pool. Per-path failures are recorded in
// state; a storage failure or cancellation stops the batch.
func (se *SyncEngine) apply(ctx context.Context, changes planner.ChangeSet, state *applyState) error {
	if changes.Empty() {
		return nil
	}

	tr := &transfer{se: se, state: state}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(se.opts.Concurrency)

	for _, op := range changes {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			se.locks.Lock(op.Path)
			defer se.locks.Unlock(op.Path)

			err := se.applyOp(gctx, tr, op)
			if err == nil {
				return nil
			}
			if isFatal(err) {
				return err
			}
			slog.Error("sync", "op", op.Kind, "path", op.Path, "error", err)
			state.fail(op.Path, err)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (se *SyncEngine) applyOp(ctx context.Context, tr *transfer, op planner.ChangeOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch op.Kind {
	case OpUpload:
		return tr.Upload(ctx, op.Path)
	case OpDownload:
		return tr.Download(ctx, op.Path)
	case OpDelete:
		return tr.Delete(ctx, op.Path)
	case OpConflict:
		if err := se.opts.ConflictPolicy.Resolve(ctx, tr, op.Path); err != nil {
			return err
		}
		tr.state.count(OpConflict)
		return nil
	default:
		return fmt.Errorf("unknown op %s", op)
	}
}
