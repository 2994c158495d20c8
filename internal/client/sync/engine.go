package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/blobsync/internal/blob"
	"github.com/openmined/blobsync/internal/filetree"
	"github.com/openmined/blobsync/internal/hasher"
	"github.com/openmined/blobsync/internal/planner"
	"github.com/openmined/blobsync/internal/snapshot"
)

const (
	DefaultConcurrency = 16
	DefaultMaxRetries  = 3
)

type Options struct {
	// Concurrency bounds hashing and transfers.
	Concurrency    int
	ConflictPolicy ConflictPolicy
	RemoteOnly     planner.RemoteOnlyPolicy
	// MaxRetries is how many times a run re-plans after losing the commit
	// race to another writer.
	MaxRetries   int
	TombstoneTTL time.Duration
	// Ignore filters incremental events. Full syncs rely on the tree's own
	// filter.
	Ignore filetree.Filter
	Clock  clockwork.Clock
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.ConflictPolicy == nil {
		o.ConflictPolicy = LocalWins{}
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = snapshot.DefaultTombstoneTTL
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// SyncEngine keeps a FileTree and a blob Store converging on the same content.
// Full syncs plan against the committed remote snapshot; file events take the
// incremental path. Both end in the same conditional commit.
type SyncEngine struct {
	store   blob.Store
	tree    filetree.Tree
	hasher  hasher.FileHasher
	journal *SyncJournal
	opts    Options
	locks   *PathLocks

	muSync sync.Mutex

	// muCommit guards remote and serializes capture-and-commit. Taken after
	// any path lock, never before.
	muCommit sync.Mutex
	remote   *snapshot.Remote

	muActive sync.Mutex
	active   *applyState

	fullSyncNeeded chan struct{}
}

func NewSyncEngine(
	store blob.Store,
	tree filetree.Tree,
	h hasher.FileHasher,
	journal *SyncJournal,
	opts Options,
) *SyncEngine {
	opts.setDefaults()
	return &SyncEngine{
		store:          store,
		tree:           tree,
		hasher:         h,
		journal:        journal,
		opts:           opts,
		locks:          NewPathLocks(),
		fullSyncNeeded: make(chan struct{}, 1),
	}
}

// FullSyncNeeded fires when an incremental commit lost a race and the local
// view of the remote should be rebuilt.
func (se *SyncEngine) FullSyncNeeded() <-chan struct{} {
	return se.fullSyncNeeded
}

func (se *SyncEngine) requestFullSync() {
	select {
	case se.fullSyncNeeded <- struct{}{}:
	default:
	}
}

// Remote returns the last snapshot this engine loaded or committed.
func (se *SyncEngine) Remote() (snapshot.Remote, bool) {
	se.muCommit.Lock()
	defer se.muCommit.Unlock()
	if se.remote == nil {
		return snapshot.Remote{}, false
	}
	return *se.remote, true
}

// RunFullSync loads the remote snapshot, captures the local tree, applies the
// plan and commits. A commit that loses to a concurrent writer re-plans, up to
// MaxRetries times. Per-path failures degrade the result without failing it.
func (se *SyncEngine) RunFullSync(ctx context.Context) (*SyncResult, error) {
	if !se.muSync.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	defer se.muSync.Unlock()

	start := se.opts.Clock.Now()
	run, err := se.journal.BeginRun(RunKindFull, start)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	slog.Debug("full sync start", "run", run.ID)

	var result *SyncResult
	for attempt := 1; attempt <= se.opts.MaxRetries+1; attempt++ {
		result, err = se.syncOnce(ctx, run.ID)
		result.Attempts = attempt
		if !errors.Is(err, blob.ErrPreconditionFailed) {
			break
		}
		slog.Warn("remote snapshot changed during sync", "run", run.ID, "attempt", attempt)
	}
	result.Duration = se.opts.Clock.Since(start)

	se.finishRun(run, result, err)

	if err != nil {
		return result, &SyncError{RunID: run.ID, Failures: result.Failures, Err: err}
	}

	if result.Transferred() > 0 || result.Conflicts > 0 || result.Degraded() {
		slog.Info("full sync",
			"run", run.ID,
			"uploads", result.Uploaded,
			"downloads", result.Downloaded,
			"deletes", result.Deleted,
			"conflicts", result.Conflicts,
			"failures", len(result.Failures),
			"skipped", len(result.Skipped),
			"pending", len(result.Pending),
			"attempts", result.Attempts,
			"tsTotal", result.Duration,
		)
	} else {
		slog.Debug("full sync", "run", run.ID, "files", result.Committed.Len(), "tsTotal", result.Duration)
	}
	return result, nil
}

func (se *SyncEngine) syncOnce(ctx context.Context, runID string) (*SyncResult, error) {
	result := &SyncResult{RunID: runID, Kind: RunKindFull}

	tRemote := time.Now()
	remote, err := snapshot.Load(ctx, se.store)
	if err != nil {
		return result, fmt.Errorf("load remote snapshot: %w", err)
	}
	se.setRemote(remote)
	tsRemote := time.Since(tRemote)

	lastSynced, err := se.journal.GetState()
	if err != nil {
		return result, fmt.Errorf("get journal state: %w", err)
	}

	tLocal := time.Now()
	local, report, err := se.captureLocal(ctx, lastSynced)
	if err != nil {
		return result, fmt.Errorf("capture local snapshot: %w", err)
	}
	tsLocal := time.Since(tLocal)
	result.Local = local
	result.Skipped = report.SkippedPaths()
	for _, skipped := range report.Skipped {
		result.Failures = append(result.Failures, skipped.Err)
	}

	changes := planner.Plan(local, remote.Snapshot, planner.Options{
		RemoteOnly: se.opts.RemoteOnly,
		LastSynced: lastSynced,
	})

	slog.Debug("sync plan",
		"run", runID,
		"local", local.Len(),
		"remote", remote.Snapshot.Len(),
		"changes", len(changes),
		"tsRemoteState", tsRemote,
		"tsLocalState", tsLocal,
	)

	err = se.applyAndCommit(ctx, changes, remote, result)
	return result, err
}

// captureLocal snapshots the tree and tombstones every path this device had
// synced that is now gone.
func (se *SyncEngine) captureLocal(ctx context.Context, lastSynced map[string]hasher.Digest) (snapshot.Snapshot, *snapshot.CaptureReport, error) {
	local, report, err := snapshot.Capture(ctx, se.tree, se.hasher, se.opts.Concurrency)
	if err != nil {
		return snapshot.Snapshot{}, nil, err
	}

	skipped := make(map[string]struct{}, len(report.Skipped))
	for _, s := range report.Skipped {
		skipped[s.Path] = struct{}{}
	}

	now := se.opts.Clock.Now()
	b := snapshot.From(local)
	for path := range lastSynced {
		if _, ok := skipped[path]; ok || b.Has(path) {
			continue
		}
		b.Tombstone(path, now)
	}
	return b.Build(), report, nil
}

func (se *SyncEngine) setRemote(remote snapshot.Remote) {
	se.muCommit.Lock()
	defer se.muCommit.Unlock()
	se.remote = &remote
}

// remoteLocked returns the cached remote snapshot, loading it on first use.
// Callers hold muCommit.
func (se *SyncEngine) remoteLocked(ctx context.Context) (snapshot.Remote, error) {
	if se.remote != nil {
		return *se.remote, nil
	}
	remote, err := snapshot.Load(ctx, se.store)
	if err != nil {
		return snapshot.Remote{}, fmt.Errorf("load remote snapshot: %w", err)
	}
	se.remote = &remote
	return remote, nil
}

// heldDigest is what the store is known to hold for path, counting transfers
// of a full sync that has not committed yet.
func (se *SyncEngine) heldDigest(ctx context.Context, path string) (hasher.Digest, bool, error) {
	se.muActive.Lock()
	active := se.active
	se.muActive.Unlock()

	if active != nil {
		if digest, known := active.lookup(path); known {
			if digest == nil {
				return "", false, nil
			}
			return *digest, true, nil
		}
	}

	se.muCommit.Lock()
	defer se.muCommit.Unlock()
	remote, err := se.remoteLocked(ctx)
	if err != nil {
		return "", false, err
	}
	digest, ok := remote.Snapshot.Get(path)
	return digest, ok, nil
}

func (se *SyncEngine) setActive(state *applyState) {
	se.muActive.Lock()
	se.active = state
	se.muActive.Unlock()
}

func (se *SyncEngine) finishRun(run *RunRecord, result *SyncResult, err error) {
	run.FinishedAt = se.opts.Clock.Now().UnixMilli()
	run.Uploads = result.Uploaded
	run.Downloads = result.Downloaded
	run.Deletes = result.Deleted
	run.Conflicts = result.Conflicts
	run.Failures = len(result.Failures)
	run.Status = result.Status()
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err.Error()
	}

	if err := se.journal.FinishRun(run); err != nil {
		slog.Warn("journal finish run", "run", run.ID, "error", err)
	}

	failures := make([]PathFailure, 0, len(result.Failures))
	for _, ferr := range result.Failures {
		failures = append(failures, pathFailure(run.ID, run.FinishedAt, ferr))
	}
	if err := se.journal.RecordFailures(failures); err != nil {
		slog.Warn("journal record failures", "run", run.ID, "error", err)
	}
}

func pathFailure(runID string, at int64, err error) PathFailure {
	f := PathFailure{RunID: runID, Error: err.Error(), FailedAt: at}

	var applyErr *ApplyError
	var hashErr *hasher.HashError
	var blobErr *blob.Error
	switch {
	case errors.As(err, &applyErr):
		f.Path, f.Op = applyErr.Path, applyErr.Op.String()
	case errors.As(err, &hashErr):
		f.Path, f.Op = hashErr.Path, "Hash"
	case errors.As(err, &blobErr):
		f.Path, f.Op = blobErr.Key, blobErr.Op
	}
	return f
}

// isFatal reports whether err must abort the whole attempt.
func isFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var blobErr *blob.Error
	return errors.As(err, &blobErr) && blob.IsFatal(blobErr)
}
