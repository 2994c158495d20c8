package sync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/blobsync/internal/db"
	"github.com/openmined/blobsync/internal/hasher"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
    path TEXT PRIMARY KEY,
    digest TEXT NOT NULL,
    synced_at INTEGER NOT NULL -- unix ms
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    device TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL DEFAULT 0,
    uploads INTEGER NOT NULL DEFAULT 0,
    downloads INTEGER NOT NULL DEFAULT 0,
    deletes INTEGER NOT NULL DEFAULT 0,
    conflicts INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON sync_runs(started_at);

CREATE TABLE IF NOT EXISTS sync_failures (
    run_id TEXT NOT NULL REFERENCES sync_runs(id) ON DELETE CASCADE,
    path TEXT NOT NULL,
    op TEXT NOT NULL,
    error TEXT NOT NULL,
    failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_run_id ON sync_failures(run_id);
CREATE INDEX IF NOT EXISTS idx_failures_path ON sync_failures(path);
`

const (
	RunKindFull        = "full"
	RunKindIncremental = "incremental"

	RunStatusRunning  = "running"
	RunStatusOK       = "ok"
	RunStatusDegraded = "degraded"
	RunStatusFailed   = "failed"
)

type dbSyncState struct {
	Path     string `db:"path"`
	Digest   string `db:"digest"`
	SyncedAt int64  `db:"synced_at"`
}

// RunRecord is one sync attempt as stored in the journal.
type RunRecord struct {
	ID         string `db:"id"`
	Device     string `db:"device"`
	Kind       string `db:"kind"`
	Status     string `db:"status"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt int64  `db:"finished_at"`
	Uploads    int    `db:"uploads"`
	Downloads  int    `db:"downloads"`
	Deletes    int    `db:"deletes"`
	Conflicts  int    `db:"conflicts"`
	Failures   int    `db:"failures"`
	Error      string `db:"error"`
}

func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt == 0 {
		return 0
	}
	return time.Duration(r.FinishedAt-r.StartedAt) * time.Millisecond
}

type PathFailure struct {
	RunID    string `db:"run_id"`
	Path     string `db:"path"`
	Op       string `db:"op"`
	Error    string `db:"error"`
	FailedAt int64  `db:"failed_at"`
}

// SyncJournal records, per device, the digest each path had when it was last
// in sync, plus the history of sync runs and their per-path failures.
type SyncJournal struct {
	db       *sqlx.DB
	dbPath   string
	deviceID string
}

func NewSyncJournal(dbPath string) *SyncJournal {
	return &SyncJournal{dbPath: dbPath}
}

func (j *SyncJournal) Open() error {
	if j.db != nil {
		return fmt.Errorf("sync journal already open")
	}

	conn, err := db.NewSqliteDB(db.WithPath(j.dbPath), db.WithMaxOpenConns(1), db.WithSchema(schemaVersion, schema))
	if err != nil {
		return fmt.Errorf("open sync journal: %w", err)
	}
	j.db = conn

	j.deviceID, err = machineid.ProtectedID("blobsync")
	if err != nil {
		slog.Warn("machine id unavailable", "error", err)
		j.deviceID = "unknown"
	}
	return nil
}

func (j *SyncJournal) Close() error {
	if j.db == nil {
		return fmt.Errorf("sync journal not open")
	}
	if err := j.db.Close(); err != nil {
		return err
	}
	j.db = nil
	slog.Debug("sync journal closed")
	return nil
}

func (j *SyncJournal) DeviceID() string {
	return j.deviceID
}

// GetState returns the last synced digest of every path.
func (j *SyncJournal) GetState() (map[string]hasher.Digest, error) {
	var rows []dbSyncState
	if err := j.db.Select(&rows, "SELECT path, digest, synced_at FROM sync_state"); err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}

	state := make(map[string]hasher.Digest, len(rows))
	for _, row := range rows {
		state[row.Path] = hasher.Digest(row.Digest)
	}
	return state, nil
}

// ReplaceState swaps the whole synced state in one transaction.
func (j *SyncJournal) ReplaceState(state map[string]hasher.Digest, at time.Time) error {
	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sync_state"); err != nil {
		return fmt.Errorf("clear sync state: %w", err)
	}

	if len(state) > 0 {
		rows := make([]dbSyncState, 0, len(state))
		for path, digest := range state {
			rows = append(rows, dbSyncState{Path: path, Digest: string(digest), SyncedAt: at.UnixMilli()})
		}
		// stay under sqlite's bound parameter limit
		for chunk := range chunked(rows, 256) {
			_, err := tx.NamedExec(`INSERT INTO sync_state (path, digest, synced_at)
			          VALUES (:path, :digest, :synced_at)`, chunk)
			if err != nil {
				return fmt.Errorf("insert sync state: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (j *SyncJournal) Count() (int, error) {
	var count int
	if err := j.db.Get(&count, "SELECT COUNT(*) FROM sync_state"); err != nil {
		return 0, fmt.Errorf("count sync state: %w", err)
	}
	return count, nil
}

// BeginRun stores a running record with a fresh id.
func (j *SyncJournal) BeginRun(kind string, at time.Time) (*RunRecord, error) {
	run := &RunRecord{
		ID:        uuid.NewString(),
		Device:    j.deviceID,
		Kind:      kind,
		Status:    RunStatusRunning,
		StartedAt: at.UnixMilli(),
	}

	_, err := j.db.NamedExec(`INSERT INTO sync_runs (id, device, kind, status, started_at)
	          VALUES (:id, :device, :kind, :status, :started_at)`, run)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (j *SyncJournal) FinishRun(run *RunRecord) error {
	_, err := j.db.NamedExec(`UPDATE sync_runs SET status = :status, finished_at = :finished_at,
	          uploads = :uploads, downloads = :downloads, deletes = :deletes, conflicts = :conflicts,
	          failures = :failures, error = :error WHERE id = :id`, run)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

func (j *SyncJournal) RecordFailures(failures []PathFailure) error {
	if len(failures) == 0 {
		return nil
	}
	for chunk := range chunked(failures, 128) {
		_, err := j.db.NamedExec(`INSERT INTO sync_failures (run_id, path, op, error, failed_at)
		          VALUES (:run_id, :path, :op, :error, :failed_at)`, chunk)
		if err != nil {
			return fmt.Errorf("insert failures: %w", err)
		}
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (j *SyncJournal) Runs(limit int) ([]RunRecord, error) {
	var runs []RunRecord
	err := j.db.Select(&runs, `SELECT id, device, kind, status, started_at, finished_at, uploads, downloads,
	          deletes, conflicts, failures, error FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return runs, nil
}

func (j *SyncJournal) Failures(runID string) ([]PathFailure, error) {
	var failures []PathFailure
	err := j.db.Select(&failures, `SELECT run_id, path, op, error, failed_at FROM sync_failures
	          WHERE run_id = ? ORDER BY path`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	return failures, nil
}

func chunked[T any](items []T, size int) func(yield func([]T) bool) {
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if !yield(items[start:end]) {
				return
			}
		}
	}
}
