package sync

import (
	"fmt"
	"time"

	"github.com/openmined/blobsync/internal/planner"
	"github.com/openmined/blobsync/internal/snapshot"
)

const (
	OpUpload   = planner.OpUpload
	OpDownload = planner.OpDownload
	OpDelete   = planner.OpDelete
	OpConflict = planner.OpConflict
)

// SyncResult summarizes one sync attempt.
type SyncResult struct {
	RunID      string
	Kind       string
	Uploaded   int
	Downloaded int
	Deleted    int
	Conflicts  int
	// Failures are per-path errors that did not abort the run, including
	// hashing errors behind Skipped.
	Failures []error
	// Skipped are paths the local capture could not hash.
	Skipped []string
	// Pending are paths whose local content no longer matched the store at
	// commit time. The next run picks them up.
	Pending   []string
	Local     snapshot.Snapshot
	Committed snapshot.Snapshot
	Attempts  int
	Duration  time.Duration
}

// Degraded reports whether the run completed with per-path problems.
func (r *SyncResult) Degraded() bool {
	return len(r.Failures) > 0 || len(r.Skipped) > 0
}

func (r *SyncResult) Transferred() int {
	return r.Uploaded + r.Downloaded + r.Deleted
}

func (r *SyncResult) Status() string {
	if r.Degraded() {
		return RunStatusDegraded
	}
	return RunStatusOK
}

func (r *SyncResult) String() string {
	return fmt.Sprintf("%s: uploaded=%d downloaded=%d deleted=%d conflicts=%d failed=%d skipped=%d",
		r.Status(), r.Uploaded, r.Downloaded, r.Deleted, r.Conflicts, len(r.Failures), len(r.Skipped))
}
