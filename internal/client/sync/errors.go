package sync

import (
	"errors"
	"fmt"

	"github.com/openmined/blobsync/internal/planner"
)

var (
	ErrSyncAlreadyRunning = errors.New("sync already running")
)

// ApplyError is a local write, delete or directory create that failed for
// one path. It never aborts a batch.
type ApplyError struct {
	Op   planner.OpKind
	Path string
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// SyncError is the aggregate failure of one sync attempt. Err is the fatal
// cause, if any; Failures are the per-path errors collected before it.
type SyncError struct {
	RunID    string
	Failures []error
	Err      error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sync %s: %v", e.RunID, e.Err)
	}
	return fmt.Sprintf("sync %s: %d paths failed", e.RunID, len(e.Failures))
}

func (e *SyncError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return append(errs, e.Failures...)
}
