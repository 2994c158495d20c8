package snapshot

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/blobsync/internal/blob"
	"github.com/openmined/blobsync/internal/hasher"
)

type wireSnapshot struct {
	Files        map[string]hasher.Digest `json:"files"`
	DeletedFiles map[string]int64         `json:"deletedFiles"`
}

func Encode(s Snapshot) ([]byte, error) {
	w := wireSnapshot{
		Files:        s.files,
		DeletedFiles: s.deleted,
	}
	if w.Files == nil {
		w.Files = map[string]hasher.Digest{}
	}
	if w.DeletedFiles == nil {
		w.DeletedFiles = map[string]int64{}
	}
	return json.Marshal(w)
}

func Decode(data []byte) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return New(w.Files, w.DeletedFiles), nil
}

// Remote is the committed snapshot together with the version it was read at.
// An empty ETag means no snapshot has been committed yet.
type Remote struct {
	Snapshot Snapshot
	ETag     string
}

// Exists reports whether a snapshot was found in the store.
func (r Remote) Exists() bool {
	return r.ETag != ""
}

// Load reads the committed snapshot. A missing key is the empty state.
func Load(ctx context.Context, store blob.Store) (Remote, error) {
	obj, err := store.Get(ctx, blob.SnapshotKey)
	if blob.IsNotFound(err) {
		return Remote{Snapshot: Empty()}, nil
	}
	if err != nil {
		return Remote{}, err
	}

	s, err := Decode(obj.Body)
	if err != nil {
		return Remote{}, err
	}
	return Remote{Snapshot: s, ETag: obj.ETag}, nil
}

// Commit writes s only if the stored snapshot is still the one read as prev.
// A concurrent commit surfaces as blob.ErrPreconditionFailed.
func Commit(ctx context.Context, store blob.Store, s Snapshot, prev Remote) (Remote, error) {
	data, err := Encode(s)
	if err != nil {
		return Remote{}, err
	}

	etag, err := store.PutIf(ctx, blob.SnapshotKey, data, prev.ETag)
	if err != nil {
		return Remote{}, err
	}
	return Remote{Snapshot: s, ETag: etag}, nil
}
