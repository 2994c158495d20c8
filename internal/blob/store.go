package blob

import (
	"context"
)

// SnapshotKey is the reserved key holding the committed snapshot. File paths
// never collide with it because the ignore list keeps it out of every tree.
const SnapshotKey = "current_snapshot"

// Object is a blob read from a Store. ETag identifies the stored version and is
// what a conditional write compares against.
type Object struct {
	Key  string
	Body []byte
	ETag string
}

// Store is a keyed blob store. Keys are slash separated relative paths.
//
// Get returns an error wrapping ErrNotFound for absent keys. PutIf writes only
// when the stored version still matches ifMatch; an empty ifMatch means the key
// must not exist yet. A mismatch yields ErrPreconditionFailed.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, body []byte) (string, error)
	PutIf(ctx context.Context, key string, body []byte, ifMatch string) (string, error)
	Delete(ctx context.Context, key string) error
}
