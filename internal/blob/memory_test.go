package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "a.md")
	assert.ErrorIs(t, err, ErrNotFound)

	etag1, err := store.Put(ctx, "a.md", []byte("one"))
	require.NoError(t, err)
	etag2, err := store.Put(ctx, "a.md", []byte("one"))
	require.NoError(t, err)
	assert.NotEqual(t, etag1, etag2)

	obj, err := store.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), obj.Body)
	assert.Equal(t, etag2, obj.ETag)

	require.NoError(t, store.Delete(ctx, "a.md"))
	require.NoError(t, store.Delete(ctx, "a.md"))
	assert.Empty(t, store.Keys())
	assert.Equal(t, 2, store.Calls("put"))
}

func TestMemoryStore_PutIf(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	etag, err := store.PutIf(ctx, SnapshotKey, []byte("v1"), "")
	require.NoError(t, err)

	_, err = store.PutIf(ctx, SnapshotKey, []byte("v2"), "")
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = store.PutIf(ctx, SnapshotKey, []byte("v2"), "stale")
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = store.PutIf(ctx, SnapshotKey, []byte("v2"), etag)
	require.NoError(t, err)

	obj, err := store.Get(ctx, SnapshotKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), obj.Body)
}

func TestMemoryStore_FailFn(t *testing.T) {
	store := NewMemoryStore()
	store.FailFn = func(op, key string) error {
		if op == "put" && key == "bad.md" {
			return ErrUnauthorized
		}
		if op == "get" {
			return errors.New("boom")
		}
		return nil
	}
	ctx := context.Background()

	_, err := store.Put(ctx, "bad.md", []byte("x"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = store.Put(ctx, "good.md", []byte("x"))
	require.NoError(t, err)

	_, err = store.Get(ctx, "good.md")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Put(ctx, "a.md", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Keys())
}
