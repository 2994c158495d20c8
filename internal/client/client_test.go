package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/blobsync/internal/blob"
	"github.com/openmined/blobsync/internal/client/config"
	"github.com/openmined/blobsync/internal/client/sync"
	"github.com/openmined/blobsync/internal/client/workspace"
	"github.com/openmined/blobsync/internal/filetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Endpoint:        "https://example.r2.cloudflarestorage.com",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Bucket:          "vault",
		RootDir:         root,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestClient_RunOnce(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "a.md"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".DS_Store"), []byte("junk"), 0o644))

	store := blob.NewMemoryStore()
	c, err := NewWithStore(testConfig(t, root), store)
	require.NoError(t, err)

	result, err := c.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, []string{blob.SnapshotKey, "notes/a.md"}, store.Keys())

	// metadata dir and journal live inside the root but are never synced
	assert.FileExists(t, c.Workspace().DBPath)

	remote, err := c.Snapshot(t.Context())
	require.NoError(t, err)
	assert.True(t, remote.Snapshot.Has("notes/a.md"))
	assert.False(t, remote.Snapshot.Has(".DS_Store"))

	// the workspace is released afterwards
	ws, err := workspace.NewWorkspace(root)
	require.NoError(t, err)
	require.NoError(t, ws.Lock())
	require.NoError(t, ws.Unlock())
}

func TestClient_RunOnceDownloadsIntoFreshRoot(t *testing.T) {
	store := blob.NewMemoryStore()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("from elsewhere"), 0o644))
	c1, err := NewWithStore(testConfig(t, src), store)
	require.NoError(t, err)
	_, err = c1.RunOnce(t.Context())
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "fresh")
	c2, err := NewWithStore(testConfig(t, dst), store)
	require.NoError(t, err)
	result, err := c2.RunOnce(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Downloaded)
	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from elsewhere", string(data))
}

func TestClient_RejectsLockedWorkspace(t *testing.T) {
	root := t.TempDir()
	ws, err := workspace.NewWorkspace(root)
	require.NoError(t, err)
	require.NoError(t, ws.Lock())
	t.Cleanup(func() { _ = ws.Unlock() })

	c, err := NewWithStore(testConfig(t, root), blob.NewMemoryStore())
	require.NoError(t, err)

	_, err = c.RunOnce(t.Context())
	assert.ErrorIs(t, err, workspace.ErrWorkspaceLocked)
}

func TestClient_HandleEventCoalesced(t *testing.T) {
	root := t.TempDir()
	store := blob.NewMemoryStore()
	cfg := testConfig(t, root)
	cfg.Debounce = config.Duration(time.Hour)

	c, err := NewWithStore(cfg, store)
	require.NoError(t, err)
	require.NoError(t, c.setup())
	t.Cleanup(c.teardown)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1"), 0o644))
	ev := filetree.Event{Kind: filetree.EventModify, Path: "a.txt"}

	assert.True(t, c.scheduler.Submit(t.Context(), ev))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v2"), 0o644))
	assert.False(t, c.scheduler.Submit(t.Context(), ev))

	assert.Equal(t, 1, store.Calls("put"))
	obj, err := store.Get(t.Context(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(obj.Body))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(t.Context(), &config.Config{RootDir: t.TempDir()})
	assert.ErrorIs(t, err, config.ErrMissingField)
}

func TestReadHistory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0o644))

	c, err := NewWithStore(testConfig(t, root), blob.NewMemoryStore())
	require.NoError(t, err)
	first, err := c.RunOnce(t.Context())
	require.NoError(t, err)
	second, err := c.RunOnce(t.Context())
	require.NoError(t, err)

	history, err := ReadHistory(root, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, second.RunID, history[0].Run.ID)
	assert.Equal(t, first.RunID, history[1].Run.ID)
	assert.Equal(t, sync.RunKindFull, history[1].Run.Kind)
	assert.Equal(t, sync.RunStatusOK, history[1].Run.Status)
	assert.Equal(t, 1, history[1].Run.Uploads)
	assert.Empty(t, history[1].Failures)
}
