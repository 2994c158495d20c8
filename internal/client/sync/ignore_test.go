package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncIgnoreList_Defaults(t *testing.T) {
	ignore := NewSyncIgnoreList(t.TempDir())

	ignored := []string{
		".blobsync/sync.db",
		".blobsync/logs/blobsync.log",
		"current_snapshot",
		".blobsyncignore",
		"notes/a.blobsync.tmp",
		"notes/a.blobsync-conflict.md",
		"notes/a.blobsync-conflict.20250712234500.md",
		"Makefile.blobsync-conflict.20250712234500",
		"notes/.DS_Store",
		".git/HEAD",
		"proj/.vscode/settings.json",
		"draft.swp",
	}
	for _, p := range ignored {
		assert.True(t, ignore.ShouldIgnore(p), p)
	}

	kept := []string{
		"notes/a.md",
		"dir/current_snapshot",
		"conflicts/resolution.txt",
		"report.conflict.md",
		"notes/my.conflict.resolution.txt",
		"a.txt",
	}
	for _, p := range kept {
		assert.False(t, ignore.ShouldIgnore(p), p)
	}
}

func TestSyncIgnoreList_Filter(t *testing.T) {
	ignore := NewSyncIgnoreList(t.TempDir())

	assert.True(t, ignore.Filter(".blobsync", true))
	assert.True(t, ignore.Filter(".git", true))
	assert.False(t, ignore.Filter("docs", true))
	assert.False(t, ignore.Filter("docs/readme.md", false))
	assert.True(t, ignore.Filter("docs/readme.blobsync-conflict.md", false))
	assert.False(t, ignore.Filter("docs/readme.conflict.md", false))
}

func TestSyncIgnoreList_Load(t *testing.T) {
	dir := t.TempDir()
	content := "# build output\n\n*.log\nbuild/\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, IgnoreFileName), []byte(content), 0o644))

	ignore := NewSyncIgnoreList(dir)
	assert.False(t, ignore.ShouldIgnore("debug.log"))

	ignore.Load()
	assert.True(t, ignore.ShouldIgnore("debug.log"))
	assert.True(t, ignore.ShouldIgnore("build/out.bin"))
	assert.True(t, ignore.ShouldIgnore(".DS_Store"), "defaults stay")
	assert.False(t, ignore.ShouldIgnore("main.go"))
}

func TestSyncIgnoreList_LoadMissingFile(t *testing.T) {
	ignore := NewSyncIgnoreList(t.TempDir())
	ignore.Load()
	assert.True(t, ignore.ShouldIgnore(".DS_Store"))
	assert.False(t, ignore.ShouldIgnore("a.txt"))
}
