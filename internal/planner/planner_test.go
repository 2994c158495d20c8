package planner

import (
	"testing"
	"time"

	"github.com/openmined/blobsync/internal/hasher"
	"github.com/openmined/blobsync/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(files map[string]hasher.Digest) snapshot.Snapshot {
	return snapshot.New(files, nil)
}

func TestPlan_Classification(t *testing.T) {
	local := snap(map[string]hasher.Digest{"a": "h1", "b": "h2"})
	remote := snap(map[string]hasher.Digest{"b": "h2", "c": "h3"})

	got := Plan(local, remote, Options{})
	assert.Equal(t, ChangeSet{
		{Kind: OpUpload, Path: "a"},
		{Kind: OpDownload, Path: "c"},
	}, got)
	assert.Zero(t, got.Count(OpConflict))
}

func TestPlan_ConflictDetection(t *testing.T) {
	local := snap(map[string]hasher.Digest{"a": "h1"})
	remote := snap(map[string]hasher.Digest{"a": "h2"})

	assert.Equal(t, ChangeSet{{Kind: OpConflict, Path: "a"}}, Plan(local, remote, Options{}))
}

func TestPlan_IdenticalIsEmpty(t *testing.T) {
	s := snap(map[string]hasher.Digest{"a": "h1", "x/y": "h2"})
	assert.True(t, Plan(s, s, Options{}).Empty())
	assert.True(t, Plan(snapshot.Empty(), snapshot.Empty(), Options{}).Empty())
}

func TestPlan_RemoteOnlyPolicies(t *testing.T) {
	now := time.Now()
	local := snapshot.NewBuilder().
		Set("kept", "h0").
		Tombstone("removed-here", now).
		Tombstone("edited-elsewhere", now).
		Build()
	remote := snap(map[string]hasher.Digest{
		"kept":             "h0",
		"removed-here":     "h1",
		"never-had":        "h2",
		"edited-elsewhere": "h5",
	})
	lastSynced := map[string]hasher.Digest{
		"kept":             "h0",
		"removed-here":     "h1",
		"edited-elsewhere": "h4",
	}

	tests := []struct {
		policy RemoteOnlyPolicy
		want   ChangeSet
	}{
		{RemoteOnlyDownload, ChangeSet{{OpDownload, "edited-elsewhere"}, {OpDownload, "never-had"}, {OpDownload, "removed-here"}}},
		{RemoteOnlyDelete, ChangeSet{{OpDelete, "edited-elsewhere"}, {OpDelete, "never-had"}, {OpDelete, "removed-here"}}},
		{RemoteOnlyHonorTombstones, ChangeSet{{OpDownload, "edited-elsewhere"}, {OpDownload, "never-had"}, {OpDelete, "removed-here"}}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(local, remote, Options{RemoteOnly: tt.policy, LastSynced: lastSynced}))
		})
	}
}

func TestPlan_HonorTombstonesLocalOnly(t *testing.T) {
	local := snap(map[string]hasher.Digest{
		"deleted-elsewhere": "h1",
		"edited-since":      "h9",
		"new":               "h3",
	})
	remote := snapshot.NewBuilder().
		Tombstone("deleted-elsewhere", time.Now()).
		Tombstone("edited-since", time.Now()).
		Build()
	opts := Options{
		RemoteOnly: RemoteOnlyHonorTombstones,
		LastSynced: map[string]hasher.Digest{"deleted-elsewhere": "h1", "edited-since": "h2"},
	}

	assert.Equal(t, ChangeSet{
		{OpDelete, "deleted-elsewhere"},
		{OpUpload, "edited-since"},
		{OpUpload, "new"},
	}, Plan(local, remote, opts))

	// other policies never delete local-only files
	opts.RemoteOnly = RemoteOnlyDownload
	assert.Equal(t, 3, Plan(local, remote, opts).Count(OpUpload))
}

func TestParseRemoteOnlyPolicy(t *testing.T) {
	for _, p := range []RemoteOnlyPolicy{RemoteOnlyDownload, RemoteOnlyDelete, RemoteOnlyHonorTombstones} {
		got, err := ParseRemoteOnlyPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	got, err := ParseRemoteOnlyPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RemoteOnlyDownload, got)

	_, err = ParseRemoteOnlyPolicy("nope")
	assert.Error(t, err)
}

func TestOpKind_String(t *testing.T) {
	assert.Equal(t, "Upload", OpUpload.String())
	assert.Equal(t, "Conflict", OpConflict.String())
	assert.Equal(t, "OpKind(9)", OpKind(9).String())
	assert.Equal(t, "Download(a/b)", ChangeOp{Kind: OpDownload, Path: "a/b"}.String())
}
