// Package planner compares a local and a remote snapshot and decides what has
// to move. It does no I/O.
package planner

import (
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/blobsync/internal/hasher"
	"github.com/openmined/blobsync/internal/snapshot"
)

type OpKind uint8

var opKindNames = []string{
	"Upload",
	"Download",
	"Delete",
	"Conflict",
}

const (
	OpUpload OpKind = iota
	OpDownload
	OpDelete
	OpConflict
)

func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", k)
}

// ChangeOp is one action on one path.
type ChangeOp struct {
	Kind OpKind
	Path string
}

func (op ChangeOp) String() string {
	return op.Kind.String() + "(" + op.Path + ")"
}

// ChangeSet is ordered by path. Order carries no meaning beyond determinism.
type ChangeSet []ChangeOp

func (cs ChangeSet) Empty() bool {
	return len(cs) == 0
}

// Count returns how many ops of kind the set holds.
func (cs ChangeSet) Count(kind OpKind) int {
	n := 0
	for _, op := range cs {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// RemoteOnlyPolicy decides what a path present only on the remote means.
type RemoteOnlyPolicy uint8

const (
	// RemoteOnlyDownload pulls the path down.
	RemoteOnlyDownload RemoteOnlyPolicy = iota
	// RemoteOnlyDelete treats the local side as authoritative and removes it.
	RemoteOnlyDelete
	// RemoteOnlyHonorTombstones deletes when the local snapshot carries a
	// tombstone for the path and downloads otherwise.
	RemoteOnlyHonorTombstones
)

func ParseRemoteOnlyPolicy(s string) (RemoteOnlyPolicy, error) {
	switch s {
	case "", "download":
		return RemoteOnlyDownload, nil
	case "delete":
		return RemoteOnlyDelete, nil
	case "honor-tombstones":
		return RemoteOnlyHonorTombstones, nil
	default:
		return 0, fmt.Errorf("unknown remote-only policy %q", s)
	}
}

func (p RemoteOnlyPolicy) String() string {
	switch p {
	case RemoteOnlyDownload:
		return "download"
	case RemoteOnlyDelete:
		return "delete"
	case RemoteOnlyHonorTombstones:
		return "honor-tombstones"
	default:
		return fmt.Sprintf("RemoteOnlyPolicy(%d)", p)
	}
}

type Options struct {
	RemoteOnly RemoteOnlyPolicy
	// LastSynced holds the digest each path had when this device last synced
	// it. With RemoteOnlyHonorTombstones a tombstone only deletes content that
	// still matches it on the other side; an edit made after the last sync
	// wins over the deletion.
	LastSynced map[string]hasher.Digest
}

// Plan classifies every path in the union of local and remote.
func Plan(local, remote snapshot.Snapshot, opts Options) ChangeSet {
	paths := mapset.NewThreadUnsafeSet(local.Paths()...)
	paths.Append(remote.Paths()...)

	changes := make(ChangeSet, 0, paths.Cardinality())
	for _, path := range paths.ToSlice() {
		localDigest, inLocal := local.Get(path)
		remoteDigest, inRemote := remote.Get(path)

		switch {
		case inLocal && !inRemote:
			changes = append(changes, ChangeOp{Kind: planLocalOnly(path, localDigest, remote, opts), Path: path})
		case !inLocal && inRemote:
			changes = append(changes, ChangeOp{Kind: planRemoteOnly(path, remoteDigest, local, opts), Path: path})
		case localDigest != remoteDigest:
			changes = append(changes, ChangeOp{Kind: OpConflict, Path: path})
		}
	}

	slices.SortFunc(changes, func(a, b ChangeOp) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})
	return changes
}

func planLocalOnly(path string, digest hasher.Digest, remote snapshot.Snapshot, opts Options) OpKind {
	if opts.RemoteOnly != RemoteOnlyHonorTombstones {
		return OpUpload
	}
	if _, tombstoned := remote.Deleted(path); !tombstoned {
		return OpUpload
	}
	if synced, ok := opts.LastSynced[path]; ok && synced == digest {
		return OpDelete
	}
	// edited after the remote deletion: keep the edit
	return OpUpload
}

func planRemoteOnly(path string, digest hasher.Digest, local snapshot.Snapshot, opts Options) OpKind {
	switch opts.RemoteOnly {
	case RemoteOnlyDelete:
		return OpDelete
	case RemoteOnlyHonorTombstones:
		if _, tombstoned := local.Deleted(path); !tombstoned {
			return OpDownload
		}
		if synced, ok := opts.LastSynced[path]; ok && synced == digest {
			return OpDelete
		}
		// edited elsewhere after this device last synced it: keep the edit
	}
	return OpDownload
}
