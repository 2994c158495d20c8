// Package snapshot holds the hash state of a tree at one point in time.
//
// A Snapshot is immutable. New states are produced with a Builder, and the
// accessors hand out copies, so a Snapshot can be shared between goroutines.
package snapshot

import (
	"maps"
	"slices"
	"time"

	"github.com/openmined/blobsync/internal/hasher"
)

// DefaultTombstoneTTL is how long a deletion is remembered.
const DefaultTombstoneTTL = 30 * 24 * time.Hour

type Snapshot struct {
	files   map[string]hasher.Digest
	deleted map[string]int64
}

// Empty is the state of a tree that has never been synced.
func Empty() Snapshot {
	return Snapshot{}
}

// New copies files and deleted into a Snapshot. deleted holds unix
// milliseconds and may be nil.
func New(files map[string]hasher.Digest, deleted map[string]int64) Snapshot {
	return Snapshot{
		files:   maps.Clone(files),
		deleted: maps.Clone(deleted),
	}
}

func (s Snapshot) Get(path string) (hasher.Digest, bool) {
	d, ok := s.files[path]
	return d, ok
}

func (s Snapshot) Has(path string) bool {
	_, ok := s.files[path]
	return ok
}

// Deleted returns the tombstone time for path.
func (s Snapshot) Deleted(path string) (time.Time, bool) {
	ms, ok := s.deleted[path]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (s Snapshot) Len() int {
	return len(s.files)
}

// Paths returns the file paths in sorted order.
func (s Snapshot) Paths() []string {
	return slices.Sorted(maps.Keys(s.files))
}

func (s Snapshot) Files() map[string]hasher.Digest {
	return maps.Clone(s.files)
}

func (s Snapshot) Tombstones() map[string]int64 {
	return maps.Clone(s.deleted)
}

// Equal compares files and tombstones.
func (s Snapshot) Equal(other Snapshot) bool {
	return maps.Equal(s.files, other.files) && maps.Equal(s.deleted, other.deleted)
}

// SameFiles compares only the file digests.
func (s Snapshot) SameFiles(other Snapshot) bool {
	return maps.Equal(s.files, other.files)
}

// Builder accumulates changes for a new Snapshot. It is not safe for
// concurrent use.
type Builder struct {
	files   map[string]hasher.Digest
	deleted map[string]int64
}

func NewBuilder() *Builder {
	return &Builder{
		files:   make(map[string]hasher.Digest),
		deleted: make(map[string]int64),
	}
}

// From starts a builder with the contents of s.
func From(s Snapshot) *Builder {
	b := NewBuilder()
	maps.Copy(b.files, s.files)
	maps.Copy(b.deleted, s.deleted)
	return b
}

// Set records path with digest and clears any tombstone for it.
func (b *Builder) Set(path string, digest hasher.Digest) *Builder {
	b.files[path] = digest
	delete(b.deleted, path)
	return b
}

func (b *Builder) Remove(path string) *Builder {
	delete(b.files, path)
	return b
}

// Tombstone marks path deleted at t. It is a no-op while path is present.
func (b *Builder) Tombstone(path string, t time.Time) *Builder {
	if _, ok := b.files[path]; ok {
		return b
	}
	b.deleted[path] = t.UnixMilli()
	return b
}

func (b *Builder) Has(path string) bool {
	_, ok := b.files[path]
	return ok
}

func (b *Builder) Build() Snapshot {
	return New(b.files, b.deleted)
}

// WithTombstones carries prev's tombstones into next, adds one stamped now
// for every path prev had that next lacks, drops tombstones of paths next
// has, and prunes tombstones older than ttl.
func WithTombstones(next, prev Snapshot, now time.Time, ttl time.Duration) Snapshot {
	b := From(next)

	for path, ms := range prev.deleted {
		if _, ok := b.deleted[path]; !ok {
			b.deleted[path] = ms
		}
	}
	for path := range prev.files {
		if !b.Has(path) {
			if _, ok := b.deleted[path]; !ok {
				b.deleted[path] = now.UnixMilli()
			}
		}
	}

	cutoff := now.Add(-ttl).UnixMilli()
	for path, ms := range b.deleted {
		if b.Has(path) || ms < cutoff {
			delete(b.deleted, path)
		}
	}

	return b.Build()
}
