package sync

import (
	"slices"
	"sync"
)

// PathLocks is a keyed mutex. Entries are dropped once nobody holds or waits
// on them.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*pathLock)}
}

func (l *PathLocks) Lock(path string) {
	l.mu.Lock()
	pl, ok := l.locks[path]
	if !ok {
		pl = &pathLock{}
		l.locks[path] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
}

func (l *PathLocks) Unlock(path string) {
	l.mu.Lock()
	pl, ok := l.locks[path]
	if !ok {
		l.mu.Unlock()
		panic("sync: unlock of unlocked path " + path)
	}
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, path)
	}
	l.mu.Unlock()

	pl.mu.Unlock()
}

// LockAll locks several paths in sorted order and returns the matching
// unlock. Duplicates and empty paths are skipped.
func (l *PathLocks) LockAll(paths ...string) func() {
	sorted := slices.Compact(slices.Sorted(slices.Values(paths)))
	sorted = slices.DeleteFunc(sorted, func(p string) bool { return p == "" })

	for _, p := range sorted {
		l.Lock(p)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			l.Unlock(sorted[i])
		}
	}
}

func (l *PathLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
