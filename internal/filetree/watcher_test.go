package filetree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestWatcher returns a watcher that is fed by calling handle directly.
// Paths listed in present are reported as existing files.
func newTestWatcher(t *testing.T, present ...string) (*Watcher, *clockwork.FakeClock) {
	t.Helper()
	w := NewWatcher("/vault")
	w.root = "/vault"
	clock := clockwork.NewFakeClock()
	w.SetClock(clock)
	w.SetFilter(func(rel string, _ bool) bool {
		return strings.HasSuffix(rel, tempSuffix)
	})

	exists := map[string]bool{}
	for _, p := range present {
		exists["/vault/"+p] = true
	}
	w.stat = func(abs string) (bool, bool) {
		return exists[abs], false
	}
	t.Cleanup(w.Stop)
	return w, clock
}

func nextEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case ev := <-w.Events():
		assert.Failf(t, "unexpected event", "%v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcher_BasicKinds(t *testing.T) {
	w, _ := newTestWatcher(t, "a.md")

	w.handle(notify.Create, "/vault/a.md")
	assert.Equal(t, Event{Kind: EventCreate, Path: "a.md"}, nextEvent(t, w))

	w.handle(notify.Write, "/vault/a.md")
	assert.Equal(t, Event{Kind: EventModify, Path: "a.md"}, nextEvent(t, w))

	w.handle(notify.Remove, "/vault/a.md")
	assert.Equal(t, Event{Kind: EventDelete, Path: "a.md"}, nextEvent(t, w))

	// outside the root and the root itself are ignored
	w.handle(notify.Write, "/elsewhere/x.md")
	w.handle(notify.Write, "/vault")
	assertNoEvent(t, w)
}

func TestWatcher_PairsRename(t *testing.T) {
	w, _ := newTestWatcher(t, "new.md")

	w.handle(notify.Rename, "/vault/old.md")
	w.handle(notify.Create, "/vault/new.md")

	assert.Equal(t, Event{Kind: EventRename, Path: "new.md", OldPath: "old.md"}, nextEvent(t, w))
	assertNoEvent(t, w)
}

func TestWatcher_PairsRenameReportedOnBothSides(t *testing.T) {
	w, _ := newTestWatcher(t, "new.md")

	w.handle(notify.Rename, "/vault/old.md")
	w.handle(notify.Rename, "/vault/new.md")

	assert.Equal(t, Event{Kind: EventRename, Path: "new.md", OldPath: "old.md"}, nextEvent(t, w))
}

func TestWatcher_UnpairedRenameBecomesDelete(t *testing.T) {
	w, clock := newTestWatcher(t)

	w.handle(notify.Rename, "/vault/gone.md")
	assertNoEvent(t, w)

	clock.Advance(DefaultRenameWindow + time.Millisecond)
	assert.Equal(t, Event{Kind: EventDelete, Path: "gone.md"}, nextEvent(t, w))
}

func TestWatcher_SecondDepartureFlushesFirst(t *testing.T) {
	w, _ := newTestWatcher(t, "b2.md")

	w.handle(notify.Rename, "/vault/a.md")
	w.handle(notify.Rename, "/vault/b.md")
	assert.Equal(t, Event{Kind: EventDelete, Path: "a.md"}, nextEvent(t, w))

	w.handle(notify.Create, "/vault/b2.md")
	assert.Equal(t, Event{Kind: EventRename, Path: "b2.md", OldPath: "b.md"}, nextEvent(t, w))
}

func TestWatcher_TempFileMovedIntoPlace(t *testing.T) {
	w, _ := newTestWatcher(t, "a.md")

	w.handle(notify.Create, "/vault/.a.md.123"+tempSuffix)
	w.handle(notify.Rename, "/vault/.a.md.123"+tempSuffix)
	w.handle(notify.Create, "/vault/a.md")

	assert.Equal(t, Event{Kind: EventModify, Path: "a.md"}, nextEvent(t, w))
	assertNoEvent(t, w)
}

func TestWatcher_IgnoresDirectories(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.stat = func(string) (bool, bool) { return true, true }

	w.handle(notify.Create, "/vault/folder")
	assertNoEvent(t, w)
}

func TestWatcher_RealFilesystem(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	w := NewWatcher(dir)
	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(w.Stop)

	path := filepath.Join(dir, "test.md")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "test.md", ev.Path)
		assert.Contains(t, []EventKind{EventCreate, EventModify}, ev.Kind)
	case <-time.After(2 * time.Second):
		assert.FailNow(t, "timeout waiting for file event")
	}
}
