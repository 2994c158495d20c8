package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/blobsync/internal/filetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []filetree.Event
	fired  chan filetree.Event
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan filetree.Event, 16)}
}

func (r *recorder) handle(_ context.Context, ev filetree.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	select {
	case r.fired <- ev:
	default:
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestScheduler(window time.Duration, leading bool) (*ChangeScheduler, *recorder, *clockwork.FakeClock) {
	rec := newRecorder()
	clock := clockwork.NewFakeClock()
	s := NewChangeScheduler(window, leading, rec.handle)
	s.SetClock(clock)
	return s, rec, clock
}

func TestChangeScheduler_LeadingEdgeCoalesces(t *testing.T) {
	s, rec, clock := newTestScheduler(time.Second, true)
	ev := filetree.Event{Kind: filetree.EventModify, Path: "a.txt"}

	assert.True(t, s.Submit(t.Context(), ev))
	for range 9 {
		clock.Advance(50 * time.Millisecond)
		assert.False(t, s.Submit(t.Context(), ev))
	}

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, s.Pending())

	// the window is over: the next burst runs again
	clock.Advance(time.Second)
	assert.True(t, s.Submit(t.Context(), ev))
	assert.Equal(t, 2, rec.count())
}

func TestChangeScheduler_KeysByKindAndPath(t *testing.T) {
	s, rec, _ := newTestScheduler(time.Second, true)

	assert.True(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventModify, Path: "a.txt"}))
	assert.True(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventModify, Path: "b.txt"}))
	assert.True(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventDelete, Path: "a.txt"}))
	assert.False(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventModify, Path: "a.txt"}))

	assert.Equal(t, 3, rec.count())
}

func TestChangeScheduler_RenamesKeyBySource(t *testing.T) {
	s, rec, _ := newTestScheduler(time.Second, true)

	assert.True(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventRename, Path: "c.txt", OldPath: "a.txt"}))
	assert.True(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventRename, Path: "c.txt", OldPath: "b.txt"}))
	assert.False(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventRename, Path: "c.txt", OldPath: "b.txt"}))

	assert.Equal(t, 2, rec.count())
	assert.Equal(t, 2, s.Pending())
}

func TestChangeScheduler_TrailingRunsLatestOnce(t *testing.T) {
	s, rec, clock := newTestScheduler(time.Second, false)

	for range 3 {
		require.True(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventModify, Path: "a.txt"}))
		clock.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, 0, rec.count())

	clock.Advance(time.Second)

	select {
	case ev := <-rec.fired:
		assert.Equal(t, "a.txt", ev.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("trailing handler did not run")
	}

	s.Stop()
	assert.Equal(t, 1, rec.count())
}

func TestChangeScheduler_StopDropsQueued(t *testing.T) {
	s, rec, clock := newTestScheduler(time.Second, false)

	require.True(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventModify, Path: "a.txt"}))
	s.Stop()
	clock.Advance(2 * time.Second)

	assert.Equal(t, 0, rec.count())
	assert.False(t, s.Submit(t.Context(), filetree.Event{Kind: filetree.EventModify, Path: "a.txt"}))
}

func TestChangeScheduler_SweepsClosedWindows(t *testing.T) {
	s, rec, clock := newTestScheduler(time.Second, true)

	for i := range maxIdleSlots + 1 {
		s.Submit(t.Context(), filetree.Event{Kind: filetree.EventModify, Path: fmt.Sprintf("f%d.txt", i)})
	}
	clock.Advance(2 * time.Second)
	s.Submit(t.Context(), filetree.Event{Kind: filetree.EventModify, Path: "last"})

	assert.Equal(t, maxIdleSlots+2, rec.count())
	assert.Equal(t, 1, s.Pending())
	s.mu.Lock()
	assert.Len(t, s.slots, 1)
	s.mu.Unlock()
}
