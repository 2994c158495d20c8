package sync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/blobsync/internal/filetree"
)

const (
	DefaultDebounce = time.Second
	maxIdleSlots    = 1024
)

// EventHandler consumes a coalesced event.
type EventHandler func(ctx context.Context, ev filetree.Event)

// slotKey identifies a logical change. Renames also key on their source, so
// two different files moved onto one target are both handled.
type slotKey struct {
	kind    filetree.EventKind
	path    string
	oldPath string
}

type slot struct {
	until  time.Time
	timer  clockwork.Timer
	latest filetree.Event
	ctx    context.Context
}

// ChangeScheduler coalesces events per (kind, path) within a window. A rename
// is further keyed by the path it came from.
//
// In leading mode the first event of an idle period runs the handler at once,
// on the caller's goroutine, and every event for the same key until the window
// closes is dropped. In trailing mode each event restarts the window and the
// most recent one runs once the window passes quietly.
type ChangeScheduler struct {
	window  time.Duration
	leading bool
	handler EventHandler
	clock   clockwork.Clock

	mu      sync.Mutex
	slots   map[slotKey]*slot
	wg      sync.WaitGroup
	stopped bool
}

func NewChangeScheduler(window time.Duration, leading bool, handler EventHandler) *ChangeScheduler {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &ChangeScheduler{
		window:  window,
		leading: leading,
		handler: handler,
		clock:   clockwork.NewRealClock(),
		slots:   make(map[slotKey]*slot),
	}
}

func (s *ChangeScheduler) SetClock(clock clockwork.Clock) {
	s.clock = clock
}

// Submit offers ev to the scheduler. It reports false when the event was
// dropped.
func (s *ChangeScheduler) Submit(ctx context.Context, ev filetree.Event) bool {
	key := slotKey{kind: ev.Kind, path: ev.Path}
	if ev.Kind == filetree.EventRename {
		key.oldPath = ev.OldPath
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}

	if s.leading {
		now := s.clock.Now()
		if sl, ok := s.slots[key]; ok && now.Before(sl.until) {
			s.mu.Unlock()
			return false
		}
		s.slots[key] = &slot{until: now.Add(s.window)}
		s.sweep(now)
		s.mu.Unlock()

		s.handler(ctx, ev)
		return true
	}

	if sl, ok := s.slots[key]; ok {
		sl.latest = ev
		sl.ctx = ctx
		// a timer that already fired delivers the updated slot
		if sl.timer.Stop() {
			sl.timer.Reset(s.window)
		}
		s.mu.Unlock()
		return true
	}

	sl := &slot{latest: ev, ctx: ctx}
	s.slots[key] = sl
	s.wg.Add(1)
	sl.timer = s.clock.AfterFunc(s.window, func() { s.fire(key, sl) })
	s.mu.Unlock()
	return true
}

func (s *ChangeScheduler) fire(key slotKey, sl *slot) {
	defer s.wg.Done()

	s.mu.Lock()
	if s.slots[key] != sl || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.slots, key)
	ev, ctx := sl.latest, sl.ctx
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	s.handler(ctx, ev)
}

// sweep drops leading slots whose window has closed. Callers hold mu.
func (s *ChangeScheduler) sweep(now time.Time) {
	if len(s.slots) <= maxIdleSlots {
		return
	}
	for key, sl := range s.slots {
		if sl.timer == nil && !now.Before(sl.until) {
			delete(s.slots, key)
		}
	}
}

// Pending returns the number of keys currently inside a window.
func (s *ChangeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, sl := range s.slots {
		if sl.timer != nil || now.Before(sl.until) {
			n++
		}
	}
	return n
}

// Stop drops queued trailing events and waits for running handlers.
func (s *ChangeScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, sl := range s.slots {
		if sl.timer != nil && sl.timer.Stop() {
			s.wg.Done()
		}
		delete(s.slots, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
