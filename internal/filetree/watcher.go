package filetree

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	DefaultRenameWindow = 250 * time.Millisecond
	eventBufferSize     = 256
)

type pendingRename struct {
	path  string
	timer clockwork.Timer
}

// Watcher turns notify events under root into Events. A rename away from a
// path is held for the rename window: a create that follows in time becomes a
// single rename, otherwise the old path is reported deleted. Directories are
// not reported.
type Watcher struct {
	root         string
	filter       Filter
	clock        clockwork.Clock
	renameWindow time.Duration
	stat         func(abs string) (exists bool, isDir bool)

	raw    chan notify.EventInfo
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  *pendingRename
	stopped  bool
	stopOnce sync.Once
}

func NewWatcher(root string) *Watcher {
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &Watcher{
		root:         root,
		clock:        clockwork.NewRealClock(),
		renameWindow: DefaultRenameWindow,
		stat:         statPath,
		events:       make(chan Event, eventBufferSize),
		done:         make(chan struct{}),
	}
}

func (w *Watcher) SetFilter(filter Filter) {
	w.filter = filter
}

func (w *Watcher) SetClock(clock clockwork.Clock) {
	w.clock = clock
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", w.root)

	w.raw = make(chan notify.EventInfo, eventBufferSize)
	recursive := filepath.Join(w.root, "...")
	if err := notify.Watch(recursive, w.raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop ends watching and closes the Events channel.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.raw != nil {
			notify.Stop(w.raw)
		}
		w.wg.Wait()

		w.mu.Lock()
		if w.pending != nil {
			w.pending.timer.Stop()
			w.pending = nil
		}
		w.stopped = true
		w.mu.Unlock()

		close(w.events)
		slog.Info("file watcher stopped")
	})
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.handle(ev.Event(), ev.Path())
		}
	}
}

func (w *Watcher) handle(kind notify.Event, abs string) {
	rel, ok := w.relPath(abs)
	if !ok {
		return
	}

	exists, isDir := w.stat(abs)
	if isDir {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	switch kind {
	case notify.Rename:
		if exists {
			w.arrive(rel)
		} else {
			w.depart(rel)
		}
	case notify.Create:
		w.arrive(rel)
	case notify.Write:
		w.emit(Event{Kind: EventModify, Path: rel})
	case notify.Remove:
		w.emit(Event{Kind: EventDelete, Path: rel})
	}
}

// arrive handles a file appearing at rel. Caller holds mu.
func (w *Watcher) arrive(rel string) {
	if w.pending == nil {
		w.emit(Event{Kind: EventCreate, Path: rel})
		return
	}

	old := w.pending.path
	w.pending.timer.Stop()
	w.pending = nil

	switch {
	case w.skip(old) && w.skip(rel):
	case w.skip(old):
		// temp file moved into place
		w.emit(Event{Kind: EventModify, Path: rel})
	case w.skip(rel):
		w.emit(Event{Kind: EventDelete, Path: old})
	default:
		w.emit(Event{Kind: EventRename, Path: rel, OldPath: old})
	}
}

// depart handles a file renamed away from rel. Caller holds mu.
func (w *Watcher) depart(rel string) {
	if w.pending != nil {
		w.pending.timer.Stop()
		w.emit(Event{Kind: EventDelete, Path: w.pending.path})
	}

	p := &pendingRename{path: rel}
	p.timer = w.clock.AfterFunc(w.renameWindow, func() {
		w.expire(p)
	})
	w.pending = p
}

func (w *Watcher) expire(p *pendingRename) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || w.pending != p {
		return
	}
	w.pending = nil
	w.emit(Event{Kind: EventDelete, Path: p.path})
}

// emit delivers ev unless it is filtered. Caller holds mu.
func (w *Watcher) emit(ev Event) {
	if w.skip(ev.Path) {
		return
	}
	select {
	case w.events <- ev:
		slog.Debug("file watcher", "event", ev.Kind, "path", ev.Path)
	case <-w.done:
	}
}

func (w *Watcher) skip(rel string) bool {
	return w.filter != nil && w.filter(rel, false)
}

func (w *Watcher) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = utils.NormPath(filepath.ToSlash(rel))
	return rel, rel != ""
}

func statPath(abs string) (bool, bool) {
	info, err := os.Stat(abs)
	if err != nil {
		return false, false
	}
	return true, info.IsDir()
}
