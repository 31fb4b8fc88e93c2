package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"photo-engine/internal/logging"
	"photo-engine/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

// EventType classifies a directory change.
type EventType string

const (
	EventCreate EventType = "create"
	EventDelete EventType = "delete"
	EventModify EventType = "modify"
)

// Event is one observed change to a file in the watched directory.
type Event struct {
	Type EventType
	Path string
}

// stamp is the identity snapshot used to suppress no-op modify events.
type stamp struct {
	modTime time.Time
	size    int64
}

// Watcher observes one directory (non-recursive) and emits file events.
type Watcher struct {
	dir    string
	accept func(name string) bool

	fsw    *fsnotify.Watcher
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu    sync.Mutex
	known map[string]stamp
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithFilter restricts events to file names the predicate accepts.
func WithFilter(accept func(name string) bool) Option {
	return func(w *Watcher) { w.accept = accept }
}

// New starts watching dir. The current listing seeds the known-file set,
// so only changes after this call produce events.
func New(dir string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		dir:    dir,
		accept: func(string) bool { return true },
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		known:  make(map[string]stamp),
	}
	for _, opt := range opts {
		opt(w)
	}

	listing, err := w.listDir()
	if err != nil {
		return nil, err
	}
	w.known = listing

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop()

	logging.Debug("Watching %s (%d known files)", dir, len(w.known))
	return w, nil
}

// Events returns the channel change events are delivered on. It is
// closed by Close.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher and closes the event channel.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

// loop translates native notifications into events. Any watcher error,
// including a kernel event-queue overflow, triggers a full rescan so no
// change is permanently missed.
func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logging.Warn("Event overflow on %s, rescanning", w.dir)
			} else {
				logging.Warn("Watcher error on %s: %v, rescanning", w.dir, err)
			}
			w.Rescan()
		}
	}
}

// handleEvent maps one fsnotify operation onto the event model. Writes
// that leave size and mtime untouched are suppressed.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") || !w.accept(name) {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return
		}
		w.mu.Lock()
		w.known[name] = stamp{modTime: info.ModTime(), size: info.Size()}
		w.mu.Unlock()
		w.emit(Event{Type: EventCreate, Path: ev.Name})

	case ev.Op&fsnotify.Write != 0:
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return
		}
		cur := stamp{modTime: info.ModTime(), size: info.Size()}
		w.mu.Lock()
		prev, seen := w.known[name]
		w.known[name] = cur
		w.mu.Unlock()
		if seen && !cur.modTime.After(prev.modTime) && cur.size == prev.size {
			return
		}
		if !seen {
			w.emit(Event{Type: EventCreate, Path: ev.Name})
			return
		}
		w.emit(Event{Type: EventModify, Path: ev.Name})

	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		_, seen := w.known[name]
		delete(w.known, name)
		w.mu.Unlock()
		if seen {
			w.emit(Event{Type: EventDelete, Path: ev.Name})
		}
	}
}

// Rescan lists the directory and emits exactly the events needed to
// bring a consumer from the previously known state to the current one.
func (w *Watcher) Rescan() {
	metrics.WatcherRescansTotal.Inc()

	listing, err := w.listDir()
	if err != nil {
		logging.Warn("Rescan of %s failed: %v", w.dir, err)
		return
	}

	w.mu.Lock()
	prev := w.known
	w.known = listing
	w.mu.Unlock()

	for name, cur := range listing {
		old, seen := prev[name]
		switch {
		case !seen:
			w.emit(Event{Type: EventCreate, Path: filepath.Join(w.dir, name)})
		case cur.modTime.After(old.modTime) || cur.size != old.size:
			w.emit(Event{Type: EventModify, Path: filepath.Join(w.dir, name)})
		}
	}
	for name := range prev {
		if _, still := listing[name]; !still {
			w.emit(Event{Type: EventDelete, Path: filepath.Join(w.dir, name)})
		}
	}
}

// listDir snapshots the directory's accepted files with their stamps.
func (w *Watcher) listDir() (map[string]stamp, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}

	out := make(map[string]stamp, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !w.accept(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out[name] = stamp{modTime: info.ModTime(), size: info.Size()}
	}
	return out, nil
}

func (w *Watcher) emit(ev Event) {
	metrics.WatcherEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	select {
	case w.events <- ev:
	case <-w.done:
	}
}
