package dslock

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind names a lock file transition seen by Watch.
type EventKind string

const (
	// EventSnapshot carries the state found when the watch started.
	EventSnapshot EventKind = "snapshot"
	// EventAcquired reports a new holder.
	EventAcquired EventKind = "acquired"
	// EventRefreshed reports a new expiry written by the current holder.
	EventRefreshed EventKind = "refreshed"
	// EventReleased reports that the lock file was removed.
	EventReleased EventKind = "released"
	// EventRecovered reports that the lock file was renamed away by a
	// recovering process.
	EventRecovered EventKind = "recovered"
	// EventMalformed reports a lock file that violates the record schema.
	EventMalformed EventKind = "malformed"
)

// Event is one observed change of a lock file.
type Event struct {
	Kind   EventKind `json:"kind" yaml:"kind"`
	Path   string    `json:"path" yaml:"path"`
	At     time.Time `json:"at" yaml:"at"`
	Status Status    `json:"status" yaml:"status"`
}

// Watch streams changes of the lock file for dataset until ctx is done. The
// first event is a snapshot of the current state. Events are advisory:
// Acquire never relies on them and bursts may be coalesced.
func Watch(ctx context.Context, dir, dataset string, opts ...Option) (<-chan Event, error) {
	opts = append(opts, WithoutMetrics(), withoutMkdir())
	l, err := New(dir, dataset, opts...)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dslock: create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("dslock: watch %s: %w", l.dir, err)
	}
	initial, err := l.Inspect(ctx)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	events := make(chan Event, 16)
	go l.runWatch(ctx, watcher, initial, events)
	return events, nil
}

func (l *Locker) runWatch(ctx context.Context, watcher *fsnotify.Watcher, initial Status, events chan<- Event) {
	defer close(events)
	defer watcher.Close()
	logger := l.loggerFor(ctx)

	emit := func(kind EventKind, st Status) bool {
		ev := Event{Kind: kind, Path: l.path, At: l.clock.Now(), Status: st}
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var last *Status
	if initial.Present {
		last = &initial
	}
	if !emit(EventSnapshot, initial) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("lock.watch.error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				st, err := l.Inspect(ctx)
				if err != nil {
					logger.Warn("lock.watch.inspect_failed", "error", err)
					continue
				}
				if !st.Present {
					continue
				}
				kind := transition(last, st)
				if kind == "" {
					continue
				}
				last = &st
				if !emit(kind, st) {
					return
				}
			case ev.Has(fsnotify.Remove):
				last = nil
				if !emit(EventReleased, Status{Dataset: l.dataset, Path: l.path}) {
					return
				}
			case ev.Has(fsnotify.Rename):
				last = nil
				if !emit(EventRecovered, Status{Dataset: l.dataset, Path: l.path}) {
					return
				}
			}
		}
	}
}

// transition decides which event a freshly read status represents relative
// to the previous one. Empty means nothing changed.
func transition(prev *Status, st Status) EventKind {
	if st.Malformed {
		if prev != nil && prev.Malformed && prev.Problem == st.Problem {
			return ""
		}
		return EventMalformed
	}
	if prev == nil || prev.Malformed ||
		prev.PID != st.PID ||
		prev.Hostname != st.Hostname ||
		prev.WriterID != st.WriterID ||
		!prev.AcquiredAt.Equal(st.AcquiredAt) {
		return EventAcquired
	}
	if !prev.ExpiresAt.Equal(st.ExpiresAt) {
		return EventRefreshed
	}
	return ""
}
