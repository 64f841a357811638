// Package watcher observes the workspace filesystem and emits normalized
// change events for externally-caused edits.
//
// Raw fsnotify events are filtered for relevance, debounced per path so
// bursts collapse to one evaluation, and checked against the store's
// self-write registry so the server's own atomic writes are never re-reported
// as external changes. The fsnotify delivery goroutine only filters and arms
// timers; evaluation (disk read, suppression check, emit) runs on timer
// goroutines and hands events to the serving domain through a buffered
// channel.
package watcher

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mdsync/mdsync/internal/store"
	"github.com/mdsync/mdsync/internal/workspace"
)

// Origin tells whether a change was caused by this process or an external
// writer. Self-inflicted changes are suppressed and never emitted; the field
// exists so consumers never have to infer provenance.
type Origin int

const (
	// OriginSelf marks a change caused by the server's own write.
	OriginSelf Origin = iota
	// OriginExternal marks a change caused by another process.
	OriginExternal
)

// String returns a human-readable representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginSelf:
		return "self"
	case OriginExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ChangeEvent is one externally-caused content change, ready for broadcast.
type ChangeEvent struct {
	// Path is workspace-relative with forward slashes.
	Path string
	// Content is the file content read after the change settled.
	Content string
	Origin  Origin
	At      time.Time
}

// DefaultDebounce is how long a path must stay quiet before its pending
// events collapse into one evaluation.
const DefaultDebounce = 200 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Debounce window per path (default 200ms).
	Debounce time.Duration
	// Logger for watcher activity (default stderr).
	Logger *log.Logger
	// EventBuffer sizes the outgoing event channel (default 64).
	EventBuffer int
}

// Watcher watches one workspace root recursively.
type Watcher struct {
	ws       *workspace.Workspace
	st       *store.Store
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger
	events   chan ChangeEvent

	mu      sync.Mutex
	running bool
	timers  map[string]*time.Timer // relative path -> pending debounce

	done   chan struct{}
	wg     sync.WaitGroup
	evalWG sync.WaitGroup // in-flight timer evaluations
}

// New creates a watcher over the workspace. Start must be called before
// events are emitted.
func New(ws *workspace.Workspace, st *store.Store, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		ws:       ws,
		st:       st,
		fsw:      fsw,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		events:   make(chan ChangeEvent, opts.EventBuffer),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the workspace root and all of its subdirectories.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}
	if err := w.addRecursive(w.ws.Root()); err != nil {
		return err
	}
	w.running = true
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop stops watching, cancels pending debounce timers, and closes the
// event channel. It blocks until the delivery goroutine and any in-flight
// evaluations have finished, so an evaluation parked on a file lock can
// never race the channel close.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for rel, t := range w.timers {
		if t.Stop() {
			// Prevented from firing; its evaluation will never run.
			w.evalWG.Done()
		}
		delete(w.timers, rel)
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	w.evalWG.Wait()
	close(w.events)
	if err != nil {
		return fmt.Errorf("closing fsnotify watcher: %w", err)
	}
	return nil
}

// Events returns the channel of externally-caused change events. Closed by
// Stop.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// run is the fsnotify delivery loop. It must stay non-blocking: it filters,
// arms per-path timers, and grows the watch set, nothing else.
func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Printf("watching new directory %s: %v", event.Name, err)
			}
			return
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		// Chmod and remove carry no new content to broadcast.
		return
	}
	rel, ok := w.relevant(event.Name)
	if !ok {
		return
	}
	w.schedule(rel)
}

// relevant filters events before they enter the debounce pipeline: markdown
// files inside the workspace only, never our own lock or staging artifacts.
func (w *Watcher) relevant(path string) (string, bool) {
	if store.IsLockArtifact(path) || store.IsTempArtifact(path) {
		return "", false
	}
	if !workspace.IsMarkdown(path) {
		return "", false
	}
	rel, err := w.ws.Rel(path)
	if err != nil {
		return "", false
	}
	return rel, true
}

// schedule (re)starts the debounce timer for one path. Idle -> pending; a
// new event while pending pushes the evaluation out again.
func (w *Watcher) schedule(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.timers[rel]; ok {
		t.Reset(w.debounce)
		return
	}
	// One pending timer is one future evaluation; the balancing Done is in
	// the callback, or in Stop when it wins the race against firing.
	w.evalWG.Add(1)
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		defer w.evalWG.Done()
		w.evaluate(rel)
	})
}

// evaluate runs once per settled burst: read the current content, suppress
// if it matches a recorded self-write, otherwise emit an external change
// event. Any per-file failure is logged and dropped; it never stops the
// watch loop.
func (w *Watcher) evaluate(rel string) {
	w.mu.Lock()
	delete(w.timers, rel)
	running := w.running
	w.mu.Unlock()
	if !running {
		return
	}

	content, err := w.st.Read(rel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Printf("reading changed file %s: %v", rel, err)
		}
		return
	}

	if w.st.SelfWrites().MatchAndConsume(rel, content) {
		return
	}

	event := ChangeEvent{
		Path:    rel,
		Content: content,
		Origin:  OriginExternal,
		At:      time.Now(),
	}
	select {
	case w.events <- event:
	case <-w.done:
	default:
		w.logger.Printf("event buffer full, dropping change for %s", rel)
	}
}
