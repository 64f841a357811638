// Package docsync implements the per-document synchronization state machine
// that reconciles editor content, last-saved content, and on-disk content.
//
// One Document exists per open document per session. A document is Clean
// when editor, last-saved, and disk agree as far as known, Dirty when the
// editor has diverged, and ConflictPending when an external change landed
// while Dirty. Conflicts are always resolved by explicit choice (save mine,
// discard mine, cancel), never by silent merging or overwrite.
package docsync

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the synchronization state of one open document.
type State int

const (
	// Clean means editor == last_saved == disk, as far as known.
	Clean State = iota
	// Dirty means the editor content has diverged from last_saved.
	Dirty
	// ConflictPending means an external change arrived while Dirty.
	ConflictPending
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case ConflictPending:
		return "conflict-pending"
	default:
		return "unknown"
	}
}

// Resolution is the user's explicit choice for a pending conflict.
type Resolution int

const (
	// SaveMine writes the editor content to disk, discarding the external
	// change.
	SaveMine Resolution = iota
	// DiscardMine reloads the disk content, discarding local edits.
	DiscardMine
	// Cancel defers the decision; the conflict stays pending.
	Cancel
)

// ErrNoConflict is returned when a resolution is issued while no conflict is
// pending.
var ErrNoConflict = errors.New("no conflict pending")

// DefaultAutosaveDelay is the quiet period after an edit before the document
// autosaves.
const DefaultAutosaveDelay = time.Second

// FileStore is the slice of the file store a document needs. Content passed
// to Write and returned by Read is always confirmed disk state; last_saved
// is only ever set from these calls, never inferred.
type FileStore interface {
	Read(rel string) (string, error)
	Write(rel, content string) error
}

// Options configures a Document.
type Options struct {
	// AutosaveDelay is the edit debounce before autosave (default 1s).
	AutosaveDelay time.Duration
	// OnAutosaveError is called when a debounced autosave fails; the
	// document stays Dirty. Optional.
	OnAutosaveError func(path string, err error)
}

// Document is the state machine for one open document.
type Document struct {
	path  string
	fs    FileStore
	delay time.Duration
	onErr func(string, error)

	mu        sync.Mutex
	state     State
	editor    string
	lastSaved string
	autosave  *time.Timer
	closed    bool
}

// Open reads the document from disk and starts it Clean.
func Open(fs FileStore, path string, opts Options) (*Document, error) {
	if opts.AutosaveDelay <= 0 {
		opts.AutosaveDelay = DefaultAutosaveDelay
	}
	content, err := fs.Read(path)
	if err != nil {
		return nil, fmt.Errorf("opening document %s: %w", path, err)
	}
	return &Document{
		path:      path,
		fs:        fs,
		delay:     opts.AutosaveDelay,
		onErr:     opts.OnAutosaveError,
		state:     Clean,
		editor:    content,
		lastSaved: content,
	}, nil
}

// Path returns the document's workspace-relative path.
func (d *Document) Path() string { return d.path }

// State returns the current synchronization state.
func (d *Document) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// EditorContent returns the current in-memory editor content.
func (d *Document) EditorContent() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.editor
}

// LastSaved returns the last content confirmed written to or read from disk.
func (d *Document) LastSaved() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSaved
}

// Edit applies a local edit. An edit that diverges from last_saved moves a
// Clean document to Dirty and (re)arms the debounced autosave; an edit that
// restores last_saved returns to Clean. Edits during a pending conflict keep
// the conflict pending.
func (d *Document) Edit(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.editor = content
	if d.state == ConflictPending {
		return
	}
	if content == d.lastSaved {
		d.state = Clean
		d.stopAutosaveLocked()
		return
	}
	d.state = Dirty
	d.armAutosaveLocked()
}

// Save writes the editor content to disk immediately. Succeeds only from
// Dirty; a Clean document has nothing to save and a pending conflict must be
// resolved explicitly first.
func (d *Document) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Dirty {
		return nil
	}
	return d.saveLocked()
}

// ApplyExternal handles an external change event for this document. While
// Clean the new content is silently reloaded; while Dirty the document moves
// to ConflictPending and nothing is reloaded.
func (d *Document) ApplyExternal(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	switch d.state {
	case Clean:
		d.editor = content
		d.lastSaved = content
	case Dirty:
		d.state = ConflictPending
		d.stopAutosaveLocked()
	case ConflictPending:
		// Already pending; the resolution re-reads disk, so nothing to do.
	}
}

// Resolve applies the user's choice for a pending conflict.
func (d *Document) Resolve(r Resolution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != ConflictPending {
		return fmt.Errorf("%w: document %s is %s", ErrNoConflict, d.path, d.state)
	}
	switch r {
	case SaveMine:
		return d.saveLocked()
	case DiscardMine:
		content, err := d.fs.Read(d.path)
		if err != nil {
			return fmt.Errorf("reloading %s: %w", d.path, err)
		}
		d.editor = content
		d.lastSaved = content
		d.state = Clean
		d.stopAutosaveLocked()
		return nil
	case Cancel:
		// Decision deferred; the conflict stays pending.
		return nil
	default:
		return fmt.Errorf("unknown resolution %d", r)
	}
}

// CheckBeforeSwitch re-checks disk before any action that would replace the
// active document. While Dirty, disk content that diverged from last_saved
// raises ConflictPending and returns true; the caller must run the usual
// resolution before proceeding. Clean documents never conflict here.
func (d *Document) CheckBeforeSwitch() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Clean {
		return false, nil
	}
	if d.state == ConflictPending {
		return true, nil
	}
	content, err := d.fs.Read(d.path)
	if err != nil {
		return false, fmt.Errorf("re-checking %s: %w", d.path, err)
	}
	if content != d.lastSaved {
		d.state = ConflictPending
		d.stopAutosaveLocked()
		return true, nil
	}
	return false, nil
}

// Close stops the pending autosave. The document must not be used after.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.stopAutosaveLocked()
}

// saveLocked writes the current editor content and, on success, records it
// as last_saved and returns to Clean. On failure the state is unchanged.
func (d *Document) saveLocked() error {
	if err := d.fs.Write(d.path, d.editor); err != nil {
		return fmt.Errorf("saving %s: %w", d.path, err)
	}
	d.lastSaved = d.editor
	d.state = Clean
	d.stopAutosaveLocked()
	return nil
}

func (d *Document) armAutosaveLocked() {
	if d.autosave != nil {
		d.autosave.Reset(d.delay)
		return
	}
	d.autosave = time.AfterFunc(d.delay, d.autosaveFire)
}

func (d *Document) stopAutosaveLocked() {
	if d.autosave != nil {
		d.autosave.Stop()
		d.autosave = nil
	}
}

func (d *Document) autosaveFire() {
	d.mu.Lock()
	if d.closed || d.state != Dirty {
		d.mu.Unlock()
		return
	}
	err := d.saveLocked()
	path := d.path
	onErr := d.onErr
	d.mu.Unlock()
	if err != nil && onErr != nil {
		onErr(path, err)
	}
}
